package compute

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) *CPUDevice {
	t.Helper()
	return NewCPUDevice(CPUConfig{Workers: 4, MinChunk: 3})
}

// scale multiplies set 0 binding 0 by the uniform in binding 1 into binding 2.
func scaleKernel(b Bindings) Invocation {
	x := b.Data(0, 0)
	u := b.Data(0, 1)
	y := b.Data(0, 2)
	return func(i, _, _ uint32) {
		y[i] = u[0] * x[i]
	}
}

func scaleFactory() *UniformSetFactory {
	return NewUniformSetFactory("scale",
		Binding{Name: "x", Usage: UsageStorage},
		Binding{Name: "u", Usage: UsageUniform},
		Binding{Name: "y", Usage: UsageStorage})
}

func TestUniformSetLayout(t *testing.T) {
	d := newTestDevice(t)
	f := scaleFactory()
	x, _ := d.NewBuffer("x", UsageStorage, 4)
	u, _ := d.NewBuffer("u", UsageUniform, 1)

	_, err := f.NewSet(x, u)
	assert.ErrorIs(t, err, ErrLayout)

	_, err = f.NewSet(x, x, x)
	assert.ErrorIs(t, err, ErrLayout, "uniform slot must reject storage buffer")

	s, err := f.NewSet(x, u, nil)
	require.NoError(t, err)
	assert.Nil(t, s.Ref(2))
	assert.True(t, f.SameLayout(f.Layout()))
}

func TestDispatchRequiresPass(t *testing.T) {
	d := newTestDevice(t)
	p, err := d.NewPipeline("scale", scaleKernel, scaleFactory())
	require.NoError(t, err)
	assert.ErrorIs(t, d.BindPipeline(p), ErrNoPass)
	assert.ErrorIs(t, d.Dispatch(HazardNone, 1, 1, 1), ErrNoPass)

	require.NoError(t, d.Begin())
	assert.ErrorIs(t, d.Begin(), ErrPassActive)
	assert.ErrorIs(t, d.Dispatch(HazardNone, 1, 1, 1), ErrNoPipeline)
	require.NoError(t, d.End())
}

func TestDispatchUnboundSet(t *testing.T) {
	d := newTestDevice(t)
	f := scaleFactory()
	p, _ := d.NewPipeline("scale", scaleKernel, f)
	x, _ := d.NewBuffer("x", UsageStorage, 4)
	u, _ := d.NewBuffer("u", UsageUniform, 1)
	s, _ := f.NewSet(x, u, nil)

	require.NoError(t, d.Begin())
	require.NoError(t, d.BindPipeline(p))
	require.NoError(t, d.BindUniformSets(s))
	assert.ErrorIs(t, d.Dispatch(HazardNone, 4, 1, 1), ErrLayout)
	require.NoError(t, d.End())
}

func TestDispatchChainWithHazards(t *testing.T) {
	d := newTestDevice(t)
	f := scaleFactory()
	p, _ := d.NewPipeline("scale", scaleKernel, f)

	const n = 50
	a, _ := d.NewBuffer("a", UsageStorage, n)
	b, _ := d.NewBuffer("b", UsageStorage, n)
	c, _ := d.NewBuffer("c", UsageStorage, n)
	two, _ := d.NewBuffer("two", UsageUniform, 1)
	src := make([]float64, n)
	for i := range src {
		src[i] = float64(i)
	}
	require.NoError(t, d.Write(a, 0, src))
	require.NoError(t, d.Write(two, 0, []float64{2}))

	s1, _ := f.NewSet(a, two, b)
	s2, _ := f.NewSet(b, two, c)

	require.NoError(t, d.Begin())
	require.NoError(t, d.BindPipeline(p))
	require.NoError(t, d.BindUniformSets(s1))
	require.NoError(t, d.Dispatch(HazardNone, n, 1, 1))
	require.NoError(t, d.BindUniformSets(s2))
	require.NoError(t, d.Dispatch(HazardRAW, n, 1, 1))
	require.NoError(t, d.End())

	out := make([]float64, n)
	require.NoError(t, d.Read(c, 0, out))
	for i := range out {
		assert.Equal(t, 4*float64(i), out[i])
	}
	st := d.Stats()
	assert.Equal(t, uint64(2), st.Dispatches)
	assert.Equal(t, uint64(1), st.Barriers)
}

func TestUpdateAfterDispatchKeepsSnapshot(t *testing.T) {
	d := newTestDevice(t)
	f := scaleFactory()
	p, _ := d.NewPipeline("scale", scaleKernel, f)
	a, _ := d.NewBuffer("a", UsageStorage, 2)
	b, _ := d.NewBuffer("b", UsageStorage, 2)
	y, _ := d.NewBuffer("y", UsageStorage, 2)
	u, _ := d.NewBuffer("u", UsageUniform, 1)
	require.NoError(t, d.Write(a, 0, []float64{1, 2}))
	require.NoError(t, d.Write(b, 0, []float64{10, 20}))
	require.NoError(t, d.Write(u, 0, []float64{3}))

	s, _ := f.NewSet(a, u, y)
	require.NoError(t, d.Begin())
	require.NoError(t, d.BindPipeline(p))
	require.NoError(t, d.BindUniformSets(s))
	require.NoError(t, d.Dispatch(HazardNone, 2, 1, 1))
	require.NoError(t, s.Update(0, b))
	require.NoError(t, d.End())

	out := make([]float64, 2)
	require.NoError(t, d.Read(y, 0, out))
	assert.Equal(t, []float64{3, 6}, out)
}

func TestGrid3D(t *testing.T) {
	d := newTestDevice(t)
	f := NewUniformSetFactory("grid", Binding{Name: "y", Usage: UsageStorage})
	k := func(b Bindings) Invocation {
		y := b.Data(0, 0)
		return func(x, yy, z uint32) {
			y[z*12+yy*4+x] = float64(100*z + 10*yy + x)
		}
	}
	p, _ := d.NewPipeline("grid", k, f)
	buf, _ := d.NewBuffer("y", UsageStorage, 24)
	s, _ := f.NewSet(buf)

	require.NoError(t, d.Begin())
	require.NoError(t, d.BindPipeline(p))
	require.NoError(t, d.BindUniformSets(s))
	require.NoError(t, d.Dispatch(HazardNone, 4, 3, 2))
	require.NoError(t, d.End())

	out := make([]float64, 24)
	require.NoError(t, d.Read(buf, 0, out))
	assert.Equal(t, 123.0, out[1*12+2*4+3])
	assert.Equal(t, 0.0, out[0])
}

func TestKernelPanicBecomesError(t *testing.T) {
	d := newTestDevice(t)
	f := NewUniformSetFactory("bad", Binding{Name: "y", Usage: UsageStorage})
	k := func(b Bindings) Invocation {
		y := b.Data(0, 0)
		return func(x, _, _ uint32) { y[x+10] = 1 }
	}
	p, _ := d.NewPipeline("bad", k, f)
	buf, _ := d.NewBuffer("y", UsageStorage, 2)
	s, _ := f.NewSet(buf)

	require.NoError(t, d.Begin())
	require.NoError(t, d.BindPipeline(p))
	require.NoError(t, d.BindUniformSets(s))
	require.NoError(t, d.Dispatch(HazardNone, 2, 1, 1))
	err := d.End()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestClearCopyOutsidePass(t *testing.T) {
	d := newTestDevice(t)
	a, _ := d.NewBuffer("a", UsageStorage, 6)
	b, _ := d.NewBuffer("b", UsageStorage, 6)
	require.NoError(t, d.Write(a, 0, []float64{1, 2, 3, 4, 5, 6}))
	require.NoError(t, d.Copy(HazardRAW, a, b, 2, 1, 3))

	out := make([]float64, 6)
	require.NoError(t, d.Read(b, 0, out))
	assert.Equal(t, []float64{0, 3, 4, 5, 0, 0}, out)

	require.NoError(t, d.Clear(HazardWAW, b))
	require.NoError(t, d.Read(b, 0, out))
	assert.Equal(t, make([]float64, 6), out)

	assert.ErrorIs(t, d.Copy(HazardRAW, a, b, 4, 0, 3), ErrOutOfRange)
	b.Release()
	assert.ErrorIs(t, d.Clear(HazardWAW, b), ErrReleased)
}
