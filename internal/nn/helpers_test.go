package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

func newTestArch(t *testing.T) *Arch {
	t.Helper()
	return newTestArchState(t, opt.DefaultState())
}

func newTestArchState(t *testing.T, s opt.State) *Arch {
	t.Helper()
	e := engine.NewCPU(engine.DefaultConfig())
	a, err := New(e, s, Config{Seed: 7})
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Release()
		e.Release()
	})
	return a
}

func dim(n, h, w, d uint32) tensor.Dim {
	return tensor.Dim{Count: n, Height: h, Width: w, Depth: d}
}

func randValues(rng *rand.Rand, n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.Float64()*2 - 1
	}
	return v
}

func computeFrom(t *testing.T, a *Arch, d tensor.Dim, v []float64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewCompute(a.e, "test", d)
	require.NoError(t, err)
	require.NoError(t, tensor.Load(x, v))
	t.Cleanup(x.Release)
	return x
}

func values(t *testing.T, x *tensor.Tensor) []float64 {
	t.Helper()
	v, err := tensor.Values(x)
	require.NoError(t, err)
	return v
}

func attach(t *testing.T, a *Arch, layers ...Layer) {
	t.Helper()
	for _, l := range layers {
		require.NoError(t, a.AttachLayer(l))
	}
}

// probe returns sum(Y .* r) for a forward pass of a on X.
func probe(t *testing.T, a *Arch, X *tensor.Tensor, r []float64) float64 {
	t.Helper()
	Y, err := a.ForwardPass(0, a.DimX().Count, X)
	require.NoError(t, err)
	return floats.Dot(values(t, Y), r)
}

// backprop runs a forward pass on X and backpropagates r without
// updating parameters. It returns dL/dX for L = sum(Y .* r).
func backprop(t *testing.T, a *Arch, X *tensor.Tensor, r []float64) []float64 {
	t.Helper()
	bs := a.DimX().Count
	_, err := a.ForwardPass(0, bs, X)
	require.NoError(t, err)
	dLdX, err := a.Backprop(FlagNoUpdate, bs, computeFrom(t, a, a.DimY(), r))
	require.NoError(t, err)
	return values(t, dLdX)
}

// numericGrad differentiates L = sum(Y .* r) with respect to the contents
// of p by central differences. p is restored afterwards.
func numericGrad(t *testing.T, a *Arch, X, p *tensor.Tensor, r []float64) []float64 {
	t.Helper()
	p0 := values(t, p)
	f := func(v []float64) float64 {
		require.NoError(t, tensor.Load(p, v))
		return probe(t, a, X, r)
	}
	g := fd.Gradient(nil, f, p0, &fd.Settings{Formula: fd.Central, Step: 1e-5})
	require.NoError(t, tensor.Load(p, p0))
	return g
}

func assertGradient(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		tol := 1e-6 + 1e-3*math.Abs(want[i])
		if !assert.InDelta(t, want[i], got[i], tol, "element %d", i) {
			return
		}
	}
}
