package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// expectStep mirrors the update kernel for one parameter group.
func expectStep(s opt.State, p0, v0, m0, dP []float64, scale, decay float64, bs uint32) (p, v, m []float64) {
	packed := make([]float64, opt.PackedLen)
	s.Pack(packed)
	p, v, m = make([]float64, len(p0)), make([]float64, len(p0)), make([]float64, len(p0))
	for i := range p0 {
		g := dP[i] * scale / float64(bs)
		p[i], v[i], m[i] = opt.Step(packed, p0[i], v0[i], m0[i], g, decay)
	}
	return p, v, m
}

func TestConvUpdateLaw(t *testing.T) {
	for _, kind := range []opt.Kind{opt.Nesterov, opt.Adam, opt.SGD} {
		t.Run(kind.String(), func(t *testing.T) {
			s := opt.DefaultState()
			s.Optimizer = kind
			s.LearningRate = 0.05
			s.Momentum = 0.9
			s.Lambda = 0.01
			a := newTestArchState(t, s)

			dimX := dim(2, 4, 4, 2)
			l, err := NewConvLayer(a, dimX, dim(3, 3, 3, 2), 1, 0)
			require.NoError(t, err)
			attach(t, a, l)

			rng := rand.New(rand.NewSource(1))
			// non-negative so it also serves as an Adam second moment
			v0 := make([]float64, l.W.V.Dim().Elements())
			for i := range v0 {
				v0[i] = rng.Float64()
			}
			require.NoError(t, tensor.Load(l.W.V, v0))
			w0 := values(t, l.W.P)
			b0 := values(t, l.B.P)
			m0 := values(t, l.W.M)

			X := computeFrom(t, a, dimX, randValues(rng, dimX.Elements()))
			_, err = a.ForwardPass(0, 2, X)
			require.NoError(t, err)
			_, err = a.Backprop(0, 2, computeFrom(t, a, l.DimY(), randValues(rng, l.DimY().Elements())))
			require.NoError(t, err)

			// the powers advance before the update
			s.Advance()
			assert.Equal(t, s, a.State())

			wantW, wantV, _ := expectStep(s, w0, v0, m0, values(t, l.W.dP), 1, 1, 2)
			assert.InDeltaSlice(t, wantW, values(t, l.W.P), 1e-12)
			assert.InDeltaSlice(t, wantV, values(t, l.W.V), 1e-12)

			zeros := make([]float64, len(b0))
			wantB, _, _ := expectStep(s, b0, zeros, zeros, values(t, l.B.dP), 1, 0, 2)
			assert.InDeltaSlice(t, wantB, values(t, l.B.P), 1e-12)
		})
	}
}

func TestNesterovClosedForm(t *testing.T) {
	s := opt.DefaultState()
	s.LearningRate = 0.1
	s.Momentum = 0.5
	s.Lambda = 0.25
	a := newTestArchState(t, s)

	// one input, one output, no bias: dL/dW = x * dL/dY
	l, err := NewWeightLayer(a, dim(1, 1, 1, 1), 1, WeightDisableBias)
	require.NoError(t, err)
	attach(t, a, l)
	require.NoError(t, tensor.Load(l.W.P, []float64{2}))
	require.NoError(t, tensor.Load(l.W.V, []float64{0.4}))

	X := computeFrom(t, a, dim(1, 1, 1, 1), []float64{3})
	_, err = a.ForwardPass(0, 1, X)
	require.NoError(t, err)
	_, err = a.Backprop(0, 1, computeFrom(t, a, dim(1, 1, 1, 1), []float64{0.5}))
	require.NoError(t, err)

	// g = 1.5; v1 = 0.5*0.4 - 0.1*(1.5 + 2*0.25*2) = -0.05
	// w1 = 2 - 0.5*0.4 + 1.5*(-0.05) = 1.725
	assert.InDelta(t, -0.05, values(t, l.W.V)[0], 1e-12)
	assert.InDelta(t, 1.725, values(t, l.W.P)[0], 1e-12)
}

func TestNoUpdateFreezesParameters(t *testing.T) {
	a := newTestArch(t)
	dimX := dim(2, 3, 3, 1)
	l, err := NewConvLayer(a, dimX, dim(2, 2, 2, 1), 1, 0)
	require.NoError(t, err)
	attach(t, a, l)
	w0 := values(t, l.W.P)
	s0 := a.State()

	rng := rand.New(rand.NewSource(2))
	X := computeFrom(t, a, dimX, randValues(rng, dimX.Elements()))
	backprop(t, a, X, randValues(rng, l.DimY().Elements()))

	assert.Equal(t, w0, values(t, l.W.P))
	assert.Equal(t, s0, a.State())
	assert.NotEqual(t, make([]float64, len(w0)), values(t, l.W.dP))
}

func TestWeightClip(t *testing.T) {
	s := opt.DefaultState()
	s.ClipMomentum = 0.5
	s.ClipMax = 1000
	a := newTestArchState(t, s)
	dimX := dim(2, 1, 1, 3)
	l, err := NewWeightLayer(a, dimX, 2, WeightClip)
	require.NoError(t, err)
	attach(t, a, l)

	rng := rand.New(rand.NewSource(3))
	X := computeFrom(t, a, dimX, randValues(rng, dimX.Elements()))
	r := randValues(rng, l.DimY().Elements())
	step := func(scale float64) (dW, dB []float64) {
		_, err := a.ForwardPass(0, 2, X)
		require.NoError(t, err)
		g := make([]float64, len(r))
		floats.ScaleTo(g, scale, r)
		_, err = a.Backprop(0, 2, computeFrom(t, a, l.DimY(), g))
		require.NoError(t, err)
		return values(t, l.W.dP), values(t, l.B.dP)
	}

	// the first observation seeds the running norms
	dW, dB := step(1)
	norms, err := l.ClipNorms()
	require.NoError(t, err)
	assert.InDelta(t, floats.Norm(dW, 2)/2, norms[0], 1e-12)
	assert.InDelta(t, floats.Norm(dB, 2)/2, norms[1], 1e-12)

	// a larger gradient is scaled down to the running average
	w0 := values(t, l.W.P)
	v0 := values(t, l.W.V)
	m0 := values(t, l.W.M)
	ra := norms[0]
	dW, _ = step(10)
	norm := floats.Norm(dW, 2) / 2
	scale, ra1 := opt.ClipScale(norm, ra, s.ClipMax, s.ClipMomentum)
	require.Less(t, scale, 1.0)
	norms, err = l.ClipNorms()
	require.NoError(t, err)
	assert.InDelta(t, ra1, norms[0], 1e-12)

	st := a.State()
	wantW, _, _ := expectStep(st, w0, v0, m0, dW, scale, 1, 2)
	assert.InDeltaSlice(t, wantW, values(t, l.W.P), 1e-12)
}

func largestSingularValue(t *testing.T, l *ConvLayer) float64 {
	t.Helper()
	d := l.DimW()
	m := mat.NewDense(int(d.Count), d.Stride(), values(t, l.W.P))
	var svd mat.SVD
	require.True(t, svd.Factorize(m, mat.SVDNone))
	return svd.Values(nil)[0]
}

func TestSpectralNorm(t *testing.T) {
	tests := []struct {
		name  string
		flags ConvFlags
		scale float64
		want  func(sigma float64) float64
	}{
		{"SN", ConvNormSN, 0.01, func(float64) float64 { return 1 }},
		{"BSSN above one", ConvNormBSSN, 10, func(float64) float64 { return 1 }},
		{"BSSN below one", ConvNormBSSN, 0.01, func(sigma float64) float64 { return sigma }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := opt.DefaultState()
			s.Optimizer = opt.SGD
			s.LearningRate = 0
			a := newTestArchState(t, s)
			dimX := dim(1, 4, 4, 2)
			l, err := NewConvLayer(a, dimX, dim(3, 2, 2, 2), 1, tt.flags)
			require.NoError(t, err)
			attach(t, a, l)

			w := values(t, l.W.P)
			floats.Scale(tt.scale, w)
			require.NoError(t, tensor.Load(l.W.P, w))
			sigma := largestSingularValue(t, l)

			// a zero learning rate isolates the normalization
			X := computeFrom(t, a, dimX, randValues(rand.New(rand.NewSource(4)), dimX.Elements()))
			_, err = a.ForwardPass(0, 1, X)
			require.NoError(t, err)
			_, err = a.Backprop(0, 1, computeFrom(t, a, l.DimY(), make([]float64, l.DimY().Elements())))
			require.NoError(t, err)
			assert.InDelta(t, tt.want(sigma), largestSingularValue(t, l), 1e-9)

			// frozen passes leave W alone
			w = values(t, l.W.P)
			backprop(t, a, X, make([]float64, l.DimY().Elements()))
			assert.Equal(t, w, values(t, l.W.P))
		})
	}
}
