package net

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/nn"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

func dim(n, h, w, d uint32) tensor.Dim {
	return tensor.Dim{Count: n, Height: h, Width: w, Depth: d}
}

func newArch(t *testing.T, s opt.State) *nn.Arch {
	t.Helper()
	e := engine.NewCPU(engine.DefaultConfig())
	a, err := nn.New(e, s, nn.Config{Seed: 3})
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Release()
		e.Release()
	})
	return a
}

// newLinear returns a single dense layer from two features to one output
// with an mse loss, trained at batch size up to bs.
func newLinear(t *testing.T, s opt.State, bs uint32) *nn.Arch {
	t.Helper()
	a := newArch(t, s)
	w, err := nn.NewWeightLayer(a, dim(bs, 1, 1, 2), 1, 0)
	require.NoError(t, err)
	require.NoError(t, a.AttachLayer(w))
	require.NoError(t, a.AttachLoss(loss.MSE{}))
	return a
}

// linearData samples n points of y = 2*x0 - x1 + 0.5.
func linearData(t *testing.T, rng *rand.Rand, n uint32) (X, Y *tensor.Tensor) {
	t.Helper()
	X, err := tensor.NewIO(dim(n, 1, 1, 2))
	require.NoError(t, err)
	Y, err = tensor.NewIO(dim(n, 1, 1, 1))
	require.NoError(t, err)
	x, y := X.Data(), Y.Data()
	for i := range y {
		x0, x1 := rng.Float64()*2-1, rng.Float64()*2-1
		x[2*i], x[2*i+1] = x0, x1
		y[i] = 2*x0 - x1 + 0.5
	}
	return X, Y
}

func sgd(lr float64) opt.State {
	s := opt.DefaultState()
	s.Optimizer = opt.SGD
	s.LearningRate = lr
	s.Lambda = 0
	return s
}
