package nnengine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainSaveLoad(t *testing.T) {
	e := NewCPUEngine(DefaultEngineConfig())
	defer e.Release()
	s := DefaultState()
	s.Optimizer = Adam
	s.LearningRate = 0.01
	a, err := NewArch(e, s, 11)
	require.NoError(t, err)
	defer a.Release()

	d := Dim{Count: 4, Height: 1, Width: 1, Depth: 2}
	hidden, err := Dense(a, d, 8, 0)
	require.NoError(t, err)
	act, err := Activation(a, hidden.DimY(), "tanh")
	require.NoError(t, err)
	out, err := Dense(a, act.DimY(), 1, 0)
	require.NoError(t, err)
	require.NoError(t, Sequential(a, MSE, hidden, act, out))

	X, err := NewIOFrom(d, []float64{0, 0, 0, 1, 1, 0, 1, 1})
	require.NoError(t, err)
	Y, err := NewIOFrom(Dim{Count: 4, Height: 1, Width: 1, Depth: 1}, []float64{0, 1, 1, 0})
	require.NoError(t, err)

	tr := &Trainer{Arch: a, Sampler: SliceSampler(X, Y)}
	history, err := tr.Fit(context.Background(), 5, 20, 4)
	require.NoError(t, err)
	assert.Less(t, history[4], history[0])

	path := filepath.Join(t.TempDir(), "xor.json")
	require.NoError(t, Save(a, path))
	b, err := Load(e, path)
	require.NoError(t, err)
	defer b.Release()

	want, err := NewIO(a.DimY())
	require.NoError(t, err)
	got, err := NewIO(b.DimY())
	require.NoError(t, err)
	require.NoError(t, a.Predict(4, X, want))
	require.NoError(t, b.Predict(4, X, got))
	assert.InDeltaSlice(t, want.Data(), got.Data(), 1e-12)
}

func TestLoadMissing(t *testing.T) {
	e := NewCPUEngine(DefaultEngineConfig())
	defer e.Release()
	_, err := Load(e, filepath.Join(t.TempDir(), "none.json"))
	assert.Error(t, err)
}

func TestSequentialRejectsMismatch(t *testing.T) {
	e := NewCPUEngine(DefaultEngineConfig())
	defer e.Release()
	a, err := NewArch(e, DefaultState(), 1)
	require.NoError(t, err)
	defer a.Release()

	first, err := Dense(a, Dim{Count: 2, Height: 1, Width: 1, Depth: 3}, 4, 0)
	require.NoError(t, err)
	second, err := Dense(a, Dim{Count: 2, Height: 1, Width: 1, Depth: 5}, 1, 0)
	require.NoError(t, err)
	err = Sequential(a, nil, first, second)
	assert.ErrorIs(t, err, ErrDimMismatch)
	second.Release()
	assert.Len(t, a.Layers(), 1)
	assert.Nil(t, a.Loss())
}
