// Package loss provides unit tests for loss functions.
package loss

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func TestForward(t *testing.T) {
	tests := []struct {
		name     string
		loss     Loss
		pred     []float64
		target   []float64
		expected float64
	}{
		{"mse", MSE{}, []float64{1, 2, 3}, []float64{1, 1, 1}, 5.0 / 3.0},
		{"mae", MAE{}, []float64{1, -2, 3}, []float64{0, 0, 0}, 2},
		{"bce", BCE{}, []float64{0.5, 0.5}, []float64{1, 0}, math.Log(2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Forward(tt.loss, tt.pred, tt.target)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.expected)
			}
		})
	}
}

func TestBCEClipsPredictions(t *testing.T) {
	v := BCE{}.Value(0, 1)
	assert.False(t, math.IsInf(v, 0))
	assert.InDelta(t, -math.Log(BCEEpsilon), v, 1e-9)
	assert.False(t, math.IsInf(BCE{}.Gradient(1, 0), 0))
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	for _, name := range []string{"mse", "mae", "bce"} {
		l, err := Lookup(name)
		require.NoError(t, err)
		for _, p := range [][2]float64{{0.3, 0.9}, {0.8, 0.1}, {0.45, 0}} {
			yt := p[1]
			f := func(y float64) float64 { return l.Value(y, yt) }
			want := fd.Derivative(f, p[0], &fd.Settings{Formula: fd.Central, Step: 1e-7})
			assert.InDelta(t, want, l.Gradient(p[0], yt), 1e-5, "%s at %v", name, p)
		}
	}
}

func TestBackwardInPlaceIsMeanGradient(t *testing.T) {
	pred := []float64{1, 2, 3, 4}
	target := []float64{0, 2, 5, 4}
	grad := make([]float64, 4)
	BackwardInPlace(MSE{}, pred, target, grad)
	assert.Equal(t, []float64{0.5, 0, -1, 0}, grad)

	assert.Panics(t, func() { BackwardInPlace(MSE{}, pred, target, grad[:3]) })
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("huber")
	assert.ErrorIs(t, err, ErrUnknown)
}
