// Package activations provides unit tests for activation functions.
package activations

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func TestActivate(t *testing.T) {
	tests := []struct {
		name     string
		act      Activation
		input    float64
		expected float64
	}{
		{"linear", Linear{}, -2.5, -2.5},
		{"logistic zero", Logistic{}, 0, 0.5},
		{"logistic large", Logistic{}, 40, 1},
		{"relu negative", ReLU{}, -1, 0},
		{"relu positive", ReLU{}, 2.5, 2.5},
		{"prelu negative", PReLU{}, -2, -0.02},
		{"prelu positive", PReLU{}, 3, 3},
		{"tanh", Tanh{}, 0.5, math.Tanh(0.5)},
		{"sink", Sink{}, 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.act.Activate(tt.input)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("%s(%v) = %v, want %v", tt.act.Name(), tt.input, got, tt.expected)
			}
		})
	}
}

// TestDerivativeMatchesFiniteDifference checks every registered function
// away from its kinks.
func TestDerivativeMatchesFiniteDifference(t *testing.T) {
	points := []float64{-1.7, -0.3, 0.4, 2.2}
	for _, name := range Names() {
		act, err := Lookup(name)
		require.NoError(t, err)
		for _, x := range points {
			want := fd.Derivative(act.Activate, x, &fd.Settings{Formula: fd.Central, Step: 1e-6})
			assert.InDelta(t, want, act.Derivative(x), 1e-6, "%s'(%v)", name, x)
		}
	}
}

func TestLookup(t *testing.T) {
	assert.Equal(t, []string{"PReLU", "ReLU", "linear", "logistic", "sink", "tanh"}, Names())

	a, err := Lookup("PReLU")
	require.NoError(t, err)
	assert.Equal(t, PReLU{}, a)

	_, err = Lookup("softmax")
	assert.ErrorIs(t, err, ErrUnknown)
}
