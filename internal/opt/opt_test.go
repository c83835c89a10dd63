// Package opt provides comprehensive unit tests for optimizers.
package opt

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNesterovStep checks the closed form against a hand expansion.
func TestNesterovStep(t *testing.T) {
	tests := []struct {
		w, v0, g, lr, mom, lambda float64
	}{
		{1.0, 0.0, 0.5, 0.1, 0.9, 0.0},
		{-0.3, 0.2, -1.5, 0.01, 0.5, 0.001},
		{2.0, -0.1, 0.0, 1e-3, 0.0, 0.1},
	}

	for _, tt := range tests {
		v1 := tt.mom*tt.v0 - tt.lr*(tt.g+2*tt.lambda*tt.w)
		w1 := tt.w + (-tt.mom*tt.v0 + (1+tt.mom)*v1)

		gw, gv := NesterovStep(tt.w, tt.v0, tt.g, tt.lr, tt.mom, tt.lambda)
		if math.Abs(gw-w1) > 1e-15 || math.Abs(gv-v1) > 1e-15 {
			t.Errorf("NesterovStep(%+v) = (%v,%v), want (%v,%v)", tt, gw, gv, w1, v1)
		}
	}
}

// TestSGDStep tests SGD step computation.
func TestSGDStep(t *testing.T) {
	params := []float64{1.0, 2.0, 3.0}
	gradients := []float64{0.1, 0.2, 0.3}

	// Expected: params - lr * gradients
	expected := []float64{0.99, 1.98, 2.97}

	for i := range params {
		got := SGDStep(params[i], gradients[i], 0.1, 0)
		if math.Abs(got-expected[i]) > 1e-10 {
			t.Errorf("updated[%d] = %v, want %v", i, got, expected[i])
		}
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	s := DefaultState()
	s.Advance()
	w1, m1, v1 := AdamStep(1, 0, 0, 0.5, 0.01, s.Beta1, s.Beta2, s.Beta1t, s.Beta2t, 0, 0)
	assert.InDelta(t, 0.99, w1, 1e-12)
	assert.InDelta(t, 0.05, m1, 1e-12)
	assert.InDelta(t, 0.00025, v1, 1e-12)
}

func TestStepDispatchesOnKind(t *testing.T) {
	s := DefaultState()
	s.LearningRate = 0.1
	s.Lambda = 0.5
	packed := make([]float64, PackedLen)

	s.Optimizer = SGD
	s.Pack(packed)
	w, v, m := Step(packed, 1, 7, 9, 0.2, 0)
	assert.InDelta(t, 0.98, w, 1e-12, "bias slots ignore lambda")
	assert.Equal(t, 7.0, v)
	assert.Equal(t, 9.0, m)

	s.Optimizer = Nesterov
	s.Pack(packed)
	w, v, m = Step(packed, 1, 0, 9, 0.2, 1)
	ew, ev := NesterovStep(1, 0, 0.2, 0.1, s.Momentum, 0.5)
	assert.Equal(t, ew, w)
	assert.Equal(t, ev, v)
	assert.Equal(t, 9.0, m)
}

func TestAdvance(t *testing.T) {
	s := DefaultState()
	s.Advance()
	s.Advance()
	assert.InDelta(t, 0.81, s.Beta1t, 1e-15)
	assert.InDelta(t, 0.998001, s.Beta2t, 1e-15)
}

func TestClipScale(t *testing.T) {
	scale, ra := ClipScale(4, 0, 10, 0.9)
	assert.Equal(t, 1.0, scale)
	assert.Equal(t, 4.0, ra)

	scale, ra = ClipScale(14, 4, 10, 0.9)
	assert.InDelta(t, 5.0, ra, 1e-12)
	assert.InDelta(t, 5.0/14.0, scale, 1e-12)

	_, ra = ClipScale(100, 0, 10, 0.9)
	assert.Equal(t, 10.0, ra, "clamped to max")

	scale, _ = ClipScale(2, 4, 10, 0.9)
	assert.Equal(t, 1.0, scale)
}

func TestStateJSON(t *testing.T) {
	s := DefaultState()
	s.Optimizer = Adam
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"optimizer":"adam"`)

	var back State
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s, back)

	assert.Error(t, json.Unmarshal([]byte(`{"optimizer":"rmsprop"}`), &back))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultState().Validate())
	s := DefaultState()
	s.Momentum = 1
	s.Beta1t = 0
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "momentum")
	assert.Contains(t, err.Error(), "beta powers")
}

func TestSchedulers(t *testing.T) {
	s := DefaultState()
	s.LearningRate = 1

	step := NewStepLR(&s, 2, 0.5)
	step.Step()
	assert.Equal(t, 1.0, step.GetLR())
	step.Step()
	assert.Equal(t, 0.5, step.GetLR())

	exp := NewExponentialLR(&s, 0.1)
	exp.Step()
	assert.InDelta(t, 0.05, s.LearningRate, 1e-15)

	s.LearningRate = 1
	plateau := NewReduceLROnPlateau(&s, 0.5, 2, 0, 0.3)
	plateau.StepWithLoss(1)
	plateau.StepWithLoss(1)
	assert.Equal(t, 1.0, s.LearningRate)
	plateau.StepWithLoss(1)
	assert.Equal(t, 0.5, s.LearningRate)
	plateau.StepWithLoss(1)
	plateau.StepWithLoss(1)
	assert.Equal(t, 0.3, s.LearningRate, "floored at minLR")
}
