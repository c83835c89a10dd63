// Package opt provides the optimizer state shared by every trainable layer
// and the parameter update laws applied to it.
package opt

import (
	"errors"
	"fmt"
	"math"
)

// Kind selects the parameter update law.
type Kind int

const (
	// Nesterov is momentum SGD with a lookahead correction.
	Nesterov Kind = iota
	// Adam uses bias-corrected first and second moments.
	Adam
	// SGD is plain gradient descent.
	SGD
)

func (k Kind) String() string {
	switch k {
	case Nesterov:
		return "nesterov"
	case Adam:
		return "adam"
	case SGD:
		return "sgd"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	if k < Nesterov || k > SGD {
		return nil, fmt.Errorf("opt: invalid kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "nesterov":
		*k = Nesterov
	case "adam":
		*k = Adam
	case "sgd":
		*k = SGD
	default:
		return fmt.Errorf("opt: unknown optimizer %q", string(b))
	}
	return nil
}

// State holds optimizer, batch-norm and clipping hyperparameters. Beta1t
// and Beta2t are the running powers beta^t advanced once per update step.
type State struct {
	Optimizer    Kind    `json:"optimizer"`
	LearningRate float64 `json:"learning_rate"`
	Momentum     float64 `json:"momentum"`
	Lambda       float64 `json:"lambda"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Beta1t       float64 `json:"beta1t"`
	Beta2t       float64 `json:"beta2t"`
	Epsilon      float64 `json:"epsilon"`
	BNMomentum   float64 `json:"bn_momentum"`
	ClipMax      float64 `json:"clip_max"`
	ClipMomentum float64 `json:"clip_momentum"`
}

// DefaultState returns the default hyperparameters.
func DefaultState() State {
	return State{
		Optimizer:    Nesterov,
		LearningRate: 1e-4,
		Momentum:     0.5,
		Lambda:       1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Beta1t:       1,
		Beta2t:       1,
		Epsilon:      1e-8,
		BNMomentum:   0.99,
		ClipMax:      10,
		ClipMomentum: 0.99,
	}
}

// Validate reports hyperparameters outside their domain.
func (s State) Validate() error {
	var errs []error
	if s.Optimizer < Nesterov || s.Optimizer > SGD {
		errs = append(errs, fmt.Errorf("invalid optimizer %d", int(s.Optimizer)))
	}
	if !(s.LearningRate >= 0) {
		errs = append(errs, fmt.Errorf("learning_rate %v < 0", s.LearningRate))
	}
	for _, p := range []struct {
		name string
		v    float64
	}{
		{"momentum", s.Momentum},
		{"beta1", s.Beta1},
		{"beta2", s.Beta2},
		{"bn_momentum", s.BNMomentum},
		{"clip_momentum", s.ClipMomentum},
	} {
		if !(p.v >= 0 && p.v < 1) {
			errs = append(errs, fmt.Errorf("%s %v outside [0,1)", p.name, p.v))
		}
	}
	if !(s.Beta1t > 0 && s.Beta1t <= 1) || !(s.Beta2t > 0 && s.Beta2t <= 1) {
		errs = append(errs, fmt.Errorf("beta powers (%v,%v) outside (0,1]", s.Beta1t, s.Beta2t))
	}
	if s.Lambda < 0 || s.Epsilon < 0 || s.ClipMax < 0 {
		errs = append(errs, errors.New("lambda, epsilon and clip_max must be non-negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("opt: invalid state: %w", errors.Join(errs...))
	}
	return nil
}

// Advance moves the Adam timestep powers forward by one step.
func (s *State) Advance() {
	s.Beta1t *= s.Beta1
	s.Beta2t *= s.Beta2
}

// Packed state layout, as uploaded to the device.
const (
	IndexOptimizer = iota
	IndexLearningRate
	IndexMomentum
	IndexLambda
	IndexBeta1
	IndexBeta2
	IndexBeta1t
	IndexBeta2t
	IndexEpsilon
	IndexBNMomentum
	IndexClipMax
	IndexClipMomentum
	PackedLen
)

// Pack writes s into dst using the Index layout.
func (s State) Pack(dst []float64) {
	dst[IndexOptimizer] = float64(s.Optimizer)
	dst[IndexLearningRate] = s.LearningRate
	dst[IndexMomentum] = s.Momentum
	dst[IndexLambda] = s.Lambda
	dst[IndexBeta1] = s.Beta1
	dst[IndexBeta2] = s.Beta2
	dst[IndexBeta1t] = s.Beta1t
	dst[IndexBeta2t] = s.Beta2t
	dst[IndexEpsilon] = s.Epsilon
	dst[IndexBNMomentum] = s.BNMomentum
	dst[IndexClipMax] = s.ClipMax
	dst[IndexClipMomentum] = s.ClipMomentum
}

// NesterovStep applies the Nesterov momentum update with L2 decay to one
// weight w with velocity v0 and batch-mean gradient g:
//
//	v1 = mom*v0 - lr*(g + 2*lambda*w)
//	w1 = w - mom*v0 + (1+mom)*v1
func NesterovStep(w, v0, g, lr, mom, lambda float64) (w1, v1 float64) {
	v1 = mom*v0 - lr*(g+2*lambda*w)
	w1 = w + (-mom*v0 + (1+mom)*v1)
	return w1, v1
}

// AdamStep applies a bias-corrected Adam update with L2 decay.
func AdamStep(w, m0, s0, g, lr, beta1, beta2, beta1t, beta2t, eps, lambda float64) (w1, m1, s1 float64) {
	m1 = beta1*m0 + (1-beta1)*g
	s1 = beta2*s0 + (1-beta2)*g*g
	c1 := 1 - beta1t
	c2 := 1 - beta2t
	if c1 <= 0 {
		c1 = 1
	}
	if c2 <= 0 {
		c2 = 1
	}
	mhat := m1 / c1
	shat := s1 / c2
	w1 = w - lr*(mhat/(math.Sqrt(shat)+eps)+2*lambda*w)
	return w1, m1, s1
}

// SGDStep applies plain gradient descent with L2 decay.
func SGDStep(w, g, lr, lambda float64) float64 {
	return w - lr*(g+2*lambda*w)
}

// Step applies the update law selected in a packed state. decay scales
// the L2 term and is 0 for biases. v and m are the velocity and moment
// slots; unused slots are returned unchanged.
func Step(packed []float64, w, v, m, g, decay float64) (w1, v1, m1 float64) {
	lambda := decay * packed[IndexLambda]
	lr := packed[IndexLearningRate]
	switch Kind(packed[IndexOptimizer]) {
	case Adam:
		w1, m1, v1 = AdamStep(w, m, v, g, lr,
			packed[IndexBeta1], packed[IndexBeta2],
			packed[IndexBeta1t], packed[IndexBeta2t],
			packed[IndexEpsilon], lambda)
		return w1, v1, m1
	case SGD:
		return SGDStep(w, g, lr, lambda), v, m
	}
	w1, v1 = NesterovStep(w, v, g, lr, packed[IndexMomentum], lambda)
	return w1, v1, m
}

// ClipScale advances the running gradient norm ra with the current norm
// and returns the gradient scale min(1, ra/norm). A zero ra is seeded
// with the current norm; ra never exceeds max when max > 0.
func ClipScale(norm, ra, max, momentum float64) (scale, ra1 float64) {
	if ra == 0 {
		ra1 = norm
	} else {
		ra1 = momentum*ra + (1-momentum)*norm
	}
	if max > 0 && ra1 > max {
		ra1 = max
	}
	scale = 1
	if norm > ra1 && norm > 0 {
		scale = ra1 / norm
	}
	return scale, ra1
}
