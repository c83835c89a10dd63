// Package activations provides the element-wise functions used by the
// activation layer, each paired with its derivative.
package activations

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrUnknown is returned by Lookup for an unregistered name.
var ErrUnknown = errors.New("activations: unknown function")

// Activation is an activation function with derivative.
type Activation interface {
	// Name is the serialized identifier of the function.
	Name() string
	Activate(x float64) float64
	// Derivative returns f'(x) evaluated at the input x.
	Derivative(x float64) float64
}

// Linear is the identity function.
type Linear struct{}

func (Linear) Name() string                 { return "linear" }
func (Linear) Activate(x float64) float64   { return x }
func (Linear) Derivative(x float64) float64 { return 1 }

// Logistic activation function.
type Logistic struct{}

// logistic computes 1/(1+exp(-x))
func logistic(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func (Logistic) Name() string { return "logistic" }

// Activate computes logistic(x)
func (Logistic) Activate(x float64) float64 { return logistic(x) }

// Derivative computes logistic(x) * (1 - logistic(x))
func (Logistic) Derivative(x float64) float64 {
	s := logistic(x)
	return s * (1 - s)
}

// ReLU activation function.
type ReLU struct{}

func (ReLU) Name() string { return "ReLU" }

// Activate computes max(0, x)
func (ReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// Derivative returns 1 if x > 0, else 0
func (ReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// PReLUSlope is the leak applied to negative inputs by PReLU.
const PReLUSlope = 0.01

// PReLU is a leaky ReLU with the fixed slope PReLUSlope. The slope is not
// trained.
type PReLU struct{}

func (PReLU) Name() string { return "PReLU" }

// Activate computes x if x > 0, else PReLUSlope*x
func (PReLU) Activate(x float64) float64 {
	if x > 0 {
		return x
	}
	return PReLUSlope * x
}

// Derivative returns 1 if x > 0, else PReLUSlope
func (PReLU) Derivative(x float64) float64 {
	if x > 0 {
		return 1
	}
	return PReLUSlope
}

// Tanh activation function.
type Tanh struct{}

func (Tanh) Name() string { return "tanh" }

// Activate computes tanh(x)
func (Tanh) Activate(x float64) float64 { return math.Tanh(x) }

// Derivative computes 1 - tanh(x)^2
func (Tanh) Derivative(x float64) float64 {
	t := math.Tanh(x)
	return 1 - t*t
}

// Sink marks a terminal activation. It passes values and gradients
// through unchanged.
type Sink struct{}

func (Sink) Name() string                 { return "sink" }
func (Sink) Activate(x float64) float64   { return x }
func (Sink) Derivative(x float64) float64 { return 1 }

var registry = map[string]Activation{}

func init() {
	for _, a := range []Activation{Linear{}, Logistic{}, ReLU{}, PReLU{}, Tanh{}, Sink{}} {
		registry[a.Name()] = a
	}
}

// Lookup returns the activation serialized as name.
func Lookup(name string) (Activation, error) {
	if a, ok := registry[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Names returns the registered names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
