// Package loss provides the element-wise loss functions evaluated by the
// network's terminal loss node.
package loss

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknown is returned by Lookup for an unregistered name.
var ErrUnknown = errors.New("loss: unknown function")

// Loss is an element-wise loss with derivative. Reductions over a batch
// are done by the caller.
type Loss interface {
	// Name is the serialized identifier of the loss.
	Name() string
	// Value computes the loss of one predicted element against its target.
	Value(yPred, yTrue float64) float64
	// Gradient computes dValue/dyPred.
	Gradient(yPred, yTrue float64) float64
}

// MSE (Mean Squared Error) loss.
type MSE struct{}

func (MSE) Name() string { return "mse" }

// Value computes (y_pred - y_true)^2
func (MSE) Value(yPred, yTrue float64) float64 {
	d := yPred - yTrue
	return d * d
}

// Gradient computes 2 * (y_pred - y_true)
func (MSE) Gradient(yPred, yTrue float64) float64 {
	return 2 * (yPred - yTrue)
}

// MAE (Mean Absolute Error) loss.
type MAE struct{}

func (MAE) Name() string { return "mae" }

// Value computes |y_pred - y_true|
func (MAE) Value(yPred, yTrue float64) float64 {
	return math.Abs(yPred - yTrue)
}

// Gradient computes sign(y_pred - y_true), 0 at equality.
func (MAE) Gradient(yPred, yTrue float64) float64 {
	diff := yPred - yTrue
	if diff > 0 {
		return 1
	} else if diff < 0 {
		return -1
	}
	return 0
}

// BCEEpsilon bounds predictions away from 0 and 1 for BCE.
const BCEEpsilon = 1e-10

// BCE (Binary Cross Entropy) loss.
// Requires predictions to be in range (0, 1).
type BCE struct{}

func (BCE) Name() string { return "bce" }

func clip(p float64) float64 {
	if p < BCEEpsilon {
		return BCEEpsilon
	}
	if p > 1-BCEEpsilon {
		return 1 - BCEEpsilon
	}
	return p
}

// Value computes -(y*log(p) + (1-y)*log(1-p))
func (BCE) Value(yPred, yTrue float64) float64 {
	p := clip(yPred)
	return -(yTrue*math.Log(p) + (1.0-yTrue)*math.Log(1.0-p))
}

// Gradient computes (p - y) / (p * (1-p))
func (BCE) Gradient(yPred, yTrue float64) float64 {
	p := clip(yPred)
	return (p - yTrue) / (p * (1.0 - p))
}

// Lookup returns the loss serialized as name.
func Lookup(name string) (Loss, error) {
	switch name {
	case "mse":
		return MSE{}, nil
	case "mae":
		return MAE{}, nil
	case "bce":
		return BCE{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Forward computes the mean loss over paired slices.
func Forward(l Loss, yPred, yTrue []float64) float64 {
	n := len(yPred)
	if n != len(yTrue) {
		panic(l.Name() + ": prediction and target must have same length")
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += l.Value(yPred[i], yTrue[i])
	}
	return sum / float64(n)
}

// BackwardInPlace computes the gradient of Forward and stores it in grad.
func BackwardInPlace(l Loss, yPred, yTrue, grad []float64) {
	n := len(yPred)
	if n != len(yTrue) || n != len(grad) {
		panic(l.Name() + ": slices must have same length")
	}

	factor := 1.0 / float64(n)
	for i := 0; i < n; i++ {
		grad[i] = factor * l.Gradient(yPred[i], yTrue[i])
	}
}
