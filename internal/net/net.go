// Package net drives training of an nn.Arch: it draws batches from a
// Sampler, runs train steps and reports progress to callbacks.
package net

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gonum.org/v1/gonum/stat"

	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/nn"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// Trainer runs training epochs of an Arch with an attached loss.
type Trainer struct {
	Arch      *nn.Arch
	Sampler   Sampler
	Callbacks []Callback
	// Logger receives progress messages. Nil discards them.
	Logger *log.Logger
	// Flags are passed to every train step.
	Flags nn.Flags

	// host staging for sampled batches
	x, yt *tensor.Tensor
}

// Logf writes to the trainer's logger.
func (t *Trainer) Logf(format string, args ...any) {
	if t.Logger != nil {
		t.Logger.Printf(format, args...)
	}
}

func (t *Trainer) staging() error {
	if t.x != nil {
		return nil
	}
	x, err := tensor.NewIO(t.Arch.DimX())
	if err != nil {
		return err
	}
	yt, err := tensor.NewIO(t.Arch.DimY())
	if err != nil {
		return err
	}
	t.x, t.yt = x, yt
	return nil
}

// Fit trains for epochs epochs of steps steps each at batch size bs and
// returns the mean step loss of every completed epoch. The context is
// checked before every step. Callbacks that implement Stopper can end
// training early; errors recorded by callbacks that implement Errer are
// returned after OnTrainEnd.
func (t *Trainer) Fit(ctx context.Context, epochs, steps int, bs uint32) ([]float64, error) {
	if t.Arch == nil || t.Sampler == nil {
		return nil, errors.New("net: trainer needs an arch and a sampler")
	}
	if t.Arch.Loss() == nil {
		return nil, nn.ErrNoLoss
	}
	if epochs < 1 || steps < 1 {
		return nil, fmt.Errorf("net: invalid schedule %d epochs x %d steps", epochs, steps)
	}
	if err := t.staging(); err != nil {
		return nil, err
	}

	for _, c := range t.Callbacks {
		c.OnTrainBegin(t)
	}
	history, err := t.epochs(ctx, epochs, steps, bs)
	for _, c := range t.Callbacks {
		c.OnTrainEnd(t)
	}
	for _, c := range t.Callbacks {
		if e, ok := c.(Errer); ok && e.Err() != nil {
			err = errors.Join(err, e.Err())
		}
	}
	return history, err
}

func (t *Trainer) epochs(ctx context.Context, epochs, steps int, bs uint32) ([]float64, error) {
	var history []float64
	losses := make([]float64, steps)
	step := 0
	for epoch := 0; epoch < epochs; epoch++ {
		for _, c := range t.Callbacks {
			c.OnEpochBegin(epoch, t)
		}
		for i := 0; i < steps; i++ {
			if err := ctx.Err(); err != nil {
				return history, err
			}
			for _, c := range t.Callbacks {
				c.OnBatchBegin(step, t)
			}
			l, err := t.Step(step, bs)
			if err != nil {
				return history, fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
			}
			losses[i] = l
			for _, c := range t.Callbacks {
				c.OnBatchEnd(step, l, t)
			}
			step++
		}
		mean := stat.Mean(losses, nil)
		history = append(history, mean)
		for _, c := range t.Callbacks {
			c.OnEpochEnd(epoch, mean, t)
		}
		if t.stopped() {
			t.Logf("stopping after epoch %d", epoch)
			break
		}
	}
	return history, nil
}

func (t *Trainer) stopped() bool {
	for _, c := range t.Callbacks {
		if s, ok := c.(Stopper); ok && s.Stop() {
			return true
		}
	}
	return false
}

// Step samples one batch and runs a single train step on it.
func (t *Trainer) Step(step int, bs uint32) (float64, error) {
	if err := t.staging(); err != nil {
		return 0, err
	}
	if err := t.Sampler.Sample(step, bs, t.x, t.yt); err != nil {
		return 0, fmt.Errorf("sample: %w", err)
	}
	return t.Arch.TrainFlags(t.Flags, bs, t.x, t.yt)
}

// Evaluate returns the mean loss of steps batches from s without training.
// It predicts with running batch-norm statistics and reduces on the host.
func (t *Trainer) Evaluate(s Sampler, steps int, bs uint32) (float64, error) {
	l := t.Arch.Loss()
	if l == nil {
		return 0, nn.ErrNoLoss
	}
	fn, err := loss.Lookup(l.Function())
	if err != nil {
		return 0, err
	}
	if steps < 1 {
		return 0, fmt.Errorf("net: invalid evaluation steps %d", steps)
	}
	if err := t.staging(); err != nil {
		return 0, err
	}
	y, err := tensor.NewIO(t.Arch.DimY())
	if err != nil {
		return 0, err
	}
	n := int(bs) * y.Dim().Stride()
	var sum float64
	for step := 0; step < steps; step++ {
		if err := s.Sample(step, bs, t.x, t.yt); err != nil {
			return 0, fmt.Errorf("sample: %w", err)
		}
		if err := t.Arch.Predict(bs, t.x, y); err != nil {
			return 0, err
		}
		sum += loss.Forward(fn, y.Data()[:n], t.yt.Data()[:n])
	}
	return sum / float64(steps), nil
}
