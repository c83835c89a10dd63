package net

import (
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/nnengine/internal/opt"
)

// Callback observes a Trainer. Step indices count across epochs.
type Callback interface {
	OnTrainBegin(t *Trainer)
	OnTrainEnd(t *Trainer)
	OnEpochBegin(epoch int, t *Trainer)
	OnEpochEnd(epoch int, loss float64, t *Trainer)
	OnBatchBegin(step int, t *Trainer)
	OnBatchEnd(step int, loss float64, t *Trainer)
}

// Stopper is implemented by callbacks that can end training after an
// epoch.
type Stopper interface {
	Stop() bool
}

// Errer is implemented by callbacks that record failures instead of
// interrupting training.
type Errer interface {
	Err() error
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (BaseCallback) OnTrainBegin(t *Trainer)                        {}
func (BaseCallback) OnTrainEnd(t *Trainer)                          {}
func (BaseCallback) OnEpochBegin(epoch int, t *Trainer)             {}
func (BaseCallback) OnEpochEnd(epoch int, loss float64, t *Trainer) {}
func (BaseCallback) OnBatchBegin(step int, t *Trainer)              {}
func (BaseCallback) OnBatchEnd(step int, loss float64, t *Trainer)  {}

// SchedulerCallback steps a learning rate scheduler at the end of every
// epoch and pushes the new rate into the Arch state.
type SchedulerCallback struct {
	BaseCallback
	state     opt.State
	scheduler opt.Scheduler
	err       error
}

// NewSchedulerCallback binds the scheduler returned by build to the
// callback's copy of the optimizer state, e.g.
//
//	NewSchedulerCallback(func(s *opt.State) opt.Scheduler { return opt.NewStepLR(s, 10, 0.5) })
func NewSchedulerCallback(build func(*opt.State) opt.Scheduler) *SchedulerCallback {
	c := &SchedulerCallback{}
	c.scheduler = build(&c.state)
	return c
}

func (c *SchedulerCallback) OnEpochEnd(epoch int, loss float64, t *Trainer) {
	c.state = t.Arch.State()
	c.scheduler.Step()
	c.scheduler.StepWithLoss(loss)
	if err := t.Arch.SetState(c.state); err != nil && c.err == nil {
		c.err = fmt.Errorf("scheduler: %w", err)
	}
}

// LR returns the learning rate after the last step.
func (c *SchedulerCallback) LR() float64 { return c.scheduler.GetLR() }

func (c *SchedulerCallback) Err() error { return c.err }

// EarlyStopping stops training when the epoch loss has not improved by
// more than Threshold for Patience epochs.
type EarlyStopping struct {
	BaseCallback
	Patience  int
	Threshold float64

	bestLoss     float64
	numBadEpochs int
	stopped      bool
}

func NewEarlyStopping(patience int, threshold float64) *EarlyStopping {
	return &EarlyStopping{
		Patience:  patience,
		Threshold: threshold,
		bestLoss:  math.MaxFloat64,
	}
}

func (c *EarlyStopping) OnTrainBegin(t *Trainer) {
	c.bestLoss = math.MaxFloat64
	c.numBadEpochs = 0
	c.stopped = false
}

func (c *EarlyStopping) OnEpochEnd(epoch int, loss float64, t *Trainer) {
	if loss < c.bestLoss-c.Threshold {
		c.bestLoss = loss
		c.numBadEpochs = 0
	} else {
		c.numBadEpochs++
	}

	if c.numBadEpochs >= c.Patience {
		t.Logf("early stopping at epoch %d: loss %.6g did not improve for %d epochs", epoch, loss, c.Patience)
		c.stopped = true
	}
}

func (c *EarlyStopping) Stop() bool { return c.stopped }

// ModelCheckpoint writes a snapshot of the Arch whenever the epoch loss
// is the best so far.
type ModelCheckpoint struct {
	BaseCallback
	Filename string

	bestLoss float64
	err      error
}

func NewModelCheckpoint(filename string) *ModelCheckpoint {
	return &ModelCheckpoint{
		Filename: filename,
		bestLoss: math.MaxFloat64,
	}
}

func (c *ModelCheckpoint) OnEpochEnd(epoch int, loss float64, t *Trainer) {
	if loss >= c.bestLoss {
		return
	}
	c.bestLoss = loss
	if err := c.save(t); err != nil {
		t.Logf("checkpoint: %v", err)
		c.err = err
		return
	}
	t.Logf("checkpoint saved: loss %.6g is new best", loss)
}

func (c *ModelCheckpoint) save(t *Trainer) error {
	f, err := os.Create(c.Filename)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := t.Arch.Export(f); err != nil {
		f.Close()
		return fmt.Errorf("checkpoint: %w", err)
	}
	return f.Close()
}

func (c *ModelCheckpoint) Err() error { return c.err }

// Logger logs the epoch loss every Interval epochs.
type Logger struct {
	BaseCallback
	Interval int
}

func (c Logger) OnEpochEnd(epoch int, loss float64, t *Trainer) {
	if c.Interval > 0 && epoch%c.Interval == 0 {
		t.Logf("epoch %d: loss = %.6g", epoch, loss)
	}
}

// MovingAverage tracks the mean step loss over a sliding window of
// Window steps.
type MovingAverage struct {
	BaseCallback
	Window int

	ring     []float64
	next     int
	averages []float64
}

func NewMovingAverage(window int) *MovingAverage {
	if window < 1 {
		window = 1
	}
	return &MovingAverage{Window: window}
}

func (c *MovingAverage) OnTrainBegin(t *Trainer) {
	c.ring = c.ring[:0]
	c.next = 0
	c.averages = nil
}

func (c *MovingAverage) OnBatchEnd(step int, loss float64, t *Trainer) {
	if len(c.ring) < c.Window {
		c.ring = append(c.ring, loss)
	} else {
		c.ring[c.next] = loss
		c.next = (c.next + 1) % c.Window
	}
	if len(c.ring) == c.Window {
		c.averages = append(c.averages, floats.Sum(c.ring)/float64(c.Window))
	}
}

// Averages returns one average per step once the window has filled.
func (c *MovingAverage) Averages() []float64 { return c.averages }

// NonIncreasing reports whether no average exceeds its predecessor by
// more than tol.
func (c *MovingAverage) NonIncreasing(tol float64) bool {
	for i := 1; i < len(c.averages); i++ {
		if c.averages[i] > c.averages[i-1]+tol {
			return false
		}
	}
	return true
}
