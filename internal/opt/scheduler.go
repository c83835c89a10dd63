package opt

import "math"

// Scheduler defines the interface for learning rate schedulers. Schedulers
// mutate the LearningRate of the State they are bound to.
type Scheduler interface {
	Step()
	StepWithLoss(loss float64)
	GetLR() float64
}

// BaseScheduler provides default implementations for Scheduler.
type BaseScheduler struct {
	state *State
}

func (s BaseScheduler) Step()                     {}
func (s BaseScheduler) StepWithLoss(loss float64) {}
func (s BaseScheduler) GetLR() float64            { return s.state.LearningRate }

// StepLR decays the learning rate by gamma every stepSize epochs.
type StepLR struct {
	BaseScheduler
	stepSize  int
	gamma     float64
	lastEpoch int
}

func NewStepLR(state *State, stepSize int, gamma float64) *StepLR {
	if stepSize < 1 {
		stepSize = 1
	}
	return &StepLR{
		BaseScheduler: BaseScheduler{state: state},
		stepSize:      stepSize,
		gamma:         gamma,
	}
}

func (s *StepLR) Step() {
	s.lastEpoch++
	if s.lastEpoch%s.stepSize == 0 {
		s.state.LearningRate *= s.gamma
	}
}

// ExponentialLR decays the learning rate by gamma every epoch.
type ExponentialLR struct {
	BaseScheduler
	gamma float64
}

func NewExponentialLR(state *State, gamma float64) *ExponentialLR {
	return &ExponentialLR{BaseScheduler: BaseScheduler{state: state}, gamma: gamma}
}

func (s *ExponentialLR) Step() {
	s.state.LearningRate *= s.gamma
}

// ReduceLROnPlateau reduces learning rate when a metric has stopped improving.
type ReduceLROnPlateau struct {
	BaseScheduler
	factor    float64
	patience  int
	threshold float64
	cooldown  int
	minLR     float64

	bestLoss        float64
	numBadEpochs    int
	cooldownCounter int
}

func NewReduceLROnPlateau(state *State, factor float64, patience int, threshold, minLR float64) *ReduceLROnPlateau {
	return &ReduceLROnPlateau{
		BaseScheduler: BaseScheduler{state: state},
		factor:        factor,
		patience:      patience,
		threshold:     threshold,
		minLR:         minLR,
		bestLoss:      math.MaxFloat64,
	}
}

// SetCooldown sets the number of epochs to wait after a reduction.
func (s *ReduceLROnPlateau) SetCooldown(epochs int) { s.cooldown = epochs }

func (s *ReduceLROnPlateau) StepWithLoss(currentLoss float64) {
	if s.cooldownCounter > 0 {
		s.cooldownCounter--
		return
	}

	if currentLoss < s.bestLoss-s.threshold {
		s.bestLoss = currentLoss
		s.numBadEpochs = 0
	} else {
		s.numBadEpochs++
	}

	if s.numBadEpochs >= s.patience {
		newLR := s.state.LearningRate * s.factor
		if newLR < s.minLR {
			newLR = s.minLR
		}
		s.state.LearningRate = newLR
		s.numBadEpochs = 0
		s.cooldownCounter = s.cooldown
	}
}
