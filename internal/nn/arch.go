package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// Config configures an Arch.
type Config struct {
	// Seed seeds weight initialization.
	Seed int64
}

// Arch is an ordered list of layers with a loss node and the optimizer
// state shared by every layer.
type Arch struct {
	e     *engine.Engine
	cfg   Config
	state opt.State
	rng   *rand.Rand

	packed   []float64
	stateBuf *compute.Buffer
	bsBuf    *compute.Buffer
	set      *compute.UniformSet

	layers []Layer
	loss   *Loss

	forks  map[uint32]*SkipLayer
	nextID uint32

	// staging tensors for Train and Predict, allocated on first use
	x, yt *tensor.Tensor
}

// New creates an empty Arch on e.
func New(e *engine.Engine, state opt.State, cfg Config) (*Arch, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	a := &Arch{
		e:      e,
		cfg:    cfg,
		state:  state,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		packed: make([]float64, opt.PackedLen),
		forks:  make(map[uint32]*SkipLayer),
		nextID: 1,
	}
	alloc := newAllocator(e, "arch")
	a.stateBuf = alloc.uniform("state", a.packed...)
	a.bsBuf = alloc.uniform("bs", 1)
	a.set = alloc.set("arch", a.stateBuf, a.bsBuf)
	own, err := alloc.finish()
	if err != nil {
		return nil, err
	}
	if err := a.uploadState(); err != nil {
		own.release()
		return nil, err
	}
	return a, nil
}

// Engine returns the engine the Arch was built on.
func (a *Arch) Engine() *engine.Engine { return a.e }

// Seed returns the initialization seed.
func (a *Arch) Seed() int64 { return a.cfg.Seed }

// State returns the current optimizer state.
func (a *Arch) State() opt.State { return a.state }

// SetState replaces the optimizer state.
func (a *Arch) SetState(s opt.State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	a.state = s
	return a.uploadState()
}

func (a *Arch) uploadState() error {
	a.state.Pack(a.packed)
	return a.e.Write(a.stateBuf, 0, a.packed)
}

// Layers returns the attached layers in computational order.
func (a *Arch) Layers() []Layer {
	out := make([]Layer, len(a.layers))
	copy(out, a.layers)
	return out
}

// Loss returns the attached loss node, nil if none.
func (a *Arch) Loss() *Loss { return a.loss }

// DimX returns the input shape of the first layer.
func (a *Arch) DimX() tensor.Dim {
	if len(a.layers) == 0 {
		return tensor.Dim{}
	}
	return a.layers[0].DimX()
}

// DimY returns the output shape of the last layer.
func (a *Arch) DimY() tensor.Dim {
	if len(a.layers) == 0 {
		return tensor.Dim{}
	}
	return a.layers[len(a.layers)-1].DimY()
}

// AttachLayer appends l. Its input must size-match the current output.
func (a *Arch) AttachLayer(l Layer) error {
	if l == nil {
		return fmt.Errorf("%w: attach nil layer", ErrInvalidConfig)
	}
	if n := len(a.layers); n > 0 {
		tail := a.layers[n-1]
		if !tail.DimY().SizeEquals(l.DimX()) {
			return fmt.Errorf("%w: attach %s(%s) after %s(%s)", ErrDimMismatch,
				l.Kind(), l.DimX(), tail.Kind(), tail.DimY())
		}
	}
	if a.loss != nil {
		return fmt.Errorf("%w: attach %s after the loss", ErrInvalidConfig, l.Kind())
	}
	a.layers = append(a.layers, l)
	return nil
}

// AttachLoss terminates the Arch with fn applied to the last output.
func (a *Arch) AttachLoss(fn loss.Loss) error {
	if len(a.layers) == 0 {
		return ErrEmptyArch
	}
	if a.loss != nil {
		return fmt.Errorf("%w: loss already attached", ErrInvalidConfig)
	}
	l, err := newLoss(a, a.DimY(), fn)
	if err != nil {
		return err
	}
	a.loss = l
	return nil
}

func (a *Arch) writeBatch(bs uint32) error {
	if len(a.layers) == 0 {
		return ErrEmptyArch
	}
	if err := checkBatch("arch", a.DimX(), bs); err != nil {
		return err
	}
	return a.e.Write(a.bsBuf, 0, []float64{float64(bs)})
}

// pass runs fn inside a compute pass.
func (a *Arch) pass(fn func() error) error {
	if err := a.e.Begin(); err != nil {
		return err
	}
	err := fn()
	if endErr := a.e.End(); endErr != nil {
		err = errors.Join(err, endErr)
	}
	return err
}

// ForwardPass runs every layer on the first bs slices of X and then the
// post hooks. X must be a compute tensor.
func (a *Arch) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := a.writeBatch(bs); err != nil {
		return nil, err
	}
	var Y *tensor.Tensor
	err := a.pass(func() error {
		var err error
		Y, err = sequence(a.layers).forward(flags, bs, X)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	if err := a.pass(func() error { return sequence(a.layers).post(flags, bs) }); err != nil {
		return nil, fmt.Errorf("forward post: %w", err)
	}
	return Y, nil
}

// Backprop runs every layer in reverse on dLdY and returns dL/dX. The
// Adam timestep powers advance unless FlagNoUpdate is set.
func (a *Arch) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if err := a.writeBatch(bs); err != nil {
		return nil, err
	}
	if !flags.Has(FlagNoUpdate) {
		a.state.Advance()
		if err := a.uploadState(); err != nil {
			return nil, err
		}
	}
	var dLdX *tensor.Tensor
	err := a.pass(func() error {
		var err error
		dLdX, err = sequence(a.layers).backprop(flags, bs, dLdY)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("backprop: %w", err)
	}
	if err := a.pass(func() error { return sequence(a.layers).post(flags, bs) }); err != nil {
		return nil, fmt.Errorf("backprop post: %w", err)
	}
	return dLdX, nil
}

func (a *Arch) stage(bs uint32, X *tensor.Tensor) error {
	if a.x == nil {
		x, err := tensor.NewCompute(a.e, "arch.X", a.DimX())
		if err != nil {
			return err
		}
		a.x = x
	}
	return tensor.Blit(X, a.x, bs, 0, 0)
}

// Train runs one step on the first bs slices of X and Yt and returns the
// mean loss. X and Yt may be in either mode.
func (a *Arch) Train(bs uint32, X, Yt *tensor.Tensor) (float64, error) {
	return a.TrainFlags(0, bs, X, Yt)
}

// TrainFlags is Train with pass flags, e.g. FlagNoUpdate to backprop
// through a frozen network.
func (a *Arch) TrainFlags(flags Flags, bs uint32, X, Yt *tensor.Tensor) (float64, error) {
	if a.loss == nil {
		return 0, ErrNoLoss
	}
	if err := a.writeBatch(bs); err != nil {
		return 0, err
	}
	if err := a.stage(bs, X); err != nil {
		return 0, fmt.Errorf("train: stage X: %w", err)
	}
	if a.yt == nil {
		yt, err := tensor.NewCompute(a.e, "arch.Yt", a.DimY())
		if err != nil {
			return 0, err
		}
		a.yt = yt
	}
	if err := tensor.Blit(Yt, a.yt, bs, 0, 0); err != nil {
		return 0, fmt.Errorf("train: stage Yt: %w", err)
	}
	Y, err := a.ForwardPass(flags, bs, a.x)
	if err != nil {
		return 0, err
	}
	l, dLdY, err := a.loss.Backprop(bs, Y, a.yt)
	if err != nil {
		return 0, err
	}
	if _, err := a.Backprop(flags, bs, dLdY); err != nil {
		return 0, err
	}
	return l, nil
}

// Predict runs a forward pass with running batch-norm statistics and
// copies the first bs outputs into Y.
func (a *Arch) Predict(bs uint32, X, Y *tensor.Tensor) error {
	if err := a.writeBatch(bs); err != nil {
		return err
	}
	if err := a.stage(bs, X); err != nil {
		return fmt.Errorf("predict: stage X: %w", err)
	}
	out, err := a.ForwardPass(FlagBatchNormRunning, bs, a.x)
	if err != nil {
		return err
	}
	return tensor.Blit(out, Y, bs, 0, 0)
}

// Release releases the loss, every layer and the Arch buffers. The engine
// is left to its owner.
func (a *Arch) Release() {
	if a.loss != nil {
		a.loss.Release()
		a.loss = nil
	}
	sequence(a.layers).release()
	a.layers = nil
	a.x.Release()
	a.yt.Release()
	a.x, a.yt = nil, nil
	a.stateBuf.Release()
	a.bsBuf.Release()
}

// fork registry

func (a *Arch) registerFork(s *SkipLayer, id uint32) (uint32, error) {
	if id == 0 {
		id = a.nextID
	}
	if _, ok := a.forks[id]; ok {
		return 0, fmt.Errorf("%w: duplicate fork id %d", ErrImport, id)
	}
	a.forks[id] = s
	if id >= a.nextID {
		a.nextID = id + 1
	}
	return id, nil
}

func (a *Arch) unregisterFork(id uint32) { delete(a.forks, id) }

// Fork returns the fork registered under id.
func (a *Arch) Fork(id uint32) (*SkipLayer, bool) {
	s, ok := a.forks[id]
	return s, ok
}
