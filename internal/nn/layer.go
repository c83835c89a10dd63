// Package nn provides the layer family, the loss node and the Arch
// container that drives forward and backward passes on an engine.
package nn

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// Flags modify a single forward or backward pass.
type Flags uint32

const (
	// FlagNoUpdate computes gradients without updating parameters.
	FlagNoUpdate Flags = 1 << iota
	// FlagBatchNormRunning normalizes with running statistics.
	FlagBatchNormRunning
)

// Has reports whether all bits of g are set.
func (f Flags) Has(g Flags) bool { return f&g == g }

var (
	ErrDimMismatch   = errors.New("nn: dimension mismatch")
	ErrBatchSize     = errors.New("nn: invalid batch size")
	ErrPadSame       = errors.New("nn: same padding is not implemented")
	ErrNotFork       = errors.New("nn: skip consumer requires a fork")
	ErrForkConsumed  = errors.New("nn: fork already has a consumer")
	ErrSkipGradient  = errors.New("nn: fork has no deposited gradient")
	ErrSkipCrop      = errors.New("nn: fork output is smaller than consumer input")
	ErrNotForwarded  = errors.New("nn: backprop without forward pass")
	ErrInvalidConfig = errors.New("nn: invalid configuration")
	ErrImport        = errors.New("nn: invalid snapshot")
	ErrNoLoss        = errors.New("nn: no loss attached")
	ErrEmptyArch     = errors.New("nn: no layers attached")
)

// Layer is the unit of forward computation and its gradient.
type Layer interface {
	// Kind is the serialized name of the layer type.
	Kind() string
	DimX() tensor.Dim
	DimY() tensor.Dim

	// ForwardPass computes Y for the first bs slices of X. The returned
	// tensor is owned by the layer or, for pass-through layers, is X.
	ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error)
	// Backprop consumes dL/dY and returns dL/dX, updating parameters
	// unless FlagNoUpdate is set.
	Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error)
	// Post runs after a complete forward or backward pass.
	Post(flags Flags, bs uint32) error

	Release()

	export() (any, error)
}

func checkBatch(kind string, dimX tensor.Dim, bs uint32) error {
	if bs == 0 || bs > dimX.Count {
		return fmt.Errorf("%w: %s: bs=%d, max %d", ErrBatchSize, kind, bs, dimX.Count)
	}
	return nil
}

// checkInput validates a tensor handed to a layer expecting dim.
func checkInput(kind string, dim tensor.Dim, bs uint32, t *tensor.Tensor) error {
	if err := checkBatch(kind, dim, bs); err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: %s: nil tensor", ErrDimMismatch, kind)
	}
	if t.Mode() != tensor.ModeCompute {
		return fmt.Errorf("%w: %s: input must be a compute tensor", tensor.ErrMode, kind)
	}
	d := t.Dim()
	if d.Stride() != dim.Stride() || d.Count < bs {
		return fmt.Errorf("%w: %s: got %s, want %s", ErrDimMismatch, kind, d, dim)
	}
	return nil
}

// sequence runs child layers in order and their gradients in reverse.
type sequence []Layer

func (s sequence) forward(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range s {
		X, err = l.ForwardPass(flags, bs, X)
		if err != nil {
			return nil, err
		}
	}
	return X, nil
}

func (s sequence) backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		dLdY, err = s[i].Backprop(flags, bs, dLdY)
		if err != nil {
			return nil, err
		}
	}
	return dLdY, nil
}

func (s sequence) post(flags Flags, bs uint32) error {
	for _, l := range s {
		if err := l.Post(flags, bs); err != nil {
			return err
		}
	}
	return nil
}

// release releases children in reverse construction order so consumers
// detach from their forks first.
func (s sequence) release() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i].Release()
	}
}

// owner tracks the device resources allocated by a layer.
type owner struct {
	tensors []*tensor.Tensor
	buffers []*compute.Buffer
}

func (o *owner) release() {
	for _, t := range o.tensors {
		t.Release()
	}
	for _, b := range o.buffers {
		b.Release()
	}
	o.tensors = nil
	o.buffers = nil
}

// allocator creates layer resources, remembering the first failure so
// constructors can check once and release everything.
type allocator struct {
	e      *engine.Engine
	prefix string
	own    owner
	err    error
}

func newAllocator(e *engine.Engine, prefix string) *allocator {
	return &allocator{e: e, prefix: prefix}
}

func (a *allocator) tensor(name string, d tensor.Dim) *tensor.Tensor {
	if a.err != nil {
		return nil
	}
	t, err := tensor.NewCompute(a.e, a.prefix+"."+name, d)
	if err != nil {
		a.err = err
		return nil
	}
	a.own.tensors = append(a.own.tensors, t)
	return t
}

// uniform allocates a uniform buffer holding values.
func (a *allocator) uniform(name string, values ...float64) *compute.Buffer {
	return a.buffer(name, compute.UsageUniform, values)
}

// storage allocates a storage buffer holding values.
func (a *allocator) storage(name string, values ...float64) *compute.Buffer {
	return a.buffer(name, compute.UsageStorage, values)
}

func (a *allocator) buffer(name string, usage compute.Usage, values []float64) *compute.Buffer {
	if a.err != nil {
		return nil
	}
	b, err := a.e.NewBuffer(a.prefix+"."+name, usage, len(values))
	if err == nil {
		err = a.e.Write(b, 0, values)
	}
	if err != nil {
		a.err = err
		return nil
	}
	a.own.buffers = append(a.own.buffers, b)
	return b
}

func (a *allocator) dim(d tensor.Dim) *compute.Buffer {
	if a.err != nil {
		return nil
	}
	b, err := a.e.DimBuffer(d.Array())
	if err != nil {
		a.err = err
	}
	return b
}

func (a *allocator) set(factory string, refs ...*compute.Buffer) *compute.UniformSet {
	if a.err != nil {
		return nil
	}
	s, err := newSet(a.e, factory, refs...)
	if err != nil {
		a.err = err
	}
	return s
}

// load writes a snapshot into t.
func (a *allocator) load(t *tensor.Tensor, doc tensor.Doc) {
	if a.err != nil {
		return
	}
	if err := tensor.Import(t, doc); err != nil {
		a.err = fmt.Errorf("%s: %w", t.Buffer().Label(), err)
	}
}

// finish returns the owned resources, or releases them and returns the
// first error.
func (a *allocator) finish() (owner, error) {
	if a.err != nil {
		a.own.release()
		return owner{}, fmt.Errorf("%s: %w", a.prefix, a.err)
	}
	return a.own, nil
}

// bufOf returns the buffer of t, nil for a nil tensor.
func bufOf(t *tensor.Tensor) *compute.Buffer {
	if t == nil {
		return nil
	}
	return t.Buffer()
}
