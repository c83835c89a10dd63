// Package compute provides the device abstraction used by the engine:
// buffers, uniform sets, pipelines and hazard-declared dispatch.
package compute

import (
	"errors"
	"fmt"
)

// Hazard declares the ordering requirement of a dispatch relative to all
// previously issued work.
type Hazard int

const (
	// HazardNone allows the dispatch to run concurrently with pending work.
	HazardNone Hazard = iota
	// HazardRAW reads data written by pending work.
	HazardRAW
	// HazardWAR writes data read by pending work.
	HazardWAR
	// HazardWAW writes data written by pending work.
	HazardWAW
)

func (h Hazard) String() string {
	switch h {
	case HazardNone:
		return "none"
	case HazardRAW:
		return "raw"
	case HazardWAR:
		return "war"
	case HazardWAW:
		return "waw"
	}
	return fmt.Sprintf("hazard(%d)", int(h))
}

// Usage describes how a buffer is bound.
type Usage int

const (
	UsageStorage Usage = iota
	UsageUniform
)

func (u Usage) String() string {
	if u == UsageUniform {
		return "uniform"
	}
	return "storage"
}

var (
	ErrReleased      = errors.New("compute: buffer released")
	ErrNoPass        = errors.New("compute: dispatch outside of a compute pass")
	ErrPassActive    = errors.New("compute: compute pass already active")
	ErrNoPipeline    = errors.New("compute: no pipeline bound")
	ErrLayout        = errors.New("compute: uniform set does not match layout")
	ErrOutOfRange    = errors.New("compute: buffer range out of bounds")
	ErrEmptyDispatch = errors.New("compute: empty dispatch")
)

// Buffer is a device allocation of float64 elements.
type Buffer struct {
	label string
	usage Usage
	data  []float64
}

// Label returns the debug label of the buffer.
func (b *Buffer) Label() string { return b.label }

// Usage returns the binding usage of the buffer.
func (b *Buffer) Usage() Usage { return b.usage }

// Len returns the element count, or 0 once released.
func (b *Buffer) Len() int { return len(b.data) }

// Release drops the backing storage.
func (b *Buffer) Release() { b.data = nil }

func (b *Buffer) checkRange(off, n int) error {
	if b.data == nil {
		return fmt.Errorf("%w: %s", ErrReleased, b.label)
	}
	if off < 0 || n < 0 || off+n > len(b.data) {
		return fmt.Errorf("%w: %s [%d:%d] of %d", ErrOutOfRange, b.label, off, off+n, len(b.data))
	}
	return nil
}

// Binding is one slot of a uniform set layout.
type Binding struct {
	Name  string
	Usage Usage
}

// UniformSetFactory creates uniform sets that share a layout.
type UniformSetFactory struct {
	name   string
	layout []Binding
}

// NewUniformSetFactory creates a factory for the given layout.
func NewUniformSetFactory(name string, layout ...Binding) *UniformSetFactory {
	l := make([]Binding, len(layout))
	copy(l, layout)
	return &UniformSetFactory{name: name, layout: l}
}

func (f *UniformSetFactory) Name() string { return f.name }

// Layout returns a copy of the binding layout.
func (f *UniformSetFactory) Layout() []Binding {
	l := make([]Binding, len(f.layout))
	copy(l, f.layout)
	return l
}

// SameLayout reports whether the factory layout equals layout.
func (f *UniformSetFactory) SameLayout(layout []Binding) bool {
	if len(layout) != len(f.layout) {
		return false
	}
	for i := range layout {
		if layout[i] != f.layout[i] {
			return false
		}
	}
	return true
}

// NewSet creates a uniform set referencing refs. Every slot must be
// filled; nil refs are allowed and must be updated before dispatch.
func (f *UniformSetFactory) NewSet(refs ...*Buffer) (*UniformSet, error) {
	if len(refs) != len(f.layout) {
		return nil, fmt.Errorf("%w: %s expects %d bindings, got %d",
			ErrLayout, f.name, len(f.layout), len(refs))
	}
	s := &UniformSet{factory: f, refs: make([]*Buffer, len(refs))}
	for i, r := range refs {
		if err := s.Update(i, r); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// UniformSet binds concrete buffers to a factory layout.
type UniformSet struct {
	factory *UniformSetFactory
	refs    []*Buffer
}

func (s *UniformSet) Factory() *UniformSetFactory { return s.factory }

// Ref returns the buffer bound at index i.
func (s *UniformSet) Ref(i int) *Buffer { return s.refs[i] }

// Update rebinds slot i. Work already dispatched keeps the old binding.
func (s *UniformSet) Update(i int, b *Buffer) error {
	if i < 0 || i >= len(s.refs) {
		return fmt.Errorf("%w: %s has no binding %d", ErrLayout, s.factory.name, i)
	}
	if b != nil && b.usage != s.factory.layout[i].Usage {
		return fmt.Errorf("%w: %s.%s wants %s buffer, got %s (%s)",
			ErrLayout, s.factory.name, s.factory.layout[i].Name,
			s.factory.layout[i].Usage, b.usage, b.label)
	}
	s.refs[i] = b
	return nil
}

// Bindings is the snapshot of uniform sets taken when a dispatch is issued.
type Bindings struct {
	sets [][]*Buffer
}

// Data returns the storage of the buffer at (set, binding).
func (b Bindings) Data(set, binding int) []float64 {
	return b.sets[set][binding].data
}

// Label returns the label of the buffer at (set, binding).
func (b Bindings) Label(set, binding int) string {
	return b.sets[set][binding].label
}

// Invocation is one work item of a dispatch grid.
type Invocation func(x, y, z uint32)

// Kernel resolves bindings into an invocation. It runs once per dispatch.
type Kernel func(b Bindings) Invocation

// Pipeline is a kernel plus the uniform set layouts it is bound with.
type Pipeline struct {
	name   string
	kernel Kernel
	layout []*UniformSetFactory
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) snapshot(sets []*UniformSet) (Bindings, error) {
	if len(sets) != len(p.layout) {
		return Bindings{}, fmt.Errorf("%w: pipeline %s expects %d sets, got %d",
			ErrLayout, p.name, len(p.layout), len(sets))
	}
	snap := Bindings{sets: make([][]*Buffer, len(sets))}
	for i, s := range sets {
		if s == nil || s.factory != p.layout[i] {
			return Bindings{}, fmt.Errorf("%w: pipeline %s set %d", ErrLayout, p.name, i)
		}
		refs := make([]*Buffer, len(s.refs))
		for j, r := range s.refs {
			if r == nil || r.data == nil {
				return Bindings{}, fmt.Errorf("%w: pipeline %s set %d binding %s unbound",
					ErrLayout, p.name, i, s.factory.layout[j].Name)
			}
			refs[j] = r
		}
		snap.sets[i] = refs
	}
	return snap, nil
}

// Stats counts device activity.
type Stats struct {
	Dispatches uint64
	Barriers   uint64
	Flushes    uint64
}

// Device is the minimal dispatch service the engine runs on.
type Device interface {
	Name() string
	NewBuffer(label string, usage Usage, n int) (*Buffer, error)
	NewPipeline(name string, k Kernel, layout ...*UniformSetFactory) (*Pipeline, error)

	// Begin opens a compute pass; End flushes and closes it.
	Begin() error
	BindPipeline(p *Pipeline) error
	BindUniformSets(sets ...*UniformSet) error
	Dispatch(h Hazard, x, y, z uint32) error
	Clear(h Hazard, b *Buffer) error
	Copy(h Hazard, src, dst *Buffer, srcOff, dstOff, n int) error
	End() error

	// Read and Write access buffer contents from the host after
	// completing all pending work.
	Read(b *Buffer, off int, dst []float64) error
	Write(b *Buffer, off int, src []float64) error

	Flush() error
	Stats() Stats
	Release()
}
