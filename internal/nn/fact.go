package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/activations"
	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// FactLayer applies an activation function elementwise.
type FactLayer struct {
	a    *Arch
	dimX tensor.Dim
	fn   activations.Activation

	Y, dYdX, dLdX *tensor.Tensor

	set     *compute.UniformSet
	gradSet *compute.UniformSet
	own     owner

	forwarded bool
}

// NewFactLayer creates an activation layer using the function registered
// under name.
func NewFactLayer(a *Arch, dimX tensor.Dim, name string) (*FactLayer, error) {
	fn, err := activations.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !dimX.Valid() {
		return nil, fmt.Errorf("%w: fact dimX=%s", ErrInvalidConfig, dimX)
	}
	l := &FactLayer{a: a, dimX: dimX, fn: fn}
	alloc := newAllocator(a.e, "fact")
	l.Y = alloc.tensor("Y", dimX)
	l.dYdX = alloc.tensor("dYdX", dimX)
	l.dLdX = alloc.tensor("dLdX", dimX)
	l.set = alloc.set("fact", alloc.dim(dimX), bufOf(l.dLdX), bufOf(l.Y), bufOf(l.dYdX))
	l.gradSet = alloc.set("factGrad", bufOf(l.Y), bufOf(l.dLdX))
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FactLayer) Kind() string     { return "fact" }
func (l *FactLayer) DimX() tensor.Dim { return l.dimX }
func (l *FactLayer) DimY() tensor.Dim { return l.dimX }

// Function returns the serialized name of the activation.
func (l *FactLayer) Function() string { return l.fn.Name() }

func (l *FactLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("fact", l.dimX, bs, X); err != nil {
		return nil, err
	}
	if err := l.set.Update(1, X.Buffer()); err != nil {
		return nil, err
	}
	fn := l.fn
	err := dispatch(l.a.e, compute.HazardRAW, "fact_"+fn.Name(), func(b compute.Bindings) compute.Invocation {
		d := dimAt(b, 1, 0)
		X, Y, dYdX := b.Data(1, 1), b.Data(1, 2), b.Data(1, 3)
		stride := d.Stride()
		return func(k, n, _ uint32) {
			o := int(n)*stride + int(k)
			Y[o] = fn.Activate(X[o])
			dYdX[o] = fn.Derivative(X[o])
		}
	}, uint32(l.dimX.Stride()), bs, 1, l.a.set, l.set)
	if err != nil {
		return nil, err
	}
	l.forwarded = true
	return l.Y, nil
}

func (l *FactLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if !l.forwarded {
		return nil, fmt.Errorf("%w: fact", ErrNotForwarded)
	}
	if err := checkInput("fact", l.dimX, bs, dLdY); err != nil {
		return nil, err
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	err := dispatch(l.a.e, compute.HazardRAW, "fact_backward", factBackward,
		uint32(l.dimX.Stride()), bs, 1, l.a.set, l.set, l.gradSet)
	if err != nil {
		return nil, err
	}
	return l.dLdX, nil
}

func factBackward(b compute.Bindings) compute.Invocation {
	stride := dimAt(b, 1, 0).Stride()
	dYdX := b.Data(1, 3)
	dLdY, dLdX := b.Data(2, 0), b.Data(2, 1)
	return func(k, n, _ uint32) {
		o := int(n)*stride + int(k)
		dLdX[o] = dLdY[o] * dYdX[o]
	}
}

func (l *FactLayer) Post(flags Flags, bs uint32) error { return nil }

func (l *FactLayer) Release() { l.own.release() }

type factDoc struct {
	DimX     tensor.Dim `json:"dim_x"`
	Function string     `json:"function"`
}

func (l *FactLayer) export() (any, error) {
	return factDoc{DimX: l.dimX, Function: l.fn.Name()}, nil
}

func importFact(a *Arch, doc factDoc) (*FactLayer, error) {
	l, err := NewFactLayer(a, doc.DimX, doc.Function)
	if err != nil {
		return nil, fmt.Errorf("%w: fact: %w", ErrImport, err)
	}
	return l, nil
}
