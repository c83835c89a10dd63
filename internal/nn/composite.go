package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// builder assembles the children of a composite layer, tracking the
// running output shape. The first failure releases every child built so
// far, unregistering their forks.
type builder struct {
	kind string
	dim  tensor.Dim
	seq  sequence
	err  error
}

func newBuilder(kind string, dimX tensor.Dim) *builder {
	return &builder{kind: kind, dim: dimX}
}

// stage builds the next child from the running shape and appends it. After
// the first failure it builds nothing and returns the zero L.
func stage[L Layer](b *builder, build func(d tensor.Dim) (L, error)) L {
	var zero L
	if b.err != nil {
		return zero
	}
	l, err := build(b.dim)
	if err != nil {
		b.err = err
		return zero
	}
	if !b.dim.SizeEquals(l.DimX()) {
		l.Release()
		b.err = fmt.Errorf("%w: %s stage %d: %s(%s) after %s", ErrDimMismatch,
			b.kind, len(b.seq), l.Kind(), l.DimX(), b.dim)
		return zero
	}
	b.seq = append(b.seq, l)
	b.dim = l.DimY()
	return l
}

func (b *builder) finish() (sequence, error) {
	if b.err != nil {
		b.seq.release()
		return nil, fmt.Errorf("%s: %w", b.kind, b.err)
	}
	if len(b.seq) == 0 {
		return nil, fmt.Errorf("%w: %s has no stages", ErrInvalidConfig, b.kind)
	}
	return b.seq, nil
}

// composite is the shared part of layers built from a child sequence.
type composite struct {
	kind     string
	children sequence
}

func (c *composite) Kind() string     { return c.kind }
func (c *composite) DimX() tensor.Dim { return c.children[0].DimX() }
func (c *composite) DimY() tensor.Dim { return c.children[len(c.children)-1].DimY() }

// Children returns the child layers in forward order.
func (c *composite) Children() []Layer {
	out := make([]Layer, len(c.children))
	copy(out, c.children)
	return out
}

func (c *composite) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	Y, err := c.children.forward(flags, bs, X)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.kind, err)
	}
	return Y, nil
}

func (c *composite) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	dLdX, err := c.children.backprop(flags, bs, dLdY)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.kind, err)
	}
	return dLdX, nil
}

func (c *composite) Post(flags Flags, bs uint32) error { return c.children.post(flags, bs) }

func (c *composite) Release() {
	c.children.release()
	c.children = nil
}

func (c *composite) exportChildren() ([]LayerDoc, error) {
	docs := make([]LayerDoc, len(c.children))
	for i, l := range c.children {
		d, err := exportLayer(l)
		if err != nil {
			return nil, fmt.Errorf("%s child %d: %w", c.kind, i, err)
		}
		docs[i] = d
	}
	return docs, nil
}
