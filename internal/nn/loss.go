package nn

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// Loss is the terminal node of an Arch. It reduces the network output
// against a target to a scalar and produces dL/dY.
type Loss struct {
	a    *Arch
	fn   loss.Loss
	dimY tensor.Dim

	dLdY    *tensor.Tensor
	partial *compute.Buffer
	set     *compute.UniformSet
	own     owner
}

func newLoss(a *Arch, dimY tensor.Dim, fn loss.Loss) (*Loss, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: nil loss function", ErrInvalidConfig)
	}
	l := &Loss{a: a, fn: fn, dimY: dimY}
	alloc := newAllocator(a.e, "loss")
	l.dLdY = alloc.tensor("dLdY", dimY)
	l.partial = alloc.storage("partial", make([]float64, dimY.Count)...)
	l.set = alloc.set("loss", alloc.dim(dimY), bufOf(l.dLdY), bufOf(l.dLdY), bufOf(l.dLdY), l.partial)
	var err error
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

// Function returns the serialized name of the loss function.
func (l *Loss) Function() string { return l.fn.Name() }

// DimY returns the shape of the compared tensors.
func (l *Loss) DimY() tensor.Dim { return l.dimY }

// Backprop compares the first bs slices of Y and Yt and returns the mean
// element loss and the per-sample gradient dL/dY. It runs its own compute
// pass.
func (l *Loss) Backprop(bs uint32, Y, Yt *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if err := checkInput("loss", l.dimY, bs, Y); err != nil {
		return 0, nil, err
	}
	if err := checkInput("loss", l.dimY, bs, Yt); err != nil {
		return 0, nil, err
	}
	if err := l.set.Update(1, Y.Buffer()); err != nil {
		return 0, nil, err
	}
	if err := l.set.Update(2, Yt.Buffer()); err != nil {
		return 0, nil, err
	}
	fn := l.fn
	err := l.a.pass(func() error {
		return dispatch(l.a.e, compute.HazardRAW, "loss_"+fn.Name(), func(b compute.Bindings) compute.Invocation {
			stride := dimAt(b, 1, 0).Stride()
			Y, Yt, dLdY := b.Data(1, 1), b.Data(1, 2), b.Data(1, 3)
			partial := b.Data(1, 4)
			inv := 1 / float64(stride)
			return func(n, _, _ uint32) {
				var sum float64
				for o := int(n) * stride; o < int(n+1)*stride; o++ {
					sum += fn.Value(Y[o], Yt[o])
					dLdY[o] = fn.Gradient(Y[o], Yt[o]) * inv
				}
				partial[n] = sum
			}
		}, bs, 1, 1, l.a.set, l.set)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("loss: %w", err)
	}
	partial := make([]float64, bs)
	if err := l.a.e.Read(l.partial, 0, partial); err != nil {
		return 0, nil, err
	}
	return floats.Sum(partial) / (float64(bs) * float64(l.dimY.Stride())), l.dLdY, nil
}

// Release frees the loss buffers.
func (l *Loss) Release() { l.own.release() }
