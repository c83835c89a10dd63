package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// PoolMode selects max or average pooling.
type PoolMode int

const (
	PoolMax PoolMode = iota
	PoolAvg
)

func (m PoolMode) String() string {
	switch m {
	case PoolMax:
		return "max"
	case PoolAvg:
		return "avg"
	}
	return fmt.Sprintf("PoolMode(%d)", int(m))
}

// MarshalText encodes m by name.
func (m PoolMode) MarshalText() ([]byte, error) {
	if m != PoolMax && m != PoolAvg {
		return nil, fmt.Errorf("nn: invalid pool mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a pool mode name.
func (m *PoolMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "max":
		*m = PoolMax
	case "avg":
		*m = PoolAvg
	default:
		return fmt.Errorf("nn: unknown pool mode %q", b)
	}
	return nil
}

// PoolingLayer downsamples each channel over non-overlapping sh x sw
// windows.
type PoolingLayer struct {
	a      *Arch
	dimX   tensor.Dim
	dimY   tensor.Dim
	sh, sw uint32
	mode   PoolMode

	Y, mask, dLdX *tensor.Tensor

	set     *compute.UniformSet
	gradSet *compute.UniformSet
	own     owner

	forwarded bool
}

// NewPoolingLayer creates a pooling layer with output (xh/sh, xw/sw).
func NewPoolingLayer(a *Arch, dimX tensor.Dim, sh, sw uint32, mode PoolMode) (*PoolingLayer, error) {
	if !dimX.Valid() || sh == 0 || sw == 0 || sh > dimX.Height || sw > dimX.Width {
		return nil, fmt.Errorf("%w: pool dimX=%s stride=%dx%d", ErrInvalidConfig, dimX, sh, sw)
	}
	if mode != PoolMax && mode != PoolAvg {
		return nil, fmt.Errorf("%w: pool mode %d", ErrInvalidConfig, int(mode))
	}
	dimY := tensor.Dim{Count: dimX.Count, Height: dimX.Height / sh, Width: dimX.Width / sw, Depth: dimX.Depth}
	l := &PoolingLayer{a: a, dimX: dimX, dimY: dimY, sh: sh, sw: sw, mode: mode}
	alloc := newAllocator(a.e, "pool")
	l.Y = alloc.tensor("Y", dimY)
	l.mask = alloc.tensor("mask", dimX)
	l.dLdX = alloc.tensor("dLdX", dimX)
	param := alloc.uniform("param", float64(sh), float64(sw), float64(mode))
	l.set = alloc.set("pool", param, alloc.dim(dimX), bufOf(l.dLdX), alloc.dim(dimY), bufOf(l.Y), bufOf(l.mask))
	l.gradSet = alloc.set("poolGrad", bufOf(l.Y), bufOf(l.dLdX))
	var err error
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PoolingLayer) Kind() string     { return "pool" }
func (l *PoolingLayer) DimX() tensor.Dim { return l.dimX }
func (l *PoolingLayer) DimY() tensor.Dim { return l.dimY }

// Mode returns the pooling mode.
func (l *PoolingLayer) Mode() PoolMode { return l.mode }

func (l *PoolingLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("pool", l.dimX, bs, X); err != nil {
		return nil, err
	}
	if err := l.set.Update(2, X.Buffer()); err != nil {
		return nil, err
	}
	err := dispatch(l.a.e, compute.HazardRAW, "pool_forward", poolForward,
		l.dimY.Width, l.dimY.Height, bs, l.a.set, l.set)
	if err != nil {
		return nil, err
	}
	l.forwarded = true
	return l.Y, nil
}

func (l *PoolingLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if !l.forwarded {
		return nil, fmt.Errorf("%w: pool", ErrNotForwarded)
	}
	if err := checkInput("pool", l.dimY, bs, dLdY); err != nil {
		return nil, err
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	err := dispatch(l.a.e, compute.HazardRAW, "pool_backward", poolBackward,
		l.dimX.Width, l.dimX.Height, bs, l.a.set, l.set, l.gradSet)
	if err != nil {
		return nil, err
	}
	return l.dLdX, nil
}

func (l *PoolingLayer) Post(flags Flags, bs uint32) error { return nil }

func (l *PoolingLayer) Release() { l.own.release() }

type poolDoc struct {
	DimX    tensor.Dim `json:"dim_x"`
	StrideH uint32     `json:"stride_h"`
	StrideW uint32     `json:"stride_w"`
	Mode    PoolMode   `json:"mode"`
}

func (l *PoolingLayer) export() (any, error) {
	return poolDoc{DimX: l.dimX, StrideH: l.sh, StrideW: l.sw, Mode: l.mode}, nil
}

func importPool(a *Arch, doc poolDoc) (*PoolingLayer, error) {
	return NewPoolingLayer(a, doc.DimX, doc.StrideH, doc.StrideW, doc.Mode)
}

type poolBindings struct {
	sh, sw uint32
	max    bool
	dx, dy tensor.Dim
	X, Y   []float64
	mask   []float64
}

func poolBind(b compute.Bindings) poolBindings {
	p := b.Data(1, 0)
	return poolBindings{
		sh:   uint32(p[0]),
		sw:   uint32(p[1]),
		max:  PoolMode(p[2]) == PoolMax,
		dx:   dimAt(b, 1, 1),
		X:    b.Data(1, 2),
		dy:   dimAt(b, 1, 3),
		Y:    b.Data(1, 4),
		mask: b.Data(1, 5),
	}
}

// poolForward reduces the window under output cell (i, j) of slice n and,
// in max mode, marks the argmax of every channel in the mask.
func poolForward(b compute.Bindings) compute.Invocation {
	c := poolBind(b)
	inv := 1 / float64(c.sh*c.sw)
	return func(j, i, n uint32) {
		for k := uint32(0); k < c.dx.Depth; k++ {
			var acc float64
			best := -1
			for di := uint32(0); di < c.sh; di++ {
				for dj := uint32(0); dj < c.sw; dj++ {
					o := c.dx.Offset(n, i*c.sh+di, j*c.sw+dj, k)
					if c.max {
						c.mask[o] = 0
						if best < 0 || c.X[o] > acc {
							acc, best = c.X[o], o
						}
					} else {
						acc += c.X[o]
					}
				}
			}
			if c.max {
				c.mask[best] = 1
			} else {
				acc *= inv
			}
			c.Y[c.dy.Offset(n, i, j, k)] = acc
		}
	}
}

func poolBackward(b compute.Bindings) compute.Invocation {
	c := poolBind(b)
	dLdY, dLdX := b.Data(2, 0), b.Data(2, 1)
	inv := 1 / float64(c.sh*c.sw)
	return func(j, i, n uint32) {
		yi, yj := i/c.sh, j/c.sw
		ox := c.dx.Offset(n, i, j, 0)
		for k := uint32(0); k < c.dx.Depth; k++ {
			if yi >= c.dy.Height || yj >= c.dy.Width {
				dLdX[ox+int(k)] = 0
				continue
			}
			g := dLdY[c.dy.Offset(n, yi, yj, k)]
			if c.max {
				g *= c.mask[ox+int(k)]
			} else {
				g *= inv
			}
			dLdX[ox+int(k)] = g
		}
	}
}
