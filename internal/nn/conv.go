package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// ConvFlags configure a ConvLayer.
type ConvFlags uint32

const (
	ConvXavier ConvFlags = 1 << iota
	ConvHe
	ConvDisableBias
	ConvTranspose
	// ConvPadSame is recognized but not implemented; valid padding only.
	ConvPadSame
	// ConvNormSN divides W by its largest singular value after each update.
	ConvNormSN
	// ConvNormBSSN divides W by its largest singular value when it
	// exceeds one.
	ConvNormBSSN
)

// Has reports whether all bits of g are set.
func (f ConvFlags) Has(g ConvFlags) bool { return f&g == g }

// ConvLayer is a standard or transposed 2D convolution with valid padding.
// W has shape (filters, fh, fw, xd).
type ConvLayer struct {
	a      *Arch
	dimX   tensor.Dim
	dimW   tensor.Dim
	dimY   tensor.Dim
	stride uint32
	flags  ConvFlags

	W, B *paramGroup
	Y    *tensor.Tensor
	dLdX *tensor.Tensor

	set     *compute.UniformSet
	gradSet *compute.UniformSet
	own     owner

	X         *tensor.Tensor
	normalize bool
}

// ConvDimY returns the output shape of a convolution.
func ConvDimY(dimX, dimW tensor.Dim, stride uint32, flags ConvFlags) (tensor.Dim, error) {
	if flags.Has(ConvPadSame) {
		return tensor.Dim{}, ErrPadSame
	}
	if !dimX.Valid() || !dimW.Valid() || stride == 0 {
		return tensor.Dim{}, fmt.Errorf("%w: conv dimX=%s dimW=%s stride=%d", ErrInvalidConfig, dimX, dimW, stride)
	}
	if dimX.Depth != dimW.Depth {
		return tensor.Dim{}, fmt.Errorf("%w: conv input depth %d, filter depth %d", ErrDimMismatch, dimX.Depth, dimW.Depth)
	}
	y := tensor.Dim{Count: dimX.Count, Depth: dimW.Count}
	if flags.Has(ConvTranspose) {
		y.Height = stride*(dimX.Height-1) + dimW.Height
		y.Width = stride*(dimX.Width-1) + dimW.Width
		return y, nil
	}
	if dimX.Height < dimW.Height || dimX.Width < dimW.Width {
		return tensor.Dim{}, fmt.Errorf("%w: conv filter %s larger than input %s", ErrDimMismatch, dimW, dimX)
	}
	y.Height = (dimX.Height-dimW.Height)/stride + 1
	y.Width = (dimX.Width-dimW.Width)/stride + 1
	return y, nil
}

// NewConvLayer creates a convolution over dimX with dimW filters.
func NewConvLayer(a *Arch, dimX, dimW tensor.Dim, stride uint32, flags ConvFlags) (*ConvLayer, error) {
	dimY, err := ConvDimY(dimX, dimW, stride, flags)
	if err != nil {
		return nil, err
	}
	l := &ConvLayer{a: a, dimX: dimX, dimW: dimW, dimY: dimY, stride: stride, flags: flags}

	alloc := newAllocator(a.e, "conv")
	l.W = newParamGroup(alloc, "W", dimW, 1)
	var bias *compute.Buffer
	if !flags.Has(ConvDisableBias) {
		l.B = newParamGroup(alloc, "B", tensor.Dim{Count: 1, Height: 1, Width: 1, Depth: dimW.Count}, 0)
		bias = bufOf(l.B.P)
	} else {
		bias = alloc.storage("B0", 0)
	}
	l.Y = alloc.tensor("Y", dimY)
	l.dLdX = alloc.tensor("dLdX", dimX)
	param := alloc.uniform("param", float64(stride), b2f(flags.Has(ConvTranspose)), b2f(!flags.Has(ConvDisableBias)))
	l.set = alloc.set("conv", param, alloc.dim(dimX), bufOf(l.dLdX), alloc.dim(dimW), bufOf(l.W.P), bias, alloc.dim(dimY), bufOf(l.Y))
	l.gradSet = alloc.set("convGrad", bufOf(l.Y), bufOf(l.dLdX), bufOf(l.W.dP), biasGrad(l.B, bias))
	if alloc.err == nil {
		alloc.err = a.e.Write(bufOf(l.W.P), 0, l.initWeights())
	}
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

func biasGrad(g *paramGroup, fallback *compute.Buffer) *compute.Buffer {
	if g == nil {
		return fallback
	}
	return bufOf(g.dP)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// initWeights draws W from a zero-mean normal scaled by the Xavier or He
// rule. Xavier is the default.
func (l *ConvLayer) initWeights() []float64 {
	fanIn := float64(l.dimW.Height * l.dimW.Width * l.dimW.Depth)
	fanOut := float64(l.dimW.Height * l.dimW.Width * l.dimW.Count)
	std := math.Sqrt(2 / (fanIn + fanOut))
	if l.flags.Has(ConvHe) {
		std = math.Sqrt(2 / fanIn)
	}
	w := make([]float64, l.dimW.Elements())
	for i := range w {
		w[i] = l.a.rng.NormFloat64() * std
	}
	return w
}

func (l *ConvLayer) Kind() string     { return "conv" }
func (l *ConvLayer) DimX() tensor.Dim { return l.dimX }
func (l *ConvLayer) DimY() tensor.Dim { return l.dimY }

// DimW returns the filter shape.
func (l *ConvLayer) DimW() tensor.Dim { return l.dimW }

// Stride returns the convolution stride.
func (l *ConvLayer) Stride() uint32 { return l.stride }

// Flags returns the construction flags.
func (l *ConvLayer) Flags() ConvFlags { return l.flags }

// Weights returns the filter tensor.
func (l *ConvLayer) Weights() *tensor.Tensor { return l.W.P }

// Bias returns the bias tensor, nil when bias is disabled.
func (l *ConvLayer) Bias() *tensor.Tensor {
	if l.B == nil {
		return nil
	}
	return l.B.P
}

func (l *ConvLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("conv", l.dimX, bs, X); err != nil {
		return nil, err
	}
	if err := l.set.Update(2, X.Buffer()); err != nil {
		return nil, err
	}
	l.X = X
	err := dispatch(l.a.e, compute.HazardRAW, "conv_forward", convForward,
		l.dimY.Width, l.dimY.Height, bs, l.a.set, l.set)
	if err != nil {
		return nil, err
	}
	return l.Y, nil
}

func (l *ConvLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if l.X == nil {
		return nil, fmt.Errorf("%w: conv", ErrNotForwarded)
	}
	if err := checkInput("conv", l.dimY, bs, dLdY); err != nil {
		return nil, err
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	e := l.a.e
	err := dispatch(e, compute.HazardRAW, "conv_dLdX", convBackwardX,
		l.dimX.Width, l.dimX.Height, bs, l.a.set, l.set, l.gradSet)
	if err != nil {
		return nil, err
	}
	for fi := uint32(0); fi < l.dimW.Height; fi++ {
		for fj := uint32(0); fj < l.dimW.Width; fj++ {
			tap, err := convTap(e, fi, fj)
			if err != nil {
				return nil, err
			}
			err = dispatch(e, compute.HazardNone, "conv_dLdW", convBackwardW,
				l.dimW.Depth, l.dimW.Count, 1, l.a.set, l.set, l.gradSet, tap)
			if err != nil {
				return nil, err
			}
		}
	}
	if l.B != nil {
		err = dispatch(e, compute.HazardNone, "conv_dLdB", convBackwardB,
			l.dimW.Count, 1, 1, l.a.set, l.set, l.gradSet)
		if err != nil {
			return nil, err
		}
	}
	if !flags.Has(FlagNoUpdate) {
		if err := l.W.update(e, compute.HazardRAW, l.a.set); err != nil {
			return nil, err
		}
		if l.B != nil {
			if err := l.B.update(e, compute.HazardNone, l.a.set); err != nil {
				return nil, err
			}
		}
		l.normalize = l.flags.Has(ConvNormSN) || l.flags.Has(ConvNormBSSN)
	}
	return l.dLdX, nil
}

// Post applies spectral normalization after an update.
func (l *ConvLayer) Post(flags Flags, bs uint32) error {
	if !l.normalize {
		return nil
	}
	l.normalize = false
	return l.spectralNorm()
}

// spectralNorm views W as a filters x (fh*fw*xd) matrix and rescales it
// by its largest singular value.
func (l *ConvLayer) spectralNorm() error {
	e := l.a.e
	w := make([]float64, l.dimW.Elements())
	if err := e.Read(bufOf(l.W.P), 0, w); err != nil {
		return err
	}
	m := mat.NewDense(int(l.dimW.Count), l.dimW.Stride(), w)
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return fmt.Errorf("conv: spectral norm: SVD did not converge")
	}
	sigma := svd.Values(nil)[0]
	if sigma == 0 || (l.flags.Has(ConvNormBSSN) && !l.flags.Has(ConvNormSN) && sigma <= 1) {
		return nil
	}
	m.Scale(1/sigma, m)
	return e.Write(bufOf(l.W.P), 0, w)
}

func (l *ConvLayer) Release() {
	l.own.release()
	l.X = nil
}

type convDoc struct {
	DimX   tensor.Dim `json:"dim_x"`
	DimW   tensor.Dim `json:"dim_w"`
	Stride uint32     `json:"stride"`
	Flags  ConvFlags  `json:"flags"`
	W      paramDoc   `json:"w"`
	B      *paramDoc  `json:"b"`
}

func (l *ConvLayer) export() (any, error) {
	doc := convDoc{DimX: l.dimX, DimW: l.dimW, Stride: l.stride, Flags: l.flags}
	var err error
	if doc.W, err = l.W.export(); err != nil {
		return nil, err
	}
	if l.B != nil {
		b, err := l.B.export()
		if err != nil {
			return nil, err
		}
		doc.B = &b
	}
	return doc, nil
}

func importConv(a *Arch, doc convDoc) (*ConvLayer, error) {
	l, err := NewConvLayer(a, doc.DimX, doc.DimW, doc.Stride, doc.Flags)
	if err != nil {
		return nil, err
	}
	if (doc.B == nil) != (l.B == nil) {
		l.Release()
		return nil, fmt.Errorf("%w: conv bias does not match flags", ErrImport)
	}
	alloc := &allocator{e: a.e, prefix: "conv"}
	l.W.load(alloc, doc.W)
	if l.B != nil {
		l.B.load(alloc, *doc.B)
	}
	if alloc.err != nil {
		l.Release()
		return nil, fmt.Errorf("%w: conv: %w", ErrImport, alloc.err)
	}
	return l, nil
}

// convTap returns the cached uniform set holding filter tap (fi, fj).
func convTap(e *engine.Engine, fi, fj uint32) (*compute.UniformSet, error) {
	f, err := factory(e, "convTap")
	if err != nil {
		return nil, err
	}
	r, err := e.Cached(engine.Key{Kind: "conv.tap", A: fi, B: fj}, func() (engine.Resource, error) {
		buf, err := e.Device().NewBuffer(fmt.Sprintf("conv.tap(%d,%d)", fi, fj), compute.UsageUniform, 2)
		if err != nil {
			return nil, err
		}
		if err := e.Device().Write(buf, 0, []float64{float64(fi), float64(fj)}); err != nil {
			buf.Release()
			return nil, err
		}
		set, err := f.NewSet(buf)
		if err != nil {
			buf.Release()
			return nil, err
		}
		return &engine.Bundle{Buffers: []*compute.Buffer{buf}, Set: set}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.(*engine.Bundle).Set, nil
}

// tapSource maps output coordinate o through filter tap t to the input
// coordinate of a stride-s convolution. Transposed convolutions only
// reach inputs below size.
func tapSource(o, t, s, size uint32, transpose bool) (uint32, bool) {
	if !transpose {
		return o*s + t, true
	}
	if o < t || (o-t)%s != 0 {
		return 0, false
	}
	x := (o - t) / s
	return x, x < size
}

type convBindings struct {
	stride     uint32
	transpose  bool
	bias       bool
	dx, dw, dy tensor.Dim
	X, W, B, Y []float64
}

func convBind(b compute.Bindings) convBindings {
	param := b.Data(1, 0)
	return convBindings{
		stride:    uint32(param[0]),
		transpose: param[1] != 0,
		bias:      param[2] != 0,
		dx:        dimAt(b, 1, 1),
		X:         b.Data(1, 2),
		dw:        dimAt(b, 1, 3),
		W:         b.Data(1, 4),
		B:         b.Data(1, 5),
		dy:        dimAt(b, 1, 6),
		Y:         b.Data(1, 7),
	}
}

// convForward computes every filter at output position (i, j) of slice n.
func convForward(b compute.Bindings) compute.Invocation {
	c := convBind(b)
	xd := int(c.dx.Depth)
	return func(j, i, n uint32) {
		for f := uint32(0); f < c.dw.Count; f++ {
			var sum float64
			if c.bias {
				sum = c.B[f]
			}
			for fi := uint32(0); fi < c.dw.Height; fi++ {
				xi, ok := tapSource(i, fi, c.stride, c.dx.Height, c.transpose)
				if !ok {
					continue
				}
				for fj := uint32(0); fj < c.dw.Width; fj++ {
					xj, ok := tapSource(j, fj, c.stride, c.dx.Width, c.transpose)
					if !ok {
						continue
					}
					xo := c.dx.Offset(n, xi, xj, 0)
					wo := c.dw.Offset(f, fi, fj, 0)
					for k := 0; k < xd; k++ {
						sum += c.W[wo+k] * c.X[xo+k]
					}
				}
			}
			c.Y[c.dy.Offset(n, i, j, f)] = sum
		}
	}
}

// convBackwardX gathers dL/dX at input position (i, j) of slice n.
func convBackwardX(b compute.Bindings) compute.Invocation {
	c := convBind(b)
	dLdY := b.Data(2, 0)
	dLdX := b.Data(2, 1)
	return func(j, i, n uint32) {
		xo := c.dx.Offset(n, i, j, 0)
		for k := uint32(0); k < c.dx.Depth; k++ {
			dLdX[xo+int(k)] = 0
		}
		for fi := uint32(0); fi < c.dw.Height; fi++ {
			yi, ok := tapSource(i, fi, c.stride, c.dy.Height, !c.transpose)
			if !ok || yi >= c.dy.Height {
				continue
			}
			for fj := uint32(0); fj < c.dw.Width; fj++ {
				yj, ok := tapSource(j, fj, c.stride, c.dy.Width, !c.transpose)
				if !ok || yj >= c.dy.Width {
					continue
				}
				yo := c.dy.Offset(n, yi, yj, 0)
				for f := uint32(0); f < c.dw.Count; f++ {
					g := dLdY[yo+int(f)]
					wo := c.dw.Offset(f, fi, fj, 0)
					for k := uint32(0); k < c.dx.Depth; k++ {
						dLdX[xo+int(k)] += g * c.W[wo+int(k)]
					}
				}
			}
		}
	}
}

// convBackwardW accumulates dL/dW[f, fi, fj, k] for the bound tap over
// the whole batch.
func convBackwardW(b compute.Bindings) compute.Invocation {
	c := convBind(b)
	bs := bsOf(b)
	dLdY := b.Data(2, 0)
	dLdW := b.Data(2, 2)
	tap := b.Data(3, 0)
	fi, fj := uint32(tap[0]), uint32(tap[1])
	return func(k, f, _ uint32) {
		var sum float64
		for n := uint32(0); n < bs; n++ {
			for i := uint32(0); i < c.dy.Height; i++ {
				xi, ok := tapSource(i, fi, c.stride, c.dx.Height, c.transpose)
				if !ok {
					continue
				}
				for j := uint32(0); j < c.dy.Width; j++ {
					xj, ok := tapSource(j, fj, c.stride, c.dx.Width, c.transpose)
					if !ok {
						continue
					}
					sum += dLdY[c.dy.Offset(n, i, j, f)] * c.X[c.dx.Offset(n, xi, xj, k)]
				}
			}
		}
		dLdW[c.dw.Offset(f, fi, fj, k)] = sum
	}
}

func convBackwardB(b compute.Bindings) compute.Invocation {
	c := convBind(b)
	bs := bsOf(b)
	dLdY := b.Data(2, 0)
	dLdB := b.Data(2, 3)
	return func(f, _, _ uint32) {
		var sum float64
		for n := uint32(0); n < bs; n++ {
			for i := uint32(0); i < c.dy.Height; i++ {
				for j := uint32(0); j < c.dy.Width; j++ {
					sum += dLdY[c.dy.Offset(n, i, j, f)]
				}
			}
		}
		dLdB[f] = sum
	}
}
