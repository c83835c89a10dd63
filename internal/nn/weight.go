package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// WeightFlags configure a WeightLayer.
type WeightFlags uint32

const (
	WeightXavier WeightFlags = 1 << iota
	WeightHe
	WeightDisableBias
	// WeightClip rescales gradients whose norm exceeds a running average.
	WeightClip
)

// Has reports whether all bits of g are set.
func (f WeightFlags) Has(g WeightFlags) bool { return f&g == g }

// WeightLayer is a dense layer. Each input slice is treated as a flat
// vector of length DimX().Stride(); the output is (count, 1, 1, nc).
type WeightLayer struct {
	a     *Arch
	dimX  tensor.Dim
	dimW  tensor.Dim
	dimY  tensor.Dim
	flags WeightFlags

	W, B    *paramGroup
	Y, dLdX *tensor.Tensor
	norms   *compute.Buffer

	set     *compute.UniformSet
	gradSet *compute.UniformSet
	clipSet *compute.UniformSet
	own     owner

	forwarded bool
}

// NewWeightLayer creates a dense layer with nc outputs.
func NewWeightLayer(a *Arch, dimX tensor.Dim, nc uint32, flags WeightFlags) (*WeightLayer, error) {
	if !dimX.Valid() || nc == 0 {
		return nil, fmt.Errorf("%w: weight dimX=%s nc=%d", ErrInvalidConfig, dimX, nc)
	}
	l := &WeightLayer{
		a:     a,
		dimX:  dimX,
		dimW:  tensor.Dim{Count: nc, Height: 1, Width: 1, Depth: uint32(dimX.Stride())},
		dimY:  tensor.Dim{Count: dimX.Count, Height: 1, Width: 1, Depth: nc},
		flags: flags,
	}
	alloc := newAllocator(a.e, "weight")
	l.W = newParamGroup(alloc, "W", l.dimW, 1)
	var bias, biasGrad, biasScale *compute.Buffer
	if !flags.Has(WeightDisableBias) {
		l.B = newParamGroup(alloc, "B", tensor.Dim{Count: 1, Height: 1, Width: 1, Depth: nc}, 0)
		bias, biasGrad, biasScale = bufOf(l.B.P), bufOf(l.B.dP), l.B.scale
	} else {
		bias = alloc.storage("B0", 0)
		biasGrad = alloc.storage("dLdB0", 0)
		biasScale = alloc.storage("scaleB0", 1, 0)
	}
	l.Y = alloc.tensor("Y", l.dimY)
	l.dLdX = alloc.tensor("dLdX", dimX)
	l.norms = alloc.storage("norms", 0, 0)
	param := alloc.uniform("param", b2f(!flags.Has(WeightDisableBias)))
	l.set = alloc.set("weight", param, alloc.dim(dimX), bufOf(l.dLdX), alloc.dim(l.dimW), bufOf(l.W.P), bias, alloc.dim(l.dimY), bufOf(l.Y))
	l.gradSet = alloc.set("weightGrad", bufOf(l.Y), bufOf(l.dLdX), bufOf(l.W.dP), biasGrad)
	if alloc.err == nil {
		l.clipSet = alloc.set("weightClip", bufOf(l.W.dP), biasGrad, l.norms, l.W.scale, biasScale)
	}
	if alloc.err == nil {
		alloc.err = a.e.Write(bufOf(l.W.P), 0, l.initWeights())
	}
	var err error
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *WeightLayer) initWeights() []float64 {
	fanIn := float64(l.dimW.Depth)
	fanOut := float64(l.dimW.Count)
	std := math.Sqrt(2 / (fanIn + fanOut))
	if l.flags.Has(WeightHe) {
		std = math.Sqrt(2 / fanIn)
	}
	w := make([]float64, l.dimW.Elements())
	for i := range w {
		w[i] = l.a.rng.NormFloat64() * std
	}
	return w
}

func (l *WeightLayer) Kind() string     { return "weight" }
func (l *WeightLayer) DimX() tensor.Dim { return l.dimX }
func (l *WeightLayer) DimY() tensor.Dim { return l.dimY }

// Weights returns the (nc, 1, 1, L) weight tensor.
func (l *WeightLayer) Weights() *tensor.Tensor { return l.W.P }

// Bias returns the bias tensor, nil when bias is disabled.
func (l *WeightLayer) Bias() *tensor.Tensor {
	if l.B == nil {
		return nil
	}
	return l.B.P
}

// ClipNorms returns the running gradient norms of W and B.
func (l *WeightLayer) ClipNorms() ([2]float64, error) {
	var ra [2]float64
	err := l.a.e.Read(l.norms, 0, ra[:])
	return ra, err
}

func (l *WeightLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("weight", l.dimX, bs, X); err != nil {
		return nil, err
	}
	if err := l.set.Update(2, X.Buffer()); err != nil {
		return nil, err
	}
	err := dispatch(l.a.e, compute.HazardRAW, "weight_forward", weightForward,
		l.dimW.Count, bs, 1, l.a.set, l.set)
	if err != nil {
		return nil, err
	}
	l.forwarded = true
	return l.Y, nil
}

func (l *WeightLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if !l.forwarded {
		return nil, fmt.Errorf("%w: weight", ErrNotForwarded)
	}
	if err := checkInput("weight", l.dimY, bs, dLdY); err != nil {
		return nil, err
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	e := l.a.e
	L := l.dimW.Depth
	nc := l.dimW.Count
	if err := dispatch(e, compute.HazardRAW, "weight_dLdX", weightBackwardX,
		L, bs, 1, l.a.set, l.set, l.gradSet); err != nil {
		return nil, err
	}
	if err := dispatch(e, compute.HazardNone, "weight_dLdW", weightBackwardW,
		L, nc, 1, l.a.set, l.set, l.gradSet); err != nil {
		return nil, err
	}
	if l.B != nil {
		if err := dispatch(e, compute.HazardNone, "weight_dLdB", weightBackwardB,
			nc, 1, 1, l.a.set, l.set, l.gradSet); err != nil {
			return nil, err
		}
	}
	if flags.Has(FlagNoUpdate) {
		return l.dLdX, nil
	}
	if l.flags.Has(WeightClip) {
		if err := dispatch(e, compute.HazardRAW, "weight_clip", weightClip,
			1, 1, 1, l.a.set, l.clipSet); err != nil {
			return nil, err
		}
	}
	if err := l.W.update(e, compute.HazardRAW, l.a.set); err != nil {
		return nil, err
	}
	if l.B != nil {
		if err := l.B.update(e, compute.HazardNone, l.a.set); err != nil {
			return nil, err
		}
	}
	return l.dLdX, nil
}

func (l *WeightLayer) Post(flags Flags, bs uint32) error { return nil }

func (l *WeightLayer) Release() { l.own.release() }

type weightDoc struct {
	DimX  tensor.Dim  `json:"dim_x"`
	NC    uint32      `json:"nc"`
	Flags WeightFlags `json:"flags"`
	W     paramDoc    `json:"w"`
	B     *paramDoc   `json:"b"`
	Norms [2]float64  `json:"norms"`
}

func (l *WeightLayer) export() (any, error) {
	doc := weightDoc{DimX: l.dimX, NC: l.dimW.Count, Flags: l.flags}
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
	if doc.Norms, err = l.ClipNorms(); err != nil {
		return nil, err
	}
	return doc, nil
}

func importWeight(a *Arch, doc weightDoc) (*WeightLayer, error) {
	l, err := NewWeightLayer(a, doc.DimX, doc.NC, doc.Flags)
	if err != nil {
		return nil, err
	}
	if (doc.B == nil) != (l.B == nil) {
		l.Release()
		return nil, fmt.Errorf("%w: weight bias does not match flags", ErrImport)
	}
	alloc := &allocator{e: a.e, prefix: "weight"}
	l.W.load(alloc, doc.W)
	if l.B != nil {
		l.B.load(alloc, *doc.B)
	}
	if alloc.err == nil {
		alloc.err = a.e.Write(l.norms, 0, doc.Norms[:])
	}
	if alloc.err != nil {
		l.Release()
		return nil, fmt.Errorf("%w: weight: %w", ErrImport, alloc.err)
	}
	return l, nil
}

// kernels

type weightBindings struct {
	bias       bool
	dx, dw, dy tensor.Dim
	X, W, B, Y []float64
}

func weightBind(b compute.Bindings) weightBindings {
	return weightBindings{
		bias: b.Data(1, 0)[0] != 0,
		dx:   dimAt(b, 1, 1),
		X:    b.Data(1, 2),
		dw:   dimAt(b, 1, 3),
		W:    b.Data(1, 4),
		B:    b.Data(1, 5),
		dy:   dimAt(b, 1, 6),
		Y:    b.Data(1, 7),
	}
}

func weightForward(b compute.Bindings) compute.Invocation {
	c := weightBind(b)
	L := int(c.dw.Depth)
	nc := int(c.dw.Count)
	return func(f, n, _ uint32) {
		x := c.X[int(n)*L : int(n+1)*L]
		sum := floats.Dot(c.W[int(f)*L:int(f+1)*L], x)
		if c.bias {
			sum += c.B[f]
		}
		c.Y[int(n)*nc+int(f)] = sum
	}
}

func weightBackwardX(b compute.Bindings) compute.Invocation {
	c := weightBind(b)
	dLdY, dLdX := b.Data(2, 0), b.Data(2, 1)
	L := int(c.dw.Depth)
	nc := int(c.dw.Count)
	return func(k, n, _ uint32) {
		var sum float64
		for f := 0; f < nc; f++ {
			sum += c.W[f*L+int(k)] * dLdY[int(n)*nc+f]
		}
		dLdX[int(n)*L+int(k)] = sum
	}
}

func weightBackwardW(b compute.Bindings) compute.Invocation {
	c := weightBind(b)
	bs := int(bsOf(b))
	dLdY, dLdW := b.Data(2, 0), b.Data(2, 2)
	L := int(c.dw.Depth)
	nc := int(c.dw.Count)
	return func(k, f, _ uint32) {
		var sum float64
		for n := 0; n < bs; n++ {
			sum += dLdY[n*nc+int(f)] * c.X[n*L+int(k)]
		}
		dLdW[int(f)*L+int(k)] = sum
	}
}

func weightBackwardB(b compute.Bindings) compute.Invocation {
	c := weightBind(b)
	bs := int(bsOf(b))
	dLdY, dLdB := b.Data(2, 0), b.Data(2, 3)
	nc := int(c.dw.Count)
	return func(f, _, _ uint32) {
		var sum float64
		for n := 0; n < bs; n++ {
			sum += dLdY[n*nc+int(f)]
		}
		dLdB[f] = sum
	}
}

// weightClip advances the running gradient norms of W and B and writes
// the resulting gradient scales into the update groups.
func weightClip(b compute.Bindings) compute.Invocation {
	state := stateOf(b)
	bs := float64(bsOf(b))
	dLdW, dLdB := b.Data(1, 0), b.Data(1, 1)
	norms := b.Data(1, 2)
	scaleW, scaleB := b.Data(1, 3), b.Data(1, 4)
	clipMax, m := state[opt.IndexClipMax], state[opt.IndexClipMomentum]
	return func(_, _, _ uint32) {
		scaleW[0], norms[0] = opt.ClipScale(floats.Norm(dLdW, 2)/bs, norms[0], clipMax, m)
		scaleB[0], norms[1] = opt.ClipScale(floats.Norm(dLdB, 2)/bs, norms[1], clipMax, m)
	}
}
