package nn

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// BNEpsilon is added to the variance before normalization.
const BNEpsilon = 1e-4

// BatchNormLayer normalizes each depth channel and applies a learned
// scale gamma and shift beta.
type BatchNormLayer struct {
	a    *Arch
	dimX tensor.Dim

	G, B           *tensor.Tensor
	dLdG, dLdB     *tensor.Tensor
	meanRA, varRA  *tensor.Tensor
	Xhat, Y        *tensor.Tensor
	dLdXhat, dLdX  *tensor.Tensor
	mean, variance *compute.Buffer

	batchSet *compute.UniformSet
	runSet   *compute.UniformSet
	gradSet  *compute.UniformSet
	statsSet *compute.UniformSet
	own      owner

	X *tensor.Tensor

	// fwdSet is the statistics set used by the last forward pass.
	fwdSet *compute.UniformSet
	commit bool
}

// NewBatchNormLayer creates a batch-norm layer over dimX. gamma starts at
// 1, beta at 0 and the running statistics at mean 0, variance 1.
func NewBatchNormLayer(a *Arch, dimX tensor.Dim) (*BatchNormLayer, error) {
	if !dimX.Valid() {
		return nil, fmt.Errorf("%w: batchnorm dimX=%s", ErrInvalidConfig, dimX)
	}
	l := &BatchNormLayer{a: a, dimX: dimX}
	ch := tensor.Dim{Count: 1, Height: 1, Width: 1, Depth: dimX.Depth}
	alloc := newAllocator(a.e, "bn")
	l.G = alloc.tensor("G", ch)
	l.B = alloc.tensor("B", ch)
	l.dLdG = alloc.tensor("dLdG", ch)
	l.dLdB = alloc.tensor("dLdB", ch)
	l.meanRA = alloc.tensor("meanRA", ch)
	l.varRA = alloc.tensor("varRA", ch)
	l.Xhat = alloc.tensor("Xhat", dimX)
	l.Y = alloc.tensor("Y", dimX)
	l.dLdXhat = alloc.tensor("dLdXhat", dimX)
	l.dLdX = alloc.tensor("dLdX", dimX)
	zeros := make([]float64, dimX.Depth)
	l.mean = alloc.storage("mean", zeros...)
	l.variance = alloc.storage("var", zeros...)
	sum1 := alloc.storage("sum1", zeros...)
	sum2 := alloc.storage("sum2", zeros...)
	sum3 := alloc.storage("sum3", zeros...)

	dimBuf := alloc.dim(dimX)
	l.batchSet = alloc.set("bn", dimBuf, bufOf(l.dLdX), bufOf(l.Xhat), bufOf(l.Y),
		bufOf(l.G), bufOf(l.B), l.mean, l.variance)
	l.runSet = alloc.set("bn", dimBuf, bufOf(l.dLdX), bufOf(l.Xhat), bufOf(l.Y),
		bufOf(l.G), bufOf(l.B), bufOf(l.meanRA), bufOf(l.varRA))
	l.gradSet = alloc.set("bnGrad", bufOf(l.Y), bufOf(l.dLdXhat), bufOf(l.dLdX),
		bufOf(l.dLdG), bufOf(l.dLdB), sum1, sum2, sum3)
	l.statsSet = alloc.set("bnStats", l.mean, l.variance, bufOf(l.meanRA), bufOf(l.varRA))

	ones := make([]float64, dimX.Depth)
	for i := range ones {
		ones[i] = 1
	}
	if alloc.err == nil {
		alloc.err = tensor.Load(l.G, ones)
	}
	if alloc.err == nil {
		alloc.err = tensor.Load(l.varRA, ones)
	}
	var err error
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *BatchNormLayer) Kind() string     { return "batchnorm" }
func (l *BatchNormLayer) DimX() tensor.Dim { return l.dimX }
func (l *BatchNormLayer) DimY() tensor.Dim { return l.dimX }

// Gamma returns the learned per-channel scale.
func (l *BatchNormLayer) Gamma() *tensor.Tensor { return l.G }

// Beta returns the learned per-channel shift.
func (l *BatchNormLayer) Beta() *tensor.Tensor { return l.B }

// RunningMean returns the running per-channel mean.
func (l *BatchNormLayer) RunningMean() *tensor.Tensor { return l.meanRA }

// RunningVar returns the running per-channel variance.
func (l *BatchNormLayer) RunningVar() *tensor.Tensor { return l.varRA }

func (l *BatchNormLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("batchnorm", l.dimX, bs, X); err != nil {
		return nil, err
	}
	for _, s := range []*compute.UniformSet{l.batchSet, l.runSet} {
		if err := s.Update(1, X.Buffer()); err != nil {
			return nil, err
		}
	}
	l.X = X
	e := l.a.e
	l.fwdSet = l.runSet
	l.commit = false
	if bs > 1 && !flags.Has(FlagBatchNormRunning) {
		l.fwdSet = l.batchSet
		l.commit = true
		err := dispatch(e, compute.HazardRAW, "bn_stats", bnStats,
			l.dimX.Depth, 1, 1, l.a.set, l.batchSet)
		if err != nil {
			return nil, err
		}
	}
	err := dispatch(e, compute.HazardRAW, "bn_forward", bnForward,
		l.dimX.Width, l.dimX.Height, bs, l.a.set, l.fwdSet)
	if err != nil {
		return nil, err
	}
	return l.Y, nil
}

func (l *BatchNormLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if l.X == nil {
		return nil, fmt.Errorf("%w: batchnorm", ErrNotForwarded)
	}
	if err := checkInput("batchnorm", l.dimX, bs, dLdY); err != nil {
		return nil, err
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	e := l.a.e
	s := l.fwdSet
	d := l.dimX
	if err := dispatch(e, compute.HazardRAW, "bn_dXhat", bnBackwardXhat,
		d.Width, d.Height, bs, l.a.set, s, l.gradSet); err != nil {
		return nil, err
	}
	if err := dispatch(e, compute.HazardNone, "bn_dGB", bnBackwardGB,
		d.Depth, 1, 1, l.a.set, s, l.gradSet); err != nil {
		return nil, err
	}
	running := s == l.runSet
	if !running {
		if err := dispatch(e, compute.HazardRAW, "bn_sums", bnSums,
			d.Depth, 1, 1, l.a.set, s, l.gradSet); err != nil {
			return nil, err
		}
	}
	if !flags.Has(FlagNoUpdate) {
		h := compute.HazardNone
		if running {
			h = compute.HazardRAW
		}
		if err := dispatch(e, h, "bn_update", bnUpdate,
			d.Depth, 1, 1, l.a.set, s, l.gradSet); err != nil {
			return nil, err
		}
	}
	k, name := compute.Kernel(bnBackwardX), "bn_dX"
	if running {
		k, name = bnBackwardXRunning, "bn_dX_running"
	}
	if err := dispatch(e, compute.HazardRAW, name, k, d.Width, d.Height, bs, l.a.set, s, l.gradSet); err != nil {
		return nil, err
	}
	return l.dLdX, nil
}

// Post commits the batch statistics of the last forward pass into the
// running averages.
func (l *BatchNormLayer) Post(flags Flags, bs uint32) error {
	if !l.commit {
		return nil
	}
	l.commit = false
	return dispatch(l.a.e, compute.HazardRAW, "bn_commit", bnCommit,
		l.dimX.Depth, 1, 1, l.a.set, l.statsSet)
}

func (l *BatchNormLayer) Release() {
	l.own.release()
	l.X = nil
}

type batchNormDoc struct {
	DimX tensor.Dim `json:"dim_x"`
	G    tensor.Doc `json:"g"`
	B    tensor.Doc `json:"b"`
	Mean tensor.Doc `json:"mean"`
	Var  tensor.Doc `json:"var"`
}

func (l *BatchNormLayer) export() (any, error) {
	doc := batchNormDoc{DimX: l.dimX}
	for _, p := range []struct {
		dst *tensor.Doc
		t   *tensor.Tensor
	}{{&doc.G, l.G}, {&doc.B, l.B}, {&doc.Mean, l.meanRA}, {&doc.Var, l.varRA}} {
		v, err := tensor.Export(p.t)
		if err != nil {
			return nil, err
		}
		*p.dst = v
	}
	return doc, nil
}

func importBatchNorm(a *Arch, doc batchNormDoc) (*BatchNormLayer, error) {
	l, err := NewBatchNormLayer(a, doc.DimX)
	if err != nil {
		return nil, err
	}
	alloc := &allocator{e: a.e, prefix: "bn"}
	alloc.load(l.G, doc.G)
	alloc.load(l.B, doc.B)
	alloc.load(l.meanRA, doc.Mean)
	alloc.load(l.varRA, doc.Var)
	if alloc.err != nil {
		l.Release()
		return nil, fmt.Errorf("%w: batchnorm: %w", ErrImport, alloc.err)
	}
	return l, nil
}

// kernels

type bnBindings struct {
	d                tensor.Dim
	X, Xhat, Y, G, B []float64
	mean, variance   []float64
}

func bnBind(b compute.Bindings) bnBindings {
	return bnBindings{
		d:        dimAt(b, 1, 0),
		X:        b.Data(1, 1),
		Xhat:     b.Data(1, 2),
		Y:        b.Data(1, 3),
		G:        b.Data(1, 4),
		B:        b.Data(1, 5),
		mean:     b.Data(1, 6),
		variance: b.Data(1, 7),
	}
}

// channel calls fn with the offset of every (n, i, j) element of channel k.
func (c bnBindings) channel(bs, k uint32, fn func(o int)) {
	d := c.d
	for n := uint32(0); n < bs; n++ {
		for i := uint32(0); i < d.Height; i++ {
			for j := uint32(0); j < d.Width; j++ {
				fn(d.Offset(n, i, j, k))
			}
		}
	}
}

func bnStats(b compute.Bindings) compute.Invocation {
	c := bnBind(b)
	bs := bsOf(b)
	N := float64(bs) * float64(c.d.Height) * float64(c.d.Width)
	return func(k, _, _ uint32) {
		var sum float64
		c.channel(bs, k, func(o int) { sum += c.X[o] })
		mean := sum / N
		var ss float64
		c.channel(bs, k, func(o int) {
			dx := c.X[o] - mean
			ss += dx * dx
		})
		c.mean[k] = mean
		c.variance[k] = ss / N
	}
}

func bnForward(b compute.Bindings) compute.Invocation {
	c := bnBind(b)
	return func(j, i, n uint32) {
		o := c.d.Offset(n, i, j, 0)
		for k := 0; k < int(c.d.Depth); k++ {
			xhat := (c.X[o+k] - c.mean[k]) / math.Sqrt(c.variance[k]+BNEpsilon)
			c.Xhat[o+k] = xhat
			c.Y[o+k] = c.G[k]*xhat + c.B[k]
		}
	}
}

func bnCommit(b compute.Bindings) compute.Invocation {
	m := stateOf(b)[opt.IndexBNMomentum]
	mean, variance := b.Data(1, 0), b.Data(1, 1)
	meanRA, varRA := b.Data(1, 2), b.Data(1, 3)
	return func(k, _, _ uint32) {
		meanRA[k] = m*meanRA[k] + (1-m)*mean[k]
		varRA[k] = m*varRA[k] + (1-m)*variance[k]
	}
}

type bnGradBindings struct {
	dLdY, dLdXhat, dLdX []float64
	dLdG, dLdB          []float64
	sum1, sum2, sum3    []float64
}

func bnGradBind(b compute.Bindings) bnGradBindings {
	return bnGradBindings{
		dLdY:    b.Data(2, 0),
		dLdXhat: b.Data(2, 1),
		dLdX:    b.Data(2, 2),
		dLdG:    b.Data(2, 3),
		dLdB:    b.Data(2, 4),
		sum1:    b.Data(2, 5),
		sum2:    b.Data(2, 6),
		sum3:    b.Data(2, 7),
	}
}

func bnBackwardXhat(b compute.Bindings) compute.Invocation {
	c, g := bnBind(b), bnGradBind(b)
	return func(j, i, n uint32) {
		o := c.d.Offset(n, i, j, 0)
		for k := 0; k < int(c.d.Depth); k++ {
			g.dLdXhat[o+k] = g.dLdY[o+k] * c.G[k]
		}
	}
}

func bnBackwardGB(b compute.Bindings) compute.Invocation {
	c, g := bnBind(b), bnGradBind(b)
	bs := bsOf(b)
	return func(k, _, _ uint32) {
		var dG, dB float64
		c.channel(bs, k, func(o int) {
			dG += g.dLdY[o] * c.Xhat[o]
			dB += g.dLdY[o]
		})
		g.dLdG[k] = dG
		g.dLdB[k] = dB
	}
}

// bnSums reduces sum(dL/dXhat), sum(dL/dXhat*(X-mean)) and sum(X-mean)
// per channel.
func bnSums(b compute.Bindings) compute.Invocation {
	c, g := bnBind(b), bnGradBind(b)
	bs := bsOf(b)
	return func(k, _, _ uint32) {
		var s1, s2, s3 float64
		c.channel(bs, k, func(o int) {
			dx := c.X[o] - c.mean[k]
			s1 += g.dLdXhat[o]
			s2 += g.dLdXhat[o] * dx
			s3 += dx
		})
		g.sum1[k], g.sum2[k], g.sum3[k] = s1, s2, s3
	}
}

// bnUpdate applies plain gradient descent to gamma and beta.
func bnUpdate(b compute.Bindings) compute.Invocation {
	c, g := bnBind(b), bnGradBind(b)
	lr := stateOf(b)[opt.IndexLearningRate] / float64(bsOf(b))
	return func(k, _, _ uint32) {
		c.G[k] -= lr * g.dLdG[k]
		c.B[k] -= lr * g.dLdB[k]
	}
}

// bnBackwardX combines the direct, variance and mean terms of the
// batch-statistics gradient.
func bnBackwardX(b compute.Bindings) compute.Invocation {
	c, g := bnBind(b), bnGradBind(b)
	N := float64(bsOf(b)) * float64(c.d.Height) * float64(c.d.Width)
	return func(j, i, n uint32) {
		o := c.d.Offset(n, i, j, 0)
		for k := 0; k < int(c.d.Depth); k++ {
			v := c.variance[k] + BNEpsilon
			invstd := 1 / math.Sqrt(v)
			dvar := -0.5 * g.sum2[k] * invstd / v
			dmean := -g.sum1[k]*invstd - 2*dvar*g.sum3[k]/N
			dx := c.X[o+k] - c.mean[k]
			g.dLdX[o+k] = g.dLdXhat[o+k]*invstd + dvar*2*dx/N + dmean/N
		}
	}
}

// bnBackwardXRunning treats the running statistics as constants.
func bnBackwardXRunning(b compute.Bindings) compute.Invocation {
	c, g := bnBind(b), bnGradBind(b)
	return func(j, i, n uint32) {
		o := c.d.Offset(n, i, j, 0)
		for k := 0; k < int(c.d.Depth); k++ {
			g.dLdX[o+k] = g.dLdXhat[o+k] / math.Sqrt(c.variance[k]+BNEpsilon)
		}
	}
}
