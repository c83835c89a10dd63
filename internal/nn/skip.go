package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// SkipMode selects the role of a SkipLayer.
type SkipMode int

const (
	SkipFork SkipMode = iota
	SkipAdd
	SkipCat
)

var skipModeNames = [...]string{"fork", "add", "cat"}

func (m SkipMode) String() string {
	if m < 0 || int(m) >= len(skipModeNames) {
		return fmt.Sprintf("SkipMode(%d)", int(m))
	}
	return skipModeNames[m]
}

// MarshalText encodes m by name.
func (m SkipMode) MarshalText() ([]byte, error) {
	if m < 0 || int(m) >= len(skipModeNames) {
		return nil, fmt.Errorf("nn: invalid skip mode %d", int(m))
	}
	return []byte(skipModeNames[m]), nil
}

// UnmarshalText decodes a skip mode name.
func (m *SkipMode) UnmarshalText(b []byte) error {
	for i, n := range skipModeNames {
		if n == string(b) {
			*m = SkipMode(i)
			return nil
		}
	}
	return fmt.Errorf("nn: unknown skip mode %q", b)
}

// SkipLayer is one end of a skip connection. A fork hands its input
// through unchanged and remembers it; exactly one add or cat consumer
// further down reads the fork output and deposits a gradient back for the
// fork's backward step.
type SkipLayer struct {
	a    *Arch
	mode SkipMode
	dimX tensor.Dim
	dimY tensor.Dim
	own  owner

	// fork state
	id       uint32
	consumer *SkipLayer
	out      *tensor.Tensor
	deposit  *tensor.Tensor
	dLdX     *tensor.Tensor
	forkSet  *compute.UniformSet

	// consumer state
	fork    *SkipLayer
	beta    float64
	oi, oj  uint32
	Y       *tensor.Tensor
	dLdX1   *tensor.Tensor
	dLdX2   *tensor.Tensor
	set     *compute.UniformSet
	gradSet *compute.UniformSet
	ready   bool
}

// NewSkipFork creates a fork over dimX and registers it with a.
func NewSkipFork(a *Arch, dimX tensor.Dim) (*SkipLayer, error) {
	return newSkipFork(a, dimX, 0)
}

func newSkipFork(a *Arch, dimX tensor.Dim, id uint32) (*SkipLayer, error) {
	if !dimX.Valid() {
		return nil, fmt.Errorf("%w: fork dimX=%s", ErrInvalidConfig, dimX)
	}
	l := &SkipLayer{a: a, mode: SkipFork, dimX: dimX, dimY: dimX}
	alloc := newAllocator(a.e, "fork")
	l.dLdX = alloc.tensor("dLdX", dimX)
	l.forkSet = alloc.set("fork", alloc.dim(dimX), bufOf(l.dLdX), bufOf(l.dLdX), bufOf(l.dLdX))
	var err error
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	if l.id, err = a.registerFork(l, id); err != nil {
		l.own.release()
		return nil, err
	}
	return l, nil
}

// NewSkipAdd creates a consumer computing beta*X1 + X2, with X2 the
// center crop of the fork output.
func NewSkipAdd(a *Arch, dimX tensor.Dim, fork *SkipLayer, beta float64) (*SkipLayer, error) {
	return newSkipConsumer(a, SkipAdd, dimX, fork, beta)
}

// NewSkipCat creates a consumer concatenating X1 and the center crop of
// the fork output along depth.
func NewSkipCat(a *Arch, dimX tensor.Dim, fork *SkipLayer) (*SkipLayer, error) {
	return newSkipConsumer(a, SkipCat, dimX, fork, 1)
}

func newSkipConsumer(a *Arch, mode SkipMode, dimX tensor.Dim, fork *SkipLayer, beta float64) (*SkipLayer, error) {
	if fork == nil || fork.mode != SkipFork || fork.a != a {
		return nil, fmt.Errorf("%w: %s", ErrNotFork, mode)
	}
	if fork.consumer != nil {
		return nil, fmt.Errorf("%w: fork %d", ErrForkConsumed, fork.id)
	}
	if !dimX.Valid() {
		return nil, fmt.Errorf("%w: %s dimX=%s", ErrInvalidConfig, mode, dimX)
	}
	d2 := fork.dimX
	if d2.Count != dimX.Count {
		return nil, fmt.Errorf("%w: %s count %d, fork count %d", ErrDimMismatch, mode, dimX.Count, d2.Count)
	}
	if d2.Height < dimX.Height || d2.Width < dimX.Width {
		return nil, fmt.Errorf("%w: fork %s, %s input %s", ErrSkipCrop, d2, mode, dimX)
	}
	dimY := dimX
	if mode == SkipAdd {
		if d2.Depth != dimX.Depth {
			return nil, fmt.Errorf("%w: add depth %d, fork depth %d", ErrDimMismatch, dimX.Depth, d2.Depth)
		}
	} else {
		dimY.Depth += d2.Depth
	}
	l := &SkipLayer{
		a:    a,
		mode: mode,
		dimX: dimX,
		dimY: dimY,
		fork: fork,
		beta: beta,
		oi:   (d2.Height - dimX.Height) / 2,
		oj:   (d2.Width - dimX.Width) / 2,
	}
	alloc := newAllocator(a.e, mode.String())
	l.Y = alloc.tensor("Y", dimY)
	if mode == SkipCat || beta != 1 {
		l.dLdX1 = alloc.tensor("dLdX1", dimX)
	}
	if mode == SkipCat || l.cropped() {
		l.dLdX2 = alloc.tensor("dLdX2", d2)
	}
	c0 := 0.0
	if mode == SkipCat {
		c0 = float64(dimX.Depth)
	}
	param := alloc.uniform("param", beta, float64(l.oi), float64(l.oj), c0)
	placeholder := bufOf(l.Y)
	l.set = alloc.set("skip", param, alloc.dim(dimX), placeholder, alloc.dim(d2), placeholder, alloc.dim(dimY), bufOf(l.Y))
	l.gradSet = alloc.set("skipGrad", placeholder, orBuf(l.dLdX1, placeholder), orBuf(l.dLdX2, placeholder))
	var err error
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	fork.consumer = l
	return l, nil
}

func orBuf(t *tensor.Tensor, fallback *compute.Buffer) *compute.Buffer {
	if t == nil {
		return fallback
	}
	return t.Buffer()
}

func (l *SkipLayer) cropped() bool {
	d2 := l.fork.dimX
	return d2.Height != l.dimX.Height || d2.Width != l.dimX.Width
}

func (l *SkipLayer) Kind() string     { return "skip" }
func (l *SkipLayer) DimX() tensor.Dim { return l.dimX }
func (l *SkipLayer) DimY() tensor.Dim { return l.dimY }

// Mode returns the role of the layer.
func (l *SkipLayer) Mode() SkipMode { return l.mode }

// ID returns the registry id of a fork, 0 for consumers.
func (l *SkipLayer) ID() uint32 { return l.id }

// Beta returns the X1 scale of an add consumer.
func (l *SkipLayer) Beta() float64 { return l.beta }

// Fork returns the fork a consumer reads from.
func (l *SkipLayer) Fork() *SkipLayer { return l.fork }

// Consumer returns the consumer paired with a fork, nil if none.
func (l *SkipLayer) Consumer() *SkipLayer { return l.consumer }

func (l *SkipLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	kind := l.mode.String()
	if err := checkInput(kind, l.dimX, bs, X); err != nil {
		return nil, err
	}
	if l.mode == SkipFork {
		l.out = X
		l.deposit = nil
		return X, nil
	}
	if l.fork == nil || l.fork.out == nil {
		return nil, fmt.Errorf("%w: %s before its fork", ErrNotForwarded, kind)
	}
	if err := l.set.Update(2, X.Buffer()); err != nil {
		return nil, err
	}
	if err := l.set.Update(4, l.fork.out.Buffer()); err != nil {
		return nil, err
	}
	k := skipAddForward
	if l.mode == SkipCat {
		k = skipCatForward
	}
	err := dispatch(l.a.e, compute.HazardRAW, "skip_"+kind, k,
		l.dimX.Width, l.dimX.Height, bs, l.a.set, l.set)
	if err != nil {
		return nil, err
	}
	l.ready = true
	return l.Y, nil
}

func (l *SkipLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	kind := l.mode.String()
	if err := checkInput(kind, l.dimY, bs, dLdY); err != nil {
		return nil, err
	}
	if l.mode == SkipFork {
		return l.backpropFork(bs, dLdY)
	}
	if !l.ready {
		return nil, fmt.Errorf("%w: %s", ErrNotForwarded, kind)
	}
	if l.fork == nil {
		return nil, fmt.Errorf("%w: %s detached", ErrNotFork, kind)
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	e := l.a.e
	dLdX1 := dLdY
	if l.dLdX1 != nil {
		k := skipScale
		if l.mode == SkipCat {
			k = skipSplit
		}
		err := dispatch(e, compute.HazardRAW, "skip_"+kind+"_dX1", k,
			l.dimX.Width, l.dimX.Height, bs, l.a.set, l.set, l.gradSet)
		if err != nil {
			return nil, err
		}
		dLdX1 = l.dLdX1
	}
	deposit := dLdY
	if l.dLdX2 != nil {
		d2 := l.fork.dimX
		err := dispatch(e, compute.HazardRAW, "skip_pad", skipPad,
			d2.Width, d2.Height, bs, l.a.set, l.set, l.gradSet)
		if err != nil {
			return nil, err
		}
		deposit = l.dLdX2
	}
	l.fork.deposit = deposit
	return dLdX1, nil
}

func (l *SkipLayer) backpropFork(bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if l.deposit == nil {
		return nil, fmt.Errorf("%w: fork %d", ErrSkipGradient, l.id)
	}
	deposit := l.deposit
	l.deposit = nil
	if err := l.forkSet.Update(1, dLdY.Buffer()); err != nil {
		return nil, err
	}
	if err := l.forkSet.Update(2, deposit.Buffer()); err != nil {
		return nil, err
	}
	err := dispatch(l.a.e, compute.HazardRAW, "fork_backward", forkBackward,
		uint32(l.dimX.Stride()), bs, 1, l.a.set, l.forkSet)
	if err != nil {
		return nil, err
	}
	return l.dLdX, nil
}

func (l *SkipLayer) Post(flags Flags, bs uint32) error { return nil }

// Release detaches the pair and unregisters a fork.
func (l *SkipLayer) Release() {
	if l.mode == SkipFork {
		if l.consumer != nil {
			l.consumer.fork = nil
			l.consumer = nil
		}
		if l.a.forks[l.id] == l {
			l.a.unregisterFork(l.id)
		}
	} else if l.fork != nil {
		if l.fork.consumer == l {
			l.fork.consumer = nil
		}
		l.fork = nil
	}
	l.out, l.deposit = nil, nil
	l.own.release()
}

type skipDoc struct {
	Mode SkipMode   `json:"mode"`
	DimX tensor.Dim `json:"dim_x"`
	ID   uint32     `json:"id"`
	Fork uint32     `json:"fork"`
	Beta float64    `json:"beta"`
}

func (l *SkipLayer) export() (any, error) {
	doc := skipDoc{Mode: l.mode, DimX: l.dimX, ID: l.id, Beta: l.beta}
	if l.mode != SkipFork {
		if l.fork == nil {
			return nil, fmt.Errorf("%w: %s detached", ErrNotFork, l.mode)
		}
		doc.Fork = l.fork.id
	}
	return doc, nil
}

func importSkip(a *Arch, doc skipDoc) (*SkipLayer, error) {
	switch doc.Mode {
	case SkipFork:
		if doc.ID == 0 {
			return nil, fmt.Errorf("%w: fork without id", ErrImport)
		}
		return newSkipFork(a, doc.DimX, doc.ID)
	case SkipAdd, SkipCat:
		fork, ok := a.Fork(doc.Fork)
		if !ok {
			return nil, fmt.Errorf("%w: %s references unknown fork %d", ErrImport, doc.Mode, doc.Fork)
		}
		return newSkipConsumer(a, doc.Mode, doc.DimX, fork, doc.Beta)
	}
	return nil, fmt.Errorf("%w: skip mode %d", ErrImport, int(doc.Mode))
}

// kernels

type skipBindings struct {
	beta       float64
	oi, oj, c0 uint32
	d1, d2, dy tensor.Dim
	X1, X2, Y  []float64
}

func skipBind(b compute.Bindings) skipBindings {
	p := b.Data(1, 0)
	return skipBindings{
		beta: p[0],
		oi:   uint32(p[1]),
		oj:   uint32(p[2]),
		c0:   uint32(p[3]),
		d1:   dimAt(b, 1, 1),
		X1:   b.Data(1, 2),
		d2:   dimAt(b, 1, 3),
		X2:   b.Data(1, 4),
		dy:   dimAt(b, 1, 5),
		Y:    b.Data(1, 6),
	}
}

func skipAddForward(b compute.Bindings) compute.Invocation {
	c := skipBind(b)
	return func(j, i, n uint32) {
		o := c.d1.Offset(n, i, j, 0)
		o2 := c.d2.Offset(n, i+c.oi, j+c.oj, 0)
		for k := 0; k < int(c.d1.Depth); k++ {
			c.Y[o+k] = c.beta*c.X1[o+k] + c.X2[o2+k]
		}
	}
}

func skipCatForward(b compute.Bindings) compute.Invocation {
	c := skipBind(b)
	return func(j, i, n uint32) {
		o := c.d1.Offset(n, i, j, 0)
		o2 := c.d2.Offset(n, i+c.oi, j+c.oj, 0)
		oy := c.dy.Offset(n, i, j, 0)
		d1 := int(c.d1.Depth)
		copy(c.Y[oy:oy+d1], c.X1[o:o+d1])
		copy(c.Y[oy+d1:oy+d1+int(c.d2.Depth)], c.X2[o2:o2+int(c.d2.Depth)])
	}
}

func skipScale(b compute.Bindings) compute.Invocation {
	c := skipBind(b)
	dLdY, dLdX1 := b.Data(2, 0), b.Data(2, 1)
	return func(j, i, n uint32) {
		o := c.d1.Offset(n, i, j, 0)
		for k := 0; k < int(c.d1.Depth); k++ {
			dLdX1[o+k] = c.beta * dLdY[o+k]
		}
	}
}

func skipSplit(b compute.Bindings) compute.Invocation {
	c := skipBind(b)
	dLdY, dLdX1 := b.Data(2, 0), b.Data(2, 1)
	return func(j, i, n uint32) {
		o := c.d1.Offset(n, i, j, 0)
		oy := c.dy.Offset(n, i, j, 0)
		d1 := int(c.d1.Depth)
		copy(dLdX1[o:o+d1], dLdY[oy:oy+d1])
	}
}

// skipPad writes the fork-shaped gradient: channels [c0, c0+d2) of dL/dY
// inside the crop window and zero outside it.
func skipPad(b compute.Bindings) compute.Invocation {
	c := skipBind(b)
	dLdY, dLdX2 := b.Data(2, 0), b.Data(2, 2)
	return func(j, i, n uint32) {
		o2 := c.d2.Offset(n, i, j, 0)
		d2 := int(c.d2.Depth)
		if i < c.oi || j < c.oj || i-c.oi >= c.d1.Height || j-c.oj >= c.d1.Width {
			clear(dLdX2[o2 : o2+d2])
			return
		}
		oy := c.dy.Offset(n, i-c.oi, j-c.oj, c.c0)
		copy(dLdX2[o2:o2+d2], dLdY[oy:oy+d2])
	}
}

func forkBackward(b compute.Bindings) compute.Invocation {
	stride := dimAt(b, 1, 0).Stride()
	dLdY, dLdY2, dLdX := b.Data(1, 1), b.Data(1, 2), b.Data(1, 3)
	return func(k, n, _ uint32) {
		o := int(n)*stride + int(k)
		dLdX[o] = dLdY[o] + dLdY2[o]
	}
}
