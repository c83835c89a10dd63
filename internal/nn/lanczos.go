package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// DefaultLanczosSupport is the lobe count used by composite layers.
const DefaultLanczosSupport = 3

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func lanczos(x, a float64) float64 {
	if math.Abs(x) >= a {
		return 0
	}
	return sinc(x) * sinc(x/a)
}

// LanczosTable returns the (dst x src) matrix resampling a line of src
// samples to dst samples with a support-a Lanczos kernel. When
// downsampling the kernel is widened by src/dst. Edge samples are clamped
// and every row sums to one.
func LanczosTable(src, dst, a uint32) (*mat.Dense, error) {
	if src == 0 || dst == 0 || a == 0 {
		return nil, fmt.Errorf("%w: lanczos table %d->%d support %d", ErrInvalidConfig, src, dst, a)
	}
	m := mat.NewDense(int(dst), int(src), nil)
	ratio := float64(src) / float64(dst)
	scale := math.Max(1, ratio)
	radius := float64(a) * scale
	row := make([]float64, src)
	for i := 0; i < int(dst); i++ {
		clear(row)
		c := (float64(i)+0.5)*ratio - 0.5
		lo := int(math.Floor(c - radius))
		hi := int(math.Ceil(c + radius))
		for s := lo; s <= hi; s++ {
			w := lanczos((float64(s)-c)/scale, float64(a))
			if w == 0 {
				continue
			}
			row[min(max(s, 0), int(src)-1)] += w
		}
		if sum := floats.Sum(row); sum != 0 {
			floats.Scale(1/sum, row)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

// lanczosBuffer returns the cached device copy of a Lanczos table.
func lanczosBuffer(e *engine.Engine, src, dst, a uint32) (*compute.Buffer, error) {
	key := engine.Key{Kind: "lanczos", A: src, B: dst, C: a}
	r, err := e.Cached(key, func() (engine.Resource, error) {
		m, err := LanczosTable(src, dst, a)
		if err != nil {
			return nil, err
		}
		buf, err := e.Device().NewBuffer(key.String(), compute.UsageStorage, int(src*dst))
		if err != nil {
			return nil, err
		}
		if err := e.Device().Write(buf, 0, m.RawMatrix().Data); err != nil {
			buf.Release()
			return nil, err
		}
		return &engine.Bundle{Buffers: []*compute.Buffer{buf}}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.(*engine.Bundle).Buffers[0], nil
}

// ResampleIO resamples every slice and channel of an IO tensor to
// height x width on the host.
func ResampleIO(src *tensor.Tensor, height, width, a uint32) (*tensor.Tensor, error) {
	if src.Mode() != tensor.ModeIO {
		return nil, fmt.Errorf("%w: resample of a compute tensor", tensor.ErrMode)
	}
	d := src.Dim()
	mh, err := LanczosTable(d.Height, height, a)
	if err != nil {
		return nil, err
	}
	mw, err := LanczosTable(d.Width, width, a)
	if err != nil {
		return nil, err
	}
	out, err := tensor.NewIO(tensor.Dim{Count: d.Count, Height: height, Width: width, Depth: d.Depth})
	if err != nil {
		return nil, err
	}
	x := mat.NewDense(int(d.Height), int(d.Width), nil)
	var t, y mat.Dense
	for n := uint32(0); n < d.Count; n++ {
		for k := uint32(0); k < d.Depth; k++ {
			for i := uint32(0); i < d.Height; i++ {
				for j := uint32(0); j < d.Width; j++ {
					x.Set(int(i), int(j), src.Get(n, i, j, k))
				}
			}
			t.Mul(mh, x)
			y.Mul(&t, mw.T())
			for i := uint32(0); i < height; i++ {
				for j := uint32(0); j < width; j++ {
					out.Set(n, i, j, k, y.At(int(i), int(j)))
				}
			}
		}
	}
	return out, nil
}

// LanczosLayer resamples each channel to a new height and width with
// separable Lanczos passes, height first.
type LanczosLayer struct {
	a       *Arch
	dimX    tensor.Dim
	dimT    tensor.Dim
	dimY    tensor.Dim
	support uint32

	T, Y, dLdT, dLdX *tensor.Tensor

	set     *compute.UniformSet
	gradSet *compute.UniformSet
	own     owner

	forwarded bool
}

// NewLanczosLayer creates a resampling layer from dimX to the height and
// width of dimY.
func NewLanczosLayer(a *Arch, dimX, dimY tensor.Dim, support uint32) (*LanczosLayer, error) {
	if !dimX.Valid() || dimY.Height == 0 || dimY.Width == 0 || support == 0 {
		return nil, fmt.Errorf("%w: lanczos %s -> %s support %d", ErrInvalidConfig, dimX, dimY, support)
	}
	dimY.Count, dimY.Depth = dimX.Count, dimX.Depth
	l := &LanczosLayer{
		a:       a,
		dimX:    dimX,
		dimT:    tensor.Dim{Count: dimX.Count, Height: dimY.Height, Width: dimX.Width, Depth: dimX.Depth},
		dimY:    dimY,
		support: support,
	}
	mh, err := lanczosBuffer(a.e, dimX.Height, dimY.Height, support)
	if err != nil {
		return nil, err
	}
	mw, err := lanczosBuffer(a.e, dimX.Width, dimY.Width, support)
	if err != nil {
		return nil, err
	}
	alloc := newAllocator(a.e, "lanczos")
	l.T = alloc.tensor("T", l.dimT)
	l.Y = alloc.tensor("Y", dimY)
	l.dLdT = alloc.tensor("dLdT", l.dimT)
	l.dLdX = alloc.tensor("dLdX", dimX)
	l.set = alloc.set("lanczos", alloc.dim(dimX), bufOf(l.dLdX), alloc.dim(l.dimT), bufOf(l.T),
		alloc.dim(dimY), bufOf(l.Y), mh, mw)
	l.gradSet = alloc.set("lanczosGrad", bufOf(l.Y), bufOf(l.dLdT), bufOf(l.dLdX))
	if l.own, err = alloc.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LanczosLayer) Kind() string     { return "lanczos" }
func (l *LanczosLayer) DimX() tensor.Dim { return l.dimX }
func (l *LanczosLayer) DimY() tensor.Dim { return l.dimY }

// Support returns the kernel lobe count.
func (l *LanczosLayer) Support() uint32 { return l.support }

func (l *LanczosLayer) ForwardPass(flags Flags, bs uint32, X *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("lanczos", l.dimX, bs, X); err != nil {
		return nil, err
	}
	if err := l.set.Update(1, X.Buffer()); err != nil {
		return nil, err
	}
	e := l.a.e
	if err := dispatch(e, compute.HazardRAW, "lanczos_h", lanczosH,
		l.dimT.Width, l.dimT.Height, bs, l.a.set, l.set); err != nil {
		return nil, err
	}
	if err := dispatch(e, compute.HazardRAW, "lanczos_w", lanczosW,
		l.dimY.Width, l.dimY.Height, bs, l.a.set, l.set); err != nil {
		return nil, err
	}
	l.forwarded = true
	return l.Y, nil
}

func (l *LanczosLayer) Backprop(flags Flags, bs uint32, dLdY *tensor.Tensor) (*tensor.Tensor, error) {
	if !l.forwarded {
		return nil, fmt.Errorf("%w: lanczos", ErrNotForwarded)
	}
	if err := checkInput("lanczos", l.dimY, bs, dLdY); err != nil {
		return nil, err
	}
	if err := l.gradSet.Update(0, dLdY.Buffer()); err != nil {
		return nil, err
	}
	e := l.a.e
	if err := dispatch(e, compute.HazardRAW, "lanczos_dT", lanczosBackwardT,
		l.dimT.Width, l.dimT.Height, bs, l.a.set, l.set, l.gradSet); err != nil {
		return nil, err
	}
	if err := dispatch(e, compute.HazardRAW, "lanczos_dX", lanczosBackwardX,
		l.dimX.Width, l.dimX.Height, bs, l.a.set, l.set, l.gradSet); err != nil {
		return nil, err
	}
	return l.dLdX, nil
}

func (l *LanczosLayer) Post(flags Flags, bs uint32) error { return nil }

func (l *LanczosLayer) Release() { l.own.release() }

type lanczosDoc struct {
	DimX    tensor.Dim `json:"dim_x"`
	DimY    tensor.Dim `json:"dim_y"`
	Support uint32     `json:"support"`
}

func (l *LanczosLayer) export() (any, error) {
	return lanczosDoc{DimX: l.dimX, DimY: l.dimY, Support: l.support}, nil
}

func importLanczos(a *Arch, doc lanczosDoc) (*LanczosLayer, error) {
	return NewLanczosLayer(a, doc.DimX, doc.DimY, doc.Support)
}

type lanczosBindings struct {
	dx, dt, dy tensor.Dim
	X, T, Y    []float64
	Mh, Mw     []float64
}

func lanczosBind(b compute.Bindings) lanczosBindings {
	return lanczosBindings{
		dx: dimAt(b, 1, 0),
		X:  b.Data(1, 1),
		dt: dimAt(b, 1, 2),
		T:  b.Data(1, 3),
		dy: dimAt(b, 1, 4),
		Y:  b.Data(1, 5),
		Mh: b.Data(1, 6),
		Mw: b.Data(1, 7),
	}
}

// lanczosH resamples along height: T[n,i,j,:] = sum_m Mh[i,m] X[n,m,j,:].
func lanczosH(b compute.Bindings) compute.Invocation {
	c := lanczosBind(b)
	xh := int(c.dx.Height)
	d := int(c.dx.Depth)
	return func(j, i, n uint32) {
		ot := c.dt.Offset(n, i, j, 0)
		row := c.Mh[int(i)*xh : int(i+1)*xh]
		clear(c.T[ot : ot+d])
		for m, w := range row {
			if w == 0 {
				continue
			}
			floats.AddScaled(c.T[ot:ot+d], w, c.X[c.dx.Offset(n, uint32(m), j, 0):][:d])
		}
	}
}

// lanczosW resamples along width: Y[n,i,j,:] = sum_m Mw[j,m] T[n,i,m,:].
func lanczosW(b compute.Bindings) compute.Invocation {
	c := lanczosBind(b)
	xw := int(c.dt.Width)
	d := int(c.dt.Depth)
	return func(j, i, n uint32) {
		oy := c.dy.Offset(n, i, j, 0)
		row := c.Mw[int(j)*xw : int(j+1)*xw]
		clear(c.Y[oy : oy+d])
		for m, w := range row {
			if w == 0 {
				continue
			}
			floats.AddScaled(c.Y[oy:oy+d], w, c.T[c.dt.Offset(n, i, uint32(m), 0):][:d])
		}
	}
}

// lanczosBackwardT applies the transposed width table to dL/dY.
func lanczosBackwardT(b compute.Bindings) compute.Invocation {
	c := lanczosBind(b)
	dLdY, dLdT := b.Data(2, 0), b.Data(2, 1)
	xw := int(c.dt.Width)
	d := int(c.dt.Depth)
	return func(m, i, n uint32) {
		ot := c.dt.Offset(n, i, m, 0)
		clear(dLdT[ot : ot+d])
		for j := uint32(0); j < c.dy.Width; j++ {
			w := c.Mw[int(j)*xw+int(m)]
			if w == 0 {
				continue
			}
			floats.AddScaled(dLdT[ot:ot+d], w, dLdY[c.dy.Offset(n, i, j, 0):][:d])
		}
	}
}

// lanczosBackwardX applies the transposed height table to dL/dT.
func lanczosBackwardX(b compute.Bindings) compute.Invocation {
	c := lanczosBind(b)
	dLdT, dLdX := b.Data(2, 1), b.Data(2, 2)
	xh := int(c.dx.Height)
	d := int(c.dx.Depth)
	return func(j, m, n uint32) {
		ox := c.dx.Offset(n, m, j, 0)
		clear(dLdX[ox : ox+d])
		for i := uint32(0); i < c.dt.Height; i++ {
			w := c.Mh[int(i)*xh+int(m)]
			if w == 0 {
				continue
			}
			floats.AddScaled(dLdX[ox:ox+d], w, dLdT[c.dt.Offset(n, i, j, 0):][:d])
		}
	}
}
