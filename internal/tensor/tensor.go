package tensor

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/engine"
)

// Mode selects where tensor data lives.
type Mode int

const (
	// ModeIO tensors are host-addressable.
	ModeIO Mode = iota
	// ModeCompute tensors are device-resident and only touched through
	// dispatches and explicit copies.
	ModeCompute
)

func (m Mode) String() string {
	if m == ModeCompute {
		return "compute"
	}
	return "io"
}

var (
	ErrMode  = errors.New("tensor: invalid mode for operation")
	ErrDim   = errors.New("tensor: dimension mismatch")
	ErrRange = errors.New("tensor: slice range out of bounds")
)

// Tensor is a 4D array of float64 in (n, i, j, k) row-major order.
type Tensor struct {
	dim  Dim
	mode Mode

	data []float64

	e      *engine.Engine
	buf    *compute.Buffer
	dimBuf *compute.Buffer

	// alias tensors share storage with their parent and never release it.
	alias bool
}

// NewIO allocates a zeroed host tensor.
func NewIO(dim Dim) (*Tensor, error) {
	if !dim.Valid() {
		return nil, fmt.Errorf("%w: invalid dim %s", ErrDim, dim)
	}
	return &Tensor{dim: dim, mode: ModeIO, data: make([]float64, dim.Elements())}, nil
}

// NewIOFrom creates a host tensor holding a copy of data.
func NewIOFrom(dim Dim, data []float64) (*Tensor, error) {
	t, err := NewIO(dim)
	if err != nil {
		return nil, err
	}
	if len(data) != len(t.data) {
		return nil, fmt.Errorf("%w: %d values for %s", ErrDim, len(data), dim)
	}
	copy(t.data, data)
	return t, nil
}

// NewCompute allocates a zeroed device tensor.
func NewCompute(e *engine.Engine, label string, dim Dim) (*Tensor, error) {
	if !dim.Valid() {
		return nil, fmt.Errorf("%w: %s: invalid dim %s", ErrDim, label, dim)
	}
	buf, err := e.NewBuffer(label, compute.UsageStorage, dim.Elements())
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", label, err)
	}
	db, err := e.DimBuffer(dim.Array())
	if err != nil {
		buf.Release()
		return nil, fmt.Errorf("tensor %s: %w", label, err)
	}
	return &Tensor{dim: dim, mode: ModeCompute, e: e, buf: buf, dimBuf: db}, nil
}

func (t *Tensor) Dim() Dim   { return t.dim }
func (t *Tensor) Mode() Mode { return t.mode }

// Engine returns the engine of a COMPUTE tensor, nil for IO tensors.
func (t *Tensor) Engine() *engine.Engine { return t.e }

// Buffer returns the device buffer of a COMPUTE tensor.
func (t *Tensor) Buffer() *compute.Buffer { return t.buf }

// DimBuffer returns the uniform buffer describing the tensor shape.
func (t *Tensor) DimBuffer() *compute.Buffer { return t.dimBuf }

// Data returns the host storage of an IO tensor.
func (t *Tensor) Data() []float64 {
	t.mustIO()
	return t.data
}

func (t *Tensor) mustIO() {
	if t.mode != ModeIO {
		panic(fmt.Sprintf("tensor: host access to %s tensor %s", t.mode, t.dim))
	}
}

func (t *Tensor) index(n, i, j, k uint32) int {
	t.mustIO()
	d := t.dim
	if n >= d.Count || i >= d.Height || j >= d.Width || k >= d.Depth {
		panic(fmt.Sprintf("tensor: index (%d,%d,%d,%d) out of range %s", n, i, j, k, d))
	}
	return d.Offset(n, i, j, k)
}

// Get returns the element at (n, i, j, k).
func (t *Tensor) Get(n, i, j, k uint32) float64 {
	return t.data[t.index(n, i, j, k)]
}

// Set stores v at (n, i, j, k).
func (t *Tensor) Set(n, i, j, k uint32, v float64) {
	t.data[t.index(n, i, j, k)] = v
}

// Add accumulates v at (n, i, j, k).
func (t *Tensor) Add(n, i, j, k uint32, v float64) {
	t.data[t.index(n, i, j, k)] += v
}

// Mul scales the element at (n, i, j, k) by v.
func (t *Tensor) Mul(n, i, j, k uint32, v float64) {
	t.data[t.index(n, i, j, k)] *= v
}

// Clear zeroes the tensor.
func (t *Tensor) Clear() error {
	if t.mode == ModeIO {
		clear(t.data)
		return nil
	}
	return t.e.Clear(compute.HazardWAW, t.buf)
}

// Flatten returns a (count, 1, 1, h*w*d) alias sharing storage with t.
func (t *Tensor) Flatten() (*Tensor, error) {
	flat := &Tensor{dim: t.dim.Flat(), mode: t.mode, data: t.data, e: t.e, buf: t.buf, alias: true}
	if t.mode == ModeCompute {
		db, err := t.e.DimBuffer(flat.dim.Array())
		if err != nil {
			return nil, err
		}
		flat.dimBuf = db
	}
	return flat, nil
}

// Alias reports whether t shares storage it does not own.
func (t *Tensor) Alias() bool { return t.alias }

// Release frees storage owned by t.
func (t *Tensor) Release() {
	if t == nil || t.alias {
		return
	}
	if t.buf != nil {
		t.buf.Release()
	}
	t.data = nil
}

// Copy copies count batch slices from src[srcN:] to dst[dstN:]. The slice
// shapes must match; the tensors may be in any mode.
func Copy(src, dst *Tensor, srcN, dstN, count uint32) error {
	if !src.dim.StrideEquals(dst.dim) {
		return fmt.Errorf("%w: copy %s to %s", ErrDim, src.dim, dst.dim)
	}
	return copySlices(src, dst, srcN, dstN, count)
}

// Blit copies count slices starting at slot srcN of src into slot dstN of
// dst. Slices need the same element count but not the same shape.
func Blit(src, dst *Tensor, count, srcN, dstN uint32) error {
	if src.dim.Stride() != dst.dim.Stride() {
		return fmt.Errorf("%w: blit %s to %s", ErrDim, src.dim, dst.dim)
	}
	return copySlices(src, dst, srcN, dstN, count)
}

func copySlices(src, dst *Tensor, srcN, dstN, count uint32) error {
	if uint64(srcN)+uint64(count) > uint64(src.dim.Count) ||
		uint64(dstN)+uint64(count) > uint64(dst.dim.Count) {
		return fmt.Errorf("%w: %d slices from %d of %s to %d of %s",
			ErrRange, count, srcN, src.dim, dstN, dst.dim)
	}
	stride := src.dim.Stride()
	so := int(srcN) * stride
	do := int(dstN) * stride
	n := int(count) * stride

	switch {
	case src.mode == ModeIO && dst.mode == ModeIO:
		copy(dst.data[do:do+n], src.data[so:so+n])
		return nil
	case src.mode == ModeIO:
		return dst.e.Write(dst.buf, do, src.data[so:so+n])
	case dst.mode == ModeIO:
		return src.e.Read(src.buf, so, dst.data[do:do+n])
	}
	if src.e != dst.e {
		return fmt.Errorf("%w: copy between engines", ErrMode)
	}
	return src.e.Copy(compute.HazardRAW, src.buf, dst.buf, so, do, n)
}

// ToIO returns a host copy of t.
func ToIO(t *Tensor) (*Tensor, error) {
	out, err := NewIO(t.dim)
	if err != nil {
		return nil, err
	}
	if err := Copy(t, out, 0, 0, t.dim.Count); err != nil {
		return nil, err
	}
	return out, nil
}

// Values returns a host copy of every element of t.
func Values(t *Tensor) ([]float64, error) {
	if t.mode == ModeIO {
		out := make([]float64, len(t.data))
		copy(out, t.data)
		return out, nil
	}
	out := make([]float64, t.dim.Elements())
	if err := t.e.Read(t.buf, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Load overwrites every element of t with values.
func Load(t *Tensor, values []float64) error {
	if len(values) != t.dim.Elements() {
		return fmt.Errorf("%w: %d values for %s", ErrDim, len(values), t.dim)
	}
	if t.mode == ModeIO {
		copy(t.data, values)
		return nil
	}
	return t.e.Write(t.buf, 0, values)
}
