// Package tensor provides the 4D (count, height, width, depth) tensor used
// by every layer, in host-addressable IO form or device-resident COMPUTE
// form.
package tensor

import "fmt"

// Dim is the shape of a tensor.
type Dim struct {
	Count  uint32 `json:"count"`
	Height uint32 `json:"height"`
	Width  uint32 `json:"width"`
	Depth  uint32 `json:"depth"`
}

// Elements returns count*height*width*depth.
func (d Dim) Elements() int {
	return int(d.Count) * d.Stride()
}

// Stride returns the number of elements in one batch slice.
func (d Dim) Stride() int {
	return int(d.Height) * int(d.Width) * int(d.Depth)
}

// SizeEquals reports whether d and o hold the same count of equally sized
// slices, regardless of how each slice is shaped.
func (d Dim) SizeEquals(o Dim) bool {
	return d.Count == o.Count && d.Stride() == o.Stride()
}

// StrideEquals reports whether d and o have the same slice shape. Count is
// not compared.
func (d Dim) StrideEquals(o Dim) bool {
	return d.Height == o.Height && d.Width == o.Width && d.Depth == o.Depth
}

// Valid reports whether every field is non-zero.
func (d Dim) Valid() bool {
	return d.Count > 0 && d.Height > 0 && d.Width > 0 && d.Depth > 0
}

// Offset returns the linear offset of (n, i, j, k).
func (d Dim) Offset(n, i, j, k uint32) int {
	return int(n)*d.Stride() + int(i)*int(d.Width)*int(d.Depth) + int(j)*int(d.Depth) + int(k)
}

// Array returns the shape as {count, height, width, depth}.
func (d Dim) Array() [4]uint32 {
	return [4]uint32{d.Count, d.Height, d.Width, d.Depth}
}

// Flat returns the (count, 1, 1, stride) shape of d.
func (d Dim) Flat() Dim {
	return Dim{Count: d.Count, Height: 1, Width: 1, Depth: uint32(d.Stride())}
}

func (d Dim) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", d.Count, d.Height, d.Width, d.Depth)
}

// DimOf decodes a shape from the first four elements of a dim buffer.
func DimOf(u []float64) Dim {
	return Dim{
		Count:  uint32(u[0]),
		Height: uint32(u[1]),
		Width:  uint32(u[2]),
		Depth:  uint32(u[3]),
	}
}
