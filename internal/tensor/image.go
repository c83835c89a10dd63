package tensor

import (
	"fmt"
	"image"
	"image/color"
)

// ReadChannels returns channels [k0, k0+count) of slice n scaled from
// [lo, hi] to [0, 255], pixel-interleaved.
func (t *Tensor) ReadChannels(n, k0, count uint32, lo, hi float64) ([]uint8, error) {
	if t.mode != ModeIO {
		return nil, fmt.Errorf("%w: read channels of %s tensor", ErrMode, t.mode)
	}
	d := t.dim
	if n >= d.Count || count == 0 || k0+count > d.Depth {
		return nil, fmt.Errorf("%w: channels [%d,%d) of slice %d in %s", ErrRange, k0, k0+count, n, d)
	}
	if hi <= lo {
		return nil, fmt.Errorf("tensor: invalid range [%v,%v]", lo, hi)
	}
	out := make([]uint8, 0, int(d.Height)*int(d.Width)*int(count))
	for i := uint32(0); i < d.Height; i++ {
		for j := uint32(0); j < d.Width; j++ {
			for k := k0; k < k0+count; k++ {
				out = append(out, scale8(t.data[d.Offset(n, i, j, k)], lo, hi))
			}
		}
	}
	return out, nil
}

func scale8(v, lo, hi float64) uint8 {
	s := 255 * (v - lo) / (hi - lo)
	if s <= 0 {
		return 0
	}
	if s >= 255 {
		return 255
	}
	return uint8(s + 0.5)
}

// Image renders channels [k0, k0+count) of slice n. One channel yields
// *image.Gray; three or four yield *image.NRGBA.
func (t *Tensor) Image(n, k0, count uint32, lo, hi float64) (image.Image, error) {
	px, err := t.ReadChannels(n, k0, count, lo, hi)
	if err != nil {
		return nil, err
	}
	w, h := int(t.dim.Width), int(t.dim.Height)
	rect := image.Rect(0, 0, w, h)
	switch count {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, px)
		return img, nil
	case 3, 4:
		img := image.NewNRGBA(rect)
		c := int(count)
		for p := 0; p < w*h; p++ {
			a := uint8(255)
			if c == 4 {
				a = px[p*c+3]
			}
			img.SetNRGBA(p%w, p/w, color.NRGBA{R: px[p*c], G: px[p*c+1], B: px[p*c+2], A: a})
		}
		return img, nil
	}
	return nil, fmt.Errorf("tensor: cannot render %d channels", count)
}
