package net

import (
	"fmt"
	"math/rand"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// SobelX is the horizontal Sobel kernel, indexed [row][column].
var SobelX = [3][3]float64{
	{-1, 0, 1},
	{-2, 0, 2},
	{-1, 0, 1},
}

// SobelPair returns count random height x width single-channel images with
// standard normal pixels and their valid SobelX responses, of size
// (height-2) x (width-2).
func SobelPair(rng *rand.Rand, count, height, width uint32) (X, Y *tensor.Tensor, err error) {
	if height < 3 || width < 3 {
		return nil, nil, fmt.Errorf("net: sobel input %dx%d smaller than the kernel", height, width)
	}
	X, err = tensor.NewIO(tensor.Dim{Count: count, Height: height, Width: width, Depth: 1})
	if err != nil {
		return nil, nil, err
	}
	Y, err = tensor.NewIO(tensor.Dim{Count: count, Height: height - 2, Width: width - 2, Depth: 1})
	if err != nil {
		return nil, nil, err
	}
	x := X.Data()
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	for n := uint32(0); n < count; n++ {
		for i := uint32(0); i < height-2; i++ {
			for j := uint32(0); j < width-2; j++ {
				var sum float64
				for fi := uint32(0); fi < 3; fi++ {
					for fj := uint32(0); fj < 3; fj++ {
						sum += SobelX[fi][fj] * X.Get(n, i+fi, j+fj, 0)
					}
				}
				Y.Set(n, i, j, 0, sum)
			}
		}
	}
	return X, Y, nil
}
