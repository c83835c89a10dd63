package net

import (
	"fmt"
	"math/rand"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// Sampler fills the first bs slices of X and Yt with the batch for a
// training step.
type Sampler interface {
	Sample(step int, bs uint32, X, Yt *tensor.Tensor) error
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(step int, bs uint32, X, Yt *tensor.Tensor) error

func (f SamplerFunc) Sample(step int, bs uint32, X, Yt *tensor.Tensor) error {
	return f(step, bs, X, Yt)
}

// SliceSampler walks a fixed dataset in order, wrapping around at the
// end. Step s reads slices starting at s*bs modulo the dataset size.
type SliceSampler struct {
	X, Y *tensor.Tensor
}

func (s SliceSampler) Sample(step int, bs uint32, X, Yt *tensor.Tensor) error {
	count := s.X.Dim().Count
	if count == 0 || s.Y.Dim().Count != count {
		return fmt.Errorf("net: dataset of %d inputs and %d targets", count, s.Y.Dim().Count)
	}
	at := uint32((uint64(step) * uint64(bs)) % uint64(count))
	for done := uint32(0); done < bs; {
		n := min(bs-done, count-at)
		if err := tensor.Copy(s.X, X, at, done, n); err != nil {
			return err
		}
		if err := tensor.Copy(s.Y, Yt, at, done, n); err != nil {
			return err
		}
		done += n
		at = (at + n) % count
	}
	return nil
}

// RandomSampler draws every batch slot uniformly from a fixed dataset.
// Targets may be shaped differently from the Arch output as long as the
// slice sizes agree.
type RandomSampler struct {
	X, Y *tensor.Tensor
	Rand *rand.Rand
}

func (s RandomSampler) Sample(step int, bs uint32, X, Yt *tensor.Tensor) error {
	count := s.X.Dim().Count
	if count == 0 || s.Y.Dim().Count != count {
		return fmt.Errorf("net: dataset of %d inputs and %d targets", count, s.Y.Dim().Count)
	}
	for slot := uint32(0); slot < bs; slot++ {
		n := uint32(s.Rand.Intn(int(count)))
		if err := tensor.Blit(s.X, X, 1, n, slot); err != nil {
			return err
		}
		if err := tensor.Blit(s.Y, Yt, 1, n, slot); err != nil {
			return err
		}
	}
	return nil
}
