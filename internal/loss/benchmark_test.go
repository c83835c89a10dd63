// Package loss provides benchmarks for loss functions.
package loss

import (
	"math/rand"
	"testing"
)

// BenchmarkForward measures the mean reduction of every loss.
func BenchmarkForward(b *testing.B) {
	pred := make([]float64, 4096)
	target := make([]float64, 4096)
	for i := range pred {
		pred[i] = rand.Float64()
		target[i] = rand.Float64()
	}

	for _, l := range []Loss{MSE{}, MAE{}, BCE{}} {
		b.Run(l.Name(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Forward(l, pred, target)
			}
		})
	}
}
