// Package activations provides benchmarks for activation functions.
package activations

import (
	"math/rand"
	"testing"
)

// fillRandom fills a slice with random values.
func fillRandom(slice []float64) {
	for i := range slice {
		slice[i] = rand.Float64()*4 - 2
	}
}

// BenchmarkActivationsComparison compares forward and derivative cost of
// every registered function.
func BenchmarkActivationsComparison(b *testing.B) {
	inputs := make([]float64, 1000)
	fillRandom(inputs)

	for _, name := range Names() {
		act, _ := Lookup(name)
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				for _, x := range inputs {
					act.Derivative(act.Activate(x))
				}
			}
		})
	}
}
