package net

import (
	"fmt"
	"io"
	"strings"

	"github.com/FlavioCFOliveira/nnengine/internal/nn"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// composite is implemented by layers built from child layers.
type composite interface {
	Children() []nn.Layer
}

// Params returns the number of trainable parameters of l, including those
// of its children.
func Params(l nn.Layer) int {
	var n int
	count := func(ts ...*tensor.Tensor) {
		for _, t := range ts {
			if t != nil {
				n += t.Dim().Elements()
			}
		}
	}
	switch l := l.(type) {
	case *nn.ConvLayer:
		count(l.Weights(), l.Bias())
	case *nn.WeightLayer:
		count(l.Weights(), l.Bias())
	case *nn.BatchNormLayer:
		count(l.Gamma(), l.Beta())
	case composite:
		for _, c := range l.Children() {
			n += Params(c)
		}
	}
	return n
}

// Summary writes a table of the layers of a, one row per layer with
// children indented below their composite, followed by the parameter
// total.
func Summary(w io.Writer, a *nn.Arch) error {
	var b strings.Builder
	rule := strings.Repeat("_", 72)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "%-32s %-24s %-10s\n", "Layer (kind)", "Output Shape", "Param #")
	fmt.Fprintln(&b, strings.Repeat("=", 72))

	var walk func(ls []nn.Layer, depth int)
	walk = func(ls []nn.Layer, depth int) {
		for i, l := range ls {
			name := fmt.Sprintf("%s%s_%d", strings.Repeat("  ", depth), l.Kind(), i)
			d := l.DimY()
			shape := fmt.Sprintf("(%d, %d, %d, %d)", d.Count, d.Height, d.Width, d.Depth)
			fmt.Fprintf(&b, "%-32s %-24s %-10d\n", name, shape, Params(l))
			if c, ok := l.(composite); ok {
				walk(c.Children(), depth+1)
			}
		}
	}
	walk(a.Layers(), 0)
	total := 0
	for _, l := range a.Layers() {
		total += Params(l)
	}

	fmt.Fprintln(&b, strings.Repeat("=", 72))
	fmt.Fprintf(&b, "Total params: %d\n", total)
	if l := a.Loss(); l != nil {
		fmt.Fprintf(&b, "Loss: %s\n", l.Function())
	}
	s := a.State()
	fmt.Fprintf(&b, "Optimizer: %s (lr %g)\n", s.Optimizer, s.LearningRate)
	fmt.Fprintln(&b, rule)
	_, err := io.WriteString(w, b.String())
	return err
}
