package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

func st(name string) compute.Binding { return compute.Binding{Name: name, Usage: compute.UsageStorage} }
func un(name string) compute.Binding { return compute.Binding{Name: name, Usage: compute.UsageUniform} }

// layouts names every uniform set factory used by the layer family. Set 0
// of every pipeline is the arch set.
var layouts = map[string][]compute.Binding{
	"arch":   {un("state"), un("bs")},
	"update": {st("P"), st("V"), st("M"), st("dP"), st("scale")},

	"conv":     {un("param"), un("dimX"), st("X"), un("dimW"), st("W"), st("B"), un("dimY"), st("Y")},
	"convGrad": {st("dLdY"), st("dLdX"), st("dLdW"), st("dLdB")},
	"convTap":  {un("tap")},

	"bn":      {un("dimX"), st("X"), st("Xhat"), st("Y"), st("G"), st("B"), st("mean"), st("var")},
	"bnGrad":  {st("dLdY"), st("dLdXhat"), st("dLdX"), st("dLdG"), st("dLdB"), st("sum1"), st("sum2"), st("sum3")},
	"bnStats": {st("mean"), st("var"), st("meanRA"), st("varRA")},

	"fact":     {un("dimX"), st("X"), st("Y"), st("dYdX")},
	"factGrad": {st("dLdY"), st("dLdX")},

	"fork":     {un("dimX"), st("dLdY"), st("dLdY2"), st("dLdX")},
	"skip":     {un("param"), un("dimX1"), st("X1"), un("dimX2"), st("X2"), un("dimY"), st("Y")},
	"skipGrad": {st("dLdY"), st("dLdX1"), st("dLdX2")},

	"pool":     {un("param"), un("dimX"), st("X"), un("dimY"), st("Y"), st("mask")},
	"poolGrad": {st("dLdY"), st("dLdX")},

	"weight":     {un("param"), un("dimX"), st("X"), un("dimW"), st("W"), st("B"), un("dimY"), st("Y")},
	"weightGrad": {st("dLdY"), st("dLdX"), st("dLdW"), st("dLdB")},
	"weightClip": {st("dLdW"), st("dLdB"), st("norms"), st("scaleW"), st("scaleB")},

	"lanczos":     {un("dimX"), st("X"), un("dimT"), st("T"), un("dimY"), st("Y"), st("Mh"), st("Mw")},
	"lanczosGrad": {st("dLdY"), st("dLdT"), st("dLdX")},

	"loss": {un("dimY"), st("Y"), st("Yt"), st("dLdY"), st("partial")},
}

func factory(e *engine.Engine, name string) (*compute.UniformSetFactory, error) {
	l, ok := layouts[name]
	if !ok {
		return nil, fmt.Errorf("nn: unknown uniform set layout %q", name)
	}
	return e.Factory(name, l...)
}

func newSet(e *engine.Engine, name string, refs ...*compute.Buffer) (*compute.UniformSet, error) {
	f, err := factory(e, name)
	if err != nil {
		return nil, err
	}
	return f.NewSet(refs...)
}

// dispatch runs kernel k as pipeline name over an (x, y, z) grid. The
// pipeline layout is taken from the sets of its first dispatch.
func dispatch(e *engine.Engine, h compute.Hazard, name string, k compute.Kernel, x, y, z uint32, sets ...*compute.UniformSet) error {
	layout := make([]*compute.UniformSetFactory, len(sets))
	for i, s := range sets {
		layout[i] = s.Factory()
	}
	p, err := e.Pipeline(name, k, layout...)
	if err != nil {
		return err
	}
	return e.Dispatch(h, p, x, y, z, sets...)
}

// kernel helpers

func dimAt(b compute.Bindings, set, binding int) tensor.Dim {
	return tensor.DimOf(b.Data(set, binding))
}

func stateOf(b compute.Bindings) []float64 { return b.Data(0, 0) }

func bsOf(b compute.Bindings) uint32 { return uint32(b.Data(0, 1)[0]) }

// updateKernel applies the optimizer step to every element of a
// parameter group. The scale binding holds {gradient scale, L2 decay}.
func updateKernel(b compute.Bindings) compute.Invocation {
	state := stateOf(b)
	bs := float64(bsOf(b))
	P := b.Data(1, 0)
	V := b.Data(1, 1)
	M := b.Data(1, 2)
	dP := b.Data(1, 3)
	scale := b.Data(1, 4)
	return func(x, _, _ uint32) {
		g := dP[x] * scale[0] / bs
		P[x], V[x], M[x] = opt.Step(state, P[x], V[x], M[x], g, scale[1])
	}
}

// paramGroup binds a parameter tensor with its optimizer slots.
type paramGroup struct {
	P, V, M, dP *tensor.Tensor
	scale       *compute.Buffer
	set         *compute.UniformSet
}

func newParamGroup(a *allocator, name string, d tensor.Dim, decay float64) *paramGroup {
	g := &paramGroup{
		P:     a.tensor(name, d),
		V:     a.tensor("V"+name, d),
		M:     a.tensor("M"+name, d),
		dP:    a.tensor("dLd"+name, d),
		scale: a.storage("scale"+name, 1, decay),
	}
	g.set = a.set("update", bufOf(g.P), bufOf(g.V), bufOf(g.M), bufOf(g.dP), g.scale)
	return g
}

func (g *paramGroup) update(e *engine.Engine, h compute.Hazard, arch *compute.UniformSet) error {
	return dispatch(e, h, "update", updateKernel, uint32(g.P.Dim().Elements()), 1, 1, arch, g.set)
}

type paramDoc struct {
	P tensor.Doc `json:"p"`
	V tensor.Doc `json:"v"`
	M tensor.Doc `json:"m"`
}

func (g *paramGroup) export() (paramDoc, error) {
	var doc paramDoc
	var err error
	if doc.P, err = tensor.Export(g.P); err != nil {
		return doc, err
	}
	if doc.V, err = tensor.Export(g.V); err != nil {
		return doc, err
	}
	doc.M, err = tensor.Export(g.M)
	return doc, err
}

func (g *paramGroup) load(a *allocator, doc paramDoc) {
	a.load(g.P, doc.P)
	a.load(g.V, doc.V)
	a.load(g.M, doc.M)
}
