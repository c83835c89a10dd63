package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// ResConfig describes an identity-mapping residual block.
type ResConfig struct {
	DimX tensor.Dim
	// Fact names the inner activation. Empty means "ReLU".
	Fact string
	// Beta scales the residual branch. Zero means 1.
	Beta      float64
	ConvFlags ConvFlags
}

// ResLayer forks its input, runs conv, batch norm and activation, then a
// second conv whose output is added to the fork. Both convs keep the
// input depth.
type ResLayer struct {
	composite
	cfg ResConfig
}

// NewResLayer builds a residual block.
func NewResLayer(a *Arch, cfg ResConfig) (*ResLayer, error) {
	if cfg.Fact == "" {
		cfg.Fact = "ReLU"
	}
	if cfg.Beta == 0 {
		cfg.Beta = 1
	}
	b := newBuilder("res", cfg.DimX)
	fork := stage(b, func(d tensor.Dim) (*SkipLayer, error) { return NewSkipFork(a, d) })
	stage(b, func(d tensor.Dim) (*CoderLayer, error) {
		return NewCoderLayer(a, CoderConfig{DimX: d, FC: d.Depth, ConvFlags: cfg.ConvFlags, Norm: true, Fact: cfg.Fact})
	})
	stage(b, func(d tensor.Dim) (*CoderLayer, error) {
		return NewCoderLayer(a, CoderConfig{DimX: d, FC: d.Depth, ConvFlags: cfg.ConvFlags, Add: AddSlot(fork, cfg.Beta)})
	})
	seq, err := b.finish()
	if err != nil {
		return nil, err
	}
	return &ResLayer{composite: composite{kind: "res", children: seq}, cfg: cfg}, nil
}

// Config returns the construction parameters.
func (l *ResLayer) Config() ResConfig { return l.cfg }

type resDoc struct {
	DimX      tensor.Dim `json:"dim_x"`
	Fact      string     `json:"fact"`
	Beta      float64    `json:"beta"`
	ConvFlags ConvFlags  `json:"conv_flags"`
	Layers    []LayerDoc `json:"layers"`
}

func (l *ResLayer) export() (any, error) {
	layers, err := l.exportChildren()
	if err != nil {
		return nil, err
	}
	c := l.cfg
	return resDoc{DimX: c.DimX, Fact: c.Fact, Beta: c.Beta, ConvFlags: c.ConvFlags, Layers: layers}, nil
}

func importRes(a *Arch, doc resDoc) (*ResLayer, error) {
	if len(doc.Layers) != 3 {
		return nil, fmt.Errorf("%w: res has %d stages", ErrImport, len(doc.Layers))
	}
	seq, err := importChildren(a, "res", doc.DimX, doc.Layers)
	if err != nil {
		return nil, err
	}
	cfg := ResConfig{DimX: doc.DimX, Fact: doc.Fact, Beta: doc.Beta, ConvFlags: doc.ConvFlags}
	return &ResLayer{composite: composite{kind: "res", children: seq}, cfg: cfg}, nil
}
