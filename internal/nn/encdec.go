package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// EncDecConfig describes a U-Net.
type EncDecConfig struct {
	DimX tensor.Dim
	// Levels is the number of encoder coders.
	Levels uint32
	// FC is the filter count of the top level; it doubles per level.
	FC uint32
	// Fact names the hidden activation. Empty means "ReLU".
	Fact string
	// OutDepth is the depth of the final 1x1 conv.
	OutDepth  uint32
	ConvFlags ConvFlags
}

// EncDecLayer is a U-Net: encoder coders that fork before downsampling,
// a middle coder, and decoder coders that concatenate the matching
// encoder fork, cropped to size.
type EncDecLayer struct {
	composite
	cfg EncDecConfig
}

// NewEncDecLayer builds the encoder, middle and decoder coders and the
// output conv.
func NewEncDecLayer(a *Arch, cfg EncDecConfig) (*EncDecLayer, error) {
	if cfg.Levels == 0 || cfg.FC == 0 || cfg.OutDepth == 0 {
		return nil, fmt.Errorf("%w: encdec levels=%d fc=%d out=%d", ErrInvalidConfig, cfg.Levels, cfg.FC, cfg.OutDepth)
	}
	if cfg.Fact == "" {
		cfg.Fact = "ReLU"
	}
	b := newBuilder("encdec", cfg.DimX)
	coder := func(c CoderConfig) *CoderLayer {
		return stage(b, func(d tensor.Dim) (*CoderLayer, error) {
			c.DimX = d
			c.Filter = 3
			c.ConvFlags = cfg.ConvFlags
			c.Norm = true
			c.Fact = cfg.Fact
			return NewCoderLayer(a, c)
		})
	}

	forks := make([]*SkipLayer, cfg.Levels)
	for l := uint32(0); l < cfg.Levels; l++ {
		enc := coder(CoderConfig{FC: cfg.FC << l, Cat: ForkSlot(), Op: OpConvDown})
		if enc == nil {
			break
		}
		forks[l] = enc.CatFork()
	}
	coder(CoderConfig{FC: cfg.FC << cfg.Levels, Op: OpConvUp, OpFC: cfg.FC << (cfg.Levels - 1)})
	for l := int(cfg.Levels) - 1; l >= 0 && b.err == nil; l-- {
		dec := CoderConfig{FC: cfg.FC << l, Cat: CatSlot(forks[l])}
		if l > 0 {
			dec.Op, dec.OpFC = OpConvUp, cfg.FC<<(l-1)
		}
		coder(dec)
	}
	stage(b, func(d tensor.Dim) (*ConvLayer, error) {
		return NewConvLayer(a, d, tensor.Dim{Count: cfg.OutDepth, Height: 1, Width: 1, Depth: d.Depth}, 1, cfg.ConvFlags)
	})

	seq, err := b.finish()
	if err != nil {
		return nil, err
	}
	return &EncDecLayer{composite: composite{kind: "encdec", children: seq}, cfg: cfg}, nil
}

// Config returns the construction parameters.
func (l *EncDecLayer) Config() EncDecConfig { return l.cfg }

type encDecDoc struct {
	DimX      tensor.Dim `json:"dim_x"`
	Levels    uint32     `json:"levels"`
	FC        uint32     `json:"fc"`
	Fact      string     `json:"fact"`
	OutDepth  uint32     `json:"out_depth"`
	ConvFlags ConvFlags  `json:"conv_flags"`
	Layers    []LayerDoc `json:"layers"`
}

func (l *EncDecLayer) export() (any, error) {
	layers, err := l.exportChildren()
	if err != nil {
		return nil, err
	}
	c := l.cfg
	return encDecDoc{
		DimX:      c.DimX,
		Levels:    c.Levels,
		FC:        c.FC,
		Fact:      c.Fact,
		OutDepth:  c.OutDepth,
		ConvFlags: c.ConvFlags,
		Layers:    layers,
	}, nil
}

// importEncDec rebuilds the children from their documents. The stage count
// must match the level count: levels encoders, the middle, levels
// decoders and the output conv.
func importEncDec(a *Arch, doc encDecDoc) (*EncDecLayer, error) {
	if want := 2*int(doc.Levels) + 2; len(doc.Layers) != want {
		return nil, fmt.Errorf("%w: encdec with %d levels has %d stages", ErrImport, doc.Levels, len(doc.Layers))
	}
	seq, err := importChildren(a, "encdec", doc.DimX, doc.Layers)
	if err != nil {
		return nil, err
	}
	cfg := EncDecConfig{
		DimX:      doc.DimX,
		Levels:    doc.Levels,
		FC:        doc.FC,
		Fact:      doc.Fact,
		OutDepth:  doc.OutDepth,
		ConvFlags: doc.ConvFlags,
	}
	return &EncDecLayer{composite: composite{kind: "encdec", children: seq}, cfg: cfg}, nil
}
