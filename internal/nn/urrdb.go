package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// UrrdbConfig describes a residual-in-residual dense block stack.
type UrrdbConfig struct {
	DimX tensor.Dim
	// FC is the working depth; every node adds FC channels.
	FC     uint32
	Blocks uint32
	Nodes  uint32
	// Fact names the node activation. Empty means "PReLU".
	Fact string
	// Beta scales the residual branch of every block add. Zero means 1.
	Beta      float64
	ConvFlags ConvFlags
}

func (c *UrrdbConfig) defaults() {
	if c.Fact == "" {
		c.Fact = "PReLU"
	}
	if c.Beta == 0 {
		c.Beta = 1
	}
}

// UrrdbNodeLayer forks its input and concatenates it behind a conv, batch
// norm and activation, growing depth by FC.
type UrrdbNodeLayer struct {
	composite
	fc   uint32
	fact string
}

// NewUrrdbNodeLayer builds one dense node.
func NewUrrdbNodeLayer(a *Arch, dimX tensor.Dim, fc uint32, fact string, flags ConvFlags) (*UrrdbNodeLayer, error) {
	if fc == 0 {
		return nil, fmt.Errorf("%w: urrdb node fc=0", ErrInvalidConfig)
	}
	b := newBuilder("urrdb_node", dimX)
	fork := stage(b, func(d tensor.Dim) (*SkipLayer, error) { return NewSkipFork(a, d) })
	stage(b, func(d tensor.Dim) (*CoderLayer, error) {
		return NewCoderLayer(a, CoderConfig{DimX: d, FC: fc, Filter: 3, ConvFlags: flags, Norm: true, Fact: fact, Cat: CatSlot(fork)})
	})
	seq, err := b.finish()
	if err != nil {
		return nil, err
	}
	return &UrrdbNodeLayer{composite: composite{kind: "urrdb_node", children: seq}, fc: fc, fact: fact}, nil
}

// UrrdbBlockLayer runs dense nodes behind an entry fork and adds the entry
// back after a 1x1 conv to FC channels.
type UrrdbBlockLayer struct {
	composite
	nodes uint32
}

// NewUrrdbBlockLayer builds one block. dimX.Depth must equal cfg.FC.
func NewUrrdbBlockLayer(a *Arch, dimX tensor.Dim, cfg UrrdbConfig) (*UrrdbBlockLayer, error) {
	cfg.defaults()
	if cfg.Nodes == 0 {
		return nil, fmt.Errorf("%w: urrdb block without nodes", ErrInvalidConfig)
	}
	b := newBuilder("urrdb_block", dimX)
	entry := stage(b, func(d tensor.Dim) (*SkipLayer, error) { return NewSkipFork(a, d) })
	for i := uint32(0); i < cfg.Nodes; i++ {
		stage(b, func(d tensor.Dim) (*UrrdbNodeLayer, error) {
			return NewUrrdbNodeLayer(a, d, cfg.FC, cfg.Fact, cfg.ConvFlags)
		})
	}
	stage(b, func(d tensor.Dim) (*CoderLayer, error) {
		return NewCoderLayer(a, CoderConfig{DimX: d, FC: cfg.FC, Filter: 1, ConvFlags: cfg.ConvFlags, Add: AddSlot(entry, cfg.Beta)})
	})
	seq, err := b.finish()
	if err != nil {
		return nil, err
	}
	return &UrrdbBlockLayer{composite: composite{kind: "urrdb_block", children: seq}, nodes: cfg.Nodes}, nil
}

// UrrdbLayer is a head conv, an outer fork, a chain of blocks and a tail
// conv added back onto the outer fork.
type UrrdbLayer struct {
	composite
	cfg UrrdbConfig
}

// NewUrrdbLayer builds the full stack.
func NewUrrdbLayer(a *Arch, cfg UrrdbConfig) (*UrrdbLayer, error) {
	cfg.defaults()
	if cfg.FC == 0 || cfg.Blocks == 0 {
		return nil, fmt.Errorf("%w: urrdb fc=%d blocks=%d", ErrInvalidConfig, cfg.FC, cfg.Blocks)
	}
	b := newBuilder("urrdb", cfg.DimX)
	stage(b, func(d tensor.Dim) (*CoderLayer, error) {
		return NewCoderLayer(a, CoderConfig{DimX: d, FC: cfg.FC, Filter: 3, ConvFlags: cfg.ConvFlags})
	})
	outer := stage(b, func(d tensor.Dim) (*SkipLayer, error) { return NewSkipFork(a, d) })
	for i := uint32(0); i < cfg.Blocks; i++ {
		stage(b, func(d tensor.Dim) (*UrrdbBlockLayer, error) { return NewUrrdbBlockLayer(a, d, cfg) })
	}
	stage(b, func(d tensor.Dim) (*CoderLayer, error) {
		return NewCoderLayer(a, CoderConfig{DimX: d, FC: cfg.FC, Filter: 3, ConvFlags: cfg.ConvFlags, Add: AddSlot(outer, 1)})
	})
	seq, err := b.finish()
	if err != nil {
		return nil, err
	}
	return &UrrdbLayer{composite: composite{kind: "urrdb", children: seq}, cfg: cfg}, nil
}

// Config returns the construction parameters.
func (l *UrrdbLayer) Config() UrrdbConfig { return l.cfg }

type urrdbNodeDoc struct {
	DimX   tensor.Dim `json:"dim_x"`
	FC     uint32     `json:"fc"`
	Fact   string     `json:"fact"`
	Layers []LayerDoc `json:"layers"`
}

func (l *UrrdbNodeLayer) export() (any, error) {
	layers, err := l.exportChildren()
	if err != nil {
		return nil, err
	}
	return urrdbNodeDoc{DimX: l.DimX(), FC: l.fc, Fact: l.fact, Layers: layers}, nil
}

func importUrrdbNode(a *Arch, doc urrdbNodeDoc) (*UrrdbNodeLayer, error) {
	if len(doc.Layers) != 2 {
		return nil, fmt.Errorf("%w: urrdb node has %d stages", ErrImport, len(doc.Layers))
	}
	seq, err := importChildren(a, "urrdb_node", doc.DimX, doc.Layers)
	if err != nil {
		return nil, err
	}
	return &UrrdbNodeLayer{composite: composite{kind: "urrdb_node", children: seq}, fc: doc.FC, fact: doc.Fact}, nil
}

type urrdbBlockDoc struct {
	DimX   tensor.Dim `json:"dim_x"`
	Nodes  uint32     `json:"nodes"`
	Layers []LayerDoc `json:"layers"`
}

func (l *UrrdbBlockLayer) export() (any, error) {
	layers, err := l.exportChildren()
	if err != nil {
		return nil, err
	}
	return urrdbBlockDoc{DimX: l.DimX(), Nodes: l.nodes, Layers: layers}, nil
}

func importUrrdbBlock(a *Arch, doc urrdbBlockDoc) (*UrrdbBlockLayer, error) {
	if len(doc.Layers) != int(doc.Nodes)+2 {
		return nil, fmt.Errorf("%w: urrdb block with %d nodes has %d stages", ErrImport, doc.Nodes, len(doc.Layers))
	}
	seq, err := importChildren(a, "urrdb_block", doc.DimX, doc.Layers)
	if err != nil {
		return nil, err
	}
	return &UrrdbBlockLayer{composite: composite{kind: "urrdb_block", children: seq}, nodes: doc.Nodes}, nil
}

type urrdbDoc struct {
	DimX      tensor.Dim `json:"dim_x"`
	FC        uint32     `json:"fc"`
	Blocks    uint32     `json:"blocks"`
	Nodes     uint32     `json:"nodes"`
	Fact      string     `json:"fact"`
	Beta      float64    `json:"beta"`
	ConvFlags ConvFlags  `json:"conv_flags"`
	Layers    []LayerDoc `json:"layers"`
}

func (l *UrrdbLayer) export() (any, error) {
	layers, err := l.exportChildren()
	if err != nil {
		return nil, err
	}
	c := l.cfg
	return urrdbDoc{
		DimX:      c.DimX,
		FC:        c.FC,
		Blocks:    c.Blocks,
		Nodes:     c.Nodes,
		Fact:      c.Fact,
		Beta:      c.Beta,
		ConvFlags: c.ConvFlags,
		Layers:    layers,
	}, nil
}

func importUrrdb(a *Arch, doc urrdbDoc) (*UrrdbLayer, error) {
	if len(doc.Layers) != int(doc.Blocks)+3 {
		return nil, fmt.Errorf("%w: urrdb with %d blocks has %d stages", ErrImport, doc.Blocks, len(doc.Layers))
	}
	seq, err := importChildren(a, "urrdb", doc.DimX, doc.Layers)
	if err != nil {
		return nil, err
	}
	cfg := UrrdbConfig{
		DimX:      doc.DimX,
		FC:        doc.FC,
		Blocks:    doc.Blocks,
		Nodes:     doc.Nodes,
		Fact:      doc.Fact,
		Beta:      doc.Beta,
		ConvFlags: doc.ConvFlags,
	}
	return &UrrdbLayer{composite: composite{kind: "urrdb", children: seq}, cfg: cfg}, nil
}
