package nn

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// CoderOp is the optional resampling stage that ends a coder.
type CoderOp int

const (
	OpNone CoderOp = iota
	// OpConvDown is a 2x2 convolution with stride 2.
	OpConvDown
	// OpConvUp is a 2x2 transposed convolution with stride 2.
	OpConvUp
	// OpLanczosDown halves height and width with a Lanczos resampler.
	OpLanczosDown
	// OpLanczosUp doubles height and width with a Lanczos resampler.
	OpLanczosUp
)

// SkipSlot configures one skip position of a coder. Mode SkipFork creates
// a new fork at that position; SkipAdd and SkipCat consume Fork.
type SkipSlot struct {
	Mode SkipMode
	Fork *SkipLayer
	// Beta scales the sequential input of an add. Zero means 1.
	Beta float64
}

// ForkSlot returns a slot that creates a fork.
func ForkSlot() *SkipSlot { return &SkipSlot{Mode: SkipFork} }

// AddSlot returns a slot that adds the output of fork.
func AddSlot(fork *SkipLayer, beta float64) *SkipSlot {
	return &SkipSlot{Mode: SkipAdd, Fork: fork, Beta: beta}
}

// CatSlot returns a slot that concatenates the output of fork.
func CatSlot(fork *SkipLayer) *SkipSlot { return &SkipSlot{Mode: SkipCat, Fork: fork} }

// CoderConfig selects the stages of a CoderLayer. Zero values disable a
// stage.
type CoderConfig struct {
	DimX tensor.Dim

	// FC is the number of conv filters; zero disables the conv.
	FC uint32
	// Filter is the square conv filter size. Zero means 3.
	Filter    uint32
	ConvFlags ConvFlags

	Add  *SkipSlot
	Norm bool
	// Fact names the activation; empty disables it.
	Fact string
	Cat  *SkipSlot

	Op CoderOp
	// OpFC is the output depth of a conv op. Zero keeps the input depth.
	OpFC uint32
}

const (
	roleConv = "conv"
	roleAdd  = "add"
	roleNorm = "norm"
	roleFact = "fact"
	roleCat  = "cat"
	roleOp   = "op"
)

var coderRoles = [...]string{roleConv, roleAdd, roleNorm, roleFact, roleCat, roleOp}

// CoderLayer runs conv, add skip, batch norm, activation, cat skip and a
// resampling op in that order, skipping absent stages. Backprop runs the
// exact reverse.
type CoderLayer struct {
	composite
	roles []string

	conv *ConvLayer
	add  *SkipLayer
	norm *BatchNormLayer
	fact *FactLayer
	cat  *SkipLayer
	op   Layer
}

// NewCoderLayer builds a coder. On failure every stage built so far is
// released.
func NewCoderLayer(a *Arch, cfg CoderConfig) (*CoderLayer, error) {
	c := &CoderLayer{composite: composite{kind: "coder"}}
	b := newBuilder("coder", cfg.DimX)

	if cfg.FC > 0 {
		f := cfg.Filter
		if f == 0 {
			f = 3
		}
		c.conv = stage(b, func(d tensor.Dim) (*ConvLayer, error) {
			return NewConvLayer(a, d, tensor.Dim{Count: cfg.FC, Height: f, Width: f, Depth: d.Depth}, 1, cfg.ConvFlags)
		})
		c.roles = append(c.roles, roleConv)
	}
	if cfg.Add != nil {
		c.add = stage(b, func(d tensor.Dim) (*SkipLayer, error) { return skipSlot(a, d, cfg.Add, SkipAdd) })
		c.roles = append(c.roles, roleAdd)
	}
	if cfg.Norm {
		c.norm = stage(b, func(d tensor.Dim) (*BatchNormLayer, error) { return NewBatchNormLayer(a, d) })
		c.roles = append(c.roles, roleNorm)
	}
	if cfg.Fact != "" {
		c.fact = stage(b, func(d tensor.Dim) (*FactLayer, error) { return NewFactLayer(a, d, cfg.Fact) })
		c.roles = append(c.roles, roleFact)
	}
	if cfg.Cat != nil {
		c.cat = stage(b, func(d tensor.Dim) (*SkipLayer, error) { return skipSlot(a, d, cfg.Cat, SkipCat) })
		c.roles = append(c.roles, roleCat)
	}
	if cfg.Op != OpNone {
		c.op = stage(b, func(d tensor.Dim) (Layer, error) { return coderOp(a, d, cfg) })
		c.roles = append(c.roles, roleOp)
	}

	seq, err := b.finish()
	if err != nil {
		return nil, err
	}
	c.children = seq
	return c, nil
}

func skipSlot(a *Arch, d tensor.Dim, s *SkipSlot, consumer SkipMode) (*SkipLayer, error) {
	switch s.Mode {
	case SkipFork:
		return NewSkipFork(a, d)
	case consumer:
		if consumer == SkipCat {
			return NewSkipCat(a, d, s.Fork)
		}
		beta := s.Beta
		if beta == 0 {
			beta = 1
		}
		return NewSkipAdd(a, d, s.Fork, beta)
	}
	return nil, fmt.Errorf("%w: %s in the %s slot", ErrInvalidConfig, s.Mode, consumer)
}

func coderOp(a *Arch, d tensor.Dim, cfg CoderConfig) (Layer, error) {
	fc := cfg.OpFC
	if fc == 0 {
		fc = d.Depth
	}
	dimW := tensor.Dim{Count: fc, Height: 2, Width: 2, Depth: d.Depth}
	flags := cfg.ConvFlags &^ ConvTranspose
	switch cfg.Op {
	case OpConvDown:
		return NewConvLayer(a, d, dimW, 2, flags)
	case OpConvUp:
		return NewConvLayer(a, d, dimW, 2, flags|ConvTranspose)
	case OpLanczosDown:
		return NewLanczosLayer(a, d, tensor.Dim{Height: d.Height / 2, Width: d.Width / 2}, DefaultLanczosSupport)
	case OpLanczosUp:
		return NewLanczosLayer(a, d, tensor.Dim{Height: 2 * d.Height, Width: 2 * d.Width}, DefaultLanczosSupport)
	}
	return nil, fmt.Errorf("%w: coder op %d", ErrInvalidConfig, int(cfg.Op))
}

// Conv returns the leading conv, or nil.
func (c *CoderLayer) Conv() *ConvLayer { return c.conv }

// Norm returns the batch norm stage, or nil.
func (c *CoderLayer) Norm() *BatchNormLayer { return c.norm }

// AddFork returns the fork created in the add slot, or nil.
func (c *CoderLayer) AddFork() *SkipLayer { return forkOrNil(c.add) }

// CatFork returns the fork created in the cat slot, or nil.
func (c *CoderLayer) CatFork() *SkipLayer { return forkOrNil(c.cat) }

func forkOrNil(s *SkipLayer) *SkipLayer {
	if s == nil || s.mode != SkipFork {
		return nil
	}
	return s
}

type coderDoc struct {
	DimX   tensor.Dim `json:"dim_x"`
	Roles  []string   `json:"roles"`
	Layers []LayerDoc `json:"layers"`
}

func (c *CoderLayer) export() (any, error) {
	layers, err := c.exportChildren()
	if err != nil {
		return nil, err
	}
	return coderDoc{DimX: c.DimX(), Roles: c.roles, Layers: layers}, nil
}

func importCoder(a *Arch, doc coderDoc) (*CoderLayer, error) {
	if len(doc.Roles) != len(doc.Layers) {
		return nil, fmt.Errorf("%w: coder has %d roles for %d layers", ErrImport, len(doc.Roles), len(doc.Layers))
	}
	seq, err := importChildren(a, "coder", doc.DimX, doc.Layers)
	if err != nil {
		return nil, err
	}
	c := &CoderLayer{composite: composite{kind: "coder", children: seq}, roles: doc.Roles}
	if err := c.assign(); err != nil {
		seq.release()
		return nil, err
	}
	return c, nil
}

// assign binds imported children to their stages, requiring the roles to
// follow the fixed stage order.
func (c *CoderLayer) assign() error {
	next := 0
	for i, role := range c.roles {
		for next < len(coderRoles) && coderRoles[next] != role {
			next++
		}
		if next == len(coderRoles) {
			return fmt.Errorf("%w: coder role %q out of order", ErrImport, role)
		}
		next++

		l := c.children[i]
		var ok bool
		switch role {
		case roleConv:
			c.conv, ok = l.(*ConvLayer)
		case roleAdd:
			c.add, ok = l.(*SkipLayer)
			ok = ok && c.add.mode != SkipCat
		case roleNorm:
			c.norm, ok = l.(*BatchNormLayer)
		case roleFact:
			c.fact, ok = l.(*FactLayer)
		case roleCat:
			c.cat, ok = l.(*SkipLayer)
			ok = ok && c.cat.mode != SkipAdd
		case roleOp:
			switch l.(type) {
			case *ConvLayer, *LanczosLayer:
				c.op, ok = l, true
			}
		}
		if !ok {
			return fmt.Errorf("%w: coder role %q holds %s", ErrImport, role, l.Kind())
		}
	}
	return nil
}
