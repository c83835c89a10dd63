package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(ls []Layer) []string {
	var out []string
	for _, l := range ls {
		out = append(out, l.Kind())
	}
	return out
}

func TestCoderStageOrder(t *testing.T) {
	a := newTestArch(t)
	outer, err := NewSkipFork(a, dim(2, 8, 8, 2))
	require.NoError(t, err)
	require.NoError(t, a.AttachLayer(outer))

	c, err := NewCoderLayer(a, CoderConfig{
		DimX: dim(2, 8, 8, 2),
		FC:   2,
		Add:  AddSlot(outer, 0),
		Norm: true,
		Fact: "ReLU",
		Cat:  ForkSlot(),
		Op:   OpLanczosDown,
	})
	require.NoError(t, err)
	attach(t, a, c)

	assert.Equal(t, []string{"conv", "skip", "batchnorm", "fact", "skip", "lanczos"}, kinds(c.Children()))
	assert.NotNil(t, c.Conv())
	assert.NotNil(t, c.Norm())
	assert.Nil(t, c.AddFork())
	require.NotNil(t, c.CatFork())
	assert.Same(t, c.Children()[1], outer.Consumer())
	assert.Equal(t, 1.0, outer.Consumer().Beta())
	assert.Equal(t, dim(2, 3, 3, 2), c.DimY())
}

func TestCoderDefaults(t *testing.T) {
	a := newTestArch(t)
	c, err := NewCoderLayer(a, CoderConfig{DimX: dim(1, 7, 7, 1), FC: 4})
	require.NoError(t, err)
	defer c.Release()
	assert.Equal(t, dim(4, 3, 3, 1), c.Conv().DimW())
	assert.Equal(t, []string{"conv"}, kinds(c.Children()))

	c2, err := NewCoderLayer(a, CoderConfig{DimX: dim(1, 8, 8, 3), Op: OpConvDown})
	require.NoError(t, err)
	defer c2.Release()
	assert.Equal(t, dim(1, 4, 4, 3), c2.DimY())
}

func TestCoderInvalid(t *testing.T) {
	a := newTestArch(t)
	fork, err := NewSkipFork(a, dim(1, 6, 6, 1))
	require.NoError(t, err)
	defer fork.Release()

	tests := []struct {
		name string
		cfg  CoderConfig
	}{
		{"empty", CoderConfig{DimX: dim(1, 6, 6, 1)}},
		{"cat in add slot", CoderConfig{DimX: dim(1, 6, 6, 1), Add: CatSlot(fork)}},
		{"add in cat slot", CoderConfig{DimX: dim(1, 6, 6, 1), Cat: AddSlot(fork, 1)}},
		{"unknown op", CoderConfig{DimX: dim(1, 6, 6, 1), Op: CoderOp(42)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCoderLayer(a, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, fork.Consumer())
		})
	}
}

// A failure part way through a composite releases every stage, so the
// forks it created are unregistered again.
func TestCompositeFailureReleasesForks(t *testing.T) {
	tests := []struct {
		name  string
		build func(a *Arch) error
	}{
		{"coder", func(a *Arch) error {
			_, err := NewCoderLayer(a, CoderConfig{DimX: dim(1, 4, 4, 1), FC: 1, Cat: ForkSlot(), Filter: 4, Op: OpConvDown})
			return err
		}},
		{"encdec too deep", func(a *Arch) error {
			_, err := NewEncDecLayer(a, EncDecConfig{DimX: dim(1, 20, 20, 1), Levels: 3, FC: 2, OutDepth: 1})
			return err
		}},
		{"urrdb too small", func(a *Arch) error {
			_, err := NewUrrdbLayer(a, UrrdbConfig{DimX: dim(1, 7, 7, 1), FC: 2, Blocks: 2, Nodes: 2})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestArch(t)
			assert.ErrorIs(t, tt.build(a), ErrDimMismatch)
			assert.Empty(t, a.forks)
		})
	}
}

func TestCompositeChildren(t *testing.T) {
	a := newTestArch(t)
	u, err := NewUrrdbLayer(a, UrrdbConfig{DimX: dim(1, 12, 12, 1), FC: 2, Blocks: 2, Nodes: 1})
	require.NoError(t, err)
	defer u.Release()
	assert.Equal(t, []string{"coder", "skip", "urrdb_block", "urrdb_block", "coder"}, kinds(u.Children()))
	assert.Equal(t, UrrdbConfig{DimX: dim(1, 12, 12, 1), FC: 2, Blocks: 2, Nodes: 1, Fact: "PReLU", Beta: 1}, u.Config())

	block := u.Children()[2].(*UrrdbBlockLayer)
	assert.Equal(t, []string{"skip", "urrdb_node", "coder"}, kinds(block.Children()))
	node := block.Children()[1].(*UrrdbNodeLayer)
	assert.Equal(t, []string{"skip", "coder"}, kinds(node.Children()))

	r, err := NewResLayer(a, ResConfig{DimX: dim(1, 6, 6, 2)})
	require.NoError(t, err)
	defer r.Release()
	assert.Equal(t, []string{"skip", "coder", "coder"}, kinds(r.Children()))
	assert.Equal(t, ResConfig{DimX: dim(1, 6, 6, 2), Fact: "ReLU", Beta: 1}, r.Config())
}
