package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

func TestConvDimY(t *testing.T) {
	tests := []struct {
		name   string
		dimX   tensor.Dim
		dimW   tensor.Dim
		stride uint32
		flags  ConvFlags
		want   tensor.Dim
		err    error
	}{
		{"valid", dim(1, 8, 8, 3), dim(4, 3, 3, 3), 1, 0, dim(1, 6, 6, 4), nil},
		{"stride", dim(2, 8, 9, 3), dim(4, 3, 3, 3), 2, 0, dim(2, 3, 4, 4), nil},
		{"rectangular filter", dim(1, 6, 6, 1), dim(1, 1, 3, 1), 1, 0, dim(1, 6, 4, 1), nil},
		{"transpose", dim(1, 4, 4, 3), dim(2, 2, 2, 3), 2, ConvTranspose, dim(1, 8, 8, 2), nil},
		{"transpose 3x3", dim(1, 5, 5, 1), dim(1, 3, 3, 1), 1, ConvTranspose, dim(1, 7, 7, 1), nil},
		{"pad same", dim(1, 8, 8, 3), dim(4, 3, 3, 3), 1, ConvPadSame, tensor.Dim{}, ErrPadSame},
		{"depth", dim(1, 8, 8, 3), dim(4, 3, 3, 2), 1, 0, tensor.Dim{}, ErrDimMismatch},
		{"filter too large", dim(1, 2, 2, 1), dim(1, 3, 3, 1), 1, 0, tensor.Dim{}, ErrDimMismatch},
		{"zero stride", dim(1, 4, 4, 1), dim(1, 3, 3, 1), 0, 0, tensor.Dim{}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConvDimY(tt.dimX, tt.dimW, tt.stride, tt.flags)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvPadSameRejected(t *testing.T) {
	a := newTestArch(t)
	_, err := NewConvLayer(a, dim(1, 8, 8, 1), dim(1, 3, 3, 1), 1, ConvPadSame)
	assert.ErrorIs(t, err, ErrPadSame)
}

// TestShapes checks the output shape of every kind and that a backward
// pass returns a gradient shaped like the input.
func TestShapes(t *testing.T) {
	tests := []struct {
		name  string
		dimX  tensor.Dim
		want  tensor.Dim
		build func(a *Arch, d tensor.Dim) (Layer, error)
	}{
		{"conv", dim(2, 8, 8, 3), dim(2, 6, 6, 4), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewConvLayer(a, d, dim(4, 3, 3, 3), 1, 0)
		}},
		{"batchnorm", dim(2, 3, 3, 2), dim(2, 3, 3, 2), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewBatchNormLayer(a, d)
		}},
		{"fact", dim(2, 3, 3, 2), dim(2, 3, 3, 2), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewFactLayer(a, d, "PReLU")
		}},
		{"max pool", dim(2, 8, 6, 2), dim(2, 4, 2, 2), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewPoolingLayer(a, d, 2, 3, PoolMax)
		}},
		{"pool remainder", dim(1, 5, 5, 1), dim(1, 2, 2, 1), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewPoolingLayer(a, d, 2, 2, PoolAvg)
		}},
		{"weight", dim(2, 3, 3, 2), dim(2, 1, 1, 5), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewWeightLayer(a, d, 5, WeightClip)
		}},
		{"lanczos", dim(2, 8, 8, 1), dim(2, 4, 4, 1), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewLanczosLayer(a, d, dim(0, 4, 4, 0), DefaultLanczosSupport)
		}},
		{"coder", dim(2, 10, 10, 1), dim(2, 4, 4, 4), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewCoderLayer(a, CoderConfig{DimX: d, FC: 4, Norm: true, Fact: "ReLU", Op: OpConvDown})
		}},
		{"coder lanczos up", dim(2, 5, 5, 2), dim(2, 6, 6, 3), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewCoderLayer(a, CoderConfig{DimX: d, FC: 3, Fact: "tanh", Op: OpLanczosUp})
		}},
		{"coder transpose up", dim(2, 4, 4, 2), dim(2, 8, 8, 1), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewCoderLayer(a, CoderConfig{DimX: d, Op: OpConvUp, OpFC: 1})
		}},
		{"encdec", dim(2, 28, 28, 1), dim(2, 20, 20, 3), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewEncDecLayer(a, EncDecConfig{DimX: d, Levels: 1, FC: 2, OutDepth: 3})
		}},
		{"urrdb", dim(2, 16, 16, 1), dim(2, 8, 8, 2), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewUrrdbLayer(a, UrrdbConfig{DimX: d, FC: 2, Blocks: 1, Nodes: 2})
		}},
		{"urrdb node", dim(2, 6, 6, 3), dim(2, 4, 4, 5), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewUrrdbNodeLayer(a, d, 2, "PReLU", 0)
		}},
		{"res", dim(2, 10, 10, 3), dim(2, 6, 6, 3), func(a *Arch, d tensor.Dim) (Layer, error) {
			return NewResLayer(a, ResConfig{DimX: d})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestArch(t)
			l, err := tt.build(a, tt.dimX)
			require.NoError(t, err)
			attach(t, a, l)
			assert.Equal(t, tt.want, l.DimY())

			rng := rand.New(rand.NewSource(1))
			X := computeFrom(t, a, tt.dimX, randValues(rng, tt.dimX.Elements()))
			Y, err := a.ForwardPass(0, tt.dimX.Count, X)
			require.NoError(t, err)
			assert.Equal(t, tt.want, Y.Dim())

			dLdY := computeFrom(t, a, tt.want, randValues(rng, tt.want.Elements()))
			dLdX, err := a.Backprop(0, tt.dimX.Count, dLdY)
			require.NoError(t, err)
			assert.Equal(t, tt.dimX, dLdX.Dim())
		})
	}
}

func TestEncDecLevels(t *testing.T) {
	a := newTestArch(t)
	l, err := NewEncDecLayer(a, EncDecConfig{DimX: dim(1, 64, 64, 1), Levels: 2, FC: 2, OutDepth: 1})
	require.NoError(t, err)
	assert.Equal(t, dim(1, 42, 42, 1), l.DimY())

	// two encoders, the middle coder, two decoders and the output conv
	kids := l.Children()
	require.Len(t, kids, 6)
	var heights []uint32
	for _, k := range kids {
		heights = append(heights, k.DimY().Height)
	}
	assert.Equal(t, []uint32{31, 14, 24, 44, 42, 42}, heights)
	assert.Equal(t, uint32(2), kids[3].DimY().Depth)
	assert.Equal(t, uint32(4), kids[4].DimY().Depth)
}

func TestBatchSizeChecked(t *testing.T) {
	a := newTestArch(t)
	l, err := NewFactLayer(a, dim(2, 2, 2, 1), "tanh")
	require.NoError(t, err)
	attach(t, a, l)
	X := computeFrom(t, a, l.DimX(), make([]float64, 8))

	_, err = a.ForwardPass(0, 0, X)
	assert.ErrorIs(t, err, ErrBatchSize)
	_, err = a.ForwardPass(0, 3, X)
	assert.ErrorIs(t, err, ErrBatchSize)
	_, err = a.ForwardPass(0, 1, X)
	assert.NoError(t, err)
}
