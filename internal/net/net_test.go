package net

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/nnengine/internal/nn"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

func TestFitReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X, Y := linearData(t, rng, 16)
	tr := &Trainer{
		Arch:    newLinear(t, sgd(0.1), 4),
		Sampler: SliceSampler{X: X, Y: Y},
	}
	history, err := tr.Fit(context.Background(), 20, 4, 4)
	require.NoError(t, err)
	require.Len(t, history, 20)
	assert.Less(t, history[19], history[0]/10)
}

func TestFitValidates(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X, Y := linearData(t, rng, 4)
	s := SliceSampler{X: X, Y: Y}

	_, err := (&Trainer{Arch: newLinear(t, sgd(0.1), 4)}).Fit(context.Background(), 1, 1, 4)
	assert.Error(t, err)

	bare := newArch(t, sgd(0.1))
	w, err := nn.NewWeightLayer(bare, dim(4, 1, 1, 2), 1, 0)
	require.NoError(t, err)
	require.NoError(t, bare.AttachLayer(w))
	_, err = (&Trainer{Arch: bare, Sampler: s}).Fit(context.Background(), 1, 1, 4)
	assert.ErrorIs(t, err, nn.ErrNoLoss)

	_, err = (&Trainer{Arch: newLinear(t, sgd(0.1), 4), Sampler: s}).Fit(context.Background(), 0, 1, 4)
	assert.Error(t, err)
}

func TestFitCancelled(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X, Y := linearData(t, rng, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	end := &counter{}
	tr := &Trainer{
		Arch:      newLinear(t, sgd(0.1), 4),
		Sampler:   SliceSampler{X: X, Y: Y},
		Callbacks: []Callback{end},
	}
	history, err := tr.Fit(ctx, 3, 3, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, history)
	assert.Equal(t, 0, end.batches)
	assert.Equal(t, 1, end.ends)
}

func TestFitSamplerError(t *testing.T) {
	boom := errors.New("boom")
	tr := &Trainer{
		Arch: newLinear(t, sgd(0.1), 4),
		Sampler: SamplerFunc(func(int, uint32, *tensor.Tensor, *tensor.Tensor) error {
			return boom
		}),
	}
	_, err := tr.Fit(context.Background(), 1, 1, 4)
	assert.ErrorIs(t, err, boom)
}

type counter struct {
	BaseCallback
	batches, epochs, ends int
	steps                 []int
}

func (c *counter) OnBatchEnd(step int, loss float64, t *Trainer) {
	c.batches++
	c.steps = append(c.steps, step)
}

func (c *counter) OnEpochEnd(epoch int, loss float64, t *Trainer) { c.epochs++ }
func (c *counter) OnTrainEnd(t *Trainer)                          { c.ends++ }

func TestFitCallbackOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X, Y := linearData(t, rng, 8)
	c := &counter{}
	tr := &Trainer{
		Arch:      newLinear(t, sgd(0.1), 4),
		Sampler:   SliceSampler{X: X, Y: Y},
		Callbacks: []Callback{c},
	}
	_, err := tr.Fit(context.Background(), 2, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 6, c.batches)
	assert.Equal(t, 2, c.epochs)
	assert.Equal(t, 1, c.ends)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, c.steps)
}

func TestEvaluateMatchesFrozenStep(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	X, Y := linearData(t, rng, 4)
	a := newLinear(t, sgd(0.1), 4)
	tr := &Trainer{Arch: a, Sampler: SliceSampler{X: X, Y: Y}}

	got, err := tr.Evaluate(SliceSampler{X: X, Y: Y}, 1, 4)
	require.NoError(t, err)
	again, err := tr.Evaluate(SliceSampler{X: X, Y: Y}, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	frozen, err := a.TrainFlags(nn.FlagNoUpdate, 4, X, Y)
	require.NoError(t, err)
	assert.InDelta(t, frozen, got, 1e-12)

	_, err = tr.Evaluate(SliceSampler{X: X, Y: Y}, 0, 4)
	assert.Error(t, err)
}

func TestEarlyStopping(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	X, Y := linearData(t, rng, 8)
	stop := NewEarlyStopping(2, 1e-9)
	tr := &Trainer{
		// lr 0 repeats the same epoch loss
		Arch:      newLinear(t, sgd(0), 4),
		Sampler:   SliceSampler{X: X, Y: Y},
		Callbacks: []Callback{stop},
	}
	history, err := tr.Fit(context.Background(), 10, 2, 4)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.True(t, stop.Stop())

	// a new run resets the counter
	history, err = tr.Fit(context.Background(), 10, 2, 4)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestSummary(t *testing.T) {
	a := newArch(t, opt.DefaultState())
	conv, err := nn.NewConvLayer(a, dim(2, 6, 6, 1), dim(2, 3, 3, 1), 1, 0)
	require.NoError(t, err)
	fact, err := nn.NewFactLayer(a, conv.DimY(), "tanh")
	require.NoError(t, err)
	w, err := nn.NewWeightLayer(a, fact.DimY(), 3, 0)
	require.NoError(t, err)
	for _, l := range []nn.Layer{conv, fact, w} {
		require.NoError(t, a.AttachLayer(l))
	}

	assert.Equal(t, 20, Params(conv))
	assert.Equal(t, 0, Params(fact))
	assert.Equal(t, 99, Params(w))

	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, a))
	out := buf.String()
	assert.Contains(t, out, "conv_0")
	assert.Contains(t, out, "(2, 4, 4, 2)")
	assert.Contains(t, out, "weight_2")
	assert.Contains(t, out, "Total params: 119")
	assert.NotContains(t, out, "Loss:")
}

func TestSummaryComposite(t *testing.T) {
	a := newArch(t, opt.DefaultState())
	res, err := nn.NewResLayer(a, nn.ResConfig{DimX: dim(1, 8, 8, 2)})
	require.NoError(t, err)
	require.NoError(t, a.AttachLayer(res))

	var sum int
	for _, c := range res.Children() {
		sum += Params(c)
	}
	assert.Equal(t, sum, Params(res))
	assert.Positive(t, sum)

	var buf bytes.Buffer
	require.NoError(t, Summary(&buf, a))
	assert.Contains(t, buf.String(), "res_0")
	assert.Contains(t, buf.String(), "  conv_")
}
