// Command cnn-test trains a single 3x3 convolution to reproduce the
// horizontal Sobel filter on random images and reports whether the
// smoothed loss kept falling.
package main

import (
	"context"
	"flag"
	"image/png"
	"log"
	"math/rand"
	"os"
	"os/signal"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/net"
	"github.com/FlavioCFOliveira/nnengine/internal/nn"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

func main() {
	var (
		steps    = flag.Int("steps", 1000, "training steps")
		bs       = flag.Uint("bs", 16, "batch size")
		size     = flag.Uint("size", 64, "image height and width")
		lr       = flag.Float64("lr", 1e-5, "learning rate")
		seed     = flag.Int64("seed", 1, "weight and data seed")
		window   = flag.Int("window", 10, "moving average window")
		every    = flag.Int("log", 100, "log the loss every N steps")
		snapshot = flag.String("snapshot", "", "write the trained arch to this file")
		out      = flag.String("png", "", "write the first predicted edge map to this file")
	)
	flag.Parse()
	logger := log.New(os.Stderr, "cnn-test: ", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, logger, config{
		steps: *steps, bs: uint32(*bs), size: uint32(*size), lr: *lr, seed: *seed,
		window: *window, every: *every, snapshot: *snapshot, png: *out,
	}); err != nil {
		logger.Fatal(err)
	}
}

type config struct {
	steps         int
	bs, size      uint32
	lr            float64
	seed          int64
	window, every int
	snapshot, png string
}

func run(ctx context.Context, logger *log.Logger, cfg config) error {
	ecfg := engine.DefaultConfig()
	ecfg.Logger = logger
	e := engine.NewCPU(ecfg)
	defer e.Release()

	s := opt.DefaultState()
	s.LearningRate = cfg.lr
	s.Lambda = 0
	a, err := nn.New(e, s, nn.Config{Seed: cfg.seed})
	if err != nil {
		return err
	}
	defer a.Release()

	dimX := tensor.Dim{Count: cfg.bs, Height: cfg.size, Width: cfg.size, Depth: 1}
	conv, err := nn.NewConvLayer(a, dimX, tensor.Dim{Count: 1, Height: 3, Width: 3, Depth: 1}, 1, nn.ConvXavier)
	if err != nil {
		return err
	}
	if err := a.AttachLayer(conv); err != nil {
		conv.Release()
		return err
	}
	if err := a.AttachLoss(loss.MSE{}); err != nil {
		return err
	}

	X, Y, err := net.SobelPair(rand.New(rand.NewSource(cfg.seed)), cfg.bs, cfg.size, cfg.size)
	if err != nil {
		return err
	}
	avg := net.NewMovingAverage(cfg.window)
	tr := &net.Trainer{
		Arch:      a,
		Sampler:   net.SliceSampler{X: X, Y: Y},
		Callbacks: []net.Callback{avg, stepLogger{every: cfg.every}},
		Logger:    logger,
	}
	if _, err := tr.Fit(ctx, 1, cfg.steps, cfg.bs); err != nil {
		return err
	}

	w, err := tensor.Values(conv.Weights())
	if err != nil {
		return err
	}
	logger.Printf("learned filter: %.3f", w)
	if avgs := avg.Averages(); len(avgs) > 0 {
		logger.Printf("moving average %.6g -> %.6g, non-increasing: %v", avgs[0], avgs[len(avgs)-1], avg.NonIncreasing(0))
	}

	if cfg.snapshot != "" {
		if err := writeSnapshot(a, cfg.snapshot); err != nil {
			return err
		}
		logger.Printf("snapshot written to %s", cfg.snapshot)
	}
	if cfg.png != "" {
		if err := writeEdges(a, X, cfg.png); err != nil {
			return err
		}
		logger.Printf("edge map written to %s", cfg.png)
	}
	return nil
}

// stepLogger logs the loss of every Nth step.
type stepLogger struct {
	net.BaseCallback
	every int
}

func (l stepLogger) OnBatchEnd(step int, loss float64, t *net.Trainer) {
	if l.every > 0 && step%l.every == 0 {
		t.Logf("step %d: loss %.6g", step, loss)
	}
}

func writeSnapshot(a *nn.Arch, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := a.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeEdges(a *nn.Arch, X *tensor.Tensor, path string) error {
	Y, err := tensor.NewIO(a.DimY())
	if err != nil {
		return err
	}
	if err := a.Predict(a.DimX().Count, X, Y); err != nil {
		return err
	}
	img, err := Y.Image(0, 0, 1, -4, 4)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
