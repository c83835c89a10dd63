// Package nnengine re-exports the engine, layer and training constructors
// for use outside this module.
package nnengine

import (
	"fmt"
	"os"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/net"
	"github.com/FlavioCFOliveira/nnengine/internal/nn"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

type (
	Engine       = engine.Engine
	EngineConfig = engine.Config
	Arch         = nn.Arch
	Layer        = nn.Layer
	Flags        = nn.Flags
	State        = opt.State
	Loss         = loss.Loss
	Dim          = tensor.Dim
	Tensor       = tensor.Tensor

	Trainer  = net.Trainer
	Sampler  = net.Sampler
	Callback = net.Callback
	Dataset  = net.Dataset
)

// Optimizers
const (
	Nesterov = opt.Nesterov
	Adam     = opt.Adam
	SGD      = opt.SGD
)

// Pass flags
const (
	NoUpdate         = nn.FlagNoUpdate
	BatchNormRunning = nn.FlagBatchNormRunning
)

// Losses
var (
	MSE = loss.MSE{}
	MAE = loss.MAE{}
	BCE = loss.BCE{}
)

// Errors
var (
	ErrDimMismatch  = nn.ErrDimMismatch
	ErrBatchSize    = nn.ErrBatchSize
	ErrPadSame      = nn.ErrPadSame
	ErrForkConsumed = nn.ErrForkConsumed
	ErrImport       = nn.ErrImport
	ErrNoLoss       = nn.ErrNoLoss
)

// Engine and arch

func DefaultEngineConfig() EngineConfig { return engine.DefaultConfig() }

// NewCPUEngine returns an engine on the CPU reference device.
func NewCPUEngine(cfg EngineConfig) *Engine { return engine.NewCPU(cfg) }

func DefaultState() State { return opt.DefaultState() }

func NewArch(e *Engine, state State, seed int64) (*Arch, error) {
	return nn.New(e, state, nn.Config{Seed: seed})
}

// Load imports a snapshot file.
func Load(e *Engine, filename string) (*Arch, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return nn.Import(e, f)
}

// Save exports a snapshot file.
func Save(a *Arch, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := a.Export(f); err != nil {
		f.Close()
		return fmt.Errorf("save %s: %w", filename, err)
	}
	return f.Close()
}

// Tensors

func NewIO(d Dim) (*Tensor, error)                     { return tensor.NewIO(d) }
func NewIOFrom(d Dim, data []float64) (*Tensor, error) { return tensor.NewIOFrom(d, data) }

// Layers

func Conv(a *Arch, dimX, dimW Dim, stride uint32, flags nn.ConvFlags) (*nn.ConvLayer, error) {
	return nn.NewConvLayer(a, dimX, dimW, stride, flags)
}

func Dense(a *Arch, dimX Dim, outputs uint32, flags nn.WeightFlags) (*nn.WeightLayer, error) {
	return nn.NewWeightLayer(a, dimX, outputs, flags)
}

func BatchNorm(a *Arch, dimX Dim) (*nn.BatchNormLayer, error) {
	return nn.NewBatchNormLayer(a, dimX)
}

// Activation builds an activation layer by name, e.g. "ReLU" or "tanh".
func Activation(a *Arch, dimX Dim, name string) (*nn.FactLayer, error) {
	return nn.NewFactLayer(a, dimX, name)
}

func MaxPool(a *Arch, dimX Dim, sh, sw uint32) (*nn.PoolingLayer, error) {
	return nn.NewPoolingLayer(a, dimX, sh, sw, nn.PoolMax)
}

func AvgPool(a *Arch, dimX Dim, sh, sw uint32) (*nn.PoolingLayer, error) {
	return nn.NewPoolingLayer(a, dimX, sh, sw, nn.PoolAvg)
}

func Lanczos(a *Arch, dimX, dimY Dim, support uint32) (*nn.LanczosLayer, error) {
	return nn.NewLanczosLayer(a, dimX, dimY, support)
}

func Fork(a *Arch, dimX Dim) (*nn.SkipLayer, error) {
	return nn.NewSkipFork(a, dimX)
}

func Add(a *Arch, dimX Dim, fork *nn.SkipLayer, beta float64) (*nn.SkipLayer, error) {
	return nn.NewSkipAdd(a, dimX, fork, beta)
}

func Cat(a *Arch, dimX Dim, fork *nn.SkipLayer) (*nn.SkipLayer, error) {
	return nn.NewSkipCat(a, dimX, fork)
}

func Coder(a *Arch, cfg nn.CoderConfig) (*nn.CoderLayer, error)    { return nn.NewCoderLayer(a, cfg) }
func EncDec(a *Arch, cfg nn.EncDecConfig) (*nn.EncDecLayer, error) { return nn.NewEncDecLayer(a, cfg) }
func Urrdb(a *Arch, cfg nn.UrrdbConfig) (*nn.UrrdbLayer, error)    { return nn.NewUrrdbLayer(a, cfg) }
func Res(a *Arch, cfg nn.ResConfig) (*nn.ResLayer, error)          { return nn.NewResLayer(a, cfg) }

// Sequential attaches layers in order and then the loss, if not nil.
func Sequential(a *Arch, l Loss, layers ...Layer) error {
	for i, layer := range layers {
		if err := a.AttachLayer(layer); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if l == nil {
		return nil
	}
	return a.AttachLoss(l)
}

// Training

func SliceSampler(X, Y *Tensor) Sampler { return net.SliceSampler{X: X, Y: Y} }

func LoadCSV(filename string, labelCols []int, hasHeader bool) (*Dataset, error) {
	return net.LoadCSV(filename, labelCols, hasHeader)
}

// Callbacks

func Logger(interval int) Callback { return net.Logger{Interval: interval} }

func CSVLogger(filename string, append bool) *net.CSVLogger {
	return net.NewCSVLogger(filename, append)
}

func ModelCheckpoint(filename string) *net.ModelCheckpoint {
	return net.NewModelCheckpoint(filename)
}

func EarlyStopping(patience int, threshold float64) *net.EarlyStopping {
	return net.NewEarlyStopping(patience, threshold)
}

func StepLR(stepSize int, gamma float64) *net.SchedulerCallback {
	return net.NewSchedulerCallback(func(s *opt.State) opt.Scheduler { return opt.NewStepLR(s, stepSize, gamma) })
}

func ReduceLROnPlateau(factor float64, patience int, threshold, minLR float64) *net.SchedulerCallback {
	return net.NewSchedulerCallback(func(s *opt.State) opt.Scheduler {
		return opt.NewReduceLROnPlateau(s, factor, patience, threshold, minLR)
	})
}
