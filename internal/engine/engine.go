// Package engine owns the compute device together with the pipelines,
// uniform set factories and structural resource cache shared by every
// layer of a training run.
package engine

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/FlavioCFOliveira/nnengine/internal/compute"
)

// Config configures an Engine.
type Config struct {
	// Workers and MinChunk size the CPU device. Ignored by New.
	Workers  int
	MinChunk int
	// FlushInterval flushes the device every N dispatches. Zero disables
	// periodic flushing; End always flushes.
	FlushInterval int
	// Logger receives engine diagnostics. Nil discards them.
	Logger *log.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{FlushInterval: 1024}
}

// Key identifies a cached resource by its structural parameters.
type Key struct {
	Kind       string
	A, B, C, D uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s(%d,%d,%d,%d)", k.Kind, k.A, k.B, k.C, k.D)
}

// Resource is an engine-cached object released at engine teardown.
type Resource interface {
	Release()
}

// Bundle is a cached group of buffers with an optional uniform set
// referencing them.
type Bundle struct {
	Buffers []*compute.Buffer
	Set     *compute.UniformSet
}

// Release releases every buffer of the bundle.
func (b *Bundle) Release() {
	for _, buf := range b.Buffers {
		buf.Release()
	}
	b.Buffers = nil
	b.Set = nil
}

// Engine is the per-run GPU resource manager.
type Engine struct {
	dev compute.Device
	cfg Config
	log *log.Logger

	mu         sync.Mutex
	pipelines  map[string]*compute.Pipeline
	factories  map[string]*compute.UniformSetFactory
	cache      map[Key]Resource
	dispatches int
	released   bool
}

// New creates an engine on dev.
func New(dev compute.Device, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		dev:       dev,
		cfg:       cfg,
		log:       logger,
		pipelines: make(map[string]*compute.Pipeline),
		factories: make(map[string]*compute.UniformSetFactory),
		cache:     make(map[Key]Resource),
	}
}

// NewCPU creates an engine on a CPU device.
func NewCPU(cfg Config) *Engine {
	dev := compute.NewCPUDevice(compute.CPUConfig{
		Workers:  cfg.Workers,
		MinChunk: cfg.MinChunk,
	})
	return New(dev, cfg)
}

// Device returns the underlying device.
func (e *Engine) Device() compute.Device { return e.dev }

// Logf logs through the engine logger.
func (e *Engine) Logf(format string, args ...any) {
	e.log.Printf(format, args...)
}

// NewBuffer allocates a device buffer.
func (e *Engine) NewBuffer(label string, usage compute.Usage, n int) (*compute.Buffer, error) {
	return e.dev.NewBuffer(label, usage, n)
}

// Factory returns the uniform set factory registered under name, creating
// it on first use. A later call with a different layout fails.
func (e *Engine) Factory(name string, layout ...compute.Binding) (*compute.UniformSetFactory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.factories[name]; ok {
		if !f.SameLayout(layout) {
			return nil, fmt.Errorf("engine: factory %s re-registered with a different layout", name)
		}
		return f, nil
	}
	f := compute.NewUniformSetFactory(name, layout...)
	e.factories[name] = f
	return f, nil
}

// Pipeline returns the pipeline registered under name, creating it on
// first use.
func (e *Engine) Pipeline(name string, k compute.Kernel, layout ...*compute.UniformSetFactory) (*compute.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pipelines[name]; ok {
		return p, nil
	}
	p, err := e.dev.NewPipeline(name, k, layout...)
	if err != nil {
		return nil, fmt.Errorf("engine: pipeline %s: %w", name, err)
	}
	e.pipelines[name] = p
	return p, nil
}

// Cached returns the resource stored under key, calling create on a miss.
// A failed create leaves the cache untouched.
func (e *Engine) Cached(key Key, create func() (Resource, error)) (Resource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, fmt.Errorf("engine: cache access after release: %s", key)
	}
	if r, ok := e.cache[key]; ok {
		return r, nil
	}
	r, err := create()
	if err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", key, err)
	}
	e.cache[key] = r
	return r, nil
}

// CacheLen returns the number of cached resources.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// DimBuffer returns the shared uniform buffer describing a
// (count, height, width, depth) shape.
func (e *Engine) DimBuffer(d [4]uint32) (*compute.Buffer, error) {
	key := Key{Kind: "dim", A: d[0], B: d[1], C: d[2], D: d[3]}
	r, err := e.Cached(key, func() (Resource, error) {
		buf, err := e.dev.NewBuffer(key.String(), compute.UsageUniform, 4)
		if err != nil {
			return nil, err
		}
		v := []float64{float64(d[0]), float64(d[1]), float64(d[2]), float64(d[3])}
		if err := e.dev.Write(buf, 0, v); err != nil {
			return nil, err
		}
		return &Bundle{Buffers: []*compute.Buffer{buf}}, nil
	})
	if err != nil {
		return nil, err
	}
	return r.(*Bundle).Buffers[0], nil
}

// Begin opens a compute pass.
func (e *Engine) Begin() error { return e.dev.Begin() }

// End closes the compute pass, waiting for all dispatched work.
func (e *Engine) End() error { return e.dev.End() }

// Dispatch binds p and sets and dispatches an (x, y, z) grid.
func (e *Engine) Dispatch(h compute.Hazard, p *compute.Pipeline, x, y, z uint32, sets ...*compute.UniformSet) error {
	if err := e.dev.BindPipeline(p); err != nil {
		return fmt.Errorf("engine: bind %s: %w", p.Name(), err)
	}
	if err := e.dev.BindUniformSets(sets...); err != nil {
		return fmt.Errorf("engine: bind sets %s: %w", p.Name(), err)
	}
	if err := e.dev.Dispatch(h, x, y, z); err != nil {
		return fmt.Errorf("engine: dispatch %s: %w", p.Name(), err)
	}
	e.dispatches++
	if e.cfg.FlushInterval > 0 && e.dispatches%e.cfg.FlushInterval == 0 {
		if err := e.dev.Flush(); err != nil {
			return fmt.Errorf("engine: flush: %w", err)
		}
	}
	return nil
}

// Clear zeroes b.
func (e *Engine) Clear(h compute.Hazard, b *compute.Buffer) error {
	return e.dev.Clear(h, b)
}

// Copy copies n elements between device buffers.
func (e *Engine) Copy(h compute.Hazard, src, dst *compute.Buffer, srcOff, dstOff, n int) error {
	return e.dev.Copy(h, src, dst, srcOff, dstOff, n)
}

// Read copies device data into dst.
func (e *Engine) Read(b *compute.Buffer, off int, dst []float64) error {
	return e.dev.Read(b, off, dst)
}

// Write copies src into device memory.
func (e *Engine) Write(b *compute.Buffer, off int, src []float64) error {
	return e.dev.Write(b, off, src)
}

// Dispatches returns the number of dispatches issued through the engine.
func (e *Engine) Dispatches() int { return e.dispatches }

// Release tears down the cache and the device.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return
	}
	keys := make([]Key, 0, len(e.cache))
	for k := range e.cache {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		e.cache[k].Release()
	}
	e.log.Printf("engine: released %d cached resources, %d pipelines, %d dispatches",
		len(keys), len(e.pipelines), e.dispatches)
	e.cache = nil
	e.pipelines = nil
	e.factories = nil
	e.dev.Release()
	e.released = true
}
