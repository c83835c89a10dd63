package compute

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// CPUConfig controls the data-parallel execution of the CPU device.
type CPUConfig struct {
	// Workers bounds the goroutines running invocations. Zero selects
	// GOMAXPROCS.
	Workers int
	// MinChunk is the smallest number of invocations handed to one worker.
	MinChunk int
}

// DefaultCPUConfig returns a configuration sized to the host.
func DefaultCPUConfig() CPUConfig {
	return CPUConfig{
		Workers:  runtime.GOMAXPROCS(0),
		MinChunk: 256,
	}
}

type job struct {
	name    string
	x, y, z uint32
	inv     Invocation
}

// CPUDevice executes kernels on the host. Dispatches declared with a
// hazard wait for all pending work; HazardNone dispatches queued between
// two barriers run concurrently.
type CPUDevice struct {
	cfg      CPUConfig
	active   bool
	pipeline *Pipeline
	sets     []*UniformSet
	pending  []job
	stats    Stats
}

// NewCPUDevice creates a CPU device.
func NewCPUDevice(cfg CPUConfig) *CPUDevice {
	def := DefaultCPUConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = def.MinChunk
	}
	return &CPUDevice{cfg: cfg}
}

func (d *CPUDevice) Name() string { return fmt.Sprintf("cpu(%d)", d.cfg.Workers) }

func (d *CPUDevice) NewBuffer(label string, usage Usage, n int) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("compute: buffer %s: invalid size %d", label, n)
	}
	return &Buffer{label: label, usage: usage, data: make([]float64, n)}, nil
}

func (d *CPUDevice) NewPipeline(name string, k Kernel, layout ...*UniformSetFactory) (*Pipeline, error) {
	if k == nil {
		return nil, fmt.Errorf("compute: pipeline %s: nil kernel", name)
	}
	l := make([]*UniformSetFactory, len(layout))
	copy(l, layout)
	return &Pipeline{name: name, kernel: k, layout: l}, nil
}

func (d *CPUDevice) Begin() error {
	if d.active {
		return ErrPassActive
	}
	d.active = true
	return nil
}

func (d *CPUDevice) BindPipeline(p *Pipeline) error {
	if !d.active {
		return ErrNoPass
	}
	d.pipeline = p
	d.sets = nil
	return nil
}

func (d *CPUDevice) BindUniformSets(sets ...*UniformSet) error {
	if !d.active {
		return ErrNoPass
	}
	if d.pipeline == nil {
		return ErrNoPipeline
	}
	d.sets = sets
	return nil
}

func (d *CPUDevice) Dispatch(h Hazard, x, y, z uint32) error {
	if !d.active {
		return ErrNoPass
	}
	if d.pipeline == nil {
		return ErrNoPipeline
	}
	if x == 0 || y == 0 || z == 0 {
		return fmt.Errorf("%w: %s (%d,%d,%d)", ErrEmptyDispatch, d.pipeline.name, x, y, z)
	}
	snap, err := d.pipeline.snapshot(d.sets)
	if err != nil {
		return err
	}
	inv := d.pipeline.kernel(snap)
	return d.enqueue(h, job{name: d.pipeline.name, x: x, y: y, z: z, inv: inv})
}

func (d *CPUDevice) Clear(h Hazard, b *Buffer) error {
	if err := b.checkRange(0, b.Len()); err != nil {
		return err
	}
	data := b.data
	j := job{name: "clear:" + b.label, x: uint32(len(data)), y: 1, z: 1,
		inv: func(x, _, _ uint32) { data[x] = 0 }}
	return d.enqueueEager(h, j)
}

func (d *CPUDevice) Copy(h Hazard, src, dst *Buffer, srcOff, dstOff, n int) error {
	if err := src.checkRange(srcOff, n); err != nil {
		return err
	}
	if err := dst.checkRange(dstOff, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	s := src.data[srcOff : srcOff+n]
	t := dst.data[dstOff : dstOff+n]
	j := job{name: "copy:" + src.label + ">" + dst.label, x: uint32(n), y: 1, z: 1,
		inv: func(x, _, _ uint32) { t[x] = s[x] }}
	return d.enqueueEager(h, j)
}

// enqueueEager queues j inside a pass, or runs it immediately outside one.
func (d *CPUDevice) enqueueEager(h Hazard, j job) error {
	if err := d.enqueue(h, j); err != nil {
		return err
	}
	if !d.active {
		return d.Flush()
	}
	return nil
}

func (d *CPUDevice) enqueue(h Hazard, j job) error {
	if h != HazardNone && len(d.pending) > 0 {
		d.stats.Barriers++
		if err := d.Flush(); err != nil {
			return err
		}
	}
	d.stats.Dispatches++
	d.pending = append(d.pending, j)
	return nil
}

func (d *CPUDevice) End() error {
	if !d.active {
		return ErrNoPass
	}
	d.active = false
	d.pipeline = nil
	d.sets = nil
	return d.Flush()
}

func (d *CPUDevice) Read(b *Buffer, off int, dst []float64) error {
	if err := b.checkRange(off, len(dst)); err != nil {
		return err
	}
	if err := d.Flush(); err != nil {
		return err
	}
	copy(dst, b.data[off:off+len(dst)])
	return nil
}

func (d *CPUDevice) Write(b *Buffer, off int, src []float64) error {
	if err := b.checkRange(off, len(src)); err != nil {
		return err
	}
	if err := d.Flush(); err != nil {
		return err
	}
	copy(b.data[off:off+len(src)], src)
	return nil
}

// Flush runs all pending jobs. The queue is emptied even on failure.
func (d *CPUDevice) Flush() error {
	if len(d.pending) == 0 {
		return nil
	}
	jobs := d.pending
	d.pending = nil
	d.stats.Flushes++

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, j := range jobs {
		total := uint64(j.x) * uint64(j.y) * uint64(j.z)
		chunk := total / uint64(d.cfg.Workers)
		if chunk < uint64(d.cfg.MinChunk) {
			chunk = uint64(d.cfg.MinChunk)
		}
		for lo := uint64(0); lo < total; lo += chunk {
			hi := lo + chunk
			if hi > total {
				hi = total
			}
			j, lo := j, lo
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = fmt.Errorf("compute: kernel %s panicked: %v", j.name, r)
					}
				}()
				xy := uint64(j.x) * uint64(j.y)
				for idx := lo; idx < hi; idx++ {
					x := uint32(idx % uint64(j.x))
					y := uint32((idx / uint64(j.x)) % uint64(j.y))
					z := uint32(idx / xy)
					j.inv(x, y, z)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func (d *CPUDevice) Stats() Stats { return d.stats }

// Release drops pending work. Buffers are owned by their creators.
func (d *CPUDevice) Release() {
	d.pending = nil
	d.pipeline = nil
	d.sets = nil
	d.active = false
}
