package device

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ensure interface compliance
var (
	_ Backend = (*CPUBackend)(nil)
	_ Buffer  = (*cpuBuffer)(nil)
	_ Kernel  = (*cpuKernel)(nil)
	_ Event   = (*command)(nil)
)

const (
	// queueDepth bounds the number of commands waiting for the dispatcher.
	queueDepth = 64

	// minChunk keeps tiny ranges on one goroutine.
	minChunk = 1024
)

// CPUBackend executes kernels on the host. Commands go through a single
// in-order queue like an OpenCL command queue: a launch, transfer or release
// only starts once everything enqueued before it has finished. Within a
// launch the global range is split across a bounded worker group.
type CPUBackend struct {
	workers  int
	minChunk int

	mu     sync.Mutex
	closed bool
	queue  chan *command
	done   chan struct{}
}

// CPUOption configures a CPUBackend.
type CPUOption func(*CPUBackend)

// WithWorkers sets the maximum number of goroutines per launch.
func WithWorkers(n int) CPUOption {
	return func(b *CPUBackend) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithMinChunk sets the smallest number of work items given to one goroutine.
func WithMinChunk(n int) CPUOption {
	return func(b *CPUBackend) {
		if n > 0 {
			b.minChunk = n
		}
	}
}

func NewCPUBackend(opts ...CPUOption) *CPUBackend {
	b := &CPUBackend{
		workers:  runtime.NumCPU(),
		minChunk: minChunk,
		queue:    make(chan *command, queueDepth),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.dispatch()

	log.Debug().Int("workers", b.workers).Msg("CPU backend started")
	return b
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Info() DeviceInfo {
	return DeviceInfo{
		Name:            "host",
		Vendor:          runtime.GOARCH,
		Version:         runtime.Version(),
		Type:            DeviceTypeCPU,
		ComputeUnits:    b.workers,
		DoublePrecision: true,
	}
}

// command is one entry of the in-order queue. It doubles as the Event
// returned for it.
type command struct {
	run      func() error
	finished chan struct{}
	err      error
}

func (c *command) Wait() error {
	<-c.finished
	return c.err
}

func (b *CPUBackend) dispatch() {
	defer close(b.done)
	for c := range b.queue {
		c.err = c.run()
		close(c.finished)
	}
}

func (b *CPUBackend) submit(run func() error) (*command, error) {
	c := &command{run: run, finished: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	b.queue <- c
	return c, nil
}

// Synchronize enqueues a barrier and waits for it.
func (b *CPUBackend) Synchronize() error {
	c, err := b.submit(func() error { return nil })
	if err != nil {
		return err
	}
	return c.Wait()
}

// Close drains the queue and stops the dispatcher. It is idempotent.
func (b *CPUBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	log.Debug().Msg("CPU backend closed")
	return nil
}

func (b *CPUBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Compile validates the program source against its declared precision and
// binds the host implementation of the entry point.
func (b *CPUBackend) Compile(p Program) (Kernel, error) {
	if b.isClosed() {
		return nil, ErrBackendClosed
	}
	start := time.Now()

	if p.Host == nil {
		return nil, fmt.Errorf("%w: program %s has no host implementation", ErrCompile, p.Name)
	}
	sig, err := parseSignature(p.Source, p.Entry)
	if err != nil {
		return nil, err
	}
	if err := sig.checkBufferParams(p.Precision); err != nil {
		return nil, err
	}

	compileDuration.WithLabelValues(b.Name()).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("program", p.Name).
		Str("entry", p.Entry).
		Stringer("precision", p.Precision).
		Int("args", len(sig.params)).
		Msg("Kernel compiled")

	return &cpuKernel{
		backend:   b,
		name:      p.Name,
		precision: p.Precision,
		arity:     len(sig.params),
		host:      p.Host,
	}, nil
}

func (b *CPUBackend) NewBuffer(n int, p Precision) (Buffer, error) {
	if b.isClosed() {
		return nil, ErrBackendClosed
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: buffer of %d elements", ErrInvalidLength, n)
	}

	buf := &cpuBuffer{backend: b, n: n, precision: p}
	switch p {
	case Float32:
		buf.f32 = make([]float32, n)
	case Float64:
		buf.f64 = make([]float64, n)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedPrecision, p)
	}
	buffersLive.WithLabelValues(b.Name()).Inc()
	return buf, nil
}

// parallel runs host over [0, global) in contiguous chunks.
func (b *CPUBackend) parallel(name string, host HostKernel, args []any, global int) error {
	chunk := (global + b.workers - 1) / b.workers
	if chunk < b.minChunk {
		chunk = b.minChunk
	}

	var g errgroup.Group
	g.SetLimit(b.workers)
	for lo := 0; lo < global; lo += chunk {
		lo, hi := lo, min(lo+chunk, global)
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %s [%d:%d]: %v", ErrLaunch, name, lo, hi, r)
				}
			}()
			host(args, lo, hi)
			return nil
		})
	}
	return g.Wait()
}

type cpuKernel struct {
	backend   *CPUBackend
	name      string
	precision Precision
	arity     int
	host      HostKernel

	mu       sync.Mutex
	released bool
}

func (k *cpuKernel) Name() string         { return k.name }
func (k *cpuKernel) Precision() Precision { return k.precision }
func (k *cpuKernel) Arity() int           { return k.arity }

func (k *cpuKernel) Release() {
	k.mu.Lock()
	k.released = true
	k.mu.Unlock()
}

func (k *cpuKernel) Enqueue(global int, args ...Buffer) (Event, error) {
	k.mu.Lock()
	released := k.released
	k.mu.Unlock()
	if released {
		return nil, fmt.Errorf("%w: kernel %s", ErrReleased, k.name)
	}
	if global <= 0 {
		return nil, fmt.Errorf("%w: global size %d", ErrInvalidLength, global)
	}
	if len(args) != k.arity {
		return nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArity, k.name, k.arity, len(args))
	}

	bufs := make([]*cpuBuffer, len(args))
	for i, a := range args {
		cb, ok := a.(*cpuBuffer)
		if !ok || cb.backend != k.backend {
			return nil, fmt.Errorf("%w: argument %d of %s", ErrForeignBuffer, i, k.name)
		}
		if cb.precision != k.precision {
			return nil, fmt.Errorf("%w: argument %d is %s, kernel %s is %s", ErrPrecisionMismatch, i, cb.precision, k.name, k.precision)
		}
		bufs[i] = cb
	}

	c, err := k.backend.submit(func() error {
		raw := make([]any, len(bufs))
		for i, cb := range bufs {
			if cb.data() == nil {
				return fmt.Errorf("%w: argument %d of %s", ErrReleased, i, k.name)
			}
			raw[i] = cb.data()
		}
		return k.backend.parallel(k.name, k.host, raw, global)
	})
	if err != nil {
		return nil, err
	}

	kernelLaunches.WithLabelValues(k.backend.Name(), k.name).Inc()
	return c, nil
}

// cpuBuffer owns its slice; only queued commands touch it.
type cpuBuffer struct {
	backend   *CPUBackend
	n         int
	precision Precision
	f32       []float32
	f64       []float64
}

func (c *cpuBuffer) Len() int             { return c.n }
func (c *cpuBuffer) Precision() Precision { return c.precision }

func (c *cpuBuffer) data() any {
	if c.precision == Float64 {
		if c.f64 == nil {
			return nil
		}
		return c.f64
	}
	if c.f32 == nil {
		return nil
	}
	return c.f32
}

func (c *cpuBuffer) Upload(src any) error {
	return c.transfer(src, directionToDevice)
}

func (c *cpuBuffer) Download(dst any) error {
	return c.transfer(dst, directionToHost)
}

func (c *cpuBuffer) transfer(host any, direction string) error {
	if err := checkHostSlice(host, c.precision, c.n); err != nil {
		return err
	}

	cmd, err := c.backend.submit(func() error {
		if c.data() == nil {
			return ErrReleased
		}
		switch h := host.(type) {
		case []float32:
			if direction == directionToDevice {
				copy(c.f32, h)
			} else {
				copy(h, c.f32)
			}
		case []float64:
			if direction == directionToDevice {
				copy(c.f64, h)
			} else {
				copy(h, c.f64)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := cmd.Wait(); err != nil {
		return err
	}

	transferBytes.WithLabelValues(c.backend.Name(), direction).Add(float64(c.n * c.precision.Size()))
	return nil
}

// Release frees the buffer once every command queued before it has run.
func (c *cpuBuffer) Release() {
	drop := func() error {
		if c.data() != nil {
			c.f32, c.f64 = nil, nil
			buffersLive.WithLabelValues(c.backend.Name()).Dec()
		}
		return nil
	}
	if _, err := c.backend.submit(drop); err != nil {
		// Backend already drained; nothing can be using the buffer.
		_ = drop()
	}
}

// checkHostSlice verifies a host slice matches a buffer's precision and length.
func checkHostSlice(host any, p Precision, n int) error {
	var got Precision
	var length int
	switch h := host.(type) {
	case []float32:
		got, length = Float32, len(h)
	case []float64:
		got, length = Float64, len(h)
	default:
		return fmt.Errorf("%w: host type %T", ErrUnsupportedPrecision, host)
	}
	if got != p {
		return fmt.Errorf("%w: host slice is %s, buffer is %s", ErrPrecisionMismatch, got, p)
	}
	if length != n {
		return fmt.Errorf("%w: host slice has %d elements, buffer has %d", ErrLengthMismatch, length, n)
	}
	return nil
}
