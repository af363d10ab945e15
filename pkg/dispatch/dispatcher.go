// Package dispatch runs analytics work on two bounded worker pools: a wide IO
// pool for work that mostly waits, and a CPU pool sized to the core count whose
// workers are pinned to OS threads. Each submitted job carries its own result
// channel, so callers wait on a future rather than on the pool.
package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
	"github.com/openfroyo/analytics-core/pkg/telemetry"
)

// Observer receives one sample per finished task.
type Observer interface {
	Observe(name string, d time.Duration, success bool)
}

// Options configures a Dispatcher. Every field is optional.
type Options struct {
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Observer Observer

	// CPUHeavy replaces DefaultCPUHeavy when non-nil.
	CPUHeavy []string
}

// Stats is a snapshot of both pools.
type Stats struct {
	Initialized bool      `json:"initialized"`
	Shutdown    bool      `json:"shutdown"`
	Submitted   int64     `json:"submitted"`
	IO          PoolStats `json:"io"`
	CPU         PoolStats `json:"cpu"`
}

// PoolHealth is the round-trip result for one pool.
type PoolHealth struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthReport is returned by HealthCheck.
type HealthReport struct {
	Status    string     `json:"status"`
	IO        PoolHealth `json:"io"`
	CPU       PoolHealth `json:"cpu"`
	CheckedAt time.Time  `json:"checked_at"`
}

// Healthy reports whether both pools answered.
func (h HealthReport) Healthy() bool { return h.Status == "healthy" }

// Dispatcher classifies tasks and runs them on the matching pool.
type Dispatcher struct {
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	observer Observer
	heavy    map[string]struct{}

	submitted int64

	mu     sync.RWMutex
	io     *workerPool
	cpu    *workerPool
	closed bool
}

// New creates a dispatcher. Pools start on Initialize or the first Submit.
func New(opts Options) *Dispatcher {
	names := opts.CPUHeavy
	if names == nil {
		names = DefaultCPUHeavy
	}
	return &Dispatcher{
		logger:   telemetry.OrNop(opts.Logger).NewComponentLogger("dispatch"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		observer: opts.Observer,
		heavy:    heavySet(names),
	}
}

// Initialize starts both pools. Zero sizes default to 4×NumCPU IO workers and
// NumCPU CPU workers. Only the first call has an effect.
func (d *Dispatcher) Initialize(maxIO, maxCPU int) error {
	if maxIO < 0 || maxCPU < 0 {
		return errdefs.NewInvalidArgument("worker counts must not be negative")
	}
	_, _, err := d.pools(maxIO, maxCPU)
	return err
}

func (d *Dispatcher) pools(maxIO, maxCPU int) (*workerPool, *workerPool, error) {
	d.mu.RLock()
	io, cpu, closed := d.io, d.cpu, d.closed
	d.mu.RUnlock()
	if closed {
		return nil, nil, errdefs.NewShutdown("dispatch")
	}
	if io != nil {
		return io, cpu, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, nil, errdefs.NewShutdown("dispatch")
	}
	if d.io == nil {
		cores := runtime.NumCPU()
		if maxIO == 0 {
			maxIO = 4 * cores
		}
		if maxCPU == 0 {
			maxCPU = cores
		}
		d.io = newWorkerPool("io", ClassIO, maxIO, false)
		d.cpu = newWorkerPool("cpu", ClassCPU, maxCPU, true)
		d.logger.WithFields(map[string]interface{}{
			"io_workers":  maxIO,
			"cpu_workers": maxCPU,
		}).Info("Dispatcher pools started")
	}
	return d.io, d.cpu, nil
}

// Classify returns the class a task will run on.
func (d *Dispatcher) Classify(t Task) Class {
	if t.Class == ClassIO || t.Class == ClassCPU {
		return t.Class
	}
	if isHeavy(d.heavy, t.Name) {
		return ClassCPU
	}
	return ClassIO
}

// Submit runs t and waits for its result. An error returned or a panic raised
// by the task comes back as *errdefs.TaskExecutionError. If ctx ends first the
// caller stops waiting and gets ctx.Err(); the task itself is not interrupted.
func (d *Dispatcher) Submit(ctx context.Context, t Task) (any, error) {
	res := d.submit(ctx, t)
	return res.Value, res.Err
}

func (d *Dispatcher) submit(ctx context.Context, t Task) Result {
	name := taskName(t)
	if t.Fn == nil {
		return Result{Task: name, Err: errdefs.NewInvalidArgument("task " + name + " has no function")}
	}
	if !t.Class.Valid() {
		return Result{Task: name, Err: errdefs.NewInvalidArgument("unknown resource class " + string(t.Class))}
	}

	class := d.Classify(t)
	io, cpu, err := d.pools(0, 0)
	if err != nil {
		return Result{Task: name, Class: class, Err: err}
	}
	p := io
	if class == ClassCPU {
		p = cpu
	}

	ctx, span := d.tracer.StartTaskSpan(ctx, name, string(class))
	defer span.End()

	atomic.AddInt64(&d.submitted, 1)
	d.metrics.RecordTaskSubmitted(string(class))
	start := time.Now()

	j := &job{ctx: ctx, task: t, result: make(chan Result, 1)}
	var res Result
	if err := p.submit(ctx, j); err != nil {
		res = Result{Task: name, Class: class, Err: err}
	} else {
		select {
		case res = <-j.result:
		case <-ctx.Done():
			res = Result{Task: name, Class: class, Err: ctx.Err()}
		}
	}
	res.Duration = time.Since(start)

	d.finish(res, span)
	return res
}

func (d *Dispatcher) finish(res Result, span trace.Span) {
	status := "ok"
	var te *errdefs.TaskExecutionError
	switch {
	case res.Err == nil:
	case errors.As(res.Err, &te) && te.Panicked:
		status = "panic"
	case errors.As(res.Err, &te):
		status = "error"
	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		status = "cancelled"
	default:
		status = "rejected"
	}
	span.SetAttributes(attribute.String("task.status", status))
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
		d.metrics.RecordError("dispatch", string(errdefs.KindOf(res.Err)))
	} else {
		telemetry.RecordSuccess(span)
	}

	d.metrics.RecordTaskCompleted(string(res.Class), status, res.Duration)
	if d.observer != nil {
		d.observer.Observe("dispatch."+res.Task, res.Duration, res.Err == nil)
	}

	switch status {
	case "ok":
	case "panic":
		d.logger.WithTask(res.Task, string(res.Class)).WithError(res.Err).Error("Task panicked")
	default:
		d.logger.WithTask(res.Task, string(res.Class)).WithError(res.Err).Debug("Task did not complete")
	}
}

// SubmitBatch runs every task concurrently and returns results in input order.
// A failing task never cancels the others.
func (d *Dispatcher) SubmitBatch(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = d.submit(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// HealthCheck round-trips a trivial task through each pool.
func (d *Dispatcher) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Status: "healthy", CheckedAt: time.Now()}
	io, cpu, err := d.pools(0, 0)
	if err != nil {
		report.Status = "degraded"
		report.IO = PoolHealth{Error: err.Error()}
		report.CPU = PoolHealth{Error: err.Error()}
		return report
	}
	report.IO = probe(ctx, io)
	report.CPU = probe(ctx, cpu)
	if !report.IO.OK || !report.CPU.OK {
		report.Status = "degraded"
	}
	return report
}

func probe(ctx context.Context, p *workerPool) PoolHealth {
	start := time.Now()
	j := &job{
		ctx:    ctx,
		task:   Task{Name: "health." + p.name, Fn: func(context.Context) (any, error) { return true, nil }},
		result: make(chan Result, 1),
	}
	if err := p.submit(ctx, j); err != nil {
		return PoolHealth{Latency: time.Since(start), Error: err.Error()}
	}
	select {
	case res := <-j.result:
		h := PoolHealth{OK: res.Err == nil, Latency: time.Since(start)}
		if res.Err != nil {
			h.Error = res.Err.Error()
		}
		return h
	case <-ctx.Done():
		return PoolHealth{Latency: time.Since(start), Error: ctx.Err().Error()}
	}
}

// Shutdown stops intake and joins both pools. Calling it again is a no-op.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	io, cpu := d.io, d.cpu
	d.mu.Unlock()

	if io == nil {
		return nil
	}
	err := errors.Join(io.stop(ctx), cpu.stop(ctx))
	if err != nil {
		d.logger.WithError(err).Warn("Dispatcher shutdown abandoned running tasks")
	} else {
		d.logger.Info("Dispatcher stopped")
	}
	return err
}

// Stats returns a snapshot of both pools.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	io, cpu, closed := d.io, d.cpu, d.closed
	d.mu.RUnlock()

	s := Stats{
		Initialized: io != nil,
		Shutdown:    closed,
		Submitted:   atomic.LoadInt64(&d.submitted),
		IO:          PoolStats{Name: "io", Class: ClassIO},
		CPU:         PoolStats{Name: "cpu", Class: ClassCPU},
	}
	if io != nil {
		s.IO = io.stats()
		s.CPU = cpu.stats()
	}
	return s
}
