package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
)

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name      string  `json:"name"`
	Class     Class   `json:"class"`
	Workers   int     `json:"workers"`
	Active    int64   `json:"active"`
	Queued    int     `json:"queued"`
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Panicked  int64   `json:"panicked"`
	Running   bool    `json:"running"`
	Success   float64 `json:"success_rate"`
}

// job is one submitted task. result is buffered so a worker never blocks on a
// caller that has already given up waiting.
type job struct {
	ctx    context.Context
	task   Task
	result chan Result
}

type workerPool struct {
	name    string
	class   Class
	workers int
	pin     bool
	jobs    chan *job
	wg      sync.WaitGroup

	active    int64
	completed int64
	failed    int64
	panicked  int64

	// stopping is closed before stop takes mu, so a submit blocked on a
	// full queue lets go of its read lock.
	stopping chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	running bool
}

// newWorkerPool starts workers goroutines. With pin set each worker locks
// itself to an OS thread for its lifetime.
func newWorkerPool(name string, class Class, workers int, pin bool) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	p := &workerPool{
		name:    name,
		class:   class,
		workers: workers,
		pin:     pin,
		jobs:     make(chan *job, workers*64),
		stopping: make(chan struct{}),
		running:  true,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	if p.pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for j := range p.jobs {
		j.result <- p.run(j)
	}
}

func (p *workerPool) run(j *job) (res Result) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	res = Result{Task: taskName(j.task), Class: p.class}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.panicked, 1)
			atomic.AddInt64(&p.failed, 1)
			res.Value = nil
			res.Err = &errdefs.TaskExecutionError{
				Task:     res.Task,
				Class:    string(p.class),
				Panicked: true,
				Err:      fmt.Errorf("%s", panicToString(r)),
			}
			res.Duration = time.Since(start)
		}
	}()

	// Queued work whose caller already left is skipped.
	if err := j.ctx.Err(); err != nil {
		atomic.AddInt64(&p.failed, 1)
		res.Err = err
		return res
	}

	v, err := j.task.Fn(j.ctx)
	res.Duration = time.Since(start)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		res.Err = &errdefs.TaskExecutionError{Task: res.Task, Class: string(p.class), Err: err}
		return res
	}
	atomic.AddInt64(&p.completed, 1)
	res.Value = v
	return res
}

func panicToString(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// submit queues j. It fails once the pool is stopped or ctx is done while the
// queue is full.
func (p *workerPool) submit(ctx context.Context, j *job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return errdefs.NewShutdown("dispatch." + p.name)
	}
	select {
	case p.jobs <- j:
		return nil
	case <-p.stopping:
		return errdefs.NewShutdown("dispatch." + p.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop closes intake and waits for queued and running jobs. Work still
// running when ctx ends is abandoned, never interrupted.
func (p *workerPool) stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopping) })

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	select {
	case <-done:
		return nil
	default:
	}
	// Idle workers are already on their way out.
	active, queued := atomic.LoadInt64(&p.active), len(p.jobs)
	if active == 0 && queued == 0 {
		return nil
	}
	return fmt.Errorf("%s pool: abandoned %d running and %d queued tasks: %w", p.name, active, queued, ctx.Err())
}

func (p *workerPool) stats() PoolStats {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	success := 0.0
	if total := completed + failed; total > 0 {
		success = float64(completed) / float64(total)
	}
	return PoolStats{
		Name:      p.name,
		Class:     p.class,
		Workers:   p.workers,
		Active:    atomic.LoadInt64(&p.active),
		Queued:    len(p.jobs),
		Completed: completed,
		Failed:    failed,
		Panicked:  atomic.LoadInt64(&p.panicked),
		Running:   running,
		Success:   success,
	}
}
