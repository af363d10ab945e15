package dispatch

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/analytics-core/pkg/errdefs"
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples map[string][]bool
}

func (s *sampleRecorder) Observe(name string, _ time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samples == nil {
		s.samples = map[string][]bool{}
	}
	s.samples[name] = append(s.samples[name], success)
}

func newDispatcher(t *testing.T, opts Options, maxIO, maxCPU int) *Dispatcher {
	t.Helper()
	d := New(opts)
	require.NoError(t, d.Initialize(maxIO, maxCPU))
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func value(v any) TaskFunc {
	return func(context.Context) (any, error) { return v, nil }
}

func TestSubmitBatchKeepsOrderAndCapturesErrors(t *testing.T) {
	d := newDispatcher(t, Options{}, 4, 2)
	boom := errors.New("division by zero")

	results := d.SubmitBatch(context.Background(), []Task{
		{Name: "first", Fn: func(context.Context) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return 1, nil
		}},
		{Name: "second", Fn: func(context.Context) (any, error) { return nil, boom }},
		{Name: "pagerank", Fn: value(3)},
	})

	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Value)
	assert.NoError(t, results[0].Err)

	assert.Nil(t, results[1].Value)
	assert.ErrorIs(t, results[1].Err, boom)
	assert.ErrorIs(t, results[1].Err, errdefs.ErrTaskExecution)

	assert.Equal(t, 3, results[2].Value)
	assert.Equal(t, ClassCPU, results[2].Class)
	assert.True(t, results[2].OK())
}

func TestSubmitReturnsTaskError(t *testing.T) {
	d := newDispatcher(t, Options{}, 1, 1)
	cause := errors.New("backend refused")

	_, err := d.Submit(context.Background(), Task{Name: "fetch", Fn: func(context.Context) (any, error) {
		return nil, cause
	}})
	require.Error(t, err)

	var te *errdefs.TaskExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "fetch", te.Task)
	assert.Equal(t, "io", te.Class)
	assert.False(t, te.Panicked)
	assert.ErrorIs(t, err, cause)
}

func TestPanicIsCapturedAndPoolSurvives(t *testing.T) {
	d := newDispatcher(t, Options{}, 1, 1)
	ctx := context.Background()

	_, err := d.Submit(ctx, Task{Name: "louvain", Fn: func(context.Context) (any, error) {
		panic("index out of range")
	}})
	var te *errdefs.TaskExecutionError
	require.ErrorAs(t, err, &te)
	assert.True(t, te.Panicked)
	assert.Equal(t, "cpu", te.Class)
	assert.Contains(t, err.Error(), "index out of range")

	v, err := d.Submit(ctx, Task{Name: "louvain", Fn: value("ok")})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	stats := d.Stats()
	assert.EqualValues(t, 1, stats.CPU.Panicked)
	assert.EqualValues(t, 1, stats.CPU.Completed)
	assert.EqualValues(t, 1, stats.CPU.Failed)
}

func TestClassify(t *testing.T) {
	d := New(Options{})
	tests := []struct {
		task Task
		want Class
	}{
		{Task{Name: "pagerank"}, ClassCPU},
		{Task{Name: "PageRank"}, ClassCPU},
		{Task{Name: "betweenness_centrality.sampled"}, ClassCPU},
		{Task{Name: "fetch_neighbors"}, ClassIO},
		{Task{}, ClassIO},
		{Task{Name: "pagerank", Class: ClassIO}, ClassIO},
		{Task{Name: "fetch", Class: ClassCPU}, ClassCPU},
	}
	for _, tt := range tests {
		t.Run(taskName(tt.task)+"/"+string(tt.task.Class), func(t *testing.T) {
			assert.Equal(t, tt.want, d.Classify(tt.task))
		})
	}

	custom := New(Options{CPUHeavy: []string{"simulate"}})
	assert.Equal(t, ClassCPU, custom.Classify(Task{Name: "simulate"}))
	assert.Equal(t, ClassIO, custom.Classify(Task{Name: "pagerank"}))
}

func TestInvalidTasks(t *testing.T) {
	d := newDispatcher(t, Options{}, 1, 1)
	_, err := d.Submit(context.Background(), Task{Name: "nofn"})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = d.Submit(context.Background(), Task{Name: "gpu", Class: "gpu", Fn: value(1)})
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	assert.ErrorIs(t, New(Options{}).Initialize(-1, 1), errdefs.ErrInvalidArgument)
}

func TestLazyInitializeUsesDefaults(t *testing.T) {
	d := New(Options{})
	assert.False(t, d.Stats().Initialized)

	v, err := d.Submit(context.Background(), Task{Fn: value(42)})
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	stats := d.Stats()
	assert.True(t, stats.Initialized)
	assert.Equal(t, 4*runtime.NumCPU(), stats.IO.Workers)
	assert.Equal(t, runtime.NumCPU(), stats.CPU.Workers)

	// Later sizes are ignored once the pools exist.
	require.NoError(t, d.Initialize(1, 1))
	assert.Equal(t, runtime.NumCPU(), d.Stats().CPU.Workers)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestBatchRunsIOConcurrently(t *testing.T) {
	const n = 4
	d := newDispatcher(t, Options{}, n, 1)

	var arrived sync.WaitGroup
	arrived.Add(n)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()

	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Name: "io", Class: ClassIO, Fn: func(ctx context.Context) (any, error) {
			arrived.Done()
			select {
			case <-all:
				return true, nil
			case <-time.After(2 * time.Second):
				return nil, errors.New("tasks did not overlap")
			}
		}}
	}

	for _, r := range d.SubmitBatch(context.Background(), tasks) {
		assert.NoError(t, r.Err)
	}
}

func TestSubmitAbandonsOnContextDone(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Initialize(1, 1))

	release := make(chan struct{})
	var finished atomic.Bool

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, Task{Name: "slow", Class: ClassIO, Fn: func(context.Context) (any, error) {
		<-release
		finished.Store(true)
		return nil, nil
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, finished.Load())

	// Shutdown joins the abandoned task once it finishes on its own.
	close(release)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.True(t, finished.Load())
}

func TestShutdownJoinOrAbandon(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Initialize(1, 1))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = d.Submit(context.Background(), Task{Name: "stuck", Class: ClassIO, Fn: func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		}})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestShutdownHonorsDeadlineWithFullQueue(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Initialize(1, 1))

	release := make(chan struct{})
	blocked := func(context.Context) (any, error) {
		<-release
		return nil, nil
	}

	// One running, a full queue behind it and one more caller waiting to
	// enqueue.
	queueCap := cap(d.io.jobs)
	total := queueCap + 2
	errs := make(chan error, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Submit(context.Background(), Task{Name: "blocked", Class: ClassIO, Fn: blocked})
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		s := d.Stats().IO
		return s.Active == 1 && s.Queued == queueCap
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	wg.Wait()
	close(errs)

	shutdown := 0
	for err := range errs {
		if errors.Is(err, errdefs.ErrShutdown) {
			shutdown++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, shutdown, "only the caller that never got a queue slot is turned away")
}

func TestShutdownIdleWithExpiredContext(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Initialize(2, 2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, d.Shutdown(ctx))
}

func TestSubmitAfterShutdown(t *testing.T) {
	d := newDispatcher(t, Options{}, 1, 1)
	require.NoError(t, d.Shutdown(context.Background()))
	require.NoError(t, d.Shutdown(context.Background()), "second shutdown is a no-op")

	_, err := d.Submit(context.Background(), Task{Fn: value(1)})
	assert.ErrorIs(t, err, errdefs.ErrShutdown)
	assert.ErrorIs(t, d.Initialize(1, 1), errdefs.ErrShutdown)

	results := d.SubmitBatch(context.Background(), []Task{{Fn: value(1)}, {Fn: value(2)}})
	for _, r := range results {
		assert.ErrorIs(t, r.Err, errdefs.ErrShutdown)
	}
	assert.True(t, d.Stats().Shutdown)
}

func TestShutdownBeforeInitialize(t *testing.T) {
	d := New(Options{})
	require.NoError(t, d.Shutdown(context.Background()))
	_, err := d.Submit(context.Background(), Task{Fn: value(1)})
	assert.ErrorIs(t, err, errdefs.ErrShutdown)
}

func TestHealthCheck(t *testing.T) {
	d := New(Options{})
	report := d.HealthCheck(context.Background())
	assert.True(t, report.Healthy())
	assert.True(t, report.IO.OK)
	assert.True(t, report.CPU.OK)

	require.NoError(t, d.Shutdown(context.Background()))
	report = d.HealthCheck(context.Background())
	assert.False(t, report.Healthy())
	assert.Equal(t, "degraded", report.Status)
	assert.NotEmpty(t, report.IO.Error)
}

func TestObserverSeesEveryTask(t *testing.T) {
	rec := &sampleRecorder{}
	d := newDispatcher(t, Options{Observer: rec}, 2, 1)

	d.SubmitBatch(context.Background(), []Task{
		{Name: "kmeans", Fn: value(1)},
		{Name: "kmeans", Fn: func(context.Context) (any, error) { return nil, errors.New("diverged") }},
		{Fn: value(nil)},
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []bool{true, false}, rec.samples["dispatch.kmeans"])
	assert.Equal(t, []bool{true}, rec.samples["dispatch.anonymous"])
}
