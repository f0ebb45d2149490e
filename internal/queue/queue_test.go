package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCapsConcurrency(t *testing.T) {
	q := New(Options{Concurrency: 5, Delay: 100 * time.Millisecond})
	require.NoError(t, q.Start(context.Background()))
	defer func() { _ = q.Stop(context.Background()) }()

	var (
		running atomic.Int32
		peak    atomic.Int32
		done    sync.WaitGroup
	)
	for i := 0; i < 12; i++ {
		done.Add(1)
		q.Enqueue(Task{Name: "work", Run: func(context.Context) error {
			defer done.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil
		}})
	}
	done.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(5))
	assert.Positive(t, peak.Load())
	assert.LessOrEqual(t, q.Active(), 5)
}

func TestQueueSurvivesErrorsAndPanics(t *testing.T) {
	obs := &recorder{}
	q := New(Options{Concurrency: 1, Observer: obs})
	require.NoError(t, q.Start(context.Background()))

	ran := make(chan string, 3)
	q.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	q.Enqueue(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }})
	q.Enqueue(Task{Name: "ok", Run: func(context.Context) error { ran <- "ok"; return nil }})

	select {
	case name := <-ran:
		assert.Equal(t, "ok", name)
	case <-time.After(2 * time.Second):
		t.Fatal("task after panic never ran")
	}
	require.NoError(t, q.Stop(context.Background()))

	results := obs.results()
	require.Len(t, results, 3)
	assert.ErrorContains(t, results["panics"], "panic: boom")
	assert.EqualError(t, results["fails"], "nope")
	assert.NoError(t, results["ok"])
}

func TestQueueWaitsForWork(t *testing.T) {
	q := New(Options{Concurrency: 2})
	require.NoError(t, q.Start(context.Background()))
	defer func() { _ = q.Stop(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	ran := make(chan struct{})
	q.Enqueue(Task{Name: "late", Run: func(context.Context) error { close(ran); return nil }})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("idle queue did not wake up")
	}
}

func TestQueueStopDropsBacklogAndFinishesInFlight(t *testing.T) {
	q := New(Options{Concurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Start(ctx))

	started := make(chan struct{})
	release := make(chan struct{})
	var taskCtxErr error
	q.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		<-release
		taskCtxErr = ctx.Err()
		return nil
	}})
	<-started
	var late atomic.Bool
	q.Enqueue(Task{Name: "pending", Run: func(context.Context) error { late.Store(true); return nil }})
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Active())

	cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()
	close(release)
	require.NoError(t, <-stopped)

	assert.NoError(t, taskCtxErr)
	assert.False(t, late.Load())
	assert.Zero(t, q.Len())

	q.Enqueue(Task{Name: "after-stop", Run: func(context.Context) error { return nil }})
	assert.Zero(t, q.Len())
}

func TestQueueStartTwice(t *testing.T) {
	q := New(Options{})
	require.NoError(t, q.Start(context.Background()))
	assert.ErrorIs(t, q.Start(context.Background()), ErrStarted)
	require.NoError(t, q.Stop(context.Background()))
}

type recorder struct {
	mu  sync.Mutex
	out map[string]error
}

func (r *recorder) ObserveQueue(int, int) {}

func (r *recorder) ObserveTask(name string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		r.out = map[string]error{}
	}
	r.out[name] = err
}

func (r *recorder) results() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out
}
