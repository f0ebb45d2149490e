// Package queue runs background tasks with a fixed concurrency cap.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/m3rciful/taxibot/core/logger"
)

const (
	// DefaultConcurrency caps tasks running at once.
	DefaultConcurrency = 5
	// DefaultDelay is the pause after each task before its slot is freed.
	DefaultDelay = 500 * time.Millisecond
)

// ErrStarted is returned by Start on a queue that is already running.
var ErrStarted = errors.New("queue: already started")

// Task is one unit of background work. Tasks are not retried.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Observer receives queue gauges and task outcomes.
type Observer interface {
	ObserveQueue(pending, active int)
	ObserveTask(name string, err error, took time.Duration)
}

// Options configures a Queue.
type Options struct {
	Concurrency int
	Delay       time.Duration
	Observer    Observer
}

// Queue is an unbounded FIFO backlog drained by at most Concurrency
// goroutines. Enqueue never blocks.
type Queue struct {
	concurrency int64
	delay       time.Duration
	observer    Observer
	sem         *semaphore.Weighted
	wake        chan struct{}

	mu      sync.Mutex
	backlog []Task
	started bool
	stopped bool
	cancel  context.CancelFunc
	loopEnd chan struct{}
	taskCtx context.Context

	active atomic.Int64
	wg     sync.WaitGroup
}

// New builds a stopped Queue.
func New(opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return &Queue{
		concurrency: int64(opts.Concurrency),
		delay:       opts.Delay,
		observer:    opts.Observer,
		sem:         semaphore.NewWeighted(int64(opts.Concurrency)),
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue appends a task to the backlog. After Stop the task is dropped.
func (q *Queue) Enqueue(t Task) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		logger.Warn(context.Background(), logger.CompQueue, "queue.enqueue",
			slog.String("status", "skip"),
			slog.String("task", t.Name),
			slog.String("reason", "stopped"),
		)
		return
	}
	q.backlog = append(q.backlog, t)
	pending := len(q.backlog)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	logger.Debug(context.Background(), logger.CompQueue, "queue.enqueue",
		slog.String("status", "ok"),
		slog.String("task", t.Name),
		slog.Int("queue_len", pending),
	)
	q.observe(pending)
}

// Len returns the number of tasks waiting for a slot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Active returns the number of tasks holding a slot.
func (q *Queue) Active() int {
	return int(q.active.Load())
}

// Start launches the dispatch loop. Tasks run with a context derived from
// ctx that is not cancelled when ctx is.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	q.started = true
	q.cancel = cancel
	q.loopEnd = make(chan struct{})
	q.taskCtx = context.WithoutCancel(ctx)
	go q.loop(loopCtx)

	logger.Info(ctx, logger.CompQueue, "queue.start",
		slog.String("status", "ok"),
		slog.Int64("concurrency", q.concurrency),
		slog.Duration("delay", q.delay),
	)
	return nil
}

// Stop ends dispatching, drops the backlog and waits for in-flight tasks
// until ctx is done.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	cancel, loopEnd := q.cancel, q.loopEnd
	q.mu.Unlock()

	if cancel != nil {
		cancel()
		<-loopEnd
	}

	q.mu.Lock()
	dropped := len(q.backlog)
	q.backlog = nil
	q.mu.Unlock()
	if dropped > 0 {
		logger.Warn(ctx, logger.CompQueue, "queue.drop",
			slog.String("status", "skip"),
			slog.Int("queue_len", dropped),
		)
	}
	q.observe(0)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info(ctx, logger.CompQueue, "queue.stop", slog.String("status", "ok"))
		return nil
	case <-ctx.Done():
		logger.Warn(ctx, logger.CompQueue, "queue.stop",
			slog.String("status", "fail"),
			slog.Int("active", q.Active()),
		)
		return ctx.Err()
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.loopEnd)
	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		t, ok := q.pop()
		for !ok {
			select {
			case <-q.wake:
			case <-ctx.Done():
				q.sem.Release(1)
				return
			}
			t, ok = q.pop()
		}
		q.active.Add(1)
		q.wg.Add(1)
		go q.run(t)
	}
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return Task{}, false
	}
	t := q.backlog[0]
	q.backlog[0] = Task{}
	q.backlog = q.backlog[1:]
	return t, true
}

func (q *Queue) run(t Task) {
	defer q.wg.Done()
	defer q.sem.Release(1)
	defer func() {
		q.active.Add(-1)
		q.observe(q.Len())
	}()
	q.observe(q.Len())

	start := time.Now()
	err := q.execute(t)
	took := logger.RoundMS(time.Since(start))
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("task", t.Name),
		slog.Duration("took", took),
	}
	if err != nil {
		attrs = append(attrs, logger.Err(err))
		logger.Warn(q.taskCtx, logger.CompQueue, "queue.task", attrs...)
	} else {
		logger.Debug(q.taskCtx, logger.CompQueue, "queue.task", attrs...)
	}
	if q.observer != nil {
		q.observer.ObserveTask(t.Name, err, took)
	}

	if q.delay > 0 {
		time.Sleep(q.delay)
	}
}

func (q *Queue) execute(t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if t.Run == nil {
		return errors.New("nil task")
	}
	return t.Run(q.taskCtx)
}

func (q *Queue) observe(pending int) {
	if q.observer != nil {
		q.observer.ObserveQueue(pending, q.Active())
	}
}
