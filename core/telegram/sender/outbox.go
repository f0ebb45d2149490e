// Package sender delivers outbound Telegram calls from a worker pool that
// honours the global bot send rate and keeps messages to one chat in order.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/m3rciful/taxibot/core/httpclient"
	"github.com/m3rciful/taxibot/core/logger"

	tele "gopkg.in/telebot.v4"
)

var (
	// ErrClosed is returned by Post after Close.
	ErrClosed = errors.New("sender: outbox closed")
	// ErrFull is returned by Post when the lane of the job has no room.
	ErrFull = errors.New("sender: outbox full")

	tokenRe = regexp.MustCompile(`bot[0-9]+:[A-Za-z0-9_-]+`)
)

// Options tunes an Outbox. Zero values take defaults.
type Options struct {
	Workers int
	// Buffer is the queue length of each worker lane.
	Buffer int
	// PerSecond caps sends across all workers.
	PerSecond float64
	Attempts  int
	Backoff   time.Duration
	// Timeout bounds one job including retries.
	Timeout time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.PerSecond <= 0 {
		o.PerSecond = 25
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
}

// Job is one outbound call. Jobs sharing a Chat run in posting order.
type Job struct {
	Kind string
	Chat int64
	Run  func(ctx context.Context) error
}

type task struct {
	ctx context.Context
	job Job
}

// Outbox is safe for concurrent use.
type Outbox struct {
	opts    Options
	limiter *rate.Limiter
	lanes   []chan task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	sent   atomic.Uint64
	failed atomic.Uint64
}

// New starts the workers of an Outbox.
func New(opts Options) *Outbox {
	opts.defaults()
	o := &Outbox{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.PerSecond), 1),
		lanes:   make([]chan task, opts.Workers),
	}
	o.wg.Add(opts.Workers)
	for i := range o.lanes {
		o.lanes[i] = make(chan task, opts.Buffer)
		go o.work(o.lanes[i])
	}
	return o
}

// Post queues j without blocking. The job keeps the values of ctx but not
// its cancellation, since it usually outlives the handler that posted it.
func (o *Outbox) Post(ctx context.Context, j Job) error {
	if j.Run == nil {
		return errors.New("sender: job without Run")
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return ErrClosed
	}
	select {
	case o.lanes[o.lane(j.Chat)] <- task{ctx: context.WithoutCancel(ctx), job: j}:
		return nil
	default:
		return ErrFull
	}
}

func (o *Outbox) lane(chat int64) int {
	if chat < 0 {
		chat = -chat
	}
	return int(uint64(chat) % uint64(len(o.lanes)))
}

// Pending counts queued jobs not yet started.
func (o *Outbox) Pending() int {
	n := 0
	for _, l := range o.lanes {
		n += len(l)
	}
	return n
}

// Sent and Failed count finished jobs.
func (o *Outbox) Sent() uint64   { return o.sent.Load() }
func (o *Outbox) Failed() uint64 { return o.failed.Load() }

// Close stops accepting jobs and waits until queued ones are delivered.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for _, l := range o.lanes {
		close(l)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Outbox) work(lane <-chan task) {
	defer o.wg.Done()
	for t := range lane {
		o.deliver(t)
	}
}

func (o *Outbox) deliver(t task) {
	ctx, cancel := context.WithTimeout(t.ctx, o.opts.Timeout)
	defer cancel()

	start := time.Now()
	attempt, err := 0, error(nil)
	for attempt < o.opts.Attempts {
		attempt++
		if err = o.limiter.Wait(ctx); err != nil {
			break
		}
		if err = t.job.Run(ctx); err == nil {
			break
		}
		wait, again := retryAfter(err, o.opts.Backoff, attempt)
		if !again || attempt == o.opts.Attempts {
			break
		}
		logger.Debug(ctx, logger.CompTGSender, "send.retry",
			slog.String("status", "retry"),
			slog.String("kind", t.job.Kind),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("err_kind", errKind(err)),
		)
		if err = pause(ctx, wait); err != nil {
			break
		}
	}

	attrs := []slog.Attr{
		slog.String("kind", t.job.Kind),
		slog.Int("attempts", attempt),
		slog.Duration("duration", logger.Took(start)),
	}
	if t.job.Chat != 0 {
		attrs = append(attrs, slog.Int64("to", t.job.Chat))
	}
	if err != nil {
		o.failed.Add(1)
		attrs = append(attrs,
			slog.String("status", "fail"),
			slog.String("err", logger.SanitizeLimit(redact(err), 512)),
			slog.String("err_kind", errKind(err)),
		)
		logger.Error(ctx, logger.CompTGSender, "send.done", attrs...)
		return
	}
	o.sent.Add(1)
	logger.Debug(ctx, logger.CompTGSender, "send.done", append(attrs, slog.String("status", "ok"))...)
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfter reports whether a failed call is worth repeating and when.
// Flood control dictates its own wait; server errors and transient network
// failures back off linearly.
func retryAfter(err error, backoff time.Duration, attempt int) (time.Duration, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		if flood.RetryAfter > 0 {
			return time.Duration(flood.RetryAfter) * time.Second, true
		}
		return backoff, true
	}
	var api *tele.Error
	if errors.As(err, &api) {
		return backoff * time.Duration(attempt), api.Code >= 500
	}
	return backoff * time.Duration(attempt), httpclient.ShouldRetry(err)
}

func errKind(err error) string {
	var (
		flood tele.FloodError
		api   *tele.Error
		nerr  net.Error
	)
	switch {
	case errors.As(err, &flood):
		return "flood"
	case errors.As(err, &api):
		return fmt.Sprintf("api_%dxx", api.Code/100)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &nerr) && nerr.Timeout():
		return "timeout"
	case httpclient.ShouldRetry(err):
		return "network"
	}
	return "other"
}

// redact keeps bot tokens embedded in request URLs out of the logs.
func redact(err error) string {
	return tokenRe.ReplaceAllString(err.Error(), "bot<redacted>")
}
