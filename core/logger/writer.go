package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
)

// lineWriter hands formatted lines to a single goroutine that fans them out
// to every sink. A sink that fails is detached so the remaining ones keep
// receiving output; its error is reported by Flush and Close.
type lineWriter struct {
	lines chan line
	done  chan struct{}
	close sync.Once

	mu    sync.Mutex
	sinks []*sinkState
}

type sinkState struct {
	w   *bufio.Writer
	err error
}

// line is either a payload or, when ack is set, a flush barrier.
type line struct {
	data []byte
	ack  chan error
}

func newLineWriter(writers []io.Writer, bufSize int) *lineWriter {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	lw := &lineWriter{
		lines: make(chan line, 256),
		done:  make(chan struct{}),
	}
	for _, w := range writers {
		if w != nil {
			lw.sinks = append(lw.sinks, &sinkState{w: bufio.NewWriterSize(w, bufSize)})
		}
	}
	go lw.run()
	return lw
}

func (lw *lineWriter) run() {
	defer close(lw.done)
	for l := range lw.lines {
		if l.ack != nil {
			l.ack <- lw.flush()
			continue
		}
		lw.write(l.data)
	}
	lw.flush()
}

// Write queues a copy of p. It blocks only when the queue is full, so a
// burst never drops lines.
func (lw *lineWriter) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	lw.lines <- line{data: append([]byte(nil), p...)}
	return nil
}

// Flush waits until every line queued before the call reached the sinks.
func (lw *lineWriter) Flush() error {
	ack := make(chan error, 1)
	lw.lines <- line{ack: ack}
	return <-ack
}

// Close drains the queue and stops the writer goroutine.
func (lw *lineWriter) Close() error {
	lw.close.Do(func() { close(lw.lines) })
	<-lw.done
	return lw.failures()
}

func (lw *lineWriter) write(p []byte) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	for _, s := range lw.sinks {
		if s.err != nil {
			continue
		}
		if _, err := s.w.Write(p); err != nil {
			s.err = err
			continue
		}
		s.err = s.w.Flush()
	}
}

func (lw *lineWriter) flush() error {
	lw.mu.Lock()
	for _, s := range lw.sinks {
		if s.err == nil {
			s.err = s.w.Flush()
		}
	}
	lw.mu.Unlock()
	return lw.failures()
}

func (lw *lineWriter) failures() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	var errs []error
	for i, s := range lw.sinks {
		if s.err != nil {
			errs = append(errs, fmt.Errorf("log sink %d: %w", i, s.err))
		}
	}
	return errors.Join(errs...)
}
