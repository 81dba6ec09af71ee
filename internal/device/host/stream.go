package host

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fxnlabs/sgemm-bench/internal/device"
)

type task struct {
	op string
	// always tasks run even after the stream has failed; event records use it so that waiters
	// are released.
	always bool
	fn     func() error
}

// stream executes queued work in order on a single goroutine. The first failure is sticky:
// later work is skipped and every synchronization point reports it.
type stream struct {
	tasks   chan task
	pending sync.WaitGroup
	done    chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func newStream(depth int) *stream {
	s := &stream{
		tasks: make(chan task, depth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for t := range s.tasks {
		if t.always || s.failure() == nil {
			if err := s.exec(t); err != nil {
				s.fail(err)
			}
		}
		s.pending.Done()
	}
}

func (s *stream) exec(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &device.Error{Op: t.op, Status: device.StatusLaunchFailed, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()
	return t.fn()
}

func (s *stream) enqueue(op string, always bool, fn func() error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending.Add(1)
	s.mu.Unlock()
	s.tasks <- task{op: op, always: always, fn: fn}
	return true
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *stream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// wait blocks until all queued work has run and returns the sticky failure, if any.
func (s *stream) wait() error {
	s.pending.Wait()
	return s.failure()
}

func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.pending.Wait()
	close(s.tasks)
	<-s.done
}

// Event is a timing marker on a context's stream.
type Event struct {
	ctx *Context

	mu        sync.Mutex
	reached   chan struct{}
	at        time.Time
	destroyed bool
}

var _ device.Event = (*Event)(nil)

func (e *Event) Record() error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return device.NewError("cuEventRecord", device.StatusInvalidHandle, "event destroyed")
	}
	reached := make(chan struct{})
	e.reached = reached
	e.mu.Unlock()

	ok := e.ctx.stream.enqueue("cuEventRecord", true, func() error {
		e.mu.Lock()
		e.at = time.Now()
		e.mu.Unlock()
		close(reached)
		return nil
	})
	if !ok {
		return device.NewError("cuEventRecord", device.StatusInvalidContext, "")
	}
	return nil
}

func (e *Event) Synchronize() error {
	e.mu.Lock()
	reached := e.reached
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return device.NewError("cuEventSynchronize", device.StatusInvalidHandle, "event destroyed")
	}
	if reached == nil {
		return nil
	}
	<-reached
	if err := e.ctx.stream.failure(); err != nil {
		return e.ctx.asyncError("cuEventSynchronize", err)
	}
	return nil
}

func (e *Event) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return device.NewError("cuEventDestroy", device.StatusInvalidHandle, "already destroyed")
	}
	e.destroyed = true
	return nil
}

// timestamp returns the time the stream reached the last record of e.
func (e *Event) timestamp() (time.Time, device.Status) {
	e.mu.Lock()
	reached := e.reached
	e.mu.Unlock()
	if reached == nil {
		return time.Time{}, device.StatusInvalidHandle
	}
	select {
	case <-reached:
	default:
		return time.Time{}, device.StatusNotReady
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.at, device.StatusSuccess
}

func callerOf(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
