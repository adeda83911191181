// Package loop provides the single-threaded runtime every assistant component
// runs on: a serial task queue, cancellable timers and keyed task handles.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("loop stopped")

// Handle is a cancellable pending callback.
type Handle interface {
	// Cancel prevents the callback from running. It reports whether the
	// callback was still pending. Calling it twice is harmless.
	Cancel() bool
}

// Scheduler is the timer and task surface components depend on.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) Handle
	Post(fn func())
}

// Loop executes posted tasks one at a time on a dedicated goroutine.
type Loop struct {
	log *zap.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
	stopped bool
}

// New creates a loop. Call Run to start processing tasks.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		log:  logger.Named("loop"),
		wake: make(chan struct{}, 1),
	}
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// Post enqueues fn to run on the loop after already queued tasks.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After runs fn on the loop once d has elapsed, unless cancelled first.
func (l *Loop) After(d time.Duration, fn func()) Handle {
	h := &timerHandle{}
	h.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if h.fire() {
				fn()
			}
		})
	})
	return h
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is cancelled. Pending tasks are dropped on exit.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("loop already running")
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.running = false
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.runTask(task)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

type timerHandle struct {
	timer *time.Timer
	state atomic.Int32 // 0 pending, 1 fired, 2 cancelled
}

func (h *timerHandle) fire() bool {
	return h.state.CompareAndSwap(0, 1)
}

func (h *timerHandle) Cancel() bool {
	if !h.state.CompareAndSwap(0, 2) {
		return false
	}
	h.timer.Stop()
	return true
}
