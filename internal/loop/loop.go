// Package loop provides the single serial executor every session component
// runs on. Socket events, timers and media callbacks are all posted here, so
// state owned by the components is never touched concurrently.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("loop")

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("loop stopped")

// Timer is a cancellable one-shot timer. Stop reports whether the timer was
// still pending; after Stop the callback never runs.
type Timer interface {
	Stop() bool
}

// Scheduler is what components need from the loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	Post(fn func()) bool
}

// Executor is a Scheduler that can also run fn and wait for it.
type Executor interface {
	Scheduler
	Do(ctx context.Context, fn func()) error
}

// Loop runs posted functions one at a time on the goroutine calling Run.
// The queue is unbounded, so Post never blocks, even from inside a callback.
type Loop struct {
	clk  clock.Clock
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	queue   []func()
	stopped bool
}

// New creates a loop on clk. A nil clock means the wall clock.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		clk:  clk,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		if dropped > 0 {
			log.Debugf("loop exited with %d callback(s) queued", dropped)
		}
		close(l.done)
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
		for {
			fn := l.next()
			if fn == nil {
				break
			}
			l.exec(fn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered panic in loop callback: %v", r)
		}
	}()
	fn()
}

// Post queues fn. Returns false if the loop has exited.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() { defer close(ran); fn() }) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Now() time.Time { return l.clk.Now() }

// AfterFunc fires fn on the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.t = l.clk.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return lt
}

type loopTimer struct {
	t       *clock.Timer
	stopped atomic.Bool
}

func (lt *loopTimer) Stop() bool {
	pending := !lt.stopped.Swap(true)
	if lt.t != nil {
		lt.t.Stop()
	}
	return pending
}
