package loop

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a Scheduler driven by hand: time only moves on Advance and queued
// functions only run on Flush or Advance, on the caller's goroutine.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
	queue  []func()
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	m       *Manual
	when    time.Time
	seq     int
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	pending := !t.stopped
	t.stopped = true
	return pending
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Post(fn func()) bool {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	return true
}

// Do runs queued work, then fn, then whatever fn queued, all inline.
func (m *Manual) Do(_ context.Context, fn func()) error {
	m.Flush()
	fn()
	m.Flush()
	return nil
}

// Flush runs queued functions, including ones queued while flushing.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves time forward by d, firing due timers in deadline order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.Flush()
		t := m.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
	m.Flush()
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.Slice(m.timers, func(i, j int) bool {
		if m.timers[i].when.Equal(m.timers[j].when) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].when.Before(m.timers[j].when)
	})
	if len(m.timers) == 0 || m.timers[0].when.After(target) {
		return nil
	}
	t := m.timers[0]
	t.stopped = true
	if t.when.After(m.now) {
		m.now = t.when
	}
	return t
}

// Pending returns the number of timers still waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
