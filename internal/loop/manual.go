package loop

import (
	"context"
	"sort"
	"time"
)

// Manual is a virtual-time scheduler. Nothing runs until Advance or Flush is
// called, which makes timer-driven behavior deterministic in tests.
type Manual struct {
	now    time.Time
	seq    int
	timers []*manualTimer
	posted []func()
}

type manualTimer struct {
	due       time.Time
	seq       int
	fn        func()
	cancelled bool
	fired     bool
}

func (t *manualTimer) Cancel() bool {
	if t.cancelled || t.fired {
		return false
	}
	t.cancelled = true
	return true
}

// NewManual returns a scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time { return m.now }

// Post queues fn for the next Flush or Advance.
func (m *Manual) Post(fn func()) {
	if fn != nil {
		m.posted = append(m.posted, fn)
	}
}

// After registers a virtual timer.
func (m *Manual) After(d time.Duration, fn func()) Handle {
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{due: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Do runs fn immediately; the test goroutine is the loop.
func (m *Manual) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

// Flush runs posted tasks and timers that are already due.
func (m *Manual) Flush() { m.Advance(0) }

// Advance moves the clock forward by d, running every posted task and every
// timer that falls due, in due order.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		m.runPosted()
		t := m.nextDue(target)
		if t == nil {
			break
		}
		if t.due.After(m.now) {
			m.now = t.due
		}
		t.fired = true
		t.fn()
	}
	m.now = target
	m.runPosted()
	m.compact()
}

// Pending reports how many timers are still scheduled.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

func (m *Manual) runPosted() {
	for len(m.posted) > 0 {
		fn := m.posted[0]
		m.posted = m.posted[1:]
		fn()
	}
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var live []*manualTimer
	for _, t := range m.timers {
		if !t.cancelled && !t.fired && !t.due.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].due.Equal(live[j].due) {
			return live[i].seq < live[j].seq
		}
		return live[i].due.Before(live[j].due)
	})
	return live[0]
}

func (m *Manual) compact() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.cancelled && !t.fired {
			kept = append(kept, t)
		}
	}
	m.timers = kept
}
