package loop

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Tasks keeps at most one pending callback per logical key. Schedule always
// cancels the previous handle for the key before creating the next one.
type Tasks struct {
	sched Scheduler

	mu      sync.Mutex
	handles map[string]*keyedHandle
}

type keyedHandle struct {
	inner Handle
}

// NewTasks binds a keyed task table to a scheduler.
func NewTasks(sched Scheduler) *Tasks {
	return &Tasks{
		sched:   sched,
		handles: make(map[string]*keyedHandle),
	}
}

// Schedule runs fn after d under key, replacing any pending task for key.
func (t *Tasks) Schedule(key string, d time.Duration, fn func()) {
	t.Cancel(key)

	kh := &keyedHandle{}
	t.mu.Lock()
	t.handles[key] = kh
	t.mu.Unlock()

	kh.inner = t.sched.After(d, func() {
		t.mu.Lock()
		if t.handles[key] != kh {
			t.mu.Unlock()
			return
		}
		delete(t.handles, key)
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending task for key. It reports whether one was pending.
func (t *Tasks) Cancel(key string) bool {
	t.mu.Lock()
	kh, ok := t.handles[key]
	if ok {
		delete(t.handles, key)
	}
	t.mu.Unlock()
	if !ok || kh.inner == nil {
		return false
	}
	return kh.inner.Cancel()
}

// CancelPrefix cancels every pending task whose key starts with prefix.
func (t *Tasks) CancelPrefix(prefix string) int {
	n := 0
	for _, key := range t.Keys(prefix) {
		if t.Cancel(key) {
			n++
		}
	}
	return n
}

// Pending reports whether a task is scheduled under key.
func (t *Tasks) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handles[key]
	return ok
}

// Keys returns the sorted pending keys with the given prefix.
func (t *Tasks) Keys(prefix string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.handles))
	for k := range t.handles {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of pending keyed tasks.
func (t *Tasks) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
