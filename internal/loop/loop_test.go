package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = l.Run(ctx)
	}()
	return l, func() {
		cancel()
		wg.Wait()
	}
}

func TestLoopRunsPostedTasksInOrder(t *testing.T) {
	l, stop := startLoop(t)
	defer stop()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoopRecoversPanickingTask(t *testing.T) {
	l, stop := startLoop(t)
	defer stop()

	l.Post(func() { panic("boom") })
	ran := false
	require.NoError(t, l.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestLoopAfterCancel(t *testing.T) {
	l, stop := startLoop(t)
	defer stop()

	fired := make(chan struct{}, 2)
	var h Handle
	require.NoError(t, l.Do(context.Background(), func() {
		h = l.After(100*time.Millisecond, func() { fired <- struct{}{} })
	}))
	require.NoError(t, l.Do(context.Background(), func() {
		assert.True(t, h.Cancel())
		assert.False(t, h.Cancel())
	}))

	l.After(5*time.Millisecond, func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("uncancelled timer never fired")
	}
	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLoopDoAfterStop(t *testing.T) {
	l, stop := startLoop(t)
	stop()
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrStopped)
}

func TestManualAdvanceFiresInDueOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var got []string
	m.After(30*time.Millisecond, func() { got = append(got, "c") })
	m.After(10*time.Millisecond, func() { got = append(got, "a") })
	m.After(10*time.Millisecond, func() { got = append(got, "b") })

	m.Advance(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 1, m.Pending())

	m.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, m.Pending())
}

func TestManualTimerSeesVirtualTime(t *testing.T) {
	start := time.Unix(100, 0)
	m := NewManual(start)
	var at time.Time
	m.After(time.Second, func() { at = m.Now() })
	m.Advance(5 * time.Second)
	assert.Equal(t, start.Add(time.Second), at)
	assert.Equal(t, start.Add(5*time.Second), m.Now())
}

func TestTasksReplaceCancelsPrevious(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tasks := NewTasks(m)

	var got []int
	tasks.Schedule("k", 100*time.Millisecond, func() { got = append(got, 1) })
	tasks.Schedule("k", 100*time.Millisecond, func() { got = append(got, 2) })

	assert.Equal(t, 1, m.Pending())
	assert.Equal(t, 1, tasks.Len())

	m.Advance(time.Second)
	assert.Equal(t, []int{2}, got)
	assert.False(t, tasks.Pending("k"))
}

func TestTasksCancelPrefix(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tasks := NewTasks(m)
	tasks.Schedule("effect:a", time.Second, func() {})
	tasks.Schedule("effect:b", time.Second, func() {})
	tasks.Schedule("input:x", time.Second, func() {})

	assert.Equal(t, []string{"effect:a", "effect:b"}, tasks.Keys("effect:"))
	assert.Equal(t, 2, tasks.CancelPrefix("effect:"))
	assert.Equal(t, 1, tasks.Len())
	assert.False(t, tasks.Cancel("effect:a"))
}

func TestTasksRescheduleFromCallback(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tasks := NewTasks(m)
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			tasks.Schedule("tick", 10*time.Millisecond, tick)
		}
	}
	tasks.Schedule("tick", 10*time.Millisecond, tick)
	m.Advance(100 * time.Millisecond)
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, tasks.Len())
}
