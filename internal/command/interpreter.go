package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pagepilot/internal/bus"
	"pagepilot/internal/loop"
	"pagepilot/internal/mangle"
	"pagepilot/internal/metrics"

	"go.uber.org/zap"
)

const drainKey = "command:drain"

// Executor applies one canonical action.
type Executor interface {
	Execute(ctx context.Context, a Action) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Action) error

func (f ExecutorFunc) Execute(ctx context.Context, a Action) error { return f(ctx, a) }

// FactSink receives execution facts.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Options configures an Interpreter.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Facts       FactSink
	Pacing      time.Duration
	HistorySize int
}

// Interpreter queues normalized actions and drains them one at a time with
// a fixed pacing delay between executions. All methods except History and
// Pending must run on the loop.
type Interpreter struct {
	bus     *bus.Bus
	exec    Executor
	tasks   *loop.Tasks
	sched   loop.Scheduler
	log     *zap.Logger
	metrics *metrics.Metrics
	facts   FactSink
	pacing  time.Duration
	limit   int

	ctx  context.Context
	subs []bus.Subscription

	mu       sync.RWMutex
	queue    []Action
	draining bool
	seq      int
	history  []Execution
	dropped  int
}

// NewInterpreter creates an interpreter executing through exec.
func NewInterpreter(b *bus.Bus, sched loop.Scheduler, exec Executor, opts Options) *Interpreter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pacing <= 0 {
		opts.Pacing = 200 * time.Millisecond
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	return &Interpreter{
		bus:     b,
		exec:    exec,
		tasks:   loop.NewTasks(sched),
		sched:   sched,
		log:     opts.Logger.Named("command"),
		metrics: opts.Metrics,
		facts:   opts.Facts,
		pacing:  opts.Pacing,
		limit:   opts.HistorySize,
		ctx:     context.Background(),
	}
}

// Start subscribes to decision output and direct command topics. ctx is
// passed to every execution.
func (in *Interpreter) Start(ctx context.Context) {
	in.ctx = ctx
	in.subs = append(in.subs,
		in.bus.OnFunc(bus.TopicResponseReceived, func(ev bus.Event) { in.Interpret(ev.Payload) }),
		in.bus.OnFunc(bus.TopicCommand, func(ev bus.Event) { in.Enqueue(ev.Payload) }),
	)
}

// Close drops subscriptions and any pending drain tick.
func (in *Interpreter) Close() {
	for _, s := range in.subs {
		s.Cancel()
	}
	in.subs = nil
	in.tasks.Cancel(drainKey)
}

// Interpret extracts every command from payload and enqueues it. It returns
// the number of commands accepted.
func (in *Interpreter) Interpret(payload interface{}) int {
	if s, ok := payload.(interface{ IsStale() bool }); ok && s.IsStale() {
		in.log.Debug("interpreting stale response")
	}
	n := 0
	for _, raw := range ExtractCommands(payload) {
		if in.Enqueue(raw) {
			n++
		}
	}
	return n
}

// Enqueue normalizes raw and appends it to the FIFO, starting the drain
// loop when idle. Unrecognized commands are dropped with a warning.
func (in *Interpreter) Enqueue(raw interface{}) bool {
	a, ok := Normalize(raw)
	if !ok {
		in.mu.Lock()
		in.dropped++
		in.mu.Unlock()
		in.log.Warn("dropping command with unknown kind", zap.Any("raw", raw))
		return false
	}

	in.mu.Lock()
	in.queue = append(in.queue, a)
	start := !in.draining
	in.draining = true
	in.mu.Unlock()

	if start {
		in.setBusy(true)
		in.tasks.Schedule(drainKey, 0, in.drainOne)
	}
	return true
}

// drainOne executes the head of the queue, then keeps the loop alive for
// one pacing interval so the next execution is spaced even if it arrives
// later.
func (in *Interpreter) drainOne() {
	in.mu.Lock()
	if len(in.queue) == 0 {
		in.draining = false
		in.mu.Unlock()
		in.setBusy(false)
		return
	}
	a := in.queue[0]
	in.queue = in.queue[1:]
	in.mu.Unlock()

	in.run(a)
	in.tasks.Schedule(drainKey, in.pacing, in.drainOne)
}

func (in *Interpreter) run(a Action) {
	in.mu.Lock()
	in.seq++
	ex := Execution{Seq: in.seq, Action: a}
	in.mu.Unlock()

	err := in.safeExecute(a)
	switch {
	case err == nil:
		ex.Status = StatusOK
	case errors.Is(err, ErrSkipped):
		ex.Status = StatusSkipped
		ex.Error = err.Error()
		in.log.Warn("command skipped", zap.String("kind", string(a.Kind)), zap.String("target", a.TargetSelector), zap.Error(err))
	default:
		ex.Status = StatusFailed
		ex.Error = err.Error()
		in.log.Error("command failed", zap.String("kind", string(a.Kind)), zap.Error(err))
	}
	ex.At = in.sched.Now()

	in.mu.Lock()
	in.history = append(in.history, ex)
	if len(in.history) > in.limit {
		in.history = in.history[len(in.history)-in.limit:]
	}
	in.mu.Unlock()

	in.metrics.CommandExecuted(string(a.Kind), string(ex.Status))
	in.publish(ex)
	if in.bus != nil {
		in.bus.Emit(bus.TopicCommandExecuted, ex)
	}
}

func (in *Interpreter) safeExecute(a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic executing %s: %v", a.Kind, r)
		}
	}()
	if in.exec == nil {
		return fmt.Errorf("no executor for %s", a.Kind)
	}
	return in.exec.Execute(in.ctx, a)
}

func (in *Interpreter) publish(ex Execution) {
	if in.facts == nil {
		return
	}
	f := mangle.Fact{
		Predicate: "command_executed",
		Args:      []interface{}{ex.Seq, string(ex.Action.Kind), ex.Action.TargetSelector, string(ex.Status)},
		Timestamp: ex.At,
	}
	if err := in.facts.AddFacts(in.ctx, []mangle.Fact{f}); err != nil {
		in.log.Warn("publish command fact", zap.Error(err))
	}
}

func (in *Interpreter) setBusy(busy bool) {
	if in.bus != nil {
		in.bus.UpdateState(bus.Patch{Busy: bus.Bool(busy)})
	}
}

// History returns the bounded execution history, oldest first.
func (in *Interpreter) History() []Execution {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]Execution(nil), in.history...)
}

// Pending returns the number of queued actions.
func (in *Interpreter) Pending() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.queue)
}

// Dropped returns how many commands were rejected by normalization.
func (in *Interpreter) Dropped() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.dropped
}
