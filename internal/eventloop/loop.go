// Package eventloop provides a single-threaded cooperative host. Tasks run one
// at a time on the goroutine that called Run, which is locked to its OS
// thread for the lifetime of the loop.
//
// Other goroutines hand work to the loop in two ways. Post queues an ordinary
// task. RequestInterrupt queues a callback that runs at the next safe point:
// the start of the next loop turn, or earlier when the running task calls
// SafePoint. Interrupts always run before any queued task.
package eventloop

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Option customises a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for task diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSlowTaskThreshold logs a warning for every task that keeps the loop
// busy for longer than d. Zero disables the warning.
func WithSlowTaskThreshold(d time.Duration) Option {
	return func(l *Loop) {
		l.slowTask = d
	}
}

type task struct {
	name string
	fn   func()
}

// Loop is a cooperative scheduler. The zero value is not usable; call New.
type Loop struct {
	logger   *slog.Logger
	slowTask time.Duration

	mu         sync.Mutex
	tasks      []task
	interrupts []func()

	wake        chan struct{}
	interrupted chan struct{}

	running atomic.Bool
	current atomic.Value
}

// New constructs an idle loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		wake:        make(chan struct{}, 1),
		interrupted: make(chan struct{}, 1),
	}
	l.current.Store("")
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues fn to run on the loop. It never blocks.
func (l *Loop) Post(name string, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, task{name: name, fn: fn})
	l.mu.Unlock()
	signal(l.wake)
}

// RequestInterrupt queues fn to run on the loop at its next safe point. It
// never blocks and may be called from any goroutine.
func (l *Loop) RequestInterrupt(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.interrupts = append(l.interrupts, fn)
	l.mu.Unlock()
	signal(l.interrupted)
	signal(l.wake)
}

// Interrupted fires when an interrupt is pending. Tasks that block for a long
// time select on it and call SafePoint when it fires.
func (l *Loop) Interrupted() <-chan struct{} {
	return l.interrupted
}

// SafePoint runs every pending interrupt and returns how many ran. It must
// only be called from the loop goroutine.
func (l *Loop) SafePoint() int {
	select {
	case <-l.interrupted:
	default:
	}

	l.mu.Lock()
	pending := l.interrupts
	l.interrupts = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

// Current returns the name of the task being executed, or "" when idle.
func (l *Loop) Current() string {
	return l.current.Load().(string)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Run executes tasks until ctx is cancelled. Run returns nil on cancellation;
// queued tasks that did not start are discarded.
func (l *Loop) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.running.Store(true)
	defer l.running.Store(false)

	for {
		if ctx.Err() != nil {
			return nil
		}
		l.SafePoint()

		if t, ok := l.next(); ok {
			l.execute(t)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) next() (task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return task{}, false
	}
	t := l.tasks[0]
	l.tasks[0] = task{}
	l.tasks = l.tasks[1:]
	return t, true
}

func (l *Loop) execute(t task) {
	l.current.Store(t.name)
	defer l.current.Store("")

	started := time.Now()
	t.fn()
	if l.slowTask > 0 {
		if elapsed := time.Since(started); elapsed > l.slowTask {
			l.logger.Warn("slow task blocked the loop", "task", t.name, "elapsed", elapsed)
		}
	}
}

// Every posts fn every interval until ctx is cancelled. A tick is skipped
// while the previous run is still queued or executing, so a blocked loop
// does not accumulate a backlog.
func (l *Loop) Every(ctx context.Context, name string, interval time.Duration, fn func()) {
	if fn == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var pending atomic.Bool
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !pending.CompareAndSwap(false, true) {
					continue
				}
				l.Post(name, func() {
					defer pending.Store(false)
					fn()
				})
			}
		}
	}()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
