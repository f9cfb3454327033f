// Package watchdog terminates the process when a cooperative host loop stops
// responding.
//
// The host proves liveness by calling Ping from its own goroutine. A monitor
// goroutine, locked to a dedicated OS thread, compares the last ping against
// the configured timeout once per second. When the timeout is exceeded the
// monitor asks the host, through an Interrupter, to run the Terminator at its
// next safe point; the Terminator prints a single JSON line to stderr and
// exits with ExitCode.
//
// A gap of more than five seconds between two monitor iterations is treated
// as the whole process having been suspended (for example by machine sleep)
// and resets the liveness timestamp instead of triggering termination.
package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("watchdog already started")
	ErrInvalidTimeout = errors.New("watchdog timeout must be positive")
	ErrNoInterrupter  = errors.New("watchdog requires an interrupter")
)

// Option customises a Watchdog.
type Option func(*Watchdog)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		if now != nil {
			w.now = now
		}
	}
}

// WithSleep overrides how the monitor waits between iterations.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Watchdog) {
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithTerminator replaces the default terminator.
func WithTerminator(t *Terminator) Option {
	return func(w *Watchdog) {
		if t != nil {
			w.terminator = t
		}
	}
}

// WithStackCapturer selects the stack capture variant of the terminator. It
// applies after every option, so it also overrides a WithTerminator given
// later in the list.
func WithStackCapturer(c StackCapturer) Option {
	return func(w *Watchdog) {
		if c != nil {
			w.stack = c
		}
	}
}

// WithExit overrides the function used by Exit and by the terminator. Like
// WithStackCapturer it applies after every option.
func WithExit(exit func(int)) Option {
	return func(w *Watchdog) {
		if exit != nil {
			w.exitOverride = exit
		}
	}
}

// WithObserver registers an observer for monitor iterations and pings.
func WithObserver(o Observer) Option {
	return func(w *Watchdog) {
		w.observer = o
	}
}

// WithLogger sets the logger used by the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watchdog) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Watchdog owns the liveness state of one host loop.
type Watchdog struct {
	bridge     Interrupter
	terminator *Terminator
	clock      PingClock

	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	exit     func(int)
	observer Observer
	logger   *slog.Logger

	stack        StackCapturer
	exitOverride func(int)

	mu      sync.Mutex
	started bool
	timeout time.Duration

	stallRequested atomic.Bool
}

// New constructs a watchdog that delivers termination through bridge.
func New(bridge Interrupter, opts ...Option) *Watchdog {
	w := &Watchdog{
		bridge: bridge,
		terminator: &Terminator{
			Out:   os.Stderr,
			Stack: CurrentStack{},
			Exit:  os.Exit,
		},
		now:    time.Now,
		sleep:  sleepWithContext,
		exit:   os.Exit,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.stack != nil {
		w.terminator.Stack = w.stack
	}
	if w.exitOverride != nil {
		w.exit = w.exitOverride
		w.terminator.Exit = w.exitOverride
	}
	return w
}

// Start records the initial liveness timestamp and launches the monitor. The
// monitor runs until ctx is cancelled; production callers pass a context that
// never ends. Calling Start again returns ErrAlreadyStarted.
func (w *Watchdog) Start(ctx context.Context, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if w.bridge == nil {
		return ErrNoInterrupter
	}
	if timeout <= 0 {
		return ErrInvalidTimeout
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	w.timeout = timeout

	w.clock.Initialize(w.now())
	mon := &monitor{
		clock:    &w.clock,
		timeout:  timeout,
		bridge:   w.bridge,
		onStall:  w.terminator.Terminate,
		now:      w.now,
		sleep:    w.sleep,
		observer: w.observer,
		logger:   w.logger,
		stalled:  func() { w.stallRequested.Store(true) },
	}
	go mon.run(ctx)

	w.logger.Debug("watchdog started", "timeout", timeout)
	return nil
}

// Ping records that the host is alive. Call it from the host goroutine.
func (w *Watchdog) Ping() {
	w.clock.Record(w.now())
	if w.observer != nil {
		w.observer.ObservePing()
	}
}

// Exit terminates the process immediately with code.
func (w *Watchdog) Exit(code int) {
	w.exit(code)
}

// Status is a point-in-time view of the watchdog.
type Status struct {
	Started        bool
	Timeout        time.Duration
	LastPing       time.Time
	Staleness      time.Duration
	StallRequested bool
}

// Stalled reports whether the staleness exceeds the timeout.
func (s Status) Stalled() bool {
	return s.Started && s.Staleness > s.Timeout
}

// Status returns the current liveness view.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	started, timeout := w.started, w.timeout
	w.mu.Unlock()

	st := Status{Started: started, Timeout: timeout, StallRequested: w.stallRequested.Load()}
	if !started {
		return st
	}
	last := w.clock.Read()
	st.LastPing = time.UnixMilli(last)
	st.Staleness = time.Duration(epochMillis(w.now())-last) * time.Millisecond
	return st
}
