package watchdog

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

const (
	// PollInterval is the fixed cadence of the monitor loop.
	PollInterval = time.Second
	// SleepGapThreshold is the gap between two monitor iterations above which
	// the whole process is assumed to have been suspended and resumed.
	SleepGapThreshold = 5 * time.Second
)

// Outcome classifies a single monitor iteration.
type Outcome string

const (
	// OutcomeHealthy means the liveness timestamp was within the timeout.
	OutcomeHealthy Outcome = "healthy"
	// OutcomeSleepGap means the monitor itself was suspended; the liveness
	// timestamp was reset and no stall check ran.
	OutcomeSleepGap Outcome = "sleep_gap"
	// OutcomeStalled means the timeout was exceeded and termination was
	// requested on the host.
	OutcomeStalled Outcome = "stalled"
	// OutcomeStallPending means the timeout is still exceeded but termination
	// had already been requested by an earlier iteration.
	OutcomeStallPending Outcome = "stall_pending"
)

// Iteration describes what the monitor observed during one pass.
type Iteration struct {
	At            time.Time
	WatchdogDelta time.Duration
	PingDelta     time.Duration
	Outcome       Outcome
}

// StallDiagnostic carries the staleness measured by the iteration that
// detected the stall to the terminator.
type StallDiagnostic struct {
	Staleness time.Duration
}

// Millis returns the staleness in whole milliseconds.
func (d StallDiagnostic) Millis() int64 {
	return d.Staleness.Milliseconds()
}

// Observer receives monitor and ping notifications. Implementations must be
// safe for use from the monitor and host goroutines concurrently.
type Observer interface {
	ObserveIteration(Iteration)
	ObservePing()
}

type monitor struct {
	clock   *PingClock
	timeout time.Duration
	bridge  Interrupter
	onStall func(StallDiagnostic)

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	observer Observer
	logger   *slog.Logger

	lastIteration int64
	requested     bool
	stalled       func()
}

func (m *monitor) run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.lastIteration = epochMillis(m.now())
	for {
		m.iterate(m.now())
		if err := m.sleep(ctx, PollInterval); err != nil {
			return
		}
	}
}

// iterate performs one pass of the stall check. Every value it acts on is
// computed here, so a diagnostic always reports the staleness of the pass
// that requested termination.
func (m *monitor) iterate(now time.Time) Iteration {
	nowMs := epochMillis(now)
	watchdogDelta := nowMs - m.lastIteration
	m.lastIteration = nowMs

	it := Iteration{
		At:            now,
		WatchdogDelta: time.Duration(watchdogDelta) * time.Millisecond,
	}

	if it.WatchdogDelta > SleepGapThreshold {
		m.clock.Record(now)
		it.Outcome = OutcomeSleepGap
		m.logger.Info("monitor resumed after sleep gap, liveness reset", "gap", it.WatchdogDelta)
		m.observe(it)
		return it
	}

	pingDelta := nowMs - m.clock.Read()
	it.PingDelta = time.Duration(pingDelta) * time.Millisecond

	switch {
	case it.PingDelta <= m.timeout:
		it.Outcome = OutcomeHealthy
	case m.requested:
		it.Outcome = OutcomeStallPending
	default:
		it.Outcome = OutcomeStalled
		m.requested = true
		diag := StallDiagnostic{Staleness: it.PingDelta}
		m.logger.Warn("host unresponsive, requesting termination", "staleness", diag.Staleness, "timeout", m.timeout)
		if m.stalled != nil {
			m.stalled()
		}
		onStall := m.onStall
		m.bridge.RequestInterrupt(func() { onStall(diag) })
	}
	m.observe(it)
	return it
}

func (m *monitor) observe(it Iteration) {
	if m.observer != nil {
		m.observer.ObserveIteration(it)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
