package jobs

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	stdruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Paintersrp/stallwatch/internal/config"
	"github.com/Paintersrp/stallwatch/internal/logmux"
)

type scheduledTask struct {
	ctx      context.Context
	name     string
	interval time.Duration
	fn       func()
}

type fakeHost struct {
	interrupted chan struct{}
	safePoints  atomic.Int32

	mu        sync.Mutex
	scheduled []scheduledTask
}

func newFakeHost() *fakeHost {
	return &fakeHost{interrupted: make(chan struct{}, 1)}
}

func (h *fakeHost) Every(ctx context.Context, name string, interval time.Duration, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scheduled = append(h.scheduled, scheduledTask{ctx: ctx, name: name, interval: interval, fn: fn})
}

func (h *fakeHost) Interrupted() <-chan struct{} {
	return h.interrupted
}

func (h *fakeHost) SafePoint() int {
	h.safePoints.Add(1)
	return 1
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("job runner tests skipped on windows")
	}
}

func collect(mux *logmux.Mux) []logmux.Entry {
	mux.Close()
	var entries []logmux.Entry
	for entry := range mux.Output() {
		entries = append(entries, entry)
	}
	return entries
}

func TestRunCapturesOutput(t *testing.T) {
	skipOnWindows(t)

	mux := logmux.New(16)
	runner := NewRunner(newFakeHost(), mux, nil)
	spec := &config.JobSpec{
		Name:    "echo",
		Command: []string{"/bin/sh", "-c", "echo hello; echo oops 1>&2"},
	}

	if err := runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var stdout, stderr *logmux.Entry
	entries := collect(mux)
	for i := range entries {
		entry := &entries[i]
		if entry.Job != "echo" || entry.Run != 1 {
			t.Fatalf("unexpected entry attribution: %+v", entry)
		}
		switch entry.Stream {
		case logmux.StreamStdout:
			stdout = entry
		case logmux.StreamStderr:
			stderr = entry
		}
	}
	if stdout == nil || stdout.Message != "hello" || stdout.Level != "info" {
		t.Fatalf("unexpected stdout entry: %+v", stdout)
	}
	if stderr == nil || stderr.Message != "oops" || stderr.Level != "warn" {
		t.Fatalf("unexpected stderr entry: %+v", stderr)
	}
	if got := runner.Runs("echo"); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
}

func TestRunAppliesEnvAndWorkdir(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}

	mux := logmux.New(16)
	runner := NewRunner(newFakeHost(), mux, nil)
	spec := &config.JobSpec{
		Name:    "env",
		Command: []string{"/bin/sh", "-c", "echo \"$GREETING\"; pwd -P"},
		Env:     map[string]string{"GREETING": "hi there"},
		Workdir: dir,
	}
	if err := runner.Run(context.Background(), spec); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var messages []string
	for _, entry := range collect(mux) {
		messages = append(messages, entry.Message)
	}
	if len(messages) != 2 || messages[0] != "hi there" || messages[1] != resolved {
		t.Fatalf("unexpected output %q (workdir %q)", messages, resolved)
	}
}

func TestRunReportsExitStatus(t *testing.T) {
	skipOnWindows(t)

	runner := NewRunner(newFakeHost(), nil, nil)
	err := runner.Run(context.Background(), &config.JobSpec{
		Name:    "fail",
		Command: []string{"/bin/sh", "-c", "exit 3"},
	})
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if exitErr.ExitCode() != 3 {
		t.Fatalf("expected exit code 3, got %d", exitErr.ExitCode())
	}
}

func TestRunRejectsEmptyCommand(t *testing.T) {
	runner := NewRunner(newFakeHost(), nil, nil)
	if err := runner.Run(context.Background(), &config.JobSpec{Name: "empty"}); err == nil {
		t.Fatalf("expected error for job without command")
	}
	if got := runner.Runs("empty"); got != 0 {
		t.Fatalf("rejected job must not count as a run, got %d", got)
	}
}

func TestRunTimeoutTerminatesCommand(t *testing.T) {
	skipOnWindows(t)

	runner := NewRunner(newFakeHost(), nil, nil)
	started := time.Now()
	err := runner.Run(context.Background(), &config.JobSpec{
		Name:    "slow",
		Command: []string{"sleep", "5"},
		Timeout: config.NewDuration(100 * time.Millisecond),
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("timeout did not stop the command promptly: %s", elapsed)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	skipOnWindows(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	runner := NewRunner(newFakeHost(), nil, nil)
	err := runner.Run(ctx, &config.JobSpec{Name: "slow", Command: []string{"sleep", "5"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunServesInterruptsWhileWaiting(t *testing.T) {
	skipOnWindows(t)

	host := newFakeHost()
	host.interrupted <- struct{}{}

	runner := NewRunner(host, nil, nil)
	err := runner.Run(context.Background(), &config.JobSpec{
		Name:    "wait",
		Command: []string{"sleep", "0.3"},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := host.safePoints.Load(); got != 1 {
		t.Fatalf("expected one safe point, got %d", got)
	}
}

func TestScheduleRegistersJobsWithHost(t *testing.T) {
	skipOnWindows(t)

	host := newFakeHost()
	runner := NewRunner(host, nil, nil)
	specs := []*config.JobSpec{
		{Name: "a", Command: []string{"true"}, Interval: config.NewDuration(time.Second)},
		nil,
		{Name: "b", Command: []string{"false"}, Interval: config.NewDuration(2 * time.Second)},
	}
	runner.Schedule(context.Background(), specs)

	if len(host.scheduled) != 2 {
		t.Fatalf("expected 2 scheduled jobs, got %d", len(host.scheduled))
	}
	if host.scheduled[0].name != "job:a" || host.scheduled[0].interval != time.Second {
		t.Fatalf("unexpected first task: %+v", host.scheduled[0])
	}
	if host.scheduled[1].name != "job:b" || host.scheduled[1].interval != 2*time.Second {
		t.Fatalf("unexpected second task: %+v", host.scheduled[1])
	}

	// Scheduled specs are copies.
	specs[0].Command[0] = "does-not-exist"
	for _, task := range host.scheduled {
		task.fn()
	}
	host.scheduled[0].fn()

	if got := runner.Runs("a"); got != 2 {
		t.Fatalf("expected job a to run twice, got %d", got)
	}
	if got := runner.Runs("b"); got != 1 {
		t.Fatalf("expected job b to run once, got %d", got)
	}
}

func TestScheduleReplacesPreviousJobs(t *testing.T) {
	skipOnWindows(t)

	host := newFakeHost()
	runner := NewRunner(host, nil, nil)
	runner.Schedule(context.Background(), []*config.JobSpec{
		{Name: "old", Command: []string{"true"}, Interval: config.NewDuration(time.Second)},
	})
	runner.Schedule(context.Background(), []*config.JobSpec{
		{Name: "new", Command: []string{"true"}, Interval: config.NewDuration(time.Minute)},
	})

	if len(host.scheduled) != 2 {
		t.Fatalf("expected 2 registrations, got %d", len(host.scheduled))
	}
	old, current := host.scheduled[0], host.scheduled[1]
	if old.ctx.Err() == nil {
		t.Fatalf("expected previous schedule to be cancelled")
	}
	if current.ctx.Err() != nil {
		t.Fatalf("current schedule must stay active")
	}

	old.fn()
	if got := runner.Runs("old"); got != 0 {
		t.Fatalf("cancelled job must not run, got %d runs", got)
	}
	current.fn()
	if got := runner.Runs("new"); got != 1 {
		t.Fatalf("expected new job to run once, got %d", got)
	}

	jobs := runner.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "new" || jobs[0].Interval.Duration != time.Minute {
		t.Fatalf("unexpected scheduled jobs: %+v", jobs)
	}
	jobs[0].Name = "mutated"
	if runner.Jobs()[0].Name != "new" {
		t.Fatalf("Jobs must return copies")
	}
}

func TestScheduleStopsWithParentContext(t *testing.T) {
	host := newFakeHost()
	runner := NewRunner(host, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	runner.Schedule(ctx, []*config.JobSpec{
		{Name: "a", Command: []string{"true"}, Interval: config.NewDuration(time.Second)},
	})
	cancel()
	if host.scheduled[0].ctx.Err() == nil {
		t.Fatalf("expected schedule context to follow the parent")
	}
}

func TestRunDrainsOutputAfterOverlongLine(t *testing.T) {
	skipOnWindows(t)

	mux := logmux.New(64)
	runner := NewRunner(newFakeHost(), mux, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := time.Now()
	err := runner.Run(ctx, &config.JobSpec{
		Name:    "chatty",
		Command: []string{"/bin/sh", "-c", "head -c 3000000 /dev/zero | tr '\\0' a; echo; echo done"},
	})
	if err != nil {
		t.Fatalf("Run returned error after %s: %v", time.Since(started), err)
	}

	var notice *logmux.Entry
	entries := collect(mux)
	for i := range entries {
		if entries[i].Stream == logmux.StreamSystem {
			notice = &entries[i]
		}
		if entries[i].Message == "done" {
			t.Fatalf("output after an overlong line should be discarded")
		}
	}
	if notice == nil || notice.Level != "warn" || !strings.Contains(notice.Message, "stdout output discarded") {
		t.Fatalf("expected a truncation notice, got %+v", entries)
	}
}
