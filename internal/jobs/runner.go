package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Paintersrp/stallwatch/internal/config"
	"github.com/Paintersrp/stallwatch/internal/logmux"
	"github.com/Paintersrp/stallwatch/internal/metrics"
)

const (
	terminateGrace = 2 * time.Second
	maxLineBytes   = 1 << 20
)

// ErrTimeout is returned when a job exceeds its configured timeout.
var ErrTimeout = errors.New("job timed out")

// Host is the part of the event loop the runner needs.
type Host interface {
	Every(ctx context.Context, name string, interval time.Duration, fn func())
	Interrupted() <-chan struct{}
	SafePoint() int
}

// Runner executes jobs on the host loop.
type Runner struct {
	host   Host
	mux    *logmux.Mux
	logger *slog.Logger

	mu     sync.Mutex
	runs   map[string]int
	specs  []*config.JobSpec
	cancel context.CancelFunc
}

// NewRunner constructs a runner. Output lines are delivered through mux when
// it is non-nil and discarded otherwise.
func NewRunner(host Host, mux *logmux.Mux, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		host:   host,
		mux:    mux,
		logger: logger,
		runs:   make(map[string]int),
	}
}

// Schedule registers every job with the host loop. Each job runs once per
// interval until ctx is cancelled or Schedule is called again, which replaces
// the previous set.
func (r *Runner) Schedule(ctx context.Context, specs []*config.JobSpec) {
	scheduleCtx, cancel := context.WithCancel(ctx)
	cloned := make([]*config.JobSpec, 0, len(specs))
	for _, spec := range specs {
		if spec != nil {
			cloned = append(cloned, spec.Clone())
		}
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	removed := removedJobs(r.specs, cloned)
	r.cancel = cancel
	r.specs = cloned
	r.mu.Unlock()

	for _, name := range removed {
		metrics.ResetJob(name)
		r.logger.Debug("job unscheduled", "job", name)
	}

	for _, job := range cloned {
		job := job
		r.host.Every(scheduleCtx, "job:"+job.Name, job.Interval.Duration, func() {
			if scheduleCtx.Err() != nil {
				return
			}
			if err := r.Run(scheduleCtx, job); err != nil {
				r.logger.Warn("job failed", "job", job.Name, "error", err)
			}
		})
		r.logger.Debug("job scheduled", "job", job.Name, "interval", job.Interval.Duration)
	}
}

func removedJobs(prev, next []*config.JobSpec) []string {
	keep := make(map[string]struct{}, len(next))
	for _, spec := range next {
		keep[spec.Name] = struct{}{}
	}
	var removed []string
	for _, spec := range prev {
		if _, ok := keep[spec.Name]; !ok {
			removed = append(removed, spec.Name)
		}
	}
	return removed
}

// Jobs returns copies of the currently scheduled job specs.
func (r *Runner) Jobs() []*config.JobSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*config.JobSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec.Clone())
	}
	return out
}

// Run executes spec once and blocks until the command exits, its timeout
// elapses or ctx is cancelled. Pending interrupts are served while waiting.
// Run must be called from the loop goroutine.
func (r *Runner) Run(ctx context.Context, spec *config.JobSpec) error {
	if spec == nil || len(spec.Command) == 0 {
		return errors.New("job requires a command")
	}
	run := r.nextRun(spec.Name)
	started := time.Now()

	err := r.execute(ctx, spec, run)

	elapsed := time.Since(started)
	metrics.ObserveJobRun(spec.Name, elapsed, err)
	if err == nil {
		r.logger.Info("job finished", "job", spec.Name, "run", run, "elapsed", elapsed)
	}
	return err
}

func (r *Runner) nextRun(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[name]++
	return r.runs[name]
}

// Runs returns how many times the named job has been started.
func (r *Runner) Runs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

type execution struct {
	name    string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (r *Runner) execute(ctx context.Context, spec *config.JobSpec, run int) error {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("job %s stdout: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("job %s stderr: %w", spec.Name, err)
	}

	configureCmdSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start job %s: %w", spec.Name, err)
	}
	r.logger.Debug("job started", "job", spec.Name, "run", run, "pid", cmd.Process.Pid)

	ex := &execution{name: spec.Name, cmd: cmd, done: make(chan struct{})}

	lines := make(chan logmux.Entry, 64)
	var streams sync.WaitGroup
	streams.Add(2)
	go streamLines(stdout, spec.Name, run, logmux.StreamStdout, lines, &streams)
	go streamLines(stderr, spec.Name, run, logmux.StreamStderr, lines, &streams)
	if r.mux != nil {
		r.mux.Add(lines)
	} else {
		go func() {
			for range lines {
			}
		}()
	}

	go func() {
		// Wait closes the pipes, so the streams must be drained first.
		streams.Wait()
		close(lines)
		ex.waitErr = cmd.Wait()
		close(ex.done)
	}()

	var deadline <-chan time.Time
	if spec.Timeout.Duration > 0 {
		timer := time.NewTimer(spec.Timeout.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ex.done:
			if ex.waitErr != nil {
				return fmt.Errorf("job %s run %d: %w", spec.Name, run, ex.waitErr)
			}
			return nil
		case <-r.host.Interrupted():
			r.host.SafePoint()
		case <-deadline:
			if err := ex.terminate(terminateGrace); err != nil {
				return err
			}
			return fmt.Errorf("job %s run %d after %s: %w", spec.Name, run, spec.Timeout.Duration, ErrTimeout)
		case <-ctx.Done():
			if err := ex.terminate(terminateGrace); err != nil {
				return err
			}
			return ctx.Err()
		}
	}
}

// streamLines forwards rd line by line. A line longer than maxLineBytes ends
// line splitting: a warning entry is emitted and the rest of the stream is
// discarded, so the pipe keeps draining and the command can exit.
func streamLines(rd io.Reader, job string, run int, stream string, out chan<- logmux.Entry, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		out <- logmux.Entry{Timestamp: time.Now(), Job: job, Run: run, Stream: stream, Message: line}
	}
	if err := scanner.Err(); err != nil {
		out <- logmux.Entry{
			Timestamp: time.Now(),
			Job:       job,
			Run:       run,
			Stream:    logmux.StreamSystem,
			Level:     "warn",
			Message:   fmt.Sprintf("%s output discarded: %v", stream, err),
		}
		_, _ = io.Copy(io.Discard, rd)
	}
}
