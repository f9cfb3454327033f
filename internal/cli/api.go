package cli

import (
	stdcontext "context"
	"fmt"
	"time"

	"github.com/Paintersrp/stallwatch/internal/api"
	"github.com/Paintersrp/stallwatch/internal/config"
	"github.com/Paintersrp/stallwatch/internal/sysstat"
	"github.com/Paintersrp/stallwatch/internal/watchdog"
)

type watchdogStatus interface {
	Status() watchdog.Status
}

type taskReporter interface {
	Current() string
}

type jobLister interface {
	Jobs() []*config.JobSpec
	Runs(name string) int
}

type systemSampler interface {
	Sample() sysstat.Snapshot
}

// ControlAPI exposes the running host for the HTTP status server.
type ControlAPI struct {
	watchdog watchdogStatus
	loop     taskReporter
	runner   jobLister
	cfg      *config.Config
	system   systemSampler
	now      func() time.Time
}

// NewControlAPI constructs a ControlAPI over the running components.
// The system sampler is optional.
func NewControlAPI(wd watchdogStatus, loop taskReporter, runner jobLister, cfg *config.Config, system systemSampler) *ControlAPI {
	return &ControlAPI{
		watchdog: wd,
		loop:     loop,
		runner:   runner,
		cfg:      cfg,
		system:   system,
		now:      time.Now,
	}
}

// Status returns the current liveness snapshot.
func (apiCtrl *ControlAPI) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if apiCtrl == nil || apiCtrl.watchdog == nil {
		return nil, fmt.Errorf("%w", api.ErrNotStarted)
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	st := apiCtrl.watchdog.Status()
	if !st.Started {
		return nil, fmt.Errorf("%w for status", api.ErrNotStarted)
	}

	report := &api.StatusReport{
		Healthy:        !st.Stalled() && !st.StallRequested,
		Started:        st.Started,
		TimeoutMS:      st.Timeout.Milliseconds(),
		LastPing:       st.LastPing.UTC(),
		StalenessMS:    st.Staleness.Milliseconds(),
		StallRequested: st.StallRequested,
		GeneratedAt:    apiCtrl.now().UTC(),
		Jobs:           []api.JobReport{},
	}
	if apiCtrl.loop != nil {
		report.CurrentTask = apiCtrl.loop.Current()
	}
	if apiCtrl.cfg != nil {
		report.Source = apiCtrl.cfg.Source
	}
	if apiCtrl.runner != nil {
		for _, job := range apiCtrl.runner.Jobs() {
			report.Jobs = append(report.Jobs, api.JobReport{
				Name:       job.Name,
				IntervalMS: job.Interval.Duration.Milliseconds(),
				TimeoutMS:  job.Timeout.Duration.Milliseconds(),
				Runs:       apiCtrl.runner.Runs(job.Name),
			})
		}
	}
	if apiCtrl.system != nil {
		snap := apiCtrl.system.Sample()
		report.System = &api.SystemReport{
			Load1:      snap.Load1,
			Load5:      snap.Load5,
			Load15:     snap.Load15,
			CPUPercent: snap.CPUPercent,
			MemPercent: snap.MemPercent,
			MemTotalMB: snap.MemTotalMB,
			Goroutines: snap.Goroutines,
		}
	}
	return report, nil
}
