package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Paintersrp/stallwatch/internal/watchdog"
)

var (
	registry = prometheus.NewRegistry()

	pingStaleness = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stallwatch",
		Name:      "ping_staleness_seconds",
		Help:      "Age of the liveness timestamp observed by the last monitor iteration.",
	})

	pings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stallwatch",
		Name:      "pings_total",
		Help:      "Total number of liveness pings recorded by the host loop.",
	})

	iterations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stallwatch",
		Name:      "monitor_iterations_total",
		Help:      "Monitor iterations by outcome.",
	}, []string{"outcome"})

	sleepGap = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stallwatch",
		Name:      "last_sleep_gap_seconds",
		Help:      "Length of the most recent sleep gap between monitor iterations.",
	})

	jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stallwatch",
		Name:      "job_runs_total",
		Help:      "Total number of job executions by result.",
	}, []string{"job", "result"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stallwatch",
		Name:      "job_duration_seconds",
		Help:      "Duration of job executions on the host loop in seconds.",
	}, []string{"job"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stallwatch",
		Name:      "build_info",
		Help:      "Build metadata for the running stallwatch binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(pingStaleness, pings, iterations, sleepGap, jobRuns, jobDuration, buildInfo)
}

// Registry returns the Prometheus registry containing all stallwatch metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Observer feeds watchdog notifications into the registry.
type Observer struct{}

// ObserveIteration records the outcome of a monitor iteration.
func (Observer) ObserveIteration(it watchdog.Iteration) {
	iterations.WithLabelValues(string(it.Outcome)).Inc()
	switch it.Outcome {
	case watchdog.OutcomeSleepGap:
		sleepGap.Set(it.WatchdogDelta.Seconds())
		pingStaleness.Set(0)
	default:
		pingStaleness.Set(it.PingDelta.Seconds())
	}
}

// ObservePing counts a liveness ping.
func (Observer) ObservePing() {
	pings.Inc()
}

// ObserveJobRun records the result and duration of a job execution.
func ObserveJobRun(job string, d time.Duration, err error) {
	label := job
	if label == "" {
		label = "unknown"
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	jobRuns.WithLabelValues(label, result).Inc()
	jobDuration.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetJob clears the series recorded for a job.
func ResetJob(job string) {
	if job == "" {
		return
	}
	jobRuns.DeletePartialMatch(prometheus.Labels{"job": job})
	jobDuration.DeleteLabelValues(job)
}
