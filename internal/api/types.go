package api

import (
	stdcontext "context"
	"errors"
	"time"
)

// ErrNotStarted is returned by controllers before the watchdog is started.
var ErrNotStarted = errors.New("watchdog not started")

// JobReport describes a configured job.
type JobReport struct {
	Name       string `json:"name"`
	IntervalMS int64  `json:"interval_ms"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
	Runs       int    `json:"runs"`
}

// SystemReport carries host resource figures sampled with the status.
type SystemReport struct {
	Load1      float64 `json:"load_1"`
	Load5      float64 `json:"load_5"`
	Load15     float64 `json:"load_15"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemTotalMB float64 `json:"mem_total_mb"`
	Goroutines int     `json:"goroutines"`
}

// StatusReport aggregates the liveness view of the host loop.
type StatusReport struct {
	Healthy        bool          `json:"healthy"`
	Started        bool          `json:"started"`
	TimeoutMS      int64         `json:"timeout_ms"`
	LastPing       time.Time     `json:"last_ping"`
	StalenessMS    int64         `json:"staleness_ms"`
	StallRequested bool          `json:"stall_requested"`
	CurrentTask    string        `json:"current_task"`
	GeneratedAt    time.Time     `json:"generated_at"`
	Source         string        `json:"source,omitempty"`
	Jobs           []JobReport   `json:"jobs"`
	System         *SystemReport `json:"system,omitempty"`
}

// Controller exposes the state required by status servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
}
