package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

const (
	// CurrentVersion is the only document version understood by Load.
	CurrentVersion = "1"

	DefaultTimeout      = 10 * time.Second
	DefaultPingInterval = time.Second
	DefaultStackMode    = "current"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "auto"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// NewDuration returns an explicitly set Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d, explicit: true}
}

// Config mirrors the stallwatch.yaml document structure.
type Config struct {
	Version  string       `yaml:"version"`
	Watchdog WatchdogSpec `yaml:"watchdog"`
	Logging  LoggingSpec  `yaml:"logging"`
	Metrics  *MetricsSpec `yaml:"metrics"`
	Jobs     []*JobSpec   `yaml:"jobs"`

	// Source is the absolute path the document was loaded from, empty for
	// the built-in defaults.
	Source string `yaml:"-"`
}

// WatchdogSpec configures liveness monitoring of the host loop.
type WatchdogSpec struct {
	Timeout           Duration `yaml:"timeout"`
	PingInterval      Duration `yaml:"pingInterval"`
	Stack             string   `yaml:"stack"`
	SlowTaskThreshold Duration `yaml:"slowTaskThreshold"`
}

// LoggingSpec configures the process logger.
type LoggingSpec struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsSpec configures the HTTP status and metrics listener.
type MetricsSpec struct {
	Addr string `yaml:"addr"`
}

// JobSpec describes a command executed periodically on the host loop.
type JobSpec struct {
	Name        string            `yaml:"name"`
	Command     []string          `yaml:"command"`
	Interval    Duration          `yaml:"interval"`
	Timeout     Duration          `yaml:"timeout"`
	Env         map[string]string `yaml:"env"`
	EnvFromFile string            `yaml:"envFromFile"`
	Workdir     string            `yaml:"workdir"`
}

// Default returns a configuration that only carries defaults.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	_ = cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() error {
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if !c.Watchdog.Timeout.IsSet() {
		c.Watchdog.Timeout = NewDuration(DefaultTimeout)
	}
	if !c.Watchdog.PingInterval.IsSet() {
		c.Watchdog.PingInterval = NewDuration(DefaultPingInterval)
	}
	c.Watchdog.Stack = strings.ToLower(strings.TrimSpace(c.Watchdog.Stack))
	if c.Watchdog.Stack == "" {
		c.Watchdog.Stack = DefaultStackMode
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	for i, job := range c.Jobs {
		if job == nil {
			return fmt.Errorf("%s: job entry is null", jobField(i))
		}
		job.Name = strings.TrimSpace(job.Name)
	}
	return nil
}

// Validate enforces document invariants.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("%s: unsupported version %q (want %q)", fieldPath("version"), c.Version, CurrentVersion)
	}

	wd := c.Watchdog
	if wd.Timeout.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("watchdog", "timeout"))
	}
	if wd.PingInterval.Duration <= 0 {
		return fmt.Errorf("%s: must be positive", fieldPath("watchdog", "pingInterval"))
	}
	if wd.PingInterval.Duration >= wd.Timeout.Duration {
		return fmt.Errorf("%s: must be shorter than %s (%s >= %s)", fieldPath("watchdog", "pingInterval"), fieldPath("watchdog", "timeout"), wd.PingInterval.Duration, wd.Timeout.Duration)
	}
	switch wd.Stack {
	case "current", "all", "none":
	default:
		return fmt.Errorf("%s: unknown mode %q (want current, all or none)", fieldPath("watchdog", "stack"), wd.Stack)
	}
	if wd.SlowTaskThreshold.Duration < 0 {
		return fmt.Errorf("%s: must be non-negative", fieldPath("watchdog", "slowTaskThreshold"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s: unknown level %q", fieldPath("logging", "level"), c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "json", "text":
	default:
		return fmt.Errorf("%s: unknown format %q", fieldPath("logging", "format"), c.Logging.Format)
	}

	if c.Metrics != nil {
		if err := validateListenAddr(c.Metrics.Addr); err != nil {
			return fmt.Errorf("%s: %w", fieldPath("metrics", "addr"), err)
		}
	}

	seen := make(map[string]int, len(c.Jobs))
	for i, job := range c.Jobs {
		if job == nil {
			return fmt.Errorf("%s: job entry is null", jobField(i))
		}
		if job.Name == "" {
			return fmt.Errorf("%s: is required", jobField(i, "name"))
		}
		if prev, dup := seen[job.Name]; dup {
			return fmt.Errorf("%s: duplicate job name %q (also %s)", jobField(i, "name"), job.Name, jobField(prev))
		}
		seen[job.Name] = i
		if len(job.Command) == 0 || strings.TrimSpace(job.Command[0]) == "" {
			return fmt.Errorf("%s: requires a command", jobField(i, "command"))
		}
		if job.Interval.Duration <= 0 {
			return fmt.Errorf("%s: must be positive", jobField(i, "interval"))
		}
		if job.Timeout.Duration < 0 {
			return fmt.Errorf("%s: must be non-negative", jobField(i, "timeout"))
		}
	}
	return nil
}

func validateListenAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if _, err := nat.ParsePort(port); err != nil {
		return fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return nil
}

// Clone creates a deep copy of the job configuration.
func (j *JobSpec) Clone() *JobSpec {
	if j == nil {
		return nil
	}
	cp := *j
	if len(j.Command) > 0 {
		cp.Command = append([]string(nil), j.Command...)
	}
	if len(j.Env) > 0 {
		cp.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			cp.Env[k] = v
		}
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func jobField(index int, parts ...string) string {
	job := fmt.Sprintf("jobs[%d]", index)
	pathParts := append([]string{job}, parts...)
	return fieldPath(pathParts...)
}
