package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the configuration file.
const (
	EnvTimeout      = "STALLWATCH_TIMEOUT"
	EnvPingInterval = "STALLWATCH_PING_INTERVAL"
	EnvMetricsAddr  = "STALLWATCH_METRICS_ADDR"
	EnvLogLevel     = "STALLWATCH_LOG_LEVEL"
	EnvStack        = "STALLWATCH_STACK"
)

// Load reads a configuration document from the provided path, applies
// defaults and validates it.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var doc Config
	if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	doc.Source = absPath

	baseDir := filepath.Dir(absPath)
	for i, job := range doc.Jobs {
		if job == nil {
			continue
		}
		job.Workdir = resolveWorkdir(baseDir, os.ExpandEnv(job.Workdir))

		var inlineEnv map[string]string
		if len(job.Env) > 0 {
			inlineEnv = make(map[string]string, len(job.Env))
			for k, v := range job.Env {
				inlineEnv[k] = os.ExpandEnv(v)
			}
		}

		var fileEnv map[string]string
		if job.EnvFromFile != "" {
			expanded := os.ExpandEnv(job.EnvFromFile)
			if !filepath.IsAbs(expanded) {
				expanded = filepath.Clean(filepath.Join(job.Workdir, expanded))
			}
			job.EnvFromFile = expanded

			var err error
			fileEnv, err = loadEnvFile(expanded)
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", absPath, jobField(i, "envFromFile"), err)
			}
		}

		job.Env = mergeEnv(fileEnv, inlineEnv)
	}

	if err := doc.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// ApplyEnv overrides configuration values with the STALLWATCH_* variables
// reported by lookup and re-validates the result.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if value, ok := lookupNonEmpty(lookup, EnvTimeout); ok {
		d, err := parsePositiveDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		c.Watchdog.Timeout = NewDuration(d)
	}
	if value, ok := lookupNonEmpty(lookup, EnvPingInterval); ok {
		d, err := parsePositiveDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPingInterval, err)
		}
		c.Watchdog.PingInterval = NewDuration(d)
	}
	if value, ok := lookupNonEmpty(lookup, EnvMetricsAddr); ok {
		c.Metrics = &MetricsSpec{Addr: value}
	}
	if value, ok := lookupNonEmpty(lookup, EnvLogLevel); ok {
		c.Logging.Level = strings.ToLower(value)
	}
	if value, ok := lookupNonEmpty(lookup, EnvStack); ok {
		c.Watchdog.Stack = strings.ToLower(value)
	}
	return c.Validate()
}

func lookupNonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	value, ok := lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// parsePositiveDuration accepts Go durations and bare integers, which are
// read as milliseconds.
func parsePositiveDuration(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be positive, got %q", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %q", value)
	}
	return d, nil
}

func mergeEnv(fileEnv, inlineEnv map[string]string) map[string]string {
	if len(fileEnv) == 0 && len(inlineEnv) == 0 {
		return nil
	}
	merged := make(map[string]string, len(fileEnv)+len(inlineEnv))
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range inlineEnv {
		merged[k] = v
	}
	return merged
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return base
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}

// loadEnvFile reads KEY=VALUE lines. Blank lines, comments and an "export "
// prefix are ignored; values may be single or double quoted.
func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		key, value, ok, err := parseEnvLine(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("load env file %q: line %d: %w", path, lineNo, err)
		}
		if ok {
			values[key] = os.ExpandEnv(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}

func parseEnvLine(line string) (key, value string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, value, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false, errors.New("expected KEY=VALUE")
	}
	value = strings.TrimSpace(value)

	switch {
	case strings.HasPrefix(value, `"`):
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			return "", "", false, fmt.Errorf("value for %s: unmatched or invalid quote", key)
		}
		value = unquoted
	case strings.HasPrefix(value, "'"):
		if len(value) < 2 || !strings.HasSuffix(value, "'") {
			return "", "", false, fmt.Errorf("value for %s: unmatched quote", key)
		}
		value = value[1 : len(value)-1]
	default:
		if before, _, cut := strings.Cut(value, "#"); cut {
			value = strings.TrimSpace(before)
		}
	}
	return key, value, true, nil
}
