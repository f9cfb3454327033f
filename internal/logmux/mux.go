// Package logmux fans in output lines produced by job processes.
package logmux

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Streams an Entry can originate from.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "stallwatch"
)

// Entry is a single line of job output.
type Entry struct {
	Timestamp time.Time
	Job       string
	Run       int
	Stream    string
	Level     string
	Message   string
}

// Mux fans in entries from job output streams into one bounded channel. It
// never blocks a producer: when the channel is full the line is counted as
// dropped, and a "dropped=N" notice for that job is delivered ahead of its
// next line or on Close.
type Mux struct {
	out    chan Entry
	inputs sync.WaitGroup

	mu      sync.Mutex
	dropped map[string]droppedLines
}

type droppedLines struct {
	count int
	run   int
}

// New constructs a mux whose output channel holds size entries.
func New(size int) *Mux {
	return &Mux{
		out:     make(chan Entry, max(size, 1)),
		dropped: make(map[string]droppedLines),
	}
}

// Output exposes the muxed entry channel. It is closed by Close.
func (m *Mux) Output() <-chan Entry {
	return m.out
}

// Add consumes source until it is closed.
func (m *Mux) Add(source <-chan Entry) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for entry := range source {
			m.deliver(normalize(entry))
		}
	}()
}

// Close waits for every source to finish, delivers outstanding drop notices
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.mu.Lock()
	pending := m.dropped
	m.dropped = make(map[string]droppedLines)
	m.mu.Unlock()
	for job, lines := range pending {
		m.out <- dropNotice(job, lines)
	}
	close(m.out)
}

func (m *Mux) deliver(entry Entry) {
	if lines, ok := m.takeDropped(entry.Job); ok && !m.offer(dropNotice(entry.Job, lines)) {
		m.countDropped(entry.Job, lines.run, lines.count)
		m.countDropped(entry.Job, entry.Run, 1)
		return
	}
	if !m.offer(entry) {
		m.countDropped(entry.Job, entry.Run, 1)
	}
}

func (m *Mux) offer(entry Entry) bool {
	select {
	case m.out <- entry:
		return true
	default:
		return false
	}
}

func (m *Mux) takeDropped(job string) (droppedLines, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines, ok := m.dropped[job]
	delete(m.dropped, job)
	return lines, ok
}

func (m *Mux) countDropped(job string, run, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.dropped[job]
	lines.count += n
	if run != 0 {
		lines.run = run
	}
	m.dropped[job] = lines
}

func normalize(entry Entry) Entry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Stream == "" {
		entry.Stream = StreamStdout
	}
	if entry.Level == "" {
		entry.Level = inferLevel(entry.Message)
	}
	if entry.Level == "" {
		if entry.Stream == StreamStderr {
			entry.Level = "warn"
		} else {
			entry.Level = "info"
		}
	}
	entry.Message = RedactSecrets(entry.Message)
	return entry
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	return strings.ToLower(matches[1])
}

func dropNotice(job string, lines droppedLines) Entry {
	return Entry{
		Timestamp: time.Now(),
		Job:       job,
		Run:       lines.run,
		Stream:    StreamSystem,
		Level:     "warn",
		Message:   fmt.Sprintf("dropped=%d", lines.count),
	}
}
