package watchdog

import (
	"sync"
	"time"
)

// PingClock holds the most recent liveness timestamp in wall-clock epoch
// milliseconds. The host goroutine writes it on every ping; the monitor reads
// it once per iteration and rewrites it after a sleep gap.
type PingClock struct {
	mu   sync.RWMutex
	last int64
}

// Initialize seeds the clock with now. It is called once before the monitor
// starts.
func (c *PingClock) Initialize(now time.Time) {
	c.Record(now)
}

// Record overwrites the timestamp with now.
func (c *PingClock) Record(now time.Time) {
	ms := epochMillis(now)
	c.mu.Lock()
	c.last = ms
	c.mu.Unlock()
}

// Read returns the latest recorded timestamp in epoch milliseconds.
func (c *PingClock) Read() int64 {
	c.mu.RLock()
	ms := c.last
	c.mu.RUnlock()
	return ms
}

// epochMillis uses the wall clock only. The monotonic reading does not advance
// while the machine is suspended on every platform, which would hide the
// sleep gaps the monitor relies on.
func epochMillis(t time.Time) int64 {
	return t.Round(0).UnixMilli()
}
