// Package sysstat samples host resource usage. A stalled loop is often a
// symptom of an overloaded machine, so the status surface reports these
// figures next to the liveness data.
package sysstat

import (
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot holds best-effort host statistics. Fields that could not be read
// on the current platform are left at zero.
type Snapshot struct {
	Load1      float64
	Load5      float64
	Load15     float64
	CPUPercent float64
	MemPercent float64
	MemTotalMB float64
	Goroutines int
}

// Sampler collects snapshots. CPU usage is computed between two consecutive
// samples, so the first snapshot reports zero.
type Sampler struct {
	mu        sync.Mutex
	lastTotal float64
	lastIdle  float64
}

// NewSampler constructs a sampler.
func NewSampler() *Sampler {
	return &Sampler{}
}

// Sample reads the current statistics.
func (s *Sampler) Sample() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Goroutines: runtime.NumGoroutine()}
	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemPercent = vm.UsedPercent
		snap.MemTotalMB = float64(vm.Total) / 1024 / 1024
	}
	s.sampleCPU(&snap)
	return snap
}

func (s *Sampler) sampleCPU(snap *Snapshot) {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return
	}
	t := times[0]
	total := t.User + t.Nice + t.System + t.Idle + t.Iowait + t.Irq + t.Softirq + t.Steal
	idle := t.Idle + t.Iowait

	if s.lastTotal > 0 {
		if delta := total - s.lastTotal; delta > 0 {
			snap.CPUPercent = min(max((1-(idle-s.lastIdle)/delta)*100, 0), 100)
		}
	}
	s.lastTotal = total
	s.lastIdle = idle
}
