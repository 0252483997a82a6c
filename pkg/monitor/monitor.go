// Package monitor samples system resource usage while a stage runs. The
// sampler is a separate goroutine off the stage's critical path; it talks to
// the orchestrator only through the Summary returned by Stop, and a failed
// sample is skipped rather than surfaced.
package monitor

import (
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Stat aggregates one metric over a sampling window.
type Stat struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Summary is the resource usage report for one stage execution.
type Summary struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Samples  int           `json:"samples"`
	CPU      Stat          `json:"cpu_percent"`
	Memory   Stat          `json:"memory_percent"`
	Disk     Stat          `json:"disk_percent"`
}

// DefaultInterval is used when the monitor is constructed with no interval.
const DefaultInterval = 5 * time.Second

// Monitor brackets a sampling window around a stage execution.
type Monitor struct {
	path     string
	interval time.Duration

	stage   string
	started time.Time
	stop    chan struct{}
	done    chan Summary
}

// New returns a monitor that reports disk usage for the given workspace path.
func New(path string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{path: path, interval: interval}
}

// Start begins sampling for the named stage. Calling Start while a window is
// open is a no-op.
func (m *Monitor) Start(stage string) {
	if m.stop != nil {
		return
	}
	m.stage = stage
	m.started = time.Now()
	m.stop = make(chan struct{})
	m.done = make(chan Summary, 1)

	// Prime the CPU counter so the first interval sample is meaningful.
	cpu.Percent(0, false)

	go m.sample(m.stop, m.done)
}

// Stop ends the sampling window and returns the summary. Stop without a
// matching Start returns a zero summary.
func (m *Monitor) Stop() Summary {
	if m.stop == nil {
		return Summary{}
	}
	close(m.stop)
	summary := <-m.done
	m.stop = nil
	m.done = nil

	summary.Stage = m.stage
	summary.Duration = time.Since(m.started)
	return summary
}

func (m *Monitor) sample(stop <-chan struct{}, done chan<- Summary) {
	var cpuAgg, memAgg, diskAgg aggregate
	samples := 0

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	collect := func() {
		sampled := false
		if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
			cpuAgg.add(percents[0])
			sampled = true
		}
		if vm, err := mem.VirtualMemory(); err == nil {
			memAgg.add(vm.UsedPercent)
			sampled = true
		}
		if usage, err := disk.Usage(m.path); err == nil {
			diskAgg.add(usage.UsedPercent)
			sampled = true
		}
		if sampled {
			samples++
		}
	}

	for {
		select {
		case <-ticker.C:
			collect()
		case <-stop:
			collect()
			done <- Summary{
				Samples: samples,
				CPU:     cpuAgg.stat(),
				Memory:  memAgg.stat(),
				Disk:    diskAgg.stat(),
			}
			return
		}
	}
}

type aggregate struct {
	min, max, sum float64
	count         int
}

func (a *aggregate) add(v float64) {
	if math.IsNaN(v) {
		return
	}
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	a.sum += v
	a.count++
}

func (a *aggregate) stat() Stat {
	if a.count == 0 {
		return Stat{}
	}
	return Stat{Min: a.min, Max: a.max, Mean: a.sum / float64(a.count)}
}
