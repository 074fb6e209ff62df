// Package monitor samples process resource usage on a fixed interval and
// warns when consumption crosses the configured thresholds.
package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sourcegraph/conc"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/observability"
)

// Usage is one resource sample.
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Goroutines int       `json:"goroutines"`
	ObservedAt time.Time `json:"observed_at"`
}

// RSSMegabytes returns resident memory in megabytes.
func (u Usage) RSSMegabytes() float64 {
	return float64(u.RSSBytes) / (1 << 20)
}

type probeFunc func() (Usage, error)

// Options configures a Monitor.
type Options struct {
	Interval          time.Duration
	CPUThresholdPct   float64
	MemoryThresholdMB float64
	Probe             probeFunc
	Clock             func() time.Time
}

// Monitor periodically samples the current process. It holds only the most
// recent sample; consumers that want history subscribe via the callback.
type Monitor struct {
	interval time.Duration
	cpuMax   float64
	memMaxMB float64
	probe    probeFunc
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	last     Usage
	sampled  bool
	onSample func(Usage)

	closeOnce sync.Once
}

// NewMonitor builds a monitor; Start begins sampling.
func NewMonitor(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	probe := opts.Probe
	if probe == nil {
		probe = defaultProbe()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		interval: interval,
		cpuMax:   opts.CPUThresholdPct,
		memMaxMB: opts.MemoryThresholdMB,
		probe:    probe,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetSampleCallback registers a callback invoked on every sample.
func (m *Monitor) SetSampleCallback(cb func(Usage)) {
	m.mu.Lock()
	m.onSample = cb
	m.mu.Unlock()
}

// Start launches the sampling loop. An immediate first sample runs before
// the first tick so Latest is populated promptly.
func (m *Monitor) Start() {
	m.wg.Go(func() {
		m.sample()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	})
}

// Close stops sampling and waits for the loop to exit.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.sampled {
		return Usage{}, errs.New("monitor", errs.CodeNoData,
			errs.WithMessage("no resource sample taken yet"))
	}
	return m.last, nil
}

func (m *Monitor) sample() {
	usage, err := m.probe()
	if err != nil {
		observability.Log().Warn("resource probe failed",
			observability.F("error", err.Error()))
		return
	}
	if usage.ObservedAt.IsZero() {
		usage.ObservedAt = m.clock()
	}

	m.mu.Lock()
	m.last = usage
	m.sampled = true
	cb := m.onSample
	m.mu.Unlock()

	if m.cpuMax > 0 && usage.CPUPercent > m.cpuMax {
		observability.Log().Warn("cpu usage above threshold",
			observability.F("cpu_percent", usage.CPUPercent),
			observability.F("threshold", m.cpuMax))
	}
	if m.memMaxMB > 0 && usage.RSSMegabytes() > m.memMaxMB {
		observability.Log().Warn("memory usage above threshold",
			observability.F("rss_mb", usage.RSSMegabytes()),
			observability.F("threshold_mb", m.memMaxMB))
	}

	if cb != nil {
		cb(usage)
	}
}

// defaultProbe reads the current process through gopsutil. The process
// handle is resolved once and reused across samples.
func defaultProbe() probeFunc {
	proc, err := process.NewProcess(int32(os.Getpid()))
	return func() (Usage, error) {
		if err != nil {
			return Usage{}, err
		}
		cpuPct, cpuErr := proc.CPUPercent()
		if cpuErr != nil {
			return Usage{}, cpuErr
		}
		memInfo, memErr := proc.MemoryInfo()
		if memErr != nil {
			return Usage{}, memErr
		}
		return Usage{
			CPUPercent: cpuPct,
			RSSBytes:   memInfo.RSS,
			Goroutines: runtime.NumGoroutine(),
		}, nil
	}
}
