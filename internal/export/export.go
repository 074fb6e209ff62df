// Package export writes periodic performance reports to disk: latency
// percentiles, runtime counters, resource usage, and strategy results as
// JSON plus a flat CSV of the latency table.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/latency"
	"github.com/quantfall/deriva/internal/monitor"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/strategy"
)

// Report is one point-in-time performance snapshot.
type Report struct {
	GeneratedAt time.Time                     `json:"generated_at"`
	Latency     []latency.Stats               `json:"latency"`
	Counters    observability.CounterSnapshot `json:"counters"`
	Resources   *monitor.Usage                `json:"resources,omitempty"`
	Strategies  map[string]strategy.Metrics   `json:"strategies,omitempty"`
}

// Options wires the exporter's data sources. Recorder and Metrics are
// required; the rest are optional sections of the report.
type Options struct {
	Dir        string
	Interval   time.Duration
	Recorder   *latency.Recorder
	Metrics    *observability.RuntimeMetrics
	Monitor    *monitor.Monitor
	Strategies func() map[string]strategy.Metrics
	Clock      func() time.Time
}

// Exporter periodically assembles and persists reports.
type Exporter struct {
	dir        string
	interval   time.Duration
	recorder   *latency.Recorder
	metrics    *observability.RuntimeMetrics
	monitor    *monitor.Monitor
	strategies func() map[string]strategy.Metrics
	clock      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	closeOnce sync.Once
}

// NewExporter builds an exporter; Start begins the periodic writes.
func NewExporter(opts Options) (*Exporter, error) {
	if opts.Recorder == nil || opts.Metrics == nil {
		return nil, errs.New("export", errs.CodeInvalid,
			errs.WithMessage("exporter needs a latency recorder and runtime metrics"))
	}
	dir := opts.Dir
	if dir == "" {
		dir = "reports"
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New("export", errs.CodeUnavailable,
			errs.WithMessage("create report directory"), errs.WithCause(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Exporter{
		dir:        dir,
		interval:   interval,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		monitor:    opts.Monitor,
		strategies: opts.Strategies,
		clock:      clock,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the periodic export loop.
func (e *Exporter) Start() {
	e.wg.Go(func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.WriteNow(); err != nil {
					observability.Log().Warn("report export failed",
						observability.F("error", err.Error()))
				}
			}
		}
	})
}

// Close stops the loop, flushes one final report, and waits.
func (e *Exporter) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		if _, err := e.WriteNow(); err != nil {
			observability.Log().Warn("final report export failed",
				observability.F("error", err.Error()))
		}
	})
}

// Snapshot assembles a report without persisting it.
func (e *Exporter) Snapshot() Report {
	report := Report{
		GeneratedAt: e.clock(),
		Latency:     e.recorder.SnapshotAll(),
		Counters:    e.metrics.Snapshot(),
	}
	if e.monitor != nil {
		if usage, err := e.monitor.Latest(); err == nil {
			report.Resources = &usage
		}
	}
	if e.strategies != nil {
		if all := e.strategies(); len(all) > 0 {
			report.Strategies = all
		}
	}
	return report
}

// WriteNow assembles a report and writes the JSON and CSV files.
func (e *Exporter) WriteNow() (Report, error) {
	report := e.Snapshot()
	stamp := report.GeneratedAt.UTC().Format("20060102T150405")

	if err := e.writeJSON(report, stamp); err != nil {
		return report, err
	}
	if err := e.writeCSV(report, stamp); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Exporter) writeJSON(report Report, stamp string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errs.New("export", errs.CodeInvalid,
			errs.WithMessage("marshal report"), errs.WithCause(err))
	}
	path := filepath.Join(e.dir, "report_"+stamp+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.New("export", errs.CodeUnavailable,
			errs.WithMessage("write report json"), errs.WithCause(err))
	}
	return nil
}

func (e *Exporter) writeCSV(report Report, stamp string) error {
	path := filepath.Join(e.dir, "latency_"+stamp+".csv")
	f, err := os.Create(path)
	if err != nil {
		return errs.New("export", errs.CodeUnavailable,
			errs.WithMessage("create latency csv"), errs.WithCause(err))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"operation", "samples", "min_ms", "max_ms", "avg_ms", "p50_ms", "p90_ms", "p99_ms", "successes", "failures"}
	if err := w.Write(header); err != nil {
		return errs.New("export", errs.CodeUnavailable,
			errs.WithMessage("write csv header"), errs.WithCause(err))
	}
	for _, stats := range report.Latency {
		row := []string{
			stats.Operation,
			strconv.Itoa(stats.Samples),
			formatMillis(stats.Min),
			formatMillis(stats.Max),
			formatMillis(stats.Avg),
			formatMillis(stats.P50),
			formatMillis(stats.P90),
			formatMillis(stats.P99),
			strconv.FormatUint(stats.Successes, 10),
			strconv.FormatUint(stats.Failures, 10),
		}
		if err := w.Write(row); err != nil {
			return errs.New("export", errs.CodeUnavailable,
				errs.WithMessage("write csv row"), errs.WithCause(err))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errs.New("export", errs.CodeUnavailable,
			errs.WithMessage("flush csv"), errs.WithCause(err))
	}
	return nil
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}
