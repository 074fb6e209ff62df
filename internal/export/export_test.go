package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfall/deriva/internal/latency"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/strategy"
)

func fixedClock() func() time.Time {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func seededSources(t *testing.T) (*latency.Recorder, *observability.RuntimeMetrics) {
	t.Helper()
	recorder := latency.NewRecorder(100)
	for i := 1; i <= 10; i++ {
		recorder.Observe("private/buy", time.Duration(i)*time.Millisecond, nil)
	}
	recorder.Observe("public/auth", 30*time.Millisecond, nil)

	metrics := observability.NewRuntimeMetrics()
	metrics.RecordFrameRouted("book")
	metrics.RecordFrameRouted("book")
	metrics.RecordFrameDropped()
	metrics.RecordOrderSubmitted()
	return recorder, metrics
}

func TestWriteNowProducesJSONAndCSV(t *testing.T) {
	dir := t.TempDir()
	recorder, metrics := seededSources(t)

	exporter, err := NewExporter(Options{
		Dir:      dir,
		Recorder: recorder,
		Metrics:  metrics,
		Clock:    fixedClock(),
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	report, err := exporter.WriteNow()
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(report.Latency) != 2 {
		t.Fatalf("latency sections = %d", len(report.Latency))
	}

	jsonPath := filepath.Join(dir, "report_20250601T120000.json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		t.Fatalf("read json: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded.Counters.FramesRouted["book"] != 2 || decoded.Counters.FramesDropped != 1 {
		t.Fatalf("counters = %+v", decoded.Counters)
	}

	csvPath := filepath.Join(dir, "latency_20250601T120000.csv")
	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows = %d", len(rows))
	}
	if rows[0][0] != "operation" || rows[0][6] != "p90_ms" {
		t.Fatalf("csv header = %v", rows[0])
	}
}

func TestSnapshotIncludesStrategies(t *testing.T) {
	recorder, metrics := seededSources(t)
	exporter, err := NewExporter(Options{
		Dir:      t.TempDir(),
		Recorder: recorder,
		Metrics:  metrics,
		Clock:    fixedClock(),
		Strategies: func() map[string]strategy.Metrics {
			return map[string]strategy.Metrics{
				"meanrev-btc": {TotalPnl: 95, TotalTrades: 1, WinningTrades: 1, WinRate: 1},
			}
		},
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	report := exporter.Snapshot()
	m, ok := report.Strategies["meanrev-btc"]
	if !ok || m.TotalPnl != 95 {
		t.Fatalf("strategies = %+v", report.Strategies)
	}
}

func TestNewExporterRequiresSources(t *testing.T) {
	if _, err := NewExporter(Options{Dir: t.TempDir()}); err == nil {
		t.Fatalf("missing sources should be rejected")
	}
}

func TestPeriodicExportWrites(t *testing.T) {
	dir := t.TempDir()
	recorder, metrics := seededSources(t)

	exporter, err := NewExporter(Options{
		Dir:      dir,
		Interval: 20 * time.Millisecond,
		Recorder: recorder,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	exporter.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		if len(entries) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	exporter.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected report files, found %d entries", len(entries))
	}
}
