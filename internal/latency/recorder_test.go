package latency

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPercentileOrdering(t *testing.T) {
	rec := NewRecorder(DefaultWindow)
	for i := 1; i <= 100; i++ {
		rec.Observe("order.place", time.Duration(i*10)*time.Millisecond, nil)
	}

	stats, ok := rec.Snapshot("order.place")
	if !ok {
		t.Fatalf("expected a snapshot for the recorded class")
	}
	if stats.Min != 10*time.Millisecond || stats.Max != 1000*time.Millisecond {
		t.Fatalf("unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 > stats.P90 || stats.P90 > stats.P99 {
		t.Fatalf("percentiles out of order: p50=%v p90=%v p99=%v", stats.P50, stats.P90, stats.P99)
	}
	if stats.P50 < stats.Min || stats.P99 > stats.Max {
		t.Fatalf("percentiles escaped the observed range: %+v", stats)
	}
	if stats.Samples != 100 || stats.Total != 100 {
		t.Fatalf("expected 100 samples, got %d/%d", stats.Samples, stats.Total)
	}
}

func TestWindowEvictsOldestFirst(t *testing.T) {
	rec := NewRecorder(10)
	for i := 1; i <= 25; i++ {
		rec.Observe("md.update", time.Duration(i)*time.Millisecond, nil)
	}
	stats, ok := rec.Snapshot("md.update")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if stats.Samples != 10 {
		t.Fatalf("window should cap at 10 samples, got %d", stats.Samples)
	}
	// Only the 10 most recent samples (16..25ms) may remain.
	if stats.Min != 16*time.Millisecond {
		t.Fatalf("expected oldest surviving sample 16ms, got %v", stats.Min)
	}
	if stats.Total != 25 {
		t.Fatalf("total should count every observation, got %d", stats.Total)
	}
}

func TestSuccessAndFailureCounts(t *testing.T) {
	rec := NewRecorder(100)
	rec.Observe("order.cancel", time.Millisecond, nil)
	rec.Observe("order.cancel", time.Millisecond, errors.New("timeout"))
	rec.Observe("order.cancel", time.Millisecond, nil)

	stats, _ := rec.Snapshot("order.cancel")
	if stats.Successes != 2 || stats.Failures != 1 {
		t.Fatalf("expected 2 successes / 1 failure, got %d/%d", stats.Successes, stats.Failures)
	}
}

func TestStartUsesInjectedClock(t *testing.T) {
	now := time.Unix(0, 0)
	rec := NewRecorder(16).WithClock(func() time.Time { return now })

	done := rec.Start("auth")
	now = now.Add(42 * time.Millisecond)
	done(nil)

	stats, ok := rec.Snapshot("auth")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	if stats.Min != 42*time.Millisecond {
		t.Fatalf("expected 42ms sample, got %v", stats.Min)
	}
}

func TestSnapshotAllIsSortedByOperation(t *testing.T) {
	rec := NewRecorder(16)
	rec.Observe("z.op", time.Millisecond, nil)
	rec.Observe("a.op", time.Millisecond, nil)

	all := rec.SnapshotAll()
	if len(all) != 2 {
		t.Fatalf("expected two classes, got %d", len(all))
	}
	if all[0].Operation != "a.op" || all[1].Operation != "z.op" {
		t.Fatalf("snapshots not sorted: %v, %v", all[0].Operation, all[1].Operation)
	}
}

func TestConcurrentObserversDoNotRace(t *testing.T) {
	rec := NewRecorder(64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			op := fmt.Sprintf("op.%d", g%2)
			for i := 0; i < 200; i++ {
				rec.Observe(op, time.Duration(i)*time.Microsecond, nil)
				rec.Snapshot(op)
			}
		}(g)
	}
	wg.Wait()
	if len(rec.SnapshotAll()) != 2 {
		t.Fatalf("expected two operation classes")
	}
}
