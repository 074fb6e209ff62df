// Package latency records per-operation duration samples and derives order
// statistics over a bounded rolling window.
package latency

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindow bounds the rolling sample window per operation class.
const DefaultWindow = 1000

// Stats is an immutable snapshot of one operation class.
type Stats struct {
	Operation string        `json:"operation"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
	Avg       time.Duration `json:"avg"`
	P50       time.Duration `json:"p50"`
	P90       time.Duration `json:"p90"`
	P99       time.Duration `json:"p99"`
	Samples   int           `json:"samples"`
	Total     uint64        `json:"total"`
	Successes uint64        `json:"successes"`
	Failures  uint64        `json:"failures"`
}

type window struct {
	samples   []time.Duration
	next      int
	total     uint64
	successes uint64
	failures  uint64
}

// Recorder accumulates latency samples per named operation class. It is safe
// for concurrent use; snapshots never observe a torn write.
type Recorder struct {
	mu    sync.Mutex
	limit int
	ops   map[string]*window
	clock func() time.Time
}

// NewRecorder creates a recorder with the given per-class window size.
func NewRecorder(windowSize int) *Recorder {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	return &Recorder{
		limit: windowSize,
		ops:   make(map[string]*window),
		clock: time.Now,
	}
}

// WithClock overrides the internal clock, primarily for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if clock == nil {
		r.clock = time.Now
	} else {
		r.clock = clock
	}
	return r
}

// Start begins timing an operation and returns the completion func. Passing a
// non-nil error to the completion func records the sample as a failure.
func (r *Recorder) Start(operation string) func(error) {
	r.mu.Lock()
	started := r.clock()
	r.mu.Unlock()
	return func(err error) {
		r.mu.Lock()
		elapsed := r.clock().Sub(started)
		r.mu.Unlock()
		r.Observe(operation, elapsed, err)
	}
}

// Observe records one duration sample for the operation class.
func (r *Recorder) Observe(operation string, d time.Duration, err error) {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.ops[operation]
	if !ok {
		w = &window{samples: make([]time.Duration, 0, r.limit)}
		r.ops[operation] = w
	}
	if len(w.samples) < r.limit {
		w.samples = append(w.samples, d)
	} else {
		// FIFO overwrite of the oldest sample.
		w.samples[w.next] = d
	}
	w.next = (w.next + 1) % r.limit
	w.total++
	if err != nil {
		w.failures++
	} else {
		w.successes++
	}
}

// Snapshot derives the statistics for one operation class. The bool result is
// false when no samples have been recorded for it.
func (r *Recorder) Snapshot(operation string) (Stats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.ops[operation]
	if !ok || len(w.samples) == 0 {
		return Stats{}, false
	}
	return computeStats(operation, w), true
}

// SnapshotAll derives statistics for every recorded operation class.
func (r *Recorder) SnapshotAll() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.ops))
	for name, w := range r.ops {
		if len(w.samples) == 0 {
			continue
		}
		out = append(out, computeStats(name, w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// computeStats sorts a copy of the window so concurrent writers keep arrival order.
func computeStats(operation string, w *window) Stats {
	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	return Stats{
		Operation: operation,
		Min:       sorted[0],
		Max:       sorted[n-1],
		Avg:       sum / time.Duration(n),
		P50:       percentile(sorted, 50),
		P90:       percentile(sorted, 90),
		P99:       percentile(sorted, 99),
		Samples:   n,
		Total:     w.total,
		Successes: w.successes,
		Failures:  w.failures,
	}
}

func percentile(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*pct + 99) / 100
	if idx > 0 {
		idx--
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
