package observability

import "sync"

// CounterSnapshot captures client runtime counters for periodic export.
type CounterSnapshot struct {
	FramesRouted    map[string]uint64 `json:"frames_routed"`
	FramesDropped   uint64            `json:"frames_dropped"`
	Reconnects      uint64            `json:"reconnects"`
	RiskRejections  map[string]uint64 `json:"risk_rejections"`
	CrossedBooks    map[string]uint64 `json:"crossed_books"`
	EvictedEntries  uint64            `json:"evicted_entries"`
	OrdersSubmitted uint64            `json:"orders_submitted"`
}

// RuntimeMetrics accumulates client counters in-memory for periodic export.
type RuntimeMetrics struct {
	mu       sync.Mutex
	counters CounterSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.counters = CounterSnapshot{
		FramesRouted:   make(map[string]uint64),
		RiskRejections: make(map[string]uint64),
		CrossedBooks:   make(map[string]uint64),
	}
	return metrics
}

// RecordFrameRouted counts a demultiplexed frame by its route class.
func (m *RuntimeMetrics) RecordFrameRouted(route string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.FramesRouted[route]++
}

// RecordFrameDropped counts an unrecognized or malformed frame.
func (m *RuntimeMetrics) RecordFrameDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.FramesDropped++
}

// RecordReconnect counts a transport reconnection.
func (m *RuntimeMetrics) RecordReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.Reconnects++
}

// RecordRiskRejection counts a risk violation per instrument.
func (m *RuntimeMetrics) RecordRiskRejection(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.RiskRejections[instrument]++
}

// RecordCrossedBook counts a crossed book observation per instrument.
func (m *RuntimeMetrics) RecordCrossedBook(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.CrossedBooks[instrument]++
}

// RecordEviction counts a stale instrument eviction.
func (m *RuntimeMetrics) RecordEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.EvictedEntries++
}

// RecordOrderSubmitted counts an outbound order action.
func (m *RuntimeMetrics) RecordOrderSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.OrdersSubmitted++
}

// Snapshot returns a deep copy of the accumulated counters.
func (m *RuntimeMetrics) Snapshot() CounterSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := CounterSnapshot{
		FramesRouted:    make(map[string]uint64, len(m.counters.FramesRouted)),
		FramesDropped:   m.counters.FramesDropped,
		Reconnects:      m.counters.Reconnects,
		RiskRejections:  make(map[string]uint64, len(m.counters.RiskRejections)),
		CrossedBooks:    make(map[string]uint64, len(m.counters.CrossedBooks)),
		EvictedEntries:  m.counters.EvictedEntries,
		OrdersSubmitted: m.counters.OrdersSubmitted,
	}
	for k, v := range m.counters.FramesRouted {
		out.FramesRouted[k] = v
	}
	for k, v := range m.counters.RiskRejections {
		out.RiskRejections[k] = v
	}
	for k, v := range m.counters.CrossedBooks {
		out.CrossedBooks[k] = v
	}
	return out
}
