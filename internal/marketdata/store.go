// Package marketdata provides the in-memory source of truth for
// per-instrument order book, trade, and summary state.
package marketdata

import (
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/schema"
)

const (
	// DefaultTradeDepth bounds the per-instrument trade ring.
	DefaultTradeDepth = 1000
	// DefaultStaleAfter is the eviction window for instruments with no updates.
	DefaultStaleAfter = 5 * time.Minute

	notifyQueueDepth = 1024
)

// Callback receives a consistent snapshot whenever an instrument changes.
type Callback func(schema.MarketData)

// Options tunes store behaviour; zero values fall back to defaults.
type Options struct {
	TradeDepth int
	StaleAfter time.Duration
	Metrics    *observability.RuntimeMetrics
	Clock      func() time.Time
}

// Store owns per-instrument market state. One writer (the session
// demultiplexer) mutates entries; many readers query them. Subscriber
// callbacks run on a dedicated notifier goroutine so the writer never blocks
// on application logic.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	subs    map[string][]Callback

	tradeDepth int
	staleAfter time.Duration
	metrics    *observability.RuntimeMetrics
	clock      func() time.Time

	notifyCh  chan notification
	shutdown  chan struct{}
	closeOnce sync.Once
}

type notification struct {
	instrument string
	data       schema.MarketData
}

type entry struct {
	mu   sync.Mutex
	data schema.MarketData
}

// NewStore creates a store and starts its notifier and staleness sweeper.
func NewStore(opts Options) *Store {
	if opts.TradeDepth <= 0 {
		opts.TradeDepth = DefaultTradeDepth
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Store{
		entries:    make(map[string]*entry),
		subs:       make(map[string][]Callback),
		tradeDepth: opts.TradeDepth,
		staleAfter: opts.StaleAfter,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		notifyCh:   make(chan notification, notifyQueueDepth),
		shutdown:   make(chan struct{}),
	}
	go s.notifier()
	go s.sweep()
	return s
}

// Close stops the notifier and sweeper goroutines.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
	})
}

// UpdateOrderBook replaces the instrument's book wholesale and notifies
// subscribers. Crossed books are accepted but flagged.
func (s *Store) UpdateOrderBook(book *schema.OrderBook) {
	if book == nil || book.Instrument == "" {
		return
	}
	if !book.Sorted() {
		book.Normalize()
	}
	if book.Crossed() {
		observability.Log().Warn("crossed order book accepted",
			observability.F("instrument", book.Instrument))
		if s.metrics != nil {
			s.metrics.RecordCrossedBook(book.Instrument)
		}
	}

	e := s.entry(book.Instrument)
	e.mu.Lock()
	e.data.Book = book
	e.data.ObservedAt = s.clock()
	snapshot := s.snapshotLocked(e)
	e.mu.Unlock()

	s.enqueue(book.Instrument, snapshot)
}

// AddTrade appends to the instrument's bounded trade ring, oldest first out.
func (s *Store) AddTrade(trade schema.Trade) {
	if trade.Instrument == "" {
		return
	}
	e := s.entry(trade.Instrument)
	e.mu.Lock()
	e.data.Trades = append(e.data.Trades, trade)
	if overflow := len(e.data.Trades) - s.tradeDepth; overflow > 0 {
		e.data.Trades = e.data.Trades[overflow:]
	}
	e.data.LastPrice = trade.Price
	e.data.ObservedAt = s.clock()
	snapshot := s.snapshotLocked(e)
	e.mu.Unlock()

	s.enqueue(trade.Instrument, snapshot)
}

// UpdateSummary applies ticker statistics for the instrument.
func (s *Store) UpdateSummary(summary schema.Summary) {
	if summary.Instrument == "" {
		return
	}
	e := s.entry(summary.Instrument)
	e.mu.Lock()
	if summary.LastPrice > 0 {
		e.data.LastPrice = summary.LastPrice
	}
	e.data.Volume24h = summary.Volume24h
	e.data.High24h = summary.High24h
	e.data.Low24h = summary.Low24h
	e.data.ObservedAt = s.clock()
	snapshot := s.snapshotLocked(e)
	e.mu.Unlock()

	s.enqueue(summary.Instrument, snapshot)
}

// Subscribe registers a callback invoked with the updated market data
// whenever the instrument changes.
func (s *Store) Subscribe(instrument string, cb Callback) {
	if instrument == "" || cb == nil {
		return
	}
	s.mu.Lock()
	s.subs[instrument] = append(s.subs[instrument], cb)
	s.mu.Unlock()
}

// Unsubscribe removes every callback registered for the instrument.
func (s *Store) Unsubscribe(instrument string) {
	s.mu.Lock()
	delete(s.subs, instrument)
	s.mu.Unlock()
}

// MarketData returns a consistent snapshot for the instrument.
func (s *Store) MarketData(instrument string) (schema.MarketData, error) {
	e, ok := s.lookup(instrument)
	if !ok {
		return schema.MarketData{}, noData(instrument, "no market data recorded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.snapshotLocked(e), nil
}

// OrderBook returns the most recently applied book for the instrument.
func (s *Store) OrderBook(instrument string) (*schema.OrderBook, error) {
	e, ok := s.lookup(instrument)
	if !ok {
		return nil, noData(instrument, "no order book recorded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data.Book == nil {
		return nil, noData(instrument, "no order book recorded")
	}
	return e.data.Book.Clone(), nil
}

// RecentTrades returns up to count trades in arrival order, newest last.
func (s *Store) RecentTrades(instrument string, count int) ([]schema.Trade, error) {
	e, ok := s.lookup(instrument)
	if !ok {
		return nil, noData(instrument, "no trades recorded")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	trades := e.data.Trades
	if count > 0 && len(trades) > count {
		trades = trades[len(trades)-count:]
	}
	return append([]schema.Trade(nil), trades...), nil
}

// BestBid returns the best bid price for the instrument.
func (s *Store) BestBid(instrument string) (float64, error) {
	book, err := s.OrderBook(instrument)
	if err != nil {
		return 0, err
	}
	bid, ok := book.BestBid()
	if !ok {
		return 0, noData(instrument, "bid side empty")
	}
	return bid.Price, nil
}

// BestAsk returns the best ask price for the instrument.
func (s *Store) BestAsk(instrument string) (float64, error) {
	book, err := s.OrderBook(instrument)
	if err != nil {
		return 0, err
	}
	ask, ok := book.BestAsk()
	if !ok {
		return 0, noData(instrument, "ask side empty")
	}
	return ask.Price, nil
}

// MidPrice returns the midpoint of the best bid and ask.
func (s *Store) MidPrice(instrument string) (float64, error) {
	book, err := s.OrderBook(instrument)
	if err != nil {
		return 0, err
	}
	mid, ok := book.MidPrice()
	if !ok {
		return 0, noData(instrument, "one or both book sides empty")
	}
	return mid, nil
}

// Spread returns the best ask minus the best bid.
func (s *Store) Spread(instrument string) (float64, error) {
	book, err := s.OrderBook(instrument)
	if err != nil {
		return 0, err
	}
	spread, ok := book.Spread()
	if !ok {
		return 0, noData(instrument, "one or both book sides empty")
	}
	return spread, nil
}

// Instruments lists the instruments currently tracked.
func (s *Store) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

func (s *Store) entry(instrument string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[instrument]
	if !ok {
		e = new(entry)
		s.entries[instrument] = e
	}
	return e
}

func (s *Store) lookup(instrument string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[instrument]
	return e, ok
}

// snapshotLocked deep-copies the entry state; callers hold e.mu.
func (s *Store) snapshotLocked(e *entry) schema.MarketData {
	out := e.data
	out.Book = e.data.Book.Clone()
	out.Trades = append([]schema.Trade(nil), e.data.Trades...)
	return out
}

// enqueue hands a snapshot to the notifier without ever blocking the writer.
func (s *Store) enqueue(instrument string, data schema.MarketData) {
	select {
	case s.notifyCh <- notification{instrument: instrument, data: data}:
	default:
		observability.Log().Warn("market data notification dropped",
			observability.F("instrument", instrument),
			observability.F("queue_depth", notifyQueueDepth))
	}
}

func (s *Store) notifier() {
	for {
		select {
		case <-s.shutdown:
			return
		case n := <-s.notifyCh:
			s.dispatch(n.instrument, n.data)
		}
	}
}

// dispatch fans the update out to subscribers, isolating per-callback panics.
func (s *Store) dispatch(instrument string, data schema.MarketData) {
	s.mu.RLock()
	callbacks := append([]Callback(nil), s.subs[instrument]...)
	s.mu.RUnlock()

	for _, cb := range callbacks {
		var catcher panics.Catcher
		catcher.Try(func() { cb(data) })
		if recovered := catcher.Recovered(); recovered != nil {
			observability.Log().Error("market data subscriber panicked",
				observability.F("instrument", instrument),
				observability.F("panic", recovered.Value))
		}
	}
}

func (s *Store) sweep() {
	interval := s.staleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Store) evictStale() {
	cutoff := s.clock().Add(-s.staleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.entries {
		e.mu.Lock()
		stale := e.data.ObservedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(s.entries, name)
			if s.metrics != nil {
				s.metrics.RecordEviction()
			}
			observability.Log().Info("evicted stale instrument",
				observability.F("instrument", name))
		}
	}
}

func noData(instrument, msg string) error {
	return errs.New("marketdata", errs.CodeNoData,
		errs.WithMessage(msg+": "+instrument))
}
