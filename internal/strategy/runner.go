// Package strategy evaluates configured trading strategies against market
// data snapshots and submits risk-gated orders through the session.
package strategy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/latency"
	"github.com/quantfall/deriva/internal/marketdata"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/schema"
	"github.com/quantfall/deriva/lib/async"
)

// Config declares one mean reversion strategy instance.
type Config struct {
	Name            string  `yaml:"name"`
	Instrument      string  `yaml:"instrument"`
	PositionSize    float64 `yaml:"positionSize"`
	EntryThreshold  float64 `yaml:"entryThreshold"`
	ExitThreshold   float64 `yaml:"exitThreshold"`
	StopLoss        float64 `yaml:"stopLoss"`
	TakeProfit      float64 `yaml:"takeProfit"`
	MaxTradesPerDay int     `yaml:"maxTradesPerDay"`
	Enabled         bool    `yaml:"enabled"`
}

// Validate checks the config is internally consistent.
func (c Config) Validate() error {
	if c.Name == "" || c.Instrument == "" {
		return errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("strategy needs a name and an instrument"))
	}
	if c.PositionSize <= 0 {
		return errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("position size must be positive: "+c.Name))
	}
	if c.EntryThreshold <= 0 {
		return errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("entry threshold must be positive: "+c.Name))
	}
	if c.ExitThreshold < 0 || c.ExitThreshold >= c.EntryThreshold {
		return errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("exit threshold must be below the entry threshold: "+c.Name))
	}
	return nil
}

// Metrics aggregates realized performance for one strategy.
type Metrics struct {
	TotalPnl      float64   `json:"total_pnl"`
	WinRate       float64   `json:"win_rate"`
	MaxDrawdown   float64   `json:"max_drawdown"`
	TotalTrades   int       `json:"total_trades"`
	WinningTrades int       `json:"winning_trades"`
	ObservedAt    time.Time `json:"observed_at"`
}

// OrderPlacer is the slice of the session the runner depends on. Orders go
// through the risk engine inside the placer, never around it.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (*schema.Order, error)
}

type position struct {
	side       schema.TradeSide
	entryPrice float64
	size       float64
}

type strategyState struct {
	cfg         Config
	metrics     Metrics
	tradesToday int
	day         time.Time
	open        *position
	inFlight    bool
}

// Options configures a Runner.
type Options struct {
	Workers  int
	Queue    int
	Recorder *latency.Recorder
	Clock    func() time.Time
}

// Runner owns the strategy set and drives evaluations off market data
// notifications. Evaluations run on a bounded worker pool; ticks that
// arrive while the pool is saturated are dropped, never queued unbounded.
type Runner struct {
	store    *marketdata.Store
	placer   OrderPlacer
	pool     *async.Pool
	recorder *latency.Recorder
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	strategies  map[string]*strategyState
	instruments map[string]int
	onTrade     func(strategy string, order *schema.Order, pnl float64)
	onMetrics   func(strategy string, m Metrics)

	closeOnce sync.Once
}

// NewRunner builds a runner over the given store and order placer.
func NewRunner(store *marketdata.Store, placer OrderPlacer, opts Options) (*Runner, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queue := opts.Queue
	if queue <= 0 {
		queue = 256
	}
	pool, err := async.NewPool(workers, queue)
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       store,
		placer:      placer,
		pool:        pool,
		recorder:    opts.Recorder,
		clock:       clock,
		ctx:         ctx,
		cancel:      cancel,
		strategies:  make(map[string]*strategyState),
		instruments: make(map[string]int),
	}, nil
}

// Close stops evaluations and waits for in-flight ones to finish.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		for instrument := range r.instruments {
			r.store.Unsubscribe(instrument)
		}
		r.instruments = make(map[string]int)
		r.mu.Unlock()
		r.pool.Close()
	})
}

// SetTradeCallback registers a callback invoked after every executed trade.
func (r *Runner) SetTradeCallback(cb func(strategy string, order *schema.Order, pnl float64)) {
	r.mu.Lock()
	r.onTrade = cb
	r.mu.Unlock()
}

// SetMetricsCallback registers a callback invoked when strategy metrics change.
func (r *Runner) SetMetricsCallback(cb func(strategy string, m Metrics)) {
	r.mu.Lock()
	r.onMetrics = cb
	r.mu.Unlock()
}

// AddStrategy registers and activates a strategy. The first strategy on an
// instrument subscribes the runner to that instrument's market data.
func (r *Runner) AddStrategy(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.strategies[cfg.Name]; exists {
		r.mu.Unlock()
		return errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("strategy already registered: "+cfg.Name))
	}
	r.strategies[cfg.Name] = &strategyState{cfg: cfg, day: dateOf(r.clock())}
	r.instruments[cfg.Instrument]++
	first := r.instruments[cfg.Instrument] == 1
	r.mu.Unlock()

	if first {
		instrument := cfg.Instrument
		r.store.Subscribe(instrument, func(data schema.MarketData) {
			r.process(instrument, data)
		})
	}
	observability.Log().Info("strategy registered",
		observability.F("strategy", cfg.Name),
		observability.F("instrument", cfg.Instrument))
	return nil
}

// RemoveStrategy deletes a strategy. The last strategy on an instrument
// unsubscribes the runner from that instrument.
func (r *Runner) RemoveStrategy(name string) error {
	r.mu.Lock()
	state, ok := r.strategies[name]
	if !ok {
		r.mu.Unlock()
		return errs.New("strategy", errs.CodeNoData,
			errs.WithMessage("unknown strategy: "+name))
	}
	delete(r.strategies, name)
	instrument := state.cfg.Instrument
	r.instruments[instrument]--
	last := r.instruments[instrument] == 0
	if last {
		delete(r.instruments, instrument)
	}
	r.mu.Unlock()

	if last {
		r.store.Unsubscribe(instrument)
	}
	return nil
}

// EnableStrategy toggles a strategy without losing its state.
func (r *Runner) EnableStrategy(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.strategies[name]
	if !ok {
		return errs.New("strategy", errs.CodeNoData,
			errs.WithMessage("unknown strategy: "+name))
	}
	state.cfg.Enabled = enabled
	return nil
}

// UpdateStrategy replaces the config of a registered strategy. The
// instrument cannot change; remove and re-add for that.
func (r *Runner) UpdateStrategy(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.strategies[cfg.Name]
	if !ok {
		return errs.New("strategy", errs.CodeNoData,
			errs.WithMessage("unknown strategy: "+cfg.Name))
	}
	if state.cfg.Instrument != cfg.Instrument {
		return errs.New("strategy", errs.CodeInvalid,
			errs.WithMessage("cannot move a strategy across instruments: "+cfg.Name))
	}
	state.cfg = cfg
	return nil
}

// Metrics returns the realized performance of one strategy.
func (r *Runner) Metrics(name string) (Metrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.strategies[name]
	if !ok {
		return Metrics{}, errs.New("strategy", errs.CodeNoData,
			errs.WithMessage("unknown strategy: "+name))
	}
	return state.metrics, nil
}

// MetricsAll returns the metrics of every strategy keyed by name.
func (r *Runner) MetricsAll() map[string]Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Metrics, len(r.strategies))
	for name, state := range r.strategies {
		out[name] = state.metrics
	}
	return out
}

// ActiveStrategies lists enabled strategy names sorted alphabetically.
func (r *Runner) ActiveStrategies() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.strategies))
	for name, state := range r.strategies {
		if state.cfg.Enabled {
			names = append(names, name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// process fans one market data snapshot out to every strategy on the
// instrument. It runs on the store's notification goroutine and must not
// block, so evaluations go through the pool and saturation drops the tick.
func (r *Runner) process(instrument string, data schema.MarketData) {
	r.mu.Lock()
	names := make([]string, 0, len(r.strategies))
	for name, state := range r.strategies {
		if state.cfg.Enabled && state.cfg.Instrument == instrument {
			names = append(names, name)
		}
	}
	r.mu.Unlock()

	for _, name := range names {
		name := name
		err := r.pool.Submit(r.ctx, func(ctx context.Context) error {
			return r.evaluate(ctx, name, data)
		})
		if err != nil {
			observability.Log().Debug("dropping tick, evaluation pool saturated",
				observability.F("strategy", name))
		}
	}
}

type decision struct {
	req   schema.OrderRequest
	entry bool
	pnl   float64
}

func (r *Runner) evaluate(ctx context.Context, name string, data schema.MarketData) error {
	start := r.clock()
	d := r.decide(name, data)
	if d == nil {
		r.observe(start, nil)
		return nil
	}

	order, err := r.placer.PlaceOrder(ctx, d.req)
	r.settle(name, d, order, err)
	r.observe(start, err)
	return err
}

func (r *Runner) observe(start time.Time, err error) {
	if r.recorder != nil {
		r.recorder.Observe("strategy.evaluate", r.clock().Sub(start), err)
	}
}

// decide inspects the snapshot and returns the order to place, or nil when
// the strategy stays put. It marks the strategy in-flight so concurrent
// evaluations of the same strategy cannot double-submit.
func (r *Runner) decide(name string, data schema.MarketData) *decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.strategies[name]
	if !ok || !state.cfg.Enabled || state.inFlight {
		return nil
	}

	today := dateOf(r.clock())
	if !state.day.Equal(today) {
		state.day = today
		state.tradesToday = 0
	}

	last := data.LastPrice
	mid, haveMid := data.Book.MidPrice()
	if last <= 0 || !haveMid || mid <= 0 {
		return nil
	}
	deviation := (last - mid) / mid
	cfg := state.cfg

	if state.open == nil {
		if state.tradesToday >= cfg.MaxTradesPerDay {
			return nil
		}
		if math.Abs(deviation) <= cfg.EntryThreshold {
			return nil
		}
		side := schema.SideBuy
		if deviation > 0 {
			side = schema.SideSell
		}
		state.inFlight = true
		return &decision{
			entry: true,
			req: schema.OrderRequest{
				Instrument: cfg.Instrument,
				Side:       side,
				Size:       cfg.PositionSize,
				Price:      last,
				Type:       schema.OrderTypeMarket,
				Label:      cfg.Name,
			},
		}
	}

	pnlPerUnit := last - state.open.entryPrice
	if state.open.side == schema.SideSell {
		pnlPerUnit = -pnlPerUnit
	}
	exit := false
	switch {
	case cfg.StopLoss > 0 && pnlPerUnit <= -cfg.StopLoss:
		exit = true
	case cfg.TakeProfit > 0 && pnlPerUnit >= cfg.TakeProfit:
		exit = true
	case math.Abs(deviation) < cfg.ExitThreshold:
		exit = true
	}
	if !exit {
		return nil
	}

	side := schema.SideSell
	if state.open.side == schema.SideSell {
		side = schema.SideBuy
	}
	state.inFlight = true
	return &decision{
		pnl: pnlPerUnit * state.open.size,
		req: schema.OrderRequest{
			Instrument: cfg.Instrument,
			Side:       side,
			Size:       state.open.size,
			Price:      last,
			Type:       schema.OrderTypeMarket,
			ReduceOnly: true,
			Label:      cfg.Name,
		},
	}
}

// settle folds the order result back into strategy state and fires the
// callbacks with the lock released.
func (r *Runner) settle(name string, d *decision, order *schema.Order, err error) {
	r.mu.Lock()
	state, ok := r.strategies[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	state.inFlight = false

	if err != nil {
		r.mu.Unlock()
		observability.Log().Warn("strategy order failed",
			observability.F("strategy", name),
			observability.F("error", err.Error()))
		return
	}

	var metrics Metrics
	var pnl float64
	if d.entry {
		state.open = &position{
			side:       d.req.Side,
			entryPrice: d.req.Price,
			size:       d.req.Size,
		}
		state.tradesToday++
	} else {
		pnl = d.pnl
		state.open = nil
		state.metrics.TotalPnl += pnl
		state.metrics.TotalTrades++
		if pnl > 0 {
			state.metrics.WinningTrades++
		}
		if state.metrics.TotalTrades > 0 {
			state.metrics.WinRate = float64(state.metrics.WinningTrades) / float64(state.metrics.TotalTrades)
		}
		if pnl < 0 && pnl < state.metrics.MaxDrawdown {
			state.metrics.MaxDrawdown = pnl
		}
		state.metrics.ObservedAt = r.clock()
	}
	metrics = state.metrics
	tradeCb := r.onTrade
	metricsCb := r.onMetrics
	r.mu.Unlock()

	if tradeCb != nil {
		tradeCb(name, order, pnl)
	}
	if !d.entry && metricsCb != nil {
		metricsCb(name, metrics)
	}
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
