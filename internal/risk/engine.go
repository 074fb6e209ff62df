// Package risk enforces trading limits before any order action and owns the
// process-wide exposure and P&L aggregates.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/schema"
)

// Limits defines the hard risk parameters for the client.
type Limits struct {
	MaxPositionSize decimal.Decimal `yaml:"maxPositionSize"`
	MaxOrderSize    decimal.Decimal `yaml:"maxOrderSize"`
	MaxLossPerTrade decimal.Decimal `yaml:"maxLossPerTrade"`
	MaxDailyLoss    decimal.Decimal `yaml:"maxDailyLoss"`
	MaxExposure     decimal.Decimal `yaml:"maxExposure"`
	MaxOpenOrders   int             `yaml:"maxOpenOrders"`

	// OrderThrottle is the maximum rate of order actions per second.
	OrderThrottle float64 `yaml:"orderThrottle"`
}

// ViolationCallback is invoked synchronously at the point of rejection.
type ViolationCallback func(instrument, reason string)

// Engine is the gatekeeper for every order action. A single mutex guards the
// aggregate state so each composite check reads a consistent snapshot.
type Engine struct {
	limits  Limits
	limiter *rate.Limiter

	mu         sync.Mutex
	positions  map[string]schema.Position
	metrics    schema.RiskMetrics
	openOrders int
	equity     float64
	peakEquity float64

	onViolation ViolationCallback
	onPosition  func(schema.Position)
	onMetrics   func(schema.RiskMetrics)

	runtime *observability.RuntimeMetrics
	clock   func() time.Time
}

// NewEngine creates a risk engine with the given limits.
func NewEngine(limits Limits) *Engine {
	throttle := limits.OrderThrottle
	if throttle <= 0 {
		throttle = 1
	}
	burst := int(throttle)
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		limits:    limits,
		limiter:   rate.NewLimiter(rate.Limit(throttle), burst),
		positions: make(map[string]schema.Position),
		clock:     time.Now,
	}
}

// WithRuntimeMetrics attaches the shared counter accumulator.
func (e *Engine) WithRuntimeMetrics(metrics *observability.RuntimeMetrics) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runtime = metrics
	return e
}

// WithClock overrides the internal clock, primarily for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if clock == nil {
		e.clock = time.Now
	} else {
		e.clock = clock
	}
	return e
}

// SetViolationCallback registers the callback invoked on every rejection.
func (e *Engine) SetViolationCallback(cb ViolationCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onViolation = cb
}

// SetPositionCallback registers a callback invoked on every position replace.
func (e *Engine) SetPositionCallback(cb func(schema.Position)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPosition = cb
}

// SetMetricsCallback registers a callback invoked when aggregates change.
func (e *Engine) SetMetricsCallback(cb func(schema.RiskMetrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMetrics = cb
}

// CheckOrder evaluates an order action against every configured limit. It
// returns nil when the order may proceed and a risk_rejected error otherwise.
// Violations invoke the violation callback and are never fatal.
func (e *Engine) CheckOrder(instrument string, side schema.TradeSide, size, price float64) error {
	if !side.Valid() {
		return errs.New("risk", errs.CodeInvalid, errs.WithMessage("unknown trade side"))
	}
	if size <= 0 || price < 0 {
		return errs.New("risk", errs.CodeInvalid, errs.WithMessage("size must be positive and price non-negative"))
	}
	if !e.limiter.Allow() {
		return e.reject(instrument, "order rate limit exceeded")
	}

	sizeD := decimal.NewFromFloat(math.Abs(size))
	potentialLoss := sizeD.Mul(decimal.NewFromFloat(price))

	// The whole composite check runs under one lock so every sub-check reads
	// the same aggregate snapshot.
	e.mu.Lock()
	reason := e.evaluateLocked(sizeD, potentialLoss)
	e.mu.Unlock()

	if reason != "" {
		return e.reject(instrument, reason)
	}
	return nil
}

func (e *Engine) evaluateLocked(size, potentialLoss decimal.Decimal) string {
	if size.GreaterThan(e.limits.MaxOrderSize) || size.GreaterThan(e.limits.MaxPositionSize) {
		return "position/order size limit exceeded"
	}
	if potentialLoss.GreaterThan(e.limits.MaxLossPerTrade) {
		return "per-trade loss limit exceeded"
	}
	dailyPnl := decimal.NewFromFloat(e.metrics.DailyPnl)
	if dailyPnl.Sub(potentialLoss).LessThan(e.limits.MaxDailyLoss.Neg()) {
		return "daily loss limit exceeded"
	}
	exposure := decimal.NewFromFloat(e.metrics.TotalExposure)
	if exposure.Add(potentialLoss).GreaterThan(e.limits.MaxExposure) {
		return "exposure limit exceeded"
	}
	if e.limits.MaxOpenOrders > 0 && e.openOrders >= e.limits.MaxOpenOrders {
		return "max open orders reached"
	}
	return ""
}

// reject reports the violation with the engine lock released so callbacks may
// call back into the engine. Reporting happens through the callback and the
// rejection counter; the returned error carries the reason for callers.
func (e *Engine) reject(instrument, reason string) error {
	e.mu.Lock()
	runtime := e.runtime
	cb := e.onViolation
	e.mu.Unlock()
	if runtime != nil {
		runtime.RecordRiskRejection(instrument)
	}
	if cb != nil {
		cb(instrument, reason)
	}
	return errs.New("risk", errs.CodeRiskRejected, errs.WithMessage(reason+": "+instrument))
}

// ReserveOrderSlot claims one open-order slot; the session calls this when a
// pending order is acknowledged.
func (e *Engine) ReserveOrderSlot() {
	e.mu.Lock()
	e.openOrders++
	e.mu.Unlock()
}

// ReleaseOrderSlot frees an open-order slot when an order reaches a terminal state.
func (e *Engine) ReleaseOrderSlot() {
	e.mu.Lock()
	if e.openOrders > 0 {
		e.openOrders--
	}
	e.mu.Unlock()
}

// UpdatePosition replaces the instrument's position wholesale and recomputes
// total exposure over all positions.
func (e *Engine) UpdatePosition(position schema.Position) {
	e.mu.Lock()
	if position.ObservedAt.IsZero() {
		position.ObservedAt = e.clock()
	}
	e.positions[position.Instrument] = position

	total := decimal.Zero
	for _, p := range e.positions {
		notional := decimal.NewFromFloat(p.Size).Mul(decimal.NewFromFloat(p.AvgEntryPrice)).Abs()
		total = total.Add(notional)
	}
	e.metrics.TotalExposure, _ = total.Float64()
	e.metrics.ObservedAt = e.clock()

	positionCb := e.onPosition
	metricsCb := e.onMetrics
	metrics := e.metrics
	e.mu.Unlock()

	if positionCb != nil {
		positionCb(position)
	}
	if metricsCb != nil {
		metricsCb(metrics)
	}
}

// RecordTradeOutcome folds one realized trade result into the aggregates.
func (e *Engine) RecordTradeOutcome(pnl float64) {
	e.mu.Lock()
	e.metrics.TotalTrades++
	if pnl > 0 {
		e.metrics.WinningTrades++
	}
	if e.metrics.TotalTrades > 0 {
		e.metrics.WinRate = float64(e.metrics.WinningTrades) / float64(e.metrics.TotalTrades)
	}
	e.metrics.DailyPnl += pnl

	e.equity += pnl
	if e.equity > e.peakEquity {
		e.peakEquity = e.equity
	}
	if drawdown := e.peakEquity - e.equity; drawdown > e.metrics.MaxDrawdown {
		e.metrics.MaxDrawdown = drawdown
	}
	e.metrics.ObservedAt = e.clock()

	metricsCb := e.onMetrics
	metrics := e.metrics
	e.mu.Unlock()

	if metricsCb != nil {
		metricsCb(metrics)
	}
}

// UpdateMetrics replaces the aggregate metrics wholesale.
func (e *Engine) UpdateMetrics(metrics schema.RiskMetrics) {
	e.mu.Lock()
	e.metrics = metrics
	cb := e.onMetrics
	e.mu.Unlock()
	if cb != nil {
		cb(metrics)
	}
}

// Metrics returns a copy of the current aggregates.
func (e *Engine) Metrics() schema.RiskMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// Position returns the current position for the instrument.
func (e *Engine) Position(instrument string) (schema.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[instrument]
	if !ok {
		return schema.Position{}, errs.New("risk", errs.CodeNoData,
			errs.WithMessage("no position recorded: "+instrument))
	}
	return p, nil
}

// Positions returns a copy of every tracked position.
func (e *Engine) Positions() []schema.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

// TotalExposure returns the aggregate absolute notional over all positions.
func (e *Engine) TotalExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.TotalExposure
}

// DailyPnL returns the running daily P&L.
func (e *Engine) DailyPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.DailyPnl
}

// MaxDrawdown returns the largest observed equity drawdown.
func (e *Engine) MaxDrawdown() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.MaxDrawdown
}
