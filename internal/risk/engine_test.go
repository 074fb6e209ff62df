package risk

import (
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/schema"
)

// warnCountingLogger records how many warnings reach the package logger.
type warnCountingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *warnCountingLogger) Debug(string, ...observability.Field) {}
func (l *warnCountingLogger) Info(string, ...observability.Field)  {}
func (l *warnCountingLogger) Error(string, ...observability.Field) {}

func (l *warnCountingLogger) Warn(string, ...observability.Field) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *warnCountingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warns
}

func testLimits() Limits {
	return Limits{
		MaxPositionSize: decimal.NewFromInt(10),
		MaxOrderSize:    decimal.NewFromInt(10),
		MaxLossPerTrade: decimal.NewFromInt(1_000_000),
		MaxDailyLoss:    decimal.NewFromInt(5_000_000),
		MaxExposure:     decimal.NewFromInt(100_000_000),
		MaxOpenOrders:   10,
		OrderThrottle:   1000,
	}
}

func TestCheckOrderApprovesWithinAllLimits(t *testing.T) {
	engine := NewEngine(testLimits())
	if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000); err != nil {
		t.Fatalf("order within every limit should pass: %v", err)
	}
}

func TestRejectionReportsThroughCallbackNotLogger(t *testing.T) {
	logger := &warnCountingLogger{}
	observability.SetLogger(logger)
	t.Cleanup(func() { observability.SetLogger(nil) })

	engine := NewEngine(testLimits())
	calls := 0
	engine.SetViolationCallback(func(string, string) { calls++ })

	if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 11, 50000); err == nil {
		t.Fatalf("size 11 against max 10 should be rejected")
	}
	if calls != 1 {
		t.Fatalf("violation callback fired %d times", calls)
	}
	if n := logger.count(); n != 0 {
		t.Fatalf("engine logged %d warnings for a rejection the callback already reported", n)
	}
}

func TestCheckOrderRejectsOversizedOrder(t *testing.T) {
	engine := NewEngine(testLimits())

	var gotInstrument, gotReason string
	engine.SetViolationCallback(func(instrument, reason string) {
		gotInstrument, gotReason = instrument, reason
	})

	err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 11, 50000)
	if err == nil {
		t.Fatalf("size 11 against max 10 should be rejected")
	}
	if errs.CodeOf(err) != errs.CodeRiskRejected {
		t.Fatalf("expected risk_rejected code, got %q", errs.CodeOf(err))
	}
	if gotInstrument != "BTC-PERPETUAL" {
		t.Fatalf("violation callback instrument = %q", gotInstrument)
	}
	if !strings.Contains(gotReason, "position/order size limit") {
		t.Fatalf("reason should mention the position/order limit, got %q", gotReason)
	}
}

func TestCheckOrderRejectsPerTradeLoss(t *testing.T) {
	limits := testLimits()
	limits.MaxLossPerTrade = decimal.NewFromInt(1000)
	engine := NewEngine(limits)

	err := engine.CheckOrder("BTC-PERPETUAL", schema.SideSell, 1, 50000)
	if err == nil || !strings.Contains(err.Error(), "per-trade loss limit") {
		t.Fatalf("expected per-trade loss rejection, got %v", err)
	}
}

func TestCheckOrderRejectsDailyLoss(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyLoss = decimal.NewFromInt(1000)
	engine := NewEngine(limits)
	engine.UpdateMetrics(schema.RiskMetrics{DailyPnl: -900})

	// A further 50000 potential loss breaches the 1000 daily bound.
	err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000)
	if err == nil || !strings.Contains(err.Error(), "daily loss limit") {
		t.Fatalf("expected daily loss rejection, got %v", err)
	}
}

func TestCheckOrderRejectsExposure(t *testing.T) {
	limits := testLimits()
	limits.MaxExposure = decimal.NewFromInt(60000)
	engine := NewEngine(limits)
	engine.UpdatePosition(schema.Position{
		Instrument:    "ETH-PERPETUAL",
		Size:          10,
		AvgEntryPrice: 3000,
	})

	err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000)
	if err == nil || !strings.Contains(err.Error(), "exposure limit") {
		t.Fatalf("expected exposure rejection, got %v", err)
	}
}

func TestCheckOrderRejectsWhenOpenOrderBudgetSpent(t *testing.T) {
	limits := testLimits()
	limits.MaxOpenOrders = 2
	engine := NewEngine(limits)
	engine.ReserveOrderSlot()
	engine.ReserveOrderSlot()

	err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000)
	if err == nil || !strings.Contains(err.Error(), "max open orders") {
		t.Fatalf("expected open-order rejection, got %v", err)
	}

	engine.ReleaseOrderSlot()
	if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000); err != nil {
		t.Fatalf("released slot should admit the order: %v", err)
	}
}

func TestCheckOrderIsIdempotentUnderUnchangedState(t *testing.T) {
	engine := NewEngine(testLimits())
	for i := 0; i < 20; i++ {
		if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 2, 40000); err != nil {
			t.Fatalf("identical input against unchanged state flipped decision on call %d: %v", i, err)
		}
	}
}

func TestCheckOrderRejectsInvalidInput(t *testing.T) {
	engine := NewEngine(testLimits())
	if err := engine.CheckOrder("BTC-PERPETUAL", "hold", 1, 50000); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid_request for unknown side, got %v", err)
	}
	if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, -1, 50000); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid_request for negative size, got %v", err)
	}
}

func TestOrderThrottle(t *testing.T) {
	limits := testLimits()
	limits.OrderThrottle = 1
	engine := NewEngine(limits)

	if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000); err != nil {
		t.Fatalf("first order should pass: %v", err)
	}
	err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000)
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Fatalf("expected throttle rejection, got %v", err)
	}
}

func TestUpdatePositionRecomputesExposure(t *testing.T) {
	engine := NewEngine(testLimits())

	engine.UpdatePosition(schema.Position{Instrument: "BTC-PERPETUAL", Size: 0.1, AvgEntryPrice: 50005})
	engine.UpdatePosition(schema.Position{Instrument: "ETH-PERPETUAL", Size: -2, AvgEntryPrice: 3000})

	want := 0.1*50005 + 2*3000
	if got := engine.TotalExposure(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("exposure = %v, want %v", got, want)
	}

	// Wholesale replace, not merge.
	engine.UpdatePosition(schema.Position{Instrument: "BTC-PERPETUAL", Size: 0.2, AvgEntryPrice: 50000})
	pos, err := engine.Position("BTC-PERPETUAL")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Size != 0.2 || pos.AvgEntryPrice != 50000 {
		t.Fatalf("position not replaced wholesale: %+v", pos)
	}
}

func TestPositionCallbackNotified(t *testing.T) {
	engine := NewEngine(testLimits())
	var mu sync.Mutex
	var got []schema.Position
	engine.SetPositionCallback(func(p schema.Position) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	})

	engine.UpdatePosition(schema.Position{Instrument: "BTC-PERPETUAL", Size: 1, AvgEntryPrice: 50000})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Instrument != "BTC-PERPETUAL" {
		t.Fatalf("position callback not invoked: %+v", got)
	}
}

func TestUnknownPositionIsNoData(t *testing.T) {
	engine := NewEngine(testLimits())
	if _, err := engine.Position("BTC-PERPETUAL"); !errs.IsNoData(err) {
		t.Fatalf("expected no-data error for unknown position, got %v", err)
	}
}

func TestRecordTradeOutcomeAggregates(t *testing.T) {
	engine := NewEngine(testLimits()).WithClock(func() time.Time { return time.Unix(1700000000, 0) })

	engine.RecordTradeOutcome(100)
	engine.RecordTradeOutcome(-40)
	engine.RecordTradeOutcome(30)

	m := engine.Metrics()
	if m.TotalTrades != 3 || m.WinningTrades != 2 {
		t.Fatalf("trade counts wrong: %+v", m)
	}
	if math.Abs(m.WinRate-2.0/3.0) > 1e-9 {
		t.Fatalf("win rate = %v", m.WinRate)
	}
	if math.Abs(m.DailyPnl-90) > 1e-9 {
		t.Fatalf("daily pnl = %v", m.DailyPnl)
	}
	if math.Abs(m.MaxDrawdown-40) > 1e-9 {
		t.Fatalf("max drawdown = %v", m.MaxDrawdown)
	}
}

func TestViolationCallbackMayReadEngineState(t *testing.T) {
	engine := NewEngine(testLimits())
	done := make(chan float64, 1)
	engine.SetViolationCallback(func(string, string) {
		done <- engine.TotalExposure()
	})

	if err := engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 11, 50000); err == nil {
		t.Fatalf("expected rejection")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("violation callback deadlocked reading engine state")
	}
}

func TestConcurrentChecksAreRaceFree(t *testing.T) {
	engine := NewEngine(testLimits())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = engine.CheckOrder("BTC-PERPETUAL", schema.SideBuy, 1, 50000)
				engine.UpdatePosition(schema.Position{
					Instrument:    "BTC-PERPETUAL",
					Size:          float64(g),
					AvgEntryPrice: 50000,
				})
				_ = engine.TotalExposure()
			}
		}(g)
	}
	wg.Wait()
}
