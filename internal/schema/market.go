// Package schema defines the canonical market-data, position, and order types.
package schema

import (
	"sort"
	"time"
)

// TradeSide captures the direction of a trade or order.
type TradeSide string

const (
	// SideBuy indicates buy side.
	SideBuy TradeSide = "buy"
	// SideSell indicates sell side.
	SideSell TradeSide = "sell"
)

// Valid reports whether the side is one of the known values.
func (s TradeSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Level is a single order book price level. Levels are immutable once built.
type Level struct {
	Price      float64
	Size       float64
	ObservedAt time.Time
}

// OrderBook holds the resting levels for one instrument. Bids descend by
// price, asks ascend. Books are replaced wholesale, never patched.
type OrderBook struct {
	Instrument string
	Bids       []Level
	Asks       []Level
	ObservedAt time.Time
}

// BestBid returns the highest bid level.
func (b *OrderBook) BestBid() (Level, bool) {
	if b == nil || len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (b *OrderBook) BestAsk() (Level, bool) {
	if b == nil || len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns the midpoint of the best bid and ask.
func (b *OrderBook) MidPrice() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Spread returns the distance between the best ask and best bid.
func (b *OrderBook) Spread() (float64, bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// Crossed reports whether the best bid meets or exceeds the best ask.
// Transient crossed books occur in fast markets; callers flag, not reject.
func (b *OrderBook) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid.Price >= ask.Price
}

// Sorted reports whether both sides respect their required ordering.
func (b *OrderBook) Sorted() bool {
	if b == nil {
		return false
	}
	bidsOK := sort.SliceIsSorted(b.Bids, func(i, j int) bool {
		return b.Bids[i].Price > b.Bids[j].Price
	})
	asksOK := sort.SliceIsSorted(b.Asks, func(i, j int) bool {
		return b.Asks[i].Price < b.Asks[j].Price
	})
	return bidsOK && asksOK
}

// Normalize sorts both sides into their canonical orderings in place.
func (b *OrderBook) Normalize() {
	if b == nil {
		return
	}
	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price > b.Bids[j].Price })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price < b.Asks[j].Price })
}

// Clone returns a deep copy of the book.
func (b *OrderBook) Clone() *OrderBook {
	if b == nil {
		return nil
	}
	out := &OrderBook{
		Instrument: b.Instrument,
		Bids:       append([]Level(nil), b.Bids...),
		Asks:       append([]Level(nil), b.Asks...),
		ObservedAt: b.ObservedAt,
	}
	return out
}

// Trade is a single executed trade print.
type Trade struct {
	Instrument string
	Price      float64
	Size       float64
	Side       TradeSide
	ObservedAt time.Time
}

// MarketData aggregates everything the client tracks for one instrument.
type MarketData struct {
	Book       *OrderBook
	Trades     []Trade
	LastPrice  float64
	Volume24h  float64
	High24h    float64
	Low24h     float64
	ObservedAt time.Time
}

// Summary carries the ticker statistics pushed alongside book updates.
type Summary struct {
	Instrument string
	LastPrice  float64
	Volume24h  float64
	High24h    float64
	Low24h     float64
	ObservedAt time.Time
}

// Position describes the venue-reported holding for one instrument.
// Positions are replaced wholesale on each push, never merged field-by-field.
type Position struct {
	Instrument        string
	Size              float64
	AvgEntryPrice     float64
	MarkPrice         float64
	LiquidationPrice  float64
	UnrealizedPnl     float64
	RealizedPnl       float64
	Leverage          float64
	InitialMargin     float64
	MaintenanceMargin float64
	ObservedAt        time.Time
}

// RiskMetrics is the process-wide risk aggregate owned by the risk engine.
type RiskMetrics struct {
	TotalExposure float64
	DailyPnl      float64
	MaxDrawdown   float64
	SharpeRatio   float64
	WinRate       float64
	TotalTrades   int
	WinningTrades int
	ObservedAt    time.Time
}
