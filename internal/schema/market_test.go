package schema

import (
	"testing"
	"time"
)

func makeBook() *OrderBook {
	now := time.Now()
	return &OrderBook{
		Instrument: "BTC-PERPETUAL",
		Bids: []Level{
			{Price: 50000, Size: 2, ObservedAt: now},
			{Price: 49990, Size: 1, ObservedAt: now},
		},
		Asks: []Level{
			{Price: 50010, Size: 3, ObservedAt: now},
			{Price: 50020, Size: 1, ObservedAt: now},
		},
		ObservedAt: now,
	}
}

func TestOrderBookDerivedQuotes(t *testing.T) {
	book := makeBook()

	bid, ok := book.BestBid()
	if !ok || bid.Price != 50000 {
		t.Fatalf("expected best bid 50000, got %v (ok=%v)", bid.Price, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || ask.Price != 50010 {
		t.Fatalf("expected best ask 50010, got %v (ok=%v)", ask.Price, ok)
	}
	mid, ok := book.MidPrice()
	if !ok || mid != 50005 {
		t.Fatalf("expected mid 50005, got %v", mid)
	}
	spread, ok := book.Spread()
	if !ok || spread != 10 {
		t.Fatalf("expected spread 10, got %v", spread)
	}
	if book.Crossed() {
		t.Fatalf("book should not be crossed")
	}
	if !book.Sorted() {
		t.Fatalf("book should report sorted sides")
	}
}

func TestOrderBookEmptySides(t *testing.T) {
	book := &OrderBook{Instrument: "BTC-PERPETUAL"}
	if _, ok := book.BestBid(); ok {
		t.Fatalf("empty book should have no best bid")
	}
	if _, ok := book.MidPrice(); ok {
		t.Fatalf("empty book should have no mid price")
	}
	if book.Crossed() {
		t.Fatalf("empty book is never crossed")
	}
}

func TestOrderBookCrossedDetection(t *testing.T) {
	book := makeBook()
	book.Bids[0].Price = 50010
	if !book.Crossed() {
		t.Fatalf("expected crossed book when best bid equals best ask")
	}
}

func TestOrderBookNormalizeSorts(t *testing.T) {
	book := &OrderBook{
		Bids: []Level{{Price: 100}, {Price: 300}, {Price: 200}},
		Asks: []Level{{Price: 500}, {Price: 400}, {Price: 600}},
	}
	if book.Sorted() {
		t.Fatalf("fixture should start unsorted")
	}
	book.Normalize()
	if !book.Sorted() {
		t.Fatalf("normalize should sort both sides")
	}
	if book.Bids[0].Price != 300 || book.Asks[0].Price != 400 {
		t.Fatalf("unexpected head levels after normalize: bid=%v ask=%v", book.Bids[0].Price, book.Asks[0].Price)
	}
}

func TestOrderBookCloneIsDeep(t *testing.T) {
	book := makeBook()
	clone := book.Clone()
	clone.Bids[0].Price = 1
	if book.Bids[0].Price != 50000 {
		t.Fatalf("mutating the clone must not touch the original")
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from OrderStatus
		to   OrderStatus
		want bool
	}{
		{OrderStatusPending, OrderStatusOpen, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusOpen, OrderStatusPartiallyFilled, true},
		{OrderStatusOpen, OrderStatusRejected, false},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusPartiallyFilled, true},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusOpen, false},
		{OrderStatusRejected, OrderStatusOpen, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, status := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected} {
		if !status.Terminal() {
			t.Errorf("%s should be terminal", status)
		}
	}
	for _, status := range []OrderStatus{OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled} {
		if status.Terminal() {
			t.Errorf("%s should not be terminal", status)
		}
	}
}
