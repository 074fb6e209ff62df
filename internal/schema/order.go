package schema

import "time"

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "limit"
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "market"
)

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending marks a request sent but not yet acknowledged.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusOpen marks an acknowledged resting order.
	OrderStatusOpen OrderStatus = "open"
	// OrderStatusPartiallyFilled marks an order with partial executions.
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	// OrderStatusFilled marks a completely executed order.
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusCancelled marks a cancelled order.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRejected marks an order the venue or risk engine refused.
	OrderStatusRejected OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderStatusPending:
		switch next {
		case OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
			return true
		}
	case OrderStatusOpen:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled:
			return true
		}
	case OrderStatusPartiallyFilled:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled:
			return true
		}
	}
	return false
}

// TimeInForce enumerates order lifetimes accepted by the venue.
type TimeInForce string

const (
	// TIFGoodTilCancelled keeps the order resting until cancelled.
	TIFGoodTilCancelled TimeInForce = "good_til_cancelled"
	// TIFFillOrKill requires an immediate complete fill.
	TIFFillOrKill TimeInForce = "fill_or_kill"
	// TIFImmediateOrCancel fills what it can and cancels the rest.
	TIFImmediateOrCancel TimeInForce = "immediate_or_cancel"
)

// OrderRequest is an immutable description of a desired order action.
type OrderRequest struct {
	Instrument  string
	Side        TradeSide
	Size        float64
	Price       float64
	Type        OrderType
	TimeInForce TimeInForce
	PostOnly    bool
	ReduceOnly  bool
	Label       string
}

// Order is the mutable lifecycle record for a submitted order.
type Order struct {
	OrderID      string
	Label        string
	Instrument   string
	Side         TradeSide
	Size         float64
	Price        float64
	Type         OrderType
	Status       OrderStatus
	FilledSize   float64
	AvgFillPrice float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a copy of the order record.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	return &out
}
