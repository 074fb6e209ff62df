package session

import (
	"sort"
	"sync"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/schema"
)

// orderRegistry is the authoritative in-process view of submitted orders.
// Lifecycle transitions are validated against the state machine; pushes
// that would move an order backwards out of a terminal state are dropped.
type orderRegistry struct {
	mu     sync.Mutex
	orders map[string]*schema.Order
}

func newOrderRegistry() *orderRegistry {
	return &orderRegistry{orders: make(map[string]*schema.Order)}
}

// track records a freshly acknowledged order.
func (r *orderRegistry) track(order *schema.Order) {
	if order == nil || order.OrderID == "" {
		return
	}
	r.mu.Lock()
	r.orders[order.OrderID] = order.Clone()
	r.mu.Unlock()
}

// apply folds a venue push into the tracked order. Unknown orders are
// adopted as-is since user channel pushes can arrive before the RPC
// response that acknowledged the order. The second return reports whether
// a tracked order just entered a terminal state.
func (r *orderRegistry) apply(update *schema.Order) (*schema.Order, bool) {
	if update == nil || update.OrderID == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[update.OrderID]
	if !ok {
		adopted := update.Clone()
		if adopted.CreatedAt.IsZero() {
			adopted.CreatedAt = adopted.UpdatedAt
		}
		r.orders[update.OrderID] = adopted
		return adopted.Clone(), false
	}

	if current.Status != update.Status && !current.Status.CanTransition(update.Status) {
		observability.Log().Warn("dropping illegal order transition",
			observability.F("order_id", update.OrderID),
			observability.F("from", string(current.Status)),
			observability.F("to", string(update.Status)))
		return current.Clone(), false
	}

	becameTerminal := !current.Status.Terminal() && update.Status.Terminal()
	current.Status = update.Status
	current.FilledSize = update.FilledSize
	if update.AvgFillPrice > 0 {
		current.AvgFillPrice = update.AvgFillPrice
	}
	if update.Price > 0 {
		current.Price = update.Price
	}
	if update.Size > 0 {
		current.Size = update.Size
	}
	current.UpdatedAt = update.UpdatedAt
	return current.Clone(), becameTerminal
}

// get returns a copy of the tracked order.
func (r *orderRegistry) get(orderID string) (*schema.Order, error) {
	r.mu.Lock()
	order, ok := r.orders[orderID]
	r.mu.Unlock()
	if !ok {
		return nil, errs.New("session", errs.CodeNoData,
			errs.WithMessage("unknown order: "+orderID))
	}
	return order.Clone(), nil
}

// open returns copies of every non-terminal order sorted by creation time.
func (r *orderRegistry) open() []*schema.Order {
	r.mu.Lock()
	out := make([]*schema.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if !order.Status.Terminal() {
			out = append(out, order.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
