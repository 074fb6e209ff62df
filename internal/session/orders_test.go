package session

import (
	"testing"
	"time"

	"github.com/quantfall/deriva/internal/schema"
)

func openOrder(id string, created time.Time) *schema.Order {
	return &schema.Order{
		OrderID:    id,
		Instrument: "BTC-PERPETUAL",
		Side:       schema.SideBuy,
		Size:       1,
		Price:      50000,
		Type:       schema.OrderTypeLimit,
		Status:     schema.OrderStatusOpen,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func TestRegistryTrackAndGet(t *testing.T) {
	reg := newOrderRegistry()
	reg.track(openOrder("ord-1", testNow))

	got, err := reg.get("ord-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != schema.OrderStatusOpen {
		t.Fatalf("status = %v", got.Status)
	}

	// Returned copies must not alias registry state.
	got.Status = schema.OrderStatusFilled
	again, _ := reg.get("ord-1")
	if again.Status != schema.OrderStatusOpen {
		t.Fatalf("registry state mutated through returned copy")
	}
}

func TestRegistryUnknownOrder(t *testing.T) {
	reg := newOrderRegistry()
	if _, err := reg.get("missing"); err == nil {
		t.Fatalf("expected error for unknown order")
	}
}

func TestRegistryApplyTransition(t *testing.T) {
	reg := newOrderRegistry()
	reg.track(openOrder("ord-1", testNow))

	update := openOrder("ord-1", testNow)
	update.Status = schema.OrderStatusFilled
	update.FilledSize = 1
	update.AvgFillPrice = 50001
	update.UpdatedAt = testNow.Add(time.Second)

	applied, becameTerminal := reg.apply(update)
	if applied.Status != schema.OrderStatusFilled || applied.FilledSize != 1 {
		t.Fatalf("applied = %+v", applied)
	}
	if !becameTerminal {
		t.Fatalf("fill should report a terminal transition")
	}
}

func TestRegistryDropsIllegalTransition(t *testing.T) {
	reg := newOrderRegistry()
	filled := openOrder("ord-1", testNow)
	filled.Status = schema.OrderStatusFilled
	reg.track(filled)

	update := openOrder("ord-1", testNow)
	update.Status = schema.OrderStatusOpen

	applied, becameTerminal := reg.apply(update)
	if applied.Status != schema.OrderStatusFilled {
		t.Fatalf("terminal order must not reopen, got %v", applied.Status)
	}
	if becameTerminal {
		t.Fatalf("dropped update must not report a transition")
	}
}

func TestRegistryAdoptsUnknownOrders(t *testing.T) {
	reg := newOrderRegistry()
	update := openOrder("ord-9", testNow)
	update.CreatedAt = time.Time{}
	update.UpdatedAt = testNow

	applied, becameTerminal := reg.apply(update)
	if applied == nil || applied.CreatedAt != testNow {
		t.Fatalf("adopted order = %+v", applied)
	}
	if becameTerminal {
		t.Fatalf("adoption must not report a transition")
	}
}

func TestRegistryOpenSortsByCreation(t *testing.T) {
	reg := newOrderRegistry()
	reg.track(openOrder("ord-2", testNow.Add(time.Second)))
	reg.track(openOrder("ord-1", testNow))
	done := openOrder("ord-3", testNow.Add(2*time.Second))
	done.Status = schema.OrderStatusCancelled
	reg.track(done)

	open := reg.open()
	if len(open) != 2 {
		t.Fatalf("open orders = %d", len(open))
	}
	if open[0].OrderID != "ord-1" || open[1].OrderID != "ord-2" {
		t.Fatalf("order = %s, %s", open[0].OrderID, open[1].OrderID)
	}
}
