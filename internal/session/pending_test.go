package session

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/schema"
)

func TestPendingResolvesByID(t *testing.T) {
	table := newPendingTable()
	id, c := table.register("private/buy")

	if !table.resolve(id, json.RawMessage(`{"ok":true}`), nil) {
		t.Fatalf("resolve should find the registered call")
	}
	result, err := c.await(context.Background(), table, id, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s", result)
	}
}

func TestPendingIDsAreMonotonic(t *testing.T) {
	table := newPendingTable()
	var last uint64
	for i := 0; i < 100; i++ {
		id, _ := table.register("public/test")
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
}

func TestPendingResolveRPCError(t *testing.T) {
	table := newPendingTable()
	id, c := table.register("private/cancel")

	table.resolve(id, nil, &schema.RPCError{Code: 10004, Message: "order not found"})
	_, err := c.await(context.Background(), table, id, time.Second)
	if errs.CodeOf(err) != errs.CodeExchange {
		t.Fatalf("expected exchange error, got %v", err)
	}
}

func TestPendingAuthErrorsCarryAuthCode(t *testing.T) {
	table := newPendingTable()
	id, c := table.register(methodAuth)

	table.resolve(id, nil, &schema.RPCError{Code: 13004, Message: "invalid credentials"})
	_, err := c.await(context.Background(), table, id, time.Second)
	if errs.CodeOf(err) != errs.CodeAuth {
		t.Fatalf("auth failure should carry the auth code, got %v", err)
	}
}

func TestPendingAwaitTimesOut(t *testing.T) {
	table := newPendingTable()
	id, c := table.register("public/test")

	_, err := c.await(context.Background(), table, id, 10*time.Millisecond)
	if errs.CodeOf(err) != errs.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	// The slot is released, so a late response is unsolicited.
	if table.resolve(id, json.RawMessage(`1`), nil) {
		t.Fatalf("late response should not find the call")
	}
}

func TestPendingFailAll(t *testing.T) {
	table := newPendingTable()
	id1, c1 := table.register("private/buy")
	id2, c2 := table.register("private/sell")

	lost := errs.New("session", errs.CodeConnectionLost, errs.WithMessage("connection dropped"))
	table.failAll(lost)

	for _, tc := range []struct {
		id uint64
		c  *call
	}{{id1, c1}, {id2, c2}} {
		_, err := tc.c.await(context.Background(), table, tc.id, time.Second)
		if errs.CodeOf(err) != errs.CodeConnectionLost {
			t.Fatalf("call %d should fail with connection_lost, got %v", tc.id, err)
		}
	}
}

func TestPendingAwaitHonoursContext(t *testing.T) {
	table := newPendingTable()
	id, c := table.register("public/test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.await(ctx, table, id, time.Second)
	if err == nil {
		t.Fatalf("cancelled context should abort the wait")
	}
}
