package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/quantfall/deriva/errs"
	"github.com/quantfall/deriva/internal/schema"
)

// call is the future for one in-flight RPC request. The demux goroutine
// resolves it by correlation ID; await blocks the caller until then.
type call struct {
	method string
	done   chan struct{}
	result json.RawMessage
	err    error
}

// pendingTable tracks in-flight RPC calls keyed by correlation ID. IDs are
// allocated from a monotonic counter so they never repeat within a process.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*call
	nextID atomic.Uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*call)}
}

// register allocates a correlation ID and parks a future under it.
func (t *pendingTable) register(method string) (uint64, *call) {
	c := &call{method: method, done: make(chan struct{})}
	id := t.nextID.Add(1)
	t.mu.Lock()
	t.calls[id] = c
	t.mu.Unlock()
	return id, c
}

// resolve completes the future registered under id. It reports false when no
// such future exists, which means the response arrived late or unsolicited.
func (t *pendingTable) resolve(id uint64, result json.RawMessage, rpcErr *schema.RPCError) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	if rpcErr != nil {
		code := errs.CodeExchange
		if c.method == methodAuth {
			code = errs.CodeAuth
		}
		c.err = errs.New("session", code,
			errs.WithMessage(c.method),
			errs.WithRawCode(strconv.Itoa(rpcErr.Code)),
			errs.WithRawMessage(rpcErr.Message))
	} else {
		c.result = result
	}
	close(c.done)
	return true
}

// discard drops the future registered under id without completing it. Used
// when the write failed after registration.
func (t *pendingTable) discard(id uint64) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}

// failAll completes every in-flight future with err. Called when the
// connection drops so no caller is left waiting on a dead socket.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[uint64]*call)
	t.mu.Unlock()

	for _, c := range calls {
		c.err = err
		close(c.done)
	}
}

// await blocks until the future resolves, the timeout elapses, or ctx is
// cancelled. A timeout removes the future from the table so a late response
// is treated as unsolicited.
func (c *call) await(ctx context.Context, t *pendingTable, id uint64, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.result, c.err
	case <-timer.C:
		t.discard(id)
		return nil, errs.New("session", errs.CodeTimeout,
			errs.WithMessage("rpc timed out: "+c.method))
	case <-ctx.Done():
		t.discard(id)
		return nil, errs.New("session", errs.CodeUnavailable,
			errs.WithMessage("rpc abandoned: "+c.method), errs.WithCause(ctx.Err()))
	}
}
