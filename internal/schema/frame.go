package schema

import "github.com/goccy/go-json"

// Envelope is the tagged envelope every inbound frame parses into.
// Subscription pushes carry Method == "subscription"; RPC responses carry
// the correlation ID of the originating request.
type Envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      uint64           `json:"id"`
	Method  string           `json:"method"`
	Params  *SubscriptionMsg `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// IsSubscription reports whether the frame is an unsolicited push.
func (e *Envelope) IsSubscription() bool {
	return e != nil && e.Method == "subscription"
}

// SubscriptionMsg carries a channel-tagged push payload. Heartbeat frames
// reuse the same params object with Type set instead of Channel.
type SubscriptionMsg struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// RPCError is the error object attached to failed RPC responses.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Request is an outbound JSON-RPC frame.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds an outbound frame with the protocol version set.
func NewRequest(id uint64, method string, params any) Request {
	return Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}
