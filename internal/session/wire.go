package session

import (
	"context"

	"github.com/coder/websocket"
)

// wire abstracts the framed byte transport underneath the session so tests
// can substitute an in-memory pipe for a live websocket.
type wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// dialFunc establishes a wire to the given URL.
type dialFunc func(ctx context.Context, url string) (wire, error)

type websocketWire struct {
	conn *websocket.Conn
}

func dialWebsocket(ctx context.Context, url string) (wire, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// RPC responses on a busy book subscription can be large.
	conn.SetReadLimit(1 << 22)
	return &websocketWire{conn: conn}, nil
}

func (w *websocketWire) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (w *websocketWire) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *websocketWire) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
