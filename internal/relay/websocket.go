package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocket is a relay over binary WebSocket frames, the connection a client
// holds to a Switchboard.
type WebSocket struct {
	lifecycle

	conn    *websocket.Conn
	writeMu sync.Mutex
	started sync.Once
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{
		lifecycle: lifecycle{done: make(chan struct{})},
		conn:      conn,
	}
}

// Dial connects to a switchboard at rawURL and joins the room for pin.
func Dial(ctx context.Context, rawURL, pin string) (*WebSocket, error) {
	conn, err := DialRaw(ctx, rawURL, pin)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}

// DialRaw is Dial without the relay wrapper, for callers that exchange
// their own messages over the room.
func DialRaw(ctx context.Context, rawURL, pin string) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse switchboard URL: %w", err)
	}
	q := u.Query()
	q.Set("pin", pin)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to switchboard: %w", err)
	}
	log.Debugf("Connected to switchboard %s", u.Host)
	return conn, nil
}

// Send writes p as one binary frame.
func (w *WebSocket) Send(p []byte) error {
	if w.closed() {
		return ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		w.shutdown(fmt.Errorf("websocket write: %w", err))
		return err
	}
	return nil
}

// OnReceive starts the read loop.
func (w *WebSocket) OnReceive(fn func([]byte)) {
	w.started.Do(func() { go w.readLoop(fn) })
}

func (w *WebSocket) readLoop(fn func([]byte)) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			w.shutdown(fmt.Errorf("websocket read: %w", err))
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		fn(data)
	}
}

// Close sends a close frame and shuts the connection down.
func (w *WebSocket) Close() error {
	if w.closed() {
		return nil
	}
	w.writeMu.Lock()
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.writeMu.Unlock()
	return w.shutdown(ErrClosed)
}

func (w *WebSocket) shutdown(err error) error {
	if !w.finish(err) {
		return nil
	}
	log.Debugf("WebSocket relay closed: %v", err)
	return w.conn.Close()
}
