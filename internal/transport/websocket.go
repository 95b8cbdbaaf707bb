package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultReadLimit bounds a single inbound frame.
	DefaultReadLimit = 64 * 1024

	closeGracePeriod = time.Second
)

// WebSocket is a Channel over a gorilla WebSocket connection. Frames are
// sent as text messages.
type WebSocket struct {
	conn *websocket.Conn

	wmu       sync.Mutex // serializes writes
	closeOnce sync.Once
	closed    chan struct{}
}

var _ Channel = (*WebSocket)(nil)

// Dial connects to a WebSocket URL, e.g. ws://relay:8080/ws/<session>?role=initiator.
func Dial(ctx context.Context, url string, readLimit int64) (*WebSocket, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WS server (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWebSocket(conn, readLimit), nil
}

// NewWebSocket wraps an established connection. readLimit <= 0 means
// DefaultReadLimit.
func NewWebSocket(conn *websocket.Conn, readLimit int64) *WebSocket {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	return &WebSocket{conn: conn, closed: make(chan struct{})}
}

// Send writes frame as one text message.
func (w *WebSocket) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.wmu.Lock()
	defer w.wmu.Unlock()

	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	deadline, _ := ctx.Deadline()
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}

// Recv blocks until the next data message. A normal or going-away close
// from the peer is reported as io.EOF.
func (w *WebSocket) Recv(ctx context.Context) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)

	// Unblock the read when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			w.conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, w.readError(ctx, err)
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *WebSocket) readError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	select {
	case <-w.closed:
		return ErrClosed
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("websocket closed by peer (%d %s): %w", ce.Code, ce.Text, err)
	}
	return fmt.Errorf("failed to read WS message: %w", err)
}

// Close sends a normal close message and closes the connection.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.wmu.Lock()
		close(w.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		w.wmu.Unlock()

		err = w.conn.Close()
	})
	return err
}
