// README: Client transport seam; gorilla/websocket dialer behind a small interface.
package client

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// ErrTerminated means the server closed the session for a policy violation;
// reconnecting would only be refused again.
var ErrTerminated = errors.New("session terminated by server")

type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, _, err := d.Dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return nil, ErrTerminated
	}
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
