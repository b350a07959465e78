// README: Websocket transport; upgrade, read pump and write pump over gorilla/websocket.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and serves the connection until it closes.
// The handshake token is read from the "token" query parameter or a bearer
// Authorization header.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := h.Connect(ctx, handshakeToken(r))
	go h.writePump(ws, c)
	h.readPump(ctx, ws, c)
}

func handshakeToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

func (h *Hub) readPump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	defer func() {
		h.OnDisconnect(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket read error")
			}
			return
		}
		if c.Closed() {
			return
		}
		h.Handle(ctx, c, msg)
	}
}

// writePump is the only writer on ws. Frames are written one event per
// message; a terminated connection gets its final error frame and a
// policy-violation close.
func (h *Hub) writePump(ws *websocket.Conn, c *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case <-c.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			code := websocket.CloseNormalClosure
			if final := c.Final(); final != nil {
				_ = ws.WriteMessage(websocket.TextMessage, final)
				code = websocket.ClosePolicyViolation
			}
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			return

		case msg := <-c.Outbound():
			if c.Closed() {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.OnDisconnect(c)
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.OnDisconnect(c)
				return
			}
		}
	}
}
