package transport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sdvault/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebsocketServer upgrades HTTP requests to gorilla websocket connections
// and registers them with a Hub.
type WebsocketServer struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWebsocketServer returns an http.Handler backed by hub.
func NewWebsocketServer(hub *Hub) *WebsocketServer {
	return &WebsocketServer{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) WriteBinary(b []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// ServeHTTP runs the read loop for one viewer until the socket closes.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, _ := r.BasicAuth()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := &wsConn{c: ws}

	sid, err := s.hub.Register(conn, Credentials{User: user, Password: pass})
	if err != nil {
		logger.Warn("rejecting viewer", "remote", r.RemoteAddr, "error", err)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, ErrTooManyClients) {
			code = websocket.CloseTryAgainLater
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(writeWait))
		ws.Close()
		return
	}
	logger.Info("viewer connected", "session", sid, "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer func() {
		close(done)
		s.hub.Unregister(sid)
		ws.Close()
		logger.Info("viewer disconnected", "session", sid)
	}()
	go ping(ws, done)

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msgType, buf, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("unexpected websocket closure", "session", sid, "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.hub.Deliver(sid, buf); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			logger.Warn("dropping inbound message", "session", sid, "error", err)
		}
	}
}

// ping keeps idle viewers alive. WriteControl may run concurrently with
// the hub's data writes.
func ping(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
