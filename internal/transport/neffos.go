package transport

import (
	"errors"
	"sync"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/websocket"
	"github.com/kataras/neffos"

	"sdvault/internal/logger"
)

const (
	// Namespace is the neffos namespace viewers connect to.
	Namespace = "sdvault"

	// EventMessage carries envelopes in both directions.
	EventMessage = "message"
)

// NeffosServer serves the hub through a neffos namespace.
type NeffosServer struct {
	hub *Hub

	mu       sync.Mutex
	sessions map[*neffos.Conn]SessionID
}

// NewNeffosServer returns the neffos backend for hub.
func NewNeffosServer(hub *Hub) *NeffosServer {
	return &NeffosServer{
		hub:      hub,
		sessions: make(map[*neffos.Conn]SessionID),
	}
}

type nsConn struct {
	ns *neffos.NSConn
}

func (c *nsConn) WriteBinary(b []byte) error {
	if !c.ns.EmitBinary(EventMessage, b) {
		return ErrClosed
	}
	return nil
}

func (c *nsConn) Close() error {
	c.ns.Conn.Close()
	return nil
}

// Namespaces returns the event table to mount with websocket.New.
func (s *NeffosServer) Namespaces() websocket.Namespaces {
	return websocket.Namespaces{
		Namespace: websocket.Events{
			websocket.OnNamespaceConnected:  s.onConnect,
			websocket.OnNamespaceDisconnect: s.onDisconnect,
			EventMessage:                    s.onMessage,
		},
	}
}

// Handler builds the iris handler that upgrades and serves viewers.
func (s *NeffosServer) Handler() iris.Handler {
	ws := websocket.New(websocket.DefaultGorillaUpgrader, s.Namespaces())
	return websocket.Handler(ws)
}

func (s *NeffosServer) onConnect(c *neffos.NSConn, _ neffos.Message) error {
	var creds Credentials
	if req := c.Conn.Socket().Request(); req != nil {
		creds.User, creds.Password, _ = req.BasicAuth()
	}
	sid, err := s.hub.Register(&nsConn{ns: c}, creds)
	if err != nil {
		logger.Warn("rejecting viewer", "conn", c.Conn.ID(), "error", err)
		return err
	}

	s.mu.Lock()
	s.sessions[c.Conn] = sid
	s.mu.Unlock()
	logger.Info("viewer connected", "session", sid, "conn", c.Conn.ID())
	return nil
}

func (s *NeffosServer) onDisconnect(c *neffos.NSConn, _ neffos.Message) error {
	s.mu.Lock()
	sid, ok := s.sessions[c.Conn]
	delete(s.sessions, c.Conn)
	s.mu.Unlock()

	if ok {
		s.hub.Unregister(sid)
		logger.Info("viewer disconnected", "session", sid)
	}
	return nil
}

func (s *NeffosServer) onMessage(c *neffos.NSConn, msg neffos.Message) error {
	s.mu.Lock()
	sid, ok := s.sessions[c.Conn]
	s.mu.Unlock()
	if !ok {
		return ErrClosed
	}

	if err := s.hub.Deliver(sid, msg.Body); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		logger.Warn("dropping inbound message", "session", sid, "error", err)
	}
	return nil
}
