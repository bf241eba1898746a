package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sdvault/internal/logger"
	"sdvault/internal/packet"
)

// inboxSize bounds queued control messages per session.
const inboxSize = 16

// SessionID identifies one connected viewer.
type SessionID string

// Credentials are presented by the viewer when it connects.
type Credentials struct {
	User     string
	Password string
}

// AuthFunc decides whether a session may open channels.
type AuthFunc func(Credentials) bool

// Users authenticates against a static table. An empty table accepts
// everyone.
func Users(users map[string]string) AuthFunc {
	return func(c Credentials) bool {
		if len(users) == 0 {
			return true
		}
		want, ok := users[c.User]
		return ok && subtle.ConstantTimeCompare([]byte(want), []byte(c.Password)) == 1
	}
}

// Conn is the backend half of one viewer connection. The hub serializes
// writes per connection.
type Conn interface {
	WriteBinary(b []byte) error
	Close() error
}

type session struct {
	id    SessionID
	conn  Conn
	creds Credentials

	writeMu sync.Mutex
	inbox   chan Control
	done    chan struct{}

	// guarded by Hub.mu
	control  ChannelID
	channels map[ChannelID]struct{}
}

func (s *session) write(b []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteBinary(b); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

// Hub multiplexes channels over registered connections.
type Hub struct {
	mu          sync.Mutex
	maxSessions int
	sessions    map[SessionID]*session
	channels    map[ChannelID]*session
	nextChannel ChannelID

	pending   chan SessionID
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub returns a hub accepting at most maxSessions concurrent sessions.
func NewHub(maxSessions int) *Hub {
	return &Hub{
		maxSessions: maxSessions,
		sessions:    make(map[SessionID]*session),
		channels:    make(map[ChannelID]*session),
		pending:     make(chan SessionID, maxSessions),
		done:        make(chan struct{}),
	}
}

// Register adds a new connection and queues it for Listen.
func (h *Hub) Register(conn Conn, creds Credentials) (SessionID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return "", ErrClosed
	default:
	}
	if len(h.sessions) >= h.maxSessions {
		return "", fmt.Errorf("%w: limit %d", ErrTooManyClients, h.maxSessions)
	}

	s := &session{
		id:       SessionID(uuid.NewString()),
		conn:     conn,
		creds:    creds,
		inbox:    make(chan Control, inboxSize),
		done:     make(chan struct{}),
		channels: make(map[ChannelID]struct{}),
	}
	select {
	case h.pending <- s.id:
	default:
		return "", fmt.Errorf("%w: accept queue full", ErrTooManyClients)
	}
	h.sessions[s.id] = s
	logger.Debug("session registered", "session", s.id, "user", creds.User)
	return s.id, nil
}

// Unregister drops a session and all of its channels. Pending receives on
// its channels fail with ErrClosed. The connection itself belongs to the
// backend.
func (h *Hub) Unregister(sid SessionID) {
	h.mu.Lock()
	s, ok := h.sessions[sid]
	if ok {
		delete(h.sessions, sid)
		for ch := range s.channels {
			delete(h.channels, ch)
		}
	}
	h.mu.Unlock()

	if ok {
		close(s.done)
		logger.Debug("session unregistered", "session", sid)
	}
}

// CloseSession closes the connection and unregisters it.
func (h *Hub) CloseSession(sid SessionID) {
	h.mu.Lock()
	s, ok := h.sessions[sid]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.Unregister(sid)
	if err := s.conn.Close(); err != nil {
		logger.Debug("close session connection", "session", sid, "error", err)
	}
}

// Deliver hands one inbound binary message to the hub. Only control
// messages addressed to the session's control channel (or channel 0) are
// accepted. Deliver blocks while the session's inbox is full.
func (h *Hub) Deliver(sid SessionID, msg []byte) error {
	env, err := Decode(msg)
	if err != nil {
		return err
	}
	c, err := env.Control()
	if err != nil {
		return err
	}

	h.mu.Lock()
	s, ok := h.sessions[sid]
	var control ChannelID
	if ok {
		control = s.control
	}
	h.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	if env.Channel != 0 && env.Channel != control {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, env.Channel)
	}

	select {
	case s.inbox <- c:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Listen waits for the next registered session.
func (h *Hub) Listen(ctx context.Context, timeout time.Duration) (SessionID, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sid := <-h.pending:
			h.mu.Lock()
			_, alive := h.sessions[sid]
			h.mu.Unlock()
			if alive {
				return sid, nil
			}
		case <-timer.C:
			return "", ErrTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		case <-h.done:
			return "", ErrClosed
		}
	}
}

// CreateChannel opens a channel in the session. The first channel of a
// session is its control channel. A nil auth skips authentication.
func (h *Hub) CreateChannel(sid SessionID, auth AuthFunc) (ChannelID, error) {
	h.mu.Lock()
	s, ok := h.sessions[sid]
	if !ok {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	if auth != nil && !auth(s.creds) {
		h.mu.Unlock()
		return 0, fmt.Errorf("%w: user %q", ErrAuthFailed, s.creds.User)
	}
	h.nextChannel++
	if h.nextChannel == 0 {
		h.nextChannel++
	}
	ch := h.nextChannel
	h.channels[ch] = s
	s.channels[ch] = struct{}{}
	if s.control == 0 {
		s.control = ch
	}
	h.mu.Unlock()

	if err := s.write(encodeSignal(KindChannelOpened, ch)); err != nil {
		return 0, err
	}
	return ch, nil
}

func (h *Hub) lookup(ch ChannelID) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.channels[ch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return s, nil
}

// SendFrame writes one stream frame on ch.
func (h *Hub) SendFrame(ch ChannelID, hdr packet.Header, payload []byte) error {
	s, err := h.lookup(ch)
	if err != nil {
		return err
	}
	return s.write(EncodeFrame(ch, hdr, payload))
}

// SendControl writes one control message on ch.
func (h *Hub) SendControl(ch ChannelID, cmd uint16, payload []byte) error {
	s, err := h.lookup(ch)
	if err != nil {
		return err
	}
	b, err := EncodeControl(ch, Control{Cmd: cmd, Payload: payload})
	if err != nil {
		return err
	}
	return s.write(b)
}

// ReceiveControl waits up to timeout for the next control message on a
// control channel.
func (h *Hub) ReceiveControl(ch ChannelID, timeout time.Duration) (Control, error) {
	h.mu.Lock()
	s, ok := h.channels[ch]
	isControl := ok && s.control == ch
	h.mu.Unlock()
	if !ok {
		return Control{}, fmt.Errorf("%w: %d", ErrClosed, ch)
	}
	if !isControl {
		return Control{}, fmt.Errorf("%w: %d is not a control channel", ErrUnknownChannel, ch)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-s.inbox:
		return c, nil
	case <-s.done:
		return Control{}, ErrClosed
	case <-timer.C:
		return Control{}, ErrTimeout
	}
}

// CloseChannel removes ch and tells the viewer.
func (h *Hub) CloseChannel(ch ChannelID) error {
	h.mu.Lock()
	s, ok := h.channels[ch]
	if ok {
		delete(h.channels, ch)
		delete(s.channels, ch)
		if s.control == ch {
			s.control = 0
		}
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	return s.write(encodeSignal(KindChannelClosed, ch))
}

// Sessions returns the number of registered sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops Listen and closes every connection.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		close(h.done)
		ids := make([]SessionID, 0, len(h.sessions))
		for id := range h.sessions {
			ids = append(ids, id)
		}
		h.mu.Unlock()
		for _, id := range ids {
			h.CloseSession(id)
		}
	})
}
