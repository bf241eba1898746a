// Package transport implements the session/channel contract the playback
// engine talks to: listen for viewer sessions, open channels inside them,
// exchange control messages and push stream frames. A Hub implements the
// contract over any message-oriented connection; the websocket and neffos
// backends feed it.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"sdvault/internal/packet"
)

var (
	ErrTimeout        = errors.New("transport timeout")
	ErrClosed         = errors.New("transport closed")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrTooManyClients = errors.New("too many clients")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrBadEnvelope    = errors.New("malformed envelope")
)

// Kind is the first byte of every envelope.
type Kind uint8

const (
	KindControl       Kind = 1
	KindFrame         Kind = 2
	KindChannelOpened Kind = 3
	KindChannelClosed Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindFrame:
		return "frame"
	case KindChannelOpened:
		return "opened"
	case KindChannelClosed:
		return "closed"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// envelopeHeaderLen is kind u8 plus channel u32.
const envelopeHeaderLen = 5

// ChannelID names a channel within the hub. Zero addresses the session's
// control channel.
type ChannelID uint32

// Control is a command message in either direction.
type Control struct {
	Cmd     uint16 `msgpack:"cmd"`
	Payload []byte `msgpack:"payload"`
}

// Envelope is one decoded binary message.
type Envelope struct {
	Kind    Kind
	Channel ChannelID
	Body    []byte
}

func appendEnvelope(b []byte, kind Kind, ch ChannelID) []byte {
	b = append(b, byte(kind))
	return binary.BigEndian.AppendUint32(b, uint32(ch))
}

// EncodeControl builds a control envelope.
func EncodeControl(ch ChannelID, c Control) ([]byte, error) {
	body, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}
	b := make([]byte, 0, envelopeHeaderLen+len(body))
	b = appendEnvelope(b, KindControl, ch)
	return append(b, body...), nil
}

// EncodeFrame builds a frame envelope: header then payload.
func EncodeFrame(ch ChannelID, h packet.Header, payload []byte) []byte {
	b := make([]byte, 0, envelopeHeaderLen+packet.HeaderLen+len(payload))
	b = appendEnvelope(b, KindFrame, ch)
	b = h.AppendTo(b)
	return append(b, payload...)
}

func encodeSignal(kind Kind, ch ChannelID) []byte {
	return appendEnvelope(make([]byte, 0, envelopeHeaderLen), kind, ch)
}

// Decode splits a binary message into its envelope.
func Decode(b []byte) (Envelope, error) {
	if len(b) < envelopeHeaderLen {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrBadEnvelope, len(b))
	}
	e := Envelope{
		Kind:    Kind(b[0]),
		Channel: ChannelID(binary.BigEndian.Uint32(b[1:5])),
		Body:    b[envelopeHeaderLen:],
	}
	switch e.Kind {
	case KindControl, KindFrame, KindChannelOpened, KindChannelClosed:
	default:
		return Envelope{}, fmt.Errorf("%w: %s", ErrBadEnvelope, e.Kind)
	}
	return e, nil
}

// Control decodes a control envelope body.
func (e Envelope) Control() (Control, error) {
	if e.Kind != KindControl {
		return Control{}, fmt.Errorf("%w: %s is not control", ErrBadEnvelope, e.Kind)
	}
	var c Control
	if err := msgpack.Unmarshal(e.Body, &c); err != nil {
		return Control{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	return c, nil
}

// Frame decodes a frame envelope body.
func (e Envelope) Frame() (packet.Frame, error) {
	if e.Kind != KindFrame {
		return packet.Frame{}, fmt.Errorf("%w: %s is not a frame", ErrBadEnvelope, e.Kind)
	}
	h, err := packet.ParseHeader(e.Body)
	if err != nil {
		return packet.Frame{}, err
	}
	return packet.Frame{Header: h, Payload: e.Body[packet.HeaderLen:]}, nil
}
