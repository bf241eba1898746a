package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdvault/internal/packet"
)

// fakeConn records everything the hub writes.
type fakeConn struct {
	mu     sync.Mutex
	out    []Envelope
	closed bool
	fail   error
}

func (f *fakeConn) WriteBinary(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	env, err := Decode(append([]byte(nil), b...))
	if err != nil {
		return err
	}
	f.out = append(f.out, env)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.out...)
}

func control(t *testing.T, ch ChannelID, cmd uint16, payload []byte) []byte {
	t.Helper()
	b, err := EncodeControl(ch, Control{Cmd: cmd, Payload: payload})
	require.NoError(t, err)
	return b
}

func TestHubListenAndChannels(t *testing.T) {
	h := NewHub(4)
	conn := &fakeConn{}

	sid, err := h.Register(conn, Credentials{User: "admin", Password: "pw"})
	require.NoError(t, err)

	got, err := h.Listen(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, sid, got)

	_, err = h.CreateChannel(sid, Users(map[string]string{"admin": "other"}))
	assert.ErrorIs(t, err, ErrAuthFailed)

	ctl, err := h.CreateChannel(sid, Users(map[string]string{"admin": "pw"}))
	require.NoError(t, err)
	play, err := h.CreateChannel(sid, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ctl, play)

	require.NoError(t, h.Deliver(sid, control(t, 0, 0x01FF, []byte{1})))
	c, err := h.ReceiveControl(ctl, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Control{Cmd: 0x01FF, Payload: []byte{1}}, c)

	_, err = h.ReceiveControl(play, time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownChannel)

	hdr := packet.Header{Seq: 0, End: true, Length: 3}
	require.NoError(t, h.SendFrame(play, hdr, []byte("abc")))
	require.NoError(t, h.SendControl(ctl, 0x031B, []byte{0x11}))
	require.NoError(t, h.CloseChannel(play))
	assert.ErrorIs(t, h.SendFrame(play, hdr, nil), ErrUnknownChannel)

	out := conn.sent()
	require.Len(t, out, 5)
	assert.Equal(t, KindChannelOpened, out[0].Kind)
	assert.Equal(t, ctl, out[0].Channel)
	assert.Equal(t, KindFrame, out[2].Kind)
	f, err := out[2].Frame()
	require.NoError(t, err)
	assert.Equal(t, "abc", string(f.Payload))
	assert.True(t, f.End)
	assert.Equal(t, KindControl, out[3].Kind)
	assert.Equal(t, KindChannelClosed, out[4].Kind)
	assert.Equal(t, play, out[4].Channel)
}

func TestHubTimeouts(t *testing.T) {
	h := NewHub(1)

	_, err := h.Listen(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Listen(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	sid, err := h.Register(&fakeConn{}, Credentials{})
	require.NoError(t, err)
	ch, err := h.CreateChannel(sid, nil)
	require.NoError(t, err)
	_, err = h.ReceiveControl(ch, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHubLimits(t *testing.T) {
	h := NewHub(1)
	sid, err := h.Register(&fakeConn{}, Credentials{})
	require.NoError(t, err)

	_, err = h.Register(&fakeConn{}, Credentials{})
	assert.ErrorIs(t, err, ErrTooManyClients)

	h.Unregister(sid)
	assert.Equal(t, 0, h.Sessions())

	// the departed session is skipped by Listen
	_, err = h.Listen(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHubUnregisterWakesReceivers(t *testing.T) {
	h := NewHub(2)
	conn := &fakeConn{}
	sid, err := h.Register(conn, Credentials{})
	require.NoError(t, err)
	ch, err := h.CreateChannel(sid, nil)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := h.ReceiveControl(ch, time.Minute)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	h.CloseSession(sid)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken")
	}
	assert.True(t, conn.closed)
	assert.ErrorIs(t, h.Deliver(sid, control(t, 0, 1, nil)), ErrClosed)
}

func TestHubDeliverRejects(t *testing.T) {
	h := NewHub(2)
	sid, err := h.Register(&fakeConn{}, Credentials{})
	require.NoError(t, err)

	assert.ErrorIs(t, h.Deliver(sid, []byte{1, 0}), ErrBadEnvelope)
	assert.ErrorIs(t, h.Deliver(sid, EncodeFrame(0, packet.Header{}, nil)), ErrBadEnvelope)
	assert.ErrorIs(t, h.Deliver(sid, control(t, 99, 1, nil)), ErrUnknownChannel)
}

func TestHubWriteFailure(t *testing.T) {
	h := NewHub(2)
	conn := &fakeConn{fail: errors.New("broken pipe")}
	sid, err := h.Register(conn, Credentials{})
	require.NoError(t, err)
	_, err = h.CreateChannel(sid, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHubClose(t *testing.T) {
	h := NewHub(2)
	conn := &fakeConn{}
	_, err := h.Register(conn, Credentials{})
	require.NoError(t, err)
	_, err = h.Listen(context.Background(), time.Second)
	require.NoError(t, err)

	h.Close()
	assert.True(t, conn.closed)
	_, err = h.Listen(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.Register(&fakeConn{}, Credentials{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUsers(t *testing.T) {
	assert.True(t, Users(nil)(Credentials{}))
	auth := Users(map[string]string{"a": "b"})
	assert.True(t, auth(Credentials{User: "a", Password: "b"}))
	assert.False(t, auth(Credentials{User: "a", Password: "c"}))
	assert.False(t, auth(Credentials{User: "x", Password: "b"}))
}
