package transport

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, user, pass string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{}
	hdr.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))

	conn, resp, err := websocket.DefaultDialer.Dial(u, hdr)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, b, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	env, err := Decode(b)
	require.NoError(t, err)
	return env
}

func TestWebsocketRoundTrip(t *testing.T) {
	hub := NewHub(2)
	defer hub.Close()
	srv := httptest.NewServer(NewWebsocketServer(hub))
	defer srv.Close()

	client := dial(t, srv, "viewer", "secret")

	sid, err := hub.Listen(context.Background(), 2*time.Second)
	require.NoError(t, err)
	ch, err := hub.CreateChannel(sid, Users(map[string]string{"viewer": "secret"}))
	require.NoError(t, err)

	env := readEnvelope(t, client)
	assert.Equal(t, KindChannelOpened, env.Kind)
	assert.Equal(t, ch, env.Channel)

	msg, err := EncodeControl(env.Channel, Control{Cmd: 0x0318, Payload: []byte("q")})
	require.NoError(t, err)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, msg))

	c, err := hub.ReceiveControl(ch, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0318), c.Cmd)

	require.NoError(t, hub.SendControl(ch, 0x0319, []byte("r")))
	env = readEnvelope(t, client)
	reply, err := env.Control()
	require.NoError(t, err)
	assert.Equal(t, Control{Cmd: 0x0319, Payload: []byte("r")}, reply)

	// closing the socket ends the session
	client.Close()
	_, err = hub.ReceiveControl(ch, 2*time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebsocketRejectsOverLimit(t *testing.T) {
	hub := NewHub(1)
	defer hub.Close()
	srv := httptest.NewServer(NewWebsocketServer(hub))
	defer srv.Close()

	dial(t, srv, "", "")
	second := dial(t, srv, "", "")

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}
