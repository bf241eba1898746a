package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdvault/internal/config"
	"sdvault/internal/models"
)

type recorder struct {
	msgs   []kafka.Message
	closed bool
}

func (r *recorder) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestNotifier(t *testing.T) {
	rec := &recorder{}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n := &Notifier{w: rec, now: func() time.Time { return at }}

	c := models.NewChunk("/card/ts", 100, 110)
	require.NoError(t, n.ChunkStored(context.Background(), c, 4096))
	require.NoError(t, n.ChunkEvicted(context.Background(), c))
	require.NoError(t, n.Close())
	assert.True(t, rec.closed)

	require.Len(t, rec.msgs, 2)
	assert.Equal(t, "100-110.ts", string(rec.msgs[0].Key))
	assert.Equal(t, []byte(ActionEvicted), rec.msgs[1].Headers[0].Value)

	var ev ChunkEvent
	require.NoError(t, json.Unmarshal(rec.msgs[0].Value, &ev))
	assert.True(t, at.Equal(ev.Timestamp))
	ev.Timestamp = time.Time{}
	assert.Equal(t, ChunkEvent{Action: ActionStored, UTCStart: 100, UTCEnd: 110, File: "100-110.ts", Size: 4096}, ev)
}

func TestNew(t *testing.T) {
	n := New(config.NotifyConfig{Brokers: []string{"localhost:9092"}, Topic: "chunks"})
	w, ok := n.w.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "chunks", w.Topic)
}
