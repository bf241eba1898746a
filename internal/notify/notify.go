// Package notify publishes chunk lifecycle events to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"sdvault/internal/config"
	"sdvault/internal/models"
)

const (
	ActionStored  = "stored"
	ActionEvicted = "evicted"

	source = "sdvault"
)

// ChunkEvent is the JSON message value.
type ChunkEvent struct {
	Action    string    `json:"action"`
	UTCStart  uint32    `json:"utc_start"`
	UTCEnd    uint32    `json:"utc_end"`
	File      string    `json:"file"`
	Size      int64     `json:"size_bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier writes one message per chunk event, keyed by chunk file name so
// events for one chunk stay on one partition.
type Notifier struct {
	w   messageWriter
	now func() time.Time
}

// New builds a synchronous writer for the configured brokers and topic.
func New(cfg config.NotifyConfig) *Notifier {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &Notifier{w: w, now: time.Now}
}

// ChunkStored announces a newly indexed chunk.
func (n *Notifier) ChunkStored(ctx context.Context, c models.Chunk, size int64) error {
	return n.send(ctx, ActionStored, c, size)
}

// ChunkEvicted announces a chunk removed by the reclaimer.
func (n *Notifier) ChunkEvicted(ctx context.Context, c models.Chunk) error {
	return n.send(ctx, ActionEvicted, c, 0)
}

func (n *Notifier) send(ctx context.Context, action string, c models.Chunk, size int64) error {
	ev := ChunkEvent{
		Action:    action,
		UTCStart:  c.StartTime,
		UTCEnd:    c.EndTime,
		File:      models.ChunkFileName(c.StartTime, c.EndTime),
		Size:      size,
		Timestamp: n.now().UTC(),
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.File),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(action)},
			{Key: "source", Value: []byte(source)},
		},
	}
	if err := n.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (n *Notifier) Close() error {
	return n.w.Close()
}
