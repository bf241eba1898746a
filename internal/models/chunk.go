package models

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ChunkExt is the extension of every stored chunk file.
const ChunkExt = ".ts"

// Chunk is one stored TS file covering [StartTime, EndTime] in UTC seconds.
type Chunk struct {
	StartTime uint32
	EndTime   uint32
	FilePath  string
}

// ChunkFileName returns "<start>-<end>.ts" with unpadded decimal fields.
func ChunkFileName(start, end uint32) string {
	return strconv.FormatUint(uint64(start), 10) + "-" + strconv.FormatUint(uint64(end), 10) + ChunkExt
}

// ParseChunkFileName is the inverse of ChunkFileName.
func ParseChunkFileName(name string) (start, end uint32, err error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ChunkExt) {
		return 0, 0, fmt.Errorf("chunk name %q: missing %s suffix", name, ChunkExt)
	}
	fields := strings.Split(strings.TrimSuffix(base, ChunkExt), "-")
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("chunk name %q: want <start>-<end>", name)
	}
	s, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("chunk name %q: %w", name, err)
	}
	e, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("chunk name %q: %w", name, err)
	}
	return uint32(s), uint32(e), nil
}

// NewChunk builds a Chunk rooted in dir.
func NewChunk(dir string, start, end uint32) Chunk {
	return Chunk{
		StartTime: start,
		EndTime:   end,
		FilePath:  filepath.Join(dir, ChunkFileName(start, end)),
	}
}

// StartDateTime returns the start as time.Time.
func (c Chunk) StartDateTime() time.Time {
	return time.Unix(int64(c.StartTime), 0).UTC()
}

// EndDateTime returns the end as time.Time.
func (c Chunk) EndDateTime() time.Time {
	return time.Unix(int64(c.EndTime), 0).UTC()
}

// Duration returns the covered wall-clock span.
func (c Chunk) Duration() time.Duration {
	return time.Duration(c.EndTime-c.StartTime) * time.Second
}

// EventType classifies a listed recording event.
type EventType uint8

const (
	EventTypeFullTime EventType = 0
)

// EventStatus tells a viewer how much of an event is still on the card.
type EventStatus uint8

const (
	EventStatusAvailable EventStatus = 0
	EventStatusPartial   EventStatus = 1 // oldest chunks of the segment were evicted
	EventStatusEvicted   EventStatus = 2 // every chunk of the segment was evicted
)

// Event is one entry of a list-events response, derived from a segment record.
type Event struct {
	UTCStart uint32      `json:"utcStart" msgpack:"utcStart"`
	UTCEnd   uint32      `json:"utcEnd" msgpack:"utcEnd"`
	Type     EventType   `json:"type" msgpack:"type"`
	Status   EventStatus `json:"status" msgpack:"status"`
}
