// Package store is the segment store handle: the chunk and segment index
// logs, the chunk directory and the reclaimer that keeps the card from
// filling up. Every operation goes through an explicit *Store so several
// independent stores can live in one process.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/bytefmt"

	"sdvault/internal/config"
	"sdvault/internal/logger"
	"sdvault/internal/metrics"
	"sdvault/internal/models"
	"sdvault/internal/reclaim"
	"sdvault/internal/tindex"
	"sdvault/internal/trec"
)

var (
	ErrEmptyChunk = errors.New("chunk payload is empty")
	ErrOverlap    = errors.New("chunk overlaps the newest stored chunk")
)

// Notifier is told about every stored chunk.
type Notifier interface {
	ChunkStored(ctx context.Context, c models.Chunk, size int64) error
}

type Options struct {
	DataDir      string
	RecordWidth  int
	MaxChunkSize int64
	Reclaim      reclaim.Options
	Notifier     Notifier
}

// Store owns one data directory.
type Store struct {
	dataDir  string
	chunkDir string

	chunks   *tindex.Log
	segments *tindex.Log

	reclaimer    *reclaim.Reclaimer
	notifier     Notifier
	maxChunkSize int64
}

// Open creates the data directory layout if needed and opens both index
// logs. Leftover partial chunk files from an interrupted write are removed.
func Open(opts Options) (*Store, error) {
	if opts.RecordWidth == 0 {
		opts.RecordWidth = config.RecordWidth
	}
	s := &Store{
		dataDir:      opts.DataDir,
		chunkDir:     filepath.Join(opts.DataDir, config.ChunkSubdir),
		notifier:     opts.Notifier,
		maxChunkSize: opts.MaxChunkSize,
	}
	if err := os.MkdirAll(s.chunkDir, 0o755); err != nil {
		return nil, models.IOError("mkdir", s.chunkDir, err)
	}

	var err error
	if s.chunks, err = tindex.Open(filepath.Join(s.dataDir, config.ChunkIndexFile), opts.RecordWidth); err != nil {
		return nil, fmt.Errorf("chunk index: %w", err)
	}
	if s.segments, err = tindex.Open(filepath.Join(s.dataDir, config.SegmentIndexFile), opts.RecordWidth); err != nil {
		return nil, fmt.Errorf("segment index: %w", err)
	}
	s.reclaimer = reclaim.New(s.chunks, s.chunkDir, opts.Reclaim)

	_, partial, err := trec.List(s.chunkDir)
	if err != nil {
		return nil, err
	}
	for _, p := range partial {
		logger.Warn("removing partial chunk", "path", p)
		if err := os.Remove(p); err != nil {
			logger.Error("failed to remove partial chunk", "path", p, "error", err)
		}
	}
	return s, nil
}

// DataDir returns the store root.
func (s *Store) DataDir() string { return s.dataDir }

// ChunkDir returns the chunk file directory.
func (s *Store) ChunkDir() string { return s.chunkDir }

// ChunkIndex returns the chunk index log.
func (s *Store) ChunkIndex() *tindex.Log { return s.chunks }

// SegmentIndex returns the segment index log.
func (s *Store) SegmentIndex() *tindex.Log { return s.segments }

// MaxChunkSize bounds chunk reads; zero means unbounded.
func (s *Store) MaxChunkSize() int64 { return s.maxChunkSize }

// Chunk maps a chunk index record to its file.
func (s *Store) Chunk(r tindex.Record) models.Chunk {
	return models.NewChunk(s.chunkDir, r.Start, r.End)
}

// SaveChunk is the ingest path: reclaim space if needed, write the chunk
// file, then index it. A failed reclaim is logged and the write still runs,
// so a full card surfaces as the write's own error.
func (s *Store) SaveChunk(ctx context.Context, start, end uint32, data []byte) (models.Chunk, error) {
	if len(data) == 0 {
		return models.Chunk{}, ErrEmptyChunk
	}
	if end < start {
		return models.Chunk{}, fmt.Errorf("SaveChunk: %w: %d-%d", tindex.ErrInvalidRange, start, end)
	}
	if s.maxChunkSize > 0 && int64(len(data)) > s.maxChunkSize {
		return models.Chunk{}, fmt.Errorf("SaveChunk: %s over limit %s: %w",
			bytefmt.ByteSize(uint64(len(data))), bytefmt.ByteSize(uint64(s.maxChunkSize)), models.ErrOutOfMemory)
	}

	if _, err := s.reclaimer.CheckAndReclaim(ctx); err != nil {
		logger.Error("reclaim before write failed", "error", err)
	}

	// ordering is checked before the disk is touched, and the write and the
	// append share the index lock so no other ingest can slip in between
	var c models.Chunk
	err := s.chunks.View(func(v *tindex.View) error {
		if last, ok := v.Last(); ok {
			switch {
			case start < last.Start:
				return fmt.Errorf("%w: %d-%d after %s", tindex.ErrOutOfOrder, start, end, last)
			case start == last.Start || start < last.End:
				return fmt.Errorf("%w: %d-%d after %s", ErrOverlap, start, end, last)
			}
		}
		var err error
		if c, err = trec.Write(s.chunkDir, start, end, data); err != nil {
			return err
		}
		if err := v.Append(tindex.Record{Start: start, End: end}); err != nil {
			if rmErr := trec.Remove(c.FilePath); rmErr != nil {
				logger.Error("failed to remove unindexed chunk", "chunk", c.FilePath, "error", rmErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return models.Chunk{}, fmt.Errorf("SaveChunk: %w", err)
	}

	metrics.IngestedChunksTotal.Inc()
	metrics.IngestedBytesTotal.Add(float64(len(data)))
	logger.Debug("chunk stored", "chunk", c.FilePath, "size", bytefmt.ByteSize(uint64(len(data))))

	if s.notifier != nil {
		if err := s.notifier.ChunkStored(ctx, c, int64(len(data))); err != nil {
			logger.Warn("chunk notification failed", "chunk", c.FilePath, "error", err)
		}
	}
	return c, nil
}

// SaveSegment records one logical recording window.
func (s *Store) SaveSegment(start, end uint32) error {
	if err := s.segments.Append(tindex.Record{Start: start, End: end}); err != nil {
		return fmt.Errorf("SaveSegment: %w", err)
	}
	return nil
}

// Reclaim runs one space check outside the ingest path.
func (s *Store) Reclaim(ctx context.Context) (reclaim.Result, error) {
	return s.reclaimer.CheckAndReclaim(ctx)
}

// LocateChunks returns the chunks covering [start, end] in time order.
func (s *Store) LocateChunks(start, end uint32) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.chunks.View(func(v *tindex.View) error {
		r, err := v.LocateRange(start, end)
		if err != nil {
			return err
		}
		recs, err := v.ReadRecords(r.StartPos(), r.Count)
		if err != nil {
			return err
		}
		chunks = make([]models.Chunk, 0, len(recs))
		for _, rec := range overlapping(recs, start, end) {
			chunks = append(chunks, s.Chunk(rec))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("LocateChunks: %w", err)
	}
	return chunks, nil
}

// ListEvents returns the segments overlapping [start, end], each marked
// with how much of it is still on the card.
func (s *Store) ListEvents(start, end uint32) ([]models.Event, error) {
	oldest, haveChunks, err := s.oldestChunkStart()
	if err != nil {
		return nil, err
	}

	var recs []tindex.Record
	err = s.segments.View(func(v *tindex.View) error {
		r, err := v.LocateRange(start, end)
		if err != nil {
			return err
		}
		recs, err = v.ReadRecords(r.StartPos(), r.Count)
		return err
	})
	if errors.Is(err, tindex.ErrEmptyLog) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ListEvents: %w", err)
	}

	recs = overlapping(recs, start, end)
	events := make([]models.Event, 0, len(recs))
	for _, rec := range recs {
		ev := models.Event{UTCStart: rec.Start, UTCEnd: rec.End, Type: models.EventTypeFullTime}
		switch {
		case !haveChunks || rec.End < oldest:
			ev.Status = models.EventStatusEvicted
		case rec.Start < oldest:
			ev.Status = models.EventStatusPartial
		default:
			ev.Status = models.EventStatusAvailable
		}
		events = append(events, ev)
	}
	return events, nil
}

// overlapping drops the records the locator clamped to when [start, end]
// lies outside the logged span.
func overlapping(recs []tindex.Record, start, end uint32) []tindex.Record {
	out := recs[:0]
	for _, r := range recs {
		if r.End < start || r.Start > end {
			continue
		}
		out = append(out, r)
	}
	return out
}

// AllEvents lists every segment on record.
func (s *Store) AllEvents() ([]models.Event, error) {
	return s.ListEvents(0, math.MaxUint32)
}

func (s *Store) oldestChunkStart() (uint32, bool, error) {
	first, err := s.chunks.ReadRecordAt(0)
	if errors.Is(err, tindex.ErrEmptyLog) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("oldest chunk: %w", err)
	}
	return first.Start, true, nil
}

// Stats summarises the store for the status endpoint and the inspect
// command.
type Stats struct {
	DataDir      string    `json:"dataDir"`
	ChunkCount   int       `json:"chunkCount"`
	SegmentCount int       `json:"segmentCount"`
	Evicted      uint64    `json:"evicted"`
	Oldest       time.Time `json:"oldest,omitzero"`
	Newest       time.Time `json:"newest,omitzero"`
	FreeBytes    uint64    `json:"freeBytes"`
	Free         string    `json:"free"`
}

// Stats reads both index layouts and the volume's free space.
func (s *Store) Stats() (Stats, error) {
	st := Stats{DataDir: s.dataDir}

	err := s.chunks.View(func(v *tindex.View) error {
		st.Evicted = v.Base()
		_, count, err := v.Layout()
		if errors.Is(err, tindex.ErrEmptyLog) {
			return nil
		}
		if err != nil {
			return err
		}
		first, last, err := v.Span()
		if err != nil {
			return err
		}
		st.ChunkCount = count
		st.Oldest = time.Unix(int64(first.Start), 0).UTC()
		st.Newest = time.Unix(int64(last.End), 0).UTC()
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("Stats: %w", err)
	}

	_, st.SegmentCount, err = s.segments.Layout()
	if err != nil && !errors.Is(err, tindex.ErrEmptyLog) {
		return Stats{}, fmt.Errorf("Stats: %w", err)
	}

	if st.FreeBytes, err = reclaim.FreeSpace(s.chunkDir); err != nil {
		return Stats{}, fmt.Errorf("Stats: %w", err)
	}
	st.Free = bytefmt.ByteSize(st.FreeBytes)
	return st, nil
}
