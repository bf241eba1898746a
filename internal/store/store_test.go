package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdvault/internal/models"
	"sdvault/internal/reclaim"
	"sdvault/internal/tindex"
)

func plenty(string) (uint64, error) { return 1 << 40, nil }

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	opts.DataDir = t.TempDir()
	if opts.Reclaim.Space == nil {
		opts.Reclaim.Space = plenty
	}
	s, err := Open(opts)
	require.NoError(t, err)
	return s
}

func saveChunks(t *testing.T, s *Store, windows ...[2]uint32) {
	t.Helper()
	for _, w := range windows {
		_, err := s.SaveChunk(context.Background(), w[0], w[1], []byte("chunk"))
		require.NoError(t, err)
	}
}

func TestSaveAndLocateChunks(t *testing.T) {
	s := openStore(t, Options{})
	saveChunks(t, s, [2]uint32{100, 110}, [2]uint32{110, 125}, [2]uint32{130, 140})

	chunks, err := s.LocateChunks(105, 135)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, filepath.Join(s.ChunkDir(), "110-125.ts"), chunks[1].FilePath)

	chunks, err = s.LocateChunks(126, 128)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	data, err := os.ReadFile(chunks0(t, s).FilePath)
	require.NoError(t, err)
	assert.Equal(t, "chunk", string(data))
}

func chunks0(t *testing.T, s *Store) models.Chunk {
	t.Helper()
	r, err := s.ChunkIndex().ReadRecordAt(0)
	require.NoError(t, err)
	return s.Chunk(r)
}

func TestSaveChunkRejects(t *testing.T) {
	s := openStore(t, Options{MaxChunkSize: 4})

	_, err := s.SaveChunk(context.Background(), 1, 2, nil)
	assert.ErrorIs(t, err, ErrEmptyChunk)

	_, err = s.SaveChunk(context.Background(), 5, 2, []byte("x"))
	assert.ErrorIs(t, err, tindex.ErrInvalidRange)

	_, err = s.SaveChunk(context.Background(), 1, 2, []byte("too big"))
	assert.ErrorIs(t, err, models.ErrOutOfMemory)

	_, err = s.SaveChunk(context.Background(), 10, 20, []byte("ok"))
	require.NoError(t, err)

	// out of order chunk is not left behind on disk
	_, err = s.SaveChunk(context.Background(), 5, 8, []byte("late"))
	assert.ErrorIs(t, err, tindex.ErrOutOfOrder)
	_, err = os.Stat(filepath.Join(s.ChunkDir(), "5-8.ts"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveChunkKeepsStoredChunks(t *testing.T) {
	s := openStore(t, Options{})
	ctx := context.Background()
	for _, w := range [][2]uint32{{100, 110}, {120, 130}} {
		_, err := s.SaveChunk(ctx, w[0], w[1], fmt.Appendf(nil, "chunk %d-%d", w[0], w[1]))
		require.NoError(t, err)
	}

	_, err := s.SaveChunk(ctx, 100, 110, []byte("again"))
	assert.ErrorIs(t, err, tindex.ErrOutOfOrder)
	_, err = s.SaveChunk(ctx, 120, 130, []byte("again"))
	assert.ErrorIs(t, err, ErrOverlap)
	_, err = s.SaveChunk(ctx, 125, 135, []byte("again"))
	assert.ErrorIs(t, err, ErrOverlap)

	for _, name := range []string{"100-110", "120-130"} {
		data, err := os.ReadFile(filepath.Join(s.ChunkDir(), name+".ts"))
		require.NoError(t, err)
		assert.Equal(t, "chunk "+name, string(data))
	}
	_, err = os.Stat(filepath.Join(s.ChunkDir(), "125-135.ts"))
	assert.True(t, os.IsNotExist(err))

	_, count, err := s.ChunkIndex().Layout()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// adjacent windows are fine
	_, err = s.SaveChunk(ctx, 130, 140, []byte("next"))
	require.NoError(t, err)
}

func TestQueriesOutsideSpan(t *testing.T) {
	s := openStore(t, Options{})
	saveChunks(t, s, [2]uint32{100, 110}, [2]uint32{120, 130})
	require.NoError(t, s.SaveSegment(100, 110))
	require.NoError(t, s.SaveSegment(120, 130))

	for _, q := range [][2]uint32{{10, 50}, {500, 600}} {
		chunks, err := s.LocateChunks(q[0], q[1])
		require.NoError(t, err)
		assert.Empty(t, chunks, "chunks %v", q)

		events, err := s.ListEvents(q[0], q[1])
		require.NoError(t, err)
		assert.Empty(t, events, "events %v", q)
	}

	// touching an edge still counts
	events, err := s.ListEvents(10, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(100), events[0].UTCStart)

	chunks, err := s.LocateChunks(130, 600)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, uint32(120), chunks[0].StartTime)
}

func TestSaveChunkReclaims(t *testing.T) {
	low := func(string) (uint64, error) { return 0, nil }
	s := openStore(t, Options{Reclaim: reclaim.Options{Batch: 2, Space: low}})

	// each write evicts up to two older chunks before indexing itself
	saveChunks(t, s, [2]uint32{100, 110}, [2]uint32{110, 120}, [2]uint32{120, 130})

	_, count, err := s.ChunkIndex().Layout()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(2), s.ChunkIndex().Base())
	assert.Equal(t, uint32(120), chunks0(t, s).StartTime)
}

func TestListEventsStatus(t *testing.T) {
	s := openStore(t, Options{})

	events, err := s.AllEvents()
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, s.SaveSegment(50, 90))
	require.NoError(t, s.SaveSegment(95, 120))
	require.NoError(t, s.SaveSegment(120, 200))

	events, err = s.AllEvents()
	require.NoError(t, err)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, models.EventStatusEvicted, ev.Status, "no chunks stored yet")
	}

	saveChunks(t, s, [2]uint32{100, 110}, [2]uint32{110, 120}, [2]uint32{120, 130})
	events, err = s.AllEvents()
	require.NoError(t, err)
	assert.Equal(t, []models.Event{
		{UTCStart: 50, UTCEnd: 90, Status: models.EventStatusEvicted},
		{UTCStart: 95, UTCEnd: 120, Status: models.EventStatusPartial},
		{UTCStart: 120, UTCEnd: 200, Status: models.EventStatusAvailable},
	}, events)

	events, err = s.ListEvents(100, 110)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(95), events[0].UTCStart)
}

func TestStats(t *testing.T) {
	s := openStore(t, Options{})
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.ChunkCount)

	saveChunks(t, s, [2]uint32{100, 110}, [2]uint32{110, 125})
	require.NoError(t, s.SaveSegment(100, 125))

	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.ChunkCount)
	assert.Equal(t, 1, st.SegmentCount)
	assert.Equal(t, int64(100), st.Oldest.Unix())
	assert.Equal(t, int64(125), st.Newest.Unix())
	assert.NotEmpty(t, st.Free)
}

func TestOpenRemovesPartialChunks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ts"), 0o755))
	part := filepath.Join(dir, "ts", "1-2.ts.part")
	require.NoError(t, os.WriteFile(part, []byte("x"), 0o644))

	_, err := Open(Options{DataDir: dir})
	require.NoError(t, err)
	_, err = os.Stat(part)
	assert.True(t, os.IsNotExist(err))
}
