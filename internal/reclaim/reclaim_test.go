package reclaim

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdvault/internal/models"
	"sdvault/internal/tindex"
	"sdvault/internal/trec"
)

type fixture struct {
	dir    string
	log    *tindex.Log
	chunks []models.Chunk
}

func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	dir := t.TempDir()
	log, err := tindex.Open(filepath.Join(dir, "tsindexdb"), tindex.DefaultWidth)
	require.NoError(t, err)

	f := &fixture{dir: dir, log: log}
	for i := 0; i < n; i++ {
		start := uint32(1000 + 10*i)
		c, err := trec.Write(dir, start, start+10, []byte("ts"))
		require.NoError(t, err)
		require.NoError(t, log.Append(tindex.Record{Start: c.StartTime, End: c.EndTime}))
		f.chunks = append(f.chunks, c)
	}
	return f
}

func lowSpace(string) (uint64, error)    { return 512, nil }
func plentySpace(string) (uint64, error) { return 1 << 40, nil }

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestReclaimScenario(t *testing.T) {
	f := newFixture(t, 5)
	r := New(f.log, f.dir, Options{Batch: 2, Space: lowSpace})

	res, err := r.CheckAndReclaim(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 2, res.Evicted)
	assert.Equal(t, 0, res.Failed)

	_, count, err := f.log.Layout()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	assert.False(t, exists(f.chunks[0].FilePath))
	assert.False(t, exists(f.chunks[1].FilePath))
	for _, c := range f.chunks[2:] {
		assert.True(t, exists(c.FilePath))
	}

	first, err := f.log.ReadRecordAt(0)
	require.NoError(t, err)
	assert.Equal(t, f.chunks[2].StartTime, first.Start)
}

func TestReclaimNotNeeded(t *testing.T) {
	f := newFixture(t, 3)
	r := New(f.log, f.dir, Options{Batch: 2, Space: plentySpace})

	res, err := r.CheckAndReclaim(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	_, count, err := f.log.Layout()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestReclaimContinuesPastFailures(t *testing.T) {
	f := newFixture(t, 4)
	require.NoError(t, os.Remove(f.chunks[0].FilePath))

	r := New(f.log, f.dir, Options{Batch: 3, Space: lowSpace})
	res, err := r.CheckAndReclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Evicted)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, exists(f.chunks[2].FilePath))

	_, count, err := f.log.Layout()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReclaimBatchLargerThanIndex(t *testing.T) {
	f := newFixture(t, 2)
	r := New(f.log, f.dir, Options{Batch: 10, Space: lowSpace})

	res, err := r.CheckAndReclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evicted)

	_, _, err = f.log.Layout()
	assert.ErrorIs(t, err, tindex.ErrEmptyLog)

	// a second pass on the empty index frees nothing and does not fail
	res, err = r.CheckAndReclaim(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 0, res.Evicted)
}

type sink struct {
	archived, evicted []uint32
	archiveErr        error
}

func (s *sink) Archive(_ context.Context, c models.Chunk) error {
	s.archived = append(s.archived, c.StartTime)
	return s.archiveErr
}

func (s *sink) ChunkEvicted(_ context.Context, c models.Chunk) error {
	s.evicted = append(s.evicted, c.StartTime)
	return nil
}

func TestReclaimSinks(t *testing.T) {
	f := newFixture(t, 3)
	s := &sink{archiveErr: errors.New("bucket unreachable")}
	r := New(f.log, f.dir, Options{Batch: 2, Space: lowSpace, Archiver: s, Notifier: s})

	_, err := r.CheckAndReclaim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{1000, 1010}, s.archived)
	assert.Equal(t, []uint32{1000, 1010}, s.evicted)
	// a failed upload does not keep the chunk
	assert.False(t, exists(f.chunks[0].FilePath))
}

func TestReclaimSpaceError(t *testing.T) {
	f := newFixture(t, 1)
	r := New(f.log, f.dir, Options{Space: func(string) (uint64, error) {
		return 0, models.IOError("statfs", f.dir, fs.ErrPermission)
	}})
	_, err := r.CheckAndReclaim(context.Background())
	assert.ErrorIs(t, err, models.ErrIO)
}

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)

	_, err = FreeSpace(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, models.ErrIO)
}
