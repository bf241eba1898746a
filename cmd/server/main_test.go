package main

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestThenInspect(t *testing.T) {
	dir := t.TempDir()
	ts := filepath.Join(t.TempDir(), "clip.ts")
	require.NoError(t, os.WriteFile(ts, []byte("transport stream"), 0o644))

	root := newRootCmd()
	root.SetArgs([]string{"ingest", "--data-dir", dir, "--start", "100", "--end", "110", "--segment", ts})
	require.NoError(t, root.Execute())

	var out bytes.Buffer
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "--data-dir", dir, "--events", "--records"})
	require.NoError(t, root.Execute())

	var got struct {
		Stats struct {
			ChunkCount   int `json:"chunkCount"`
			SegmentCount int `json:"segmentCount"`
		} `json:"stats"`
		Chunks []string `json:"chunks"`
		Events []struct {
			UTCStart uint32 `json:"utcStart"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	assert.Equal(t, 1, got.Stats.ChunkCount)
	assert.Equal(t, 1, got.Stats.SegmentCount)
	assert.Equal(t, []string{"100-110"}, got.Chunks)
	require.Len(t, got.Events, 1)
	assert.Equal(t, uint32(100), got.Events[0].UTCStart)
}

func TestIngestRequiresWindow(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"ingest", "--data-dir", t.TempDir(), "missing.ts"})
	assert.Error(t, root.Execute())
}

func TestFindAvailablePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	taken := ln.Addr().(*net.TCPAddr).Port
	assert.NotEqual(t, taken, findAvailablePort("127.0.0.1", taken))
}
