package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, uint64(1<<20), c.ReclaimThreshold)
	assert.Equal(t, 1024, c.ReclaimBatch)
	assert.Equal(t, 128, c.MaxClients)
	assert.Equal(t, 32, c.EventsPerMessage)
	assert.Equal(t, filepath.Join(DefaultDataDir, "tsindexdb"), c.ChunkIndexPath())
}

func TestParse(t *testing.T) {
	doc := `
data_dir: /tmp/card
port: 9090
timezone: UTC
log_level: DEBUG
reclaim:
  threshold: 64M
  batch: 16
playback:
  max_clients: 4
  max_frame_size: 256K
  control_timeout: 2s
transport:
  backend: neffos
  users:
    admin: secret
archive:
  endpoint: minio:9000
  bucket: chunks
notify:
  brokers: [kafka:9092]
  topic: sdvault.chunks
`
	c := Default()
	require.NoError(t, c.Parse([]byte(doc)))

	assert.Equal(t, "/tmp/card", c.DataDir)
	assert.Equal(t, "/tmp/card/ts", c.ChunkDir())
	assert.Equal(t, 9090, c.Port)
	assert.Equal(t, time.UTC, c.Timezone)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, uint64(64<<20), c.ReclaimThreshold)
	assert.Equal(t, 16, c.ReclaimBatch)
	assert.Equal(t, 4, c.MaxClients)
	assert.Equal(t, 256<<10, c.MaxFrameSize)
	assert.Equal(t, 2*time.Second, c.ControlTimeout)
	assert.Equal(t, DefaultListenTimeout, c.ListenTimeout)
	assert.Equal(t, TransportNeffos, c.Transport)
	assert.Equal(t, map[string]string{"admin": "secret"}, c.Users)
	assert.True(t, c.Archive.Enabled())
	assert.True(t, c.Notify.Enabled())
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"timezone":  "timezone: Mars/Olympus",
		"threshold": "reclaim:\n  threshold: lots",
		"backend":   "transport:\n  backend: carrier-pigeon",
		"width":     "record_width: 12",
		"batch":     "reclaim:\n  batch: -1",
		"duration":  "playback:\n  listen_timeout: soon",
	} {
		assert.Error(t, Default().Parse([]byte(doc)), name)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /data\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data", c.DataDir)
	assert.False(t, c.Archive.Enabled())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
