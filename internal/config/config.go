package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v3"

	"sdvault/internal/logger"
)

const (
	// Index files inside the data directory
	ChunkIndexFile   = "tsindexdb"
	SegmentIndexFile = "segindexdb"
	ChunkSubdir      = "ts"

	RecordWidth = 10

	// Reclaim defaults
	DefaultReclaimThreshold = 1 << 20
	DefaultReclaimBatch     = 1024

	// Playback defaults
	DefaultMaxClients       = 128
	DefaultMaxFrameSize     = 1 << 20
	DefaultMaxChunkSize     = 64 << 20
	DefaultEventsPerMessage = 32
	DefaultControlTimeout   = 5 * time.Second
	DefaultListenTimeout    = 10 * time.Second

	TransportWebsocket = "websocket"
	TransportNeffos    = "neffos"
)

var (
	DefaultDataDir  = "/mnt/sdcard/sdvault"
	DefaultTimezone = "Asia/Shanghai"
	Host            = "0.0.0.0"
	Port            = 8080
)

// Config is the resolved runtime configuration.
type Config struct {
	DataDir  string
	Host     string
	Port     int
	Timezone *time.Location
	LogLevel string

	RecordWidth int

	ReclaimThreshold uint64
	ReclaimBatch     int

	MaxClients       int
	MaxFrameSize     int
	MaxChunkSize     int64
	EventsPerMessage int
	ControlTimeout   time.Duration
	ListenTimeout    time.Duration

	Transport string
	// Users maps basic-auth user names to passwords. Empty allows anyone.
	Users map[string]string

	Archive ArchiveConfig
	Notify  NotifyConfig
}

// ArchiveConfig enables uploading evicted chunks to object storage.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Enabled reports whether an archive sink is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != "" && a.Bucket != ""
}

// NotifyConfig enables chunk lifecycle events on Kafka.
type NotifyConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether a notifier is configured.
func (n NotifyConfig) Enabled() bool {
	return len(n.Brokers) > 0 && n.Topic != ""
}

// ChunkDir is where chunk files live.
func (c *Config) ChunkDir() string {
	return filepath.Join(c.DataDir, ChunkSubdir)
}

// ChunkIndexPath is the chunk index log path.
func (c *Config) ChunkIndexPath() string {
	return filepath.Join(c.DataDir, ChunkIndexFile)
}

// SegmentIndexPath is the segment index log path.
func (c *Config) SegmentIndexPath() string {
	return filepath.Join(c.DataDir, SegmentIndexFile)
}

// Addr is host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	tz, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		tz = time.UTC
	}
	return &Config{
		DataDir:          DefaultDataDir,
		Host:             Host,
		Port:             Port,
		Timezone:         tz,
		LogLevel:         "info",
		RecordWidth:      RecordWidth,
		ReclaimThreshold: DefaultReclaimThreshold,
		ReclaimBatch:     DefaultReclaimBatch,
		MaxClients:       DefaultMaxClients,
		MaxFrameSize:     DefaultMaxFrameSize,
		MaxChunkSize:     DefaultMaxChunkSize,
		EventsPerMessage: DefaultEventsPerMessage,
		ControlTimeout:   DefaultControlTimeout,
		ListenTimeout:    DefaultListenTimeout,
		Transport:        TransportWebsocket,
	}
}

// Load reads and parses a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := Default()
	if err := c.Parse(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// Parse overlays the YAML document onto c. Unset keys keep their current
// values.
func (c *Config) Parse(data []byte) error {
	var aux struct {
		DataDir     string `yaml:"data_dir"`
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		Timezone    string `yaml:"timezone"`
		LogLevel    string `yaml:"log_level"`
		RecordWidth int    `yaml:"record_width"`
		Reclaim     struct {
			Threshold string `yaml:"threshold"`
			Batch     int    `yaml:"batch"`
		} `yaml:"reclaim"`
		Playback struct {
			MaxClients       int    `yaml:"max_clients"`
			MaxFrameSize     string `yaml:"max_frame_size"`
			MaxChunkSize     string `yaml:"max_chunk_size"`
			EventsPerMessage int    `yaml:"events_per_message"`
			ControlTimeout   string `yaml:"control_timeout"`
			ListenTimeout    string `yaml:"listen_timeout"`
		} `yaml:"playback"`
		Transport struct {
			Backend string            `yaml:"backend"`
			Users   map[string]string `yaml:"users"`
		} `yaml:"transport"`
		Archive struct {
			Endpoint  string `yaml:"endpoint"`
			AccessKey string `yaml:"access_key"`
			SecretKey string `yaml:"secret_key"`
			Bucket    string `yaml:"bucket"`
			Prefix    string `yaml:"prefix"`
			UseSSL    bool   `yaml:"use_ssl"`
		} `yaml:"archive"`
		Notify struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"notify"`
	}
	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.DataDir != "" {
		c.DataDir = aux.DataDir
	}
	if aux.Host != "" {
		c.Host = aux.Host
	}
	if aux.Port != 0 {
		c.Port = aux.Port
	}
	if aux.Timezone != "" {
		tz, err := time.LoadLocation(aux.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", aux.Timezone, err)
		}
		c.Timezone = tz
	}
	if aux.LogLevel != "" {
		c.LogLevel = strings.ToLower(aux.LogLevel)
	}
	if aux.RecordWidth != 0 {
		c.RecordWidth = aux.RecordWidth
	}

	if aux.Reclaim.Threshold != "" {
		n, err := bytefmt.ToBytes(aux.Reclaim.Threshold)
		if err != nil {
			return fmt.Errorf("reclaim.threshold: %w", err)
		}
		c.ReclaimThreshold = n
	}
	if aux.Reclaim.Batch != 0 {
		c.ReclaimBatch = aux.Reclaim.Batch
	}

	p := aux.Playback
	if p.MaxClients != 0 {
		c.MaxClients = p.MaxClients
	}
	if p.MaxFrameSize != "" {
		n, err := bytefmt.ToBytes(p.MaxFrameSize)
		if err != nil {
			return fmt.Errorf("playback.max_frame_size: %w", err)
		}
		c.MaxFrameSize = int(n)
	}
	if p.MaxChunkSize != "" {
		n, err := bytefmt.ToBytes(p.MaxChunkSize)
		if err != nil {
			return fmt.Errorf("playback.max_chunk_size: %w", err)
		}
		c.MaxChunkSize = int64(n)
	}
	if p.EventsPerMessage != 0 {
		c.EventsPerMessage = p.EventsPerMessage
	}
	if p.ControlTimeout != "" {
		d, err := time.ParseDuration(p.ControlTimeout)
		if err != nil {
			return fmt.Errorf("playback.control_timeout: %w", err)
		}
		c.ControlTimeout = d
	}
	if p.ListenTimeout != "" {
		d, err := time.ParseDuration(p.ListenTimeout)
		if err != nil {
			return fmt.Errorf("playback.listen_timeout: %w", err)
		}
		c.ListenTimeout = d
	}

	if aux.Transport.Backend != "" {
		c.Transport = strings.ToLower(aux.Transport.Backend)
	}
	if len(aux.Transport.Users) > 0 {
		c.Users = aux.Transport.Users
	}

	c.Archive = ArchiveConfig(aux.Archive)
	c.Notify = NotifyConfig(aux.Notify)

	return c.Validate()
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is empty"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RecordWidth < 1 || c.RecordWidth > 10 {
		errs = append(errs, fmt.Errorf("record_width %d out of range [1,10]", c.RecordWidth))
	}
	if c.ReclaimBatch <= 0 {
		errs = append(errs, fmt.Errorf("reclaim.batch %d must be positive", c.ReclaimBatch))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("playback.max_clients %d must be positive", c.MaxClients))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("playback.max_frame_size %d must be positive", c.MaxFrameSize))
	}
	if c.EventsPerMessage <= 0 {
		errs = append(errs, fmt.Errorf("playback.events_per_message %d must be positive", c.EventsPerMessage))
	}
	if c.ControlTimeout <= 0 || c.ListenTimeout <= 0 {
		errs = append(errs, errors.New("playback timeouts must be positive"))
	}
	switch c.Transport {
	case TransportWebsocket, TransportNeffos:
	default:
		errs = append(errs, fmt.Errorf("transport.backend %q unknown", c.Transport))
	}
	return errors.Join(errs...)
}

// LogSummary writes the effective configuration at info level.
func (c *Config) LogSummary() {
	logger.Info("configuration",
		"data_dir", c.DataDir,
		"addr", c.Addr(),
		"timezone", c.Timezone.String(),
		"record_width", c.RecordWidth,
		"reclaim_threshold", bytefmt.ByteSize(c.ReclaimThreshold),
		"reclaim_batch", c.ReclaimBatch,
		"max_clients", c.MaxClients,
		"max_frame_size", bytefmt.ByteSize(uint64(c.MaxFrameSize)),
		"transport", c.Transport,
		"archive", c.Archive.Enabled(),
		"notify", c.Notify.Enabled(),
	)
}
