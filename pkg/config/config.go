// Package config loads blobshare settings from a config file and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"blobshare/pkg/types"
	"blobshare/pkg/utils"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr       = "0.0.0.0:0"
	DefaultSegmentSize      = 4 * utils.MebiByte
	DefaultEventQueue       = 100
	DefaultAnnounceInterval = 30 * time.Second
	DefaultRetryDelay       = 5 * time.Second
	DefaultTrackerTTL       = 10 * time.Minute
)

// Config holds node settings after defaults, file and environment are applied.
type Config struct {
	ListenAddr string
	// Tracker is a node address in "<node-id>@<host:port>,..." form.
	Tracker     string
	MetricsAddr string
	// Parallelism bounds concurrent hashing on import. Zero means one
	// worker per CPU.
	Parallelism int
	SegmentSize int64
	Compression bool
	EventQueue  int
	// Overflow is "block" or "drop".
	Overflow         string
	AnnounceInterval time.Duration
	RetryDelay       time.Duration
	TrackerTTL       time.Duration
	// DataDir holds the per-run blob stores. Empty means the working
	// directory.
	DataDir string
}

// configRaw is the on-disk shape. Sizes may be numbers or strings like
// "4MiB"; durations are strings like "30s".
type configRaw struct {
	ListenAddr       string `json:"listen_addr" yaml:"listen_addr"`
	Tracker          string `json:"tracker" yaml:"tracker"`
	MetricsAddr      string `json:"metrics_addr" yaml:"metrics_addr"`
	Parallelism      int    `json:"parallelism" yaml:"parallelism"`
	SegmentSize      any    `json:"segment_size" yaml:"segment_size"`
	Compression      *bool  `json:"compression" yaml:"compression"`
	EventQueue       int    `json:"event_queue" yaml:"event_queue"`
	Overflow         string `json:"overflow" yaml:"overflow"`
	AnnounceInterval string `json:"announce_interval" yaml:"announce_interval"`
	RetryDelay       string `json:"retry_delay" yaml:"retry_delay"`
	TrackerTTL       string `json:"tracker_ttl" yaml:"tracker_ttl"`
	DataDir          string `json:"data_dir" yaml:"data_dir"`
}

func Default() *Config {
	return &Config{
		ListenAddr:       DefaultListenAddr,
		SegmentSize:      DefaultSegmentSize,
		EventQueue:       DefaultEventQueue,
		Overflow:         "block",
		AnnounceInterval: DefaultAnnounceInterval,
		RetryDelay:       DefaultRetryDelay,
		TrackerTTL:       DefaultTrackerTTL,
	}
}

// LoadConfig reads a config file on top of the defaults. Files ending in
// .yaml or .yml are YAML; anything else is JSON, comments allowed.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw configRaw
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if err := cfg.merge(raw); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) merge(raw configRaw) error {
	if raw.ListenAddr != "" {
		c.ListenAddr = raw.ListenAddr
	}
	if raw.Tracker != "" {
		c.Tracker = raw.Tracker
	}
	if raw.MetricsAddr != "" {
		c.MetricsAddr = raw.MetricsAddr
	}
	if raw.Parallelism != 0 {
		c.Parallelism = raw.Parallelism
	}
	if raw.Compression != nil {
		c.Compression = *raw.Compression
	}
	if raw.EventQueue != 0 {
		c.EventQueue = raw.EventQueue
	}
	if raw.Overflow != "" {
		c.Overflow = raw.Overflow
	}
	if raw.DataDir != "" {
		c.DataDir = raw.DataDir
	}

	switch v := raw.SegmentSize.(type) {
	case nil:
	case int:
		c.SegmentSize = int64(v)
	case float64:
		c.SegmentSize = int64(v)
	case string:
		size, err := utils.ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("invalid segment_size: %w", err)
		}
		c.SegmentSize = size
	default:
		return fmt.Errorf("segment_size must be a number or string, got %T", v)
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"announce_interval", raw.AnnounceInterval, &c.AnnounceInterval},
		{"retry_delay", raw.RetryDelay, &c.RetryDelay},
		{"tracker_ttl", raw.TrackerTTL, &c.TrackerTTL},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BLOBSHARE_* variables.
func (c *Config) ApplyEnv() error {
	c.ListenAddr = getEnv("BLOBSHARE_LISTEN", c.ListenAddr)
	c.Tracker = getEnv("BLOBSHARE_TRACKER", c.Tracker)
	c.MetricsAddr = getEnv("BLOBSHARE_METRICS", c.MetricsAddr)

	if v := os.Getenv("BLOBSHARE_PARALLELISM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BLOBSHARE_PARALLELISM %q: %w", v, err)
		}
		c.Parallelism = n
	}
	if v := os.Getenv("BLOBSHARE_COMPRESSION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BLOBSHARE_COMPRESSION %q: %w", v, err)
		}
		c.Compression = b
	}
	return nil
}

// Load reads path (if non-empty), applies the environment and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}
	if c.SegmentSize <= 0 {
		return fmt.Errorf("segment size must be positive, got %d", c.SegmentSize)
	}
	if c.EventQueue <= 0 {
		return fmt.Errorf("event queue must be positive, got %d", c.EventQueue)
	}
	if c.Overflow != "block" && c.Overflow != "drop" {
		return fmt.Errorf("overflow must be \"block\" or \"drop\", got %q", c.Overflow)
	}
	if c.AnnounceInterval <= 0 || c.RetryDelay <= 0 {
		return fmt.Errorf("announce interval and retry delay must be positive")
	}
	if c.TrackerTTL <= c.AnnounceInterval {
		return fmt.Errorf("tracker ttl %s must exceed the announce interval %s", c.TrackerTTL, c.AnnounceInterval)
	}
	if c.Tracker != "" {
		if _, err := types.ParseNodeAddr(c.Tracker); err != nil {
			return fmt.Errorf("invalid tracker address: %w", err)
		}
	}
	return nil
}

// TrackerAddr parses Tracker. ok is false when no tracker is configured.
func (c *Config) TrackerAddr() (addr types.NodeAddr, ok bool, err error) {
	if c.Tracker == "" {
		return types.NodeAddr{}, false, nil
	}
	addr, err = types.ParseNodeAddr(c.Tracker)
	if err != nil {
		return types.NodeAddr{}, false, err
	}
	return addr, true, nil
}

// SendDir is the store directory for one share run.
func (c *Config) SendDir(runID string) string {
	return filepath.Join(c.DataDir, ".blobshare-send-"+runID)
}

// RecvDir is the store directory for receiving content. It is stable
// across runs so an interrupted receive can resume.
func (c *Config) RecvDir(content types.HashAndFormat) string {
	return filepath.Join(c.DataDir, ".blobshare-recv-"+content.Hash.String())
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
