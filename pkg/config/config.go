// Package config loads the download engine's configuration surface via
// viper: defaults, config file, environment variables, and pflag-bound CLI
// flags, with live-reload for the fields that tolerate it (rate limits).
package config

import (
	"fmt"
	"strings"

	"github.com/chiral-network/downloader/pkg/chunkplan"
	"github.com/chiral-network/downloader/pkg/persistence"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable binding, e.g.
// CHIRAL_DOWNLOADS_ROOT.
const EnvPrefix = "CHIRAL"

// RateLimit is a directional, optional byte/s cap. Zero means unlimited.
type RateLimit struct {
	GlobalBytesPerSec    int64 `mapstructure:"global_bytes_per_sec"`
	PerTransferBytesPerSec int64 `mapstructure:"per_transfer_bytes_per_sec"`
}

// DHTConfig carries the bootstrap/NAT-traversal options the core accepts
// but does not interpret itself — it only threads them through to whatever
// peerdiscovery.Discoverer a deployment wires in.
type DHTConfig struct {
	BootstrapPeers       []string `mapstructure:"bootstrap_peers"`
	AutoNATProbeInterval int      `mapstructure:"autonat_probe_interval_secs"`
	EnableRelay          bool     `mapstructure:"enable_relay"`
}

// Config is the full recognized configuration surface from spec §6.
type Config struct {
	ChunkSize                    int64 `mapstructure:"chunk_size"`
	MaxChunksPerPeer             int   `mapstructure:"max_chunks_per_peer"`
	MinChunksForParallel         int   `mapstructure:"min_chunks_for_parallel"`
	MaxConcurrentChunksPerSource int   `mapstructure:"max_concurrent_chunks_per_source"`

	ConnectionTimeoutSecs    int `mapstructure:"connection_timeout_secs"`
	ChunkRequestTimeoutSecs  int `mapstructure:"chunk_request_timeout_secs"`
	MaxRetryAttempts         int `mapstructure:"max_retry_attempts"`

	FsyncIntervalBytes int64 `mapstructure:"fsync_interval_bytes"`

	DownloadsRoot           string `mapstructure:"downloads_root"`
	StrictResumeValidation  bool   `mapstructure:"strict_resume_validation"`

	Download RateLimit `mapstructure:"download_rate"`
	Upload   RateLimit `mapstructure:"upload_rate"`

	DHT DHTConfig `mapstructure:"dht"`

	Debug bool `mapstructure:"debug"`
}

// Default returns a Config with the spec's documented defaults.
func Default() Config {
	return Config{
		ChunkSize:                    chunkplan.DefaultChunkSize,
		MaxChunksPerPeer:             10,
		MinChunksForParallel:         4,
		MaxConcurrentChunksPerSource: 5,
		ConnectionTimeoutSecs:        30,
		ChunkRequestTimeoutSecs:      60,
		MaxRetryAttempts:             3,
		FsyncIntervalBytes:           persistence.DefaultFsyncIntervalBytes,
		StrictResumeValidation:       true,
		DHT: DHTConfig{
			AutoNATProbeInterval: 60,
		},
	}
}

// Validate checks invariants the engine relies on unconditionally.
func (c *Config) Validate() error {
	if c.DownloadsRoot == "" {
		return fmt.Errorf("downloads_root is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.MaxChunksPerPeer <= 0 {
		return fmt.Errorf("max_chunks_per_peer must be positive")
	}
	if c.MinChunksForParallel <= 0 {
		return fmt.Errorf("min_chunks_for_parallel must be positive")
	}
	if c.MaxConcurrentChunksPerSource <= 0 {
		return fmt.Errorf("max_concurrent_chunks_per_source must be positive")
	}
	if c.ConnectionTimeoutSecs <= 0 {
		return fmt.Errorf("connection_timeout_secs must be positive")
	}
	if c.ChunkRequestTimeoutSecs <= 0 {
		return fmt.Errorf("chunk_request_timeout_secs must be positive")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max_retry_attempts must be non-negative")
	}
	if c.FsyncIntervalBytes <= 0 {
		return fmt.Errorf("fsync_interval_bytes must be positive")
	}
	if c.Download.GlobalBytesPerSec < 0 || c.Download.PerTransferBytesPerSec < 0 {
		return fmt.Errorf("download rate limits must be non-negative")
	}
	if c.Upload.GlobalBytesPerSec < 0 || c.Upload.PerTransferBytesPerSec < 0 {
		return fmt.Errorf("upload rate limits must be non-negative")
	}
	return nil
}

// WithDefaults returns a copy of c with zero-valued fields filled in from
// Default. Rate limits are left untouched since 0 is itself a valid,
// meaningful value ("unlimited").
func (c Config) WithDefaults() Config {
	d := Default()

	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxChunksPerPeer == 0 {
		c.MaxChunksPerPeer = d.MaxChunksPerPeer
	}
	if c.MinChunksForParallel == 0 {
		c.MinChunksForParallel = d.MinChunksForParallel
	}
	if c.MaxConcurrentChunksPerSource == 0 {
		c.MaxConcurrentChunksPerSource = d.MaxConcurrentChunksPerSource
	}
	if c.ConnectionTimeoutSecs == 0 {
		c.ConnectionTimeoutSecs = d.ConnectionTimeoutSecs
	}
	if c.ChunkRequestTimeoutSecs == 0 {
		c.ChunkRequestTimeoutSecs = d.ChunkRequestTimeoutSecs
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.FsyncIntervalBytes == 0 {
		c.FsyncIntervalBytes = d.FsyncIntervalBytes
	}
	if c.DHT.AutoNATProbeInterval == 0 {
		c.DHT.AutoNATProbeInterval = d.DHT.AutoNATProbeInterval
	}

	return c
}

// BindFlags registers the subset of the configuration surface that makes
// sense as CLI overrides onto fs, for a caller to then bind into a
// *viper.Viper with BindPFlag.
func BindFlags(fs *pflag.FlagSet) {
	fs.Int64("chunk-size", 0, "chunk plan granularity in bytes (default 256 KiB)")
	fs.String("downloads-root", "", "absolute path downloads are sandboxed under")
	fs.Bool("strict-resume-validation", true, "reject resumes with unverifiable part-file state")
	fs.Bool("debug", false, "enable debug logging")
}

// Load builds a *viper.Viper bound to defaults, environment variables
// (prefixed with EnvPrefix), the optional config file at path (skipped if
// empty), and fs's bound flags, then decodes the result into a Config.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	applyDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("binding flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper, d Config) {
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("max_chunks_per_peer", d.MaxChunksPerPeer)
	v.SetDefault("min_chunks_for_parallel", d.MinChunksForParallel)
	v.SetDefault("max_concurrent_chunks_per_source", d.MaxConcurrentChunksPerSource)
	v.SetDefault("connection_timeout_secs", d.ConnectionTimeoutSecs)
	v.SetDefault("chunk_request_timeout_secs", d.ChunkRequestTimeoutSecs)
	v.SetDefault("max_retry_attempts", d.MaxRetryAttempts)
	v.SetDefault("fsync_interval_bytes", d.FsyncIntervalBytes)
	v.SetDefault("strict_resume_validation", d.StrictResumeValidation)
	v.SetDefault("dht.autonat_probe_interval_secs", d.DHT.AutoNATProbeInterval)
}
