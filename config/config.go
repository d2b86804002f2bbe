// Package config loads and validates daemon configuration from a TOML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// envPrefix is prepended to the upper-cased field name for overrides,
// e.g. BLOBSTREAM_LISTEN_ADDR.
const envPrefix = "BLOBSTREAM_"

// Config holds all daemon settings.
type Config struct {
	// DataDir is the root directory for daemon state. BlobDir and
	// DownloadDir default to subdirectories of it.
	DataDir     string `toml:"data_dir"`
	BlobDir     string `toml:"blob_dir"`
	DownloadDir string `toml:"download_dir"`

	ListenAddr string `toml:"listen_addr"`

	// SaveBlobs keeps fetched blobs in the local store; StreamingOnly
	// disables file materialization on read.
	SaveBlobs     bool `toml:"save_blobs"`
	StreamingOnly bool `toml:"streaming_only"`

	LogLevel string `toml:"log_level"`

	// MasterSeed is optional hex entropy for deriving stream keys when
	// publishing.
	MasterSeed string `toml:"master_seed"`

	// Nameserver optionally points name resolution at a specific DNS
	// server instead of the system resolver.
	Nameserver string `toml:"nameserver"`

	// Peers lists base URLs of other daemons to fetch missing blobs from.
	Peers []string `toml:"peers"`

	// Names is a static table of stream names to sd hashes, consulted
	// before DNS.
	Names map[string]string `toml:"names"`
}

// DefaultDataDir returns the default state directory under the user's home.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blobstream"
	}
	return filepath.Join(home, ".blobstream")
}

// ConfigPath returns the path of the config file inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.toml")
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() Config {
	dataDir := DefaultDataDir()
	return Config{
		DataDir:     dataDir,
		BlobDir:     filepath.Join(dataDir, "blobs"),
		DownloadDir: filepath.Join(dataDir, "downloads"),
		ListenAddr:  "127.0.0.1:5279",
		SaveBlobs:   true,
		LogLevel:    "info",
	}
}

// LoadConfig reads the TOML file at path, applies environment overrides, and
// fills derived defaults. Fields absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	// Derived dirs are re-resolved after load so they follow an overridden
	// DataDir unless set explicitly.
	cfg.BlobDir, cfg.DownloadDir = "", ""

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.applyEnv()
	cfg.fillDerived()
	return cfg, nil
}

// SaveConfig writes cfg as TOML to path, creating parent directories.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// applyEnv overlays BLOBSTREAM_* environment variables onto cfg.
func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	envStr("DATA_DIR", &c.DataDir)
	envStr("BLOB_DIR", &c.BlobDir)
	envStr("DOWNLOAD_DIR", &c.DownloadDir)
	envStr("LISTEN_ADDR", &c.ListenAddr)
	envStr("LOG_LEVEL", &c.LogLevel)
	envStr("MASTER_SEED", &c.MasterSeed)
	envStr("NAMESERVER", &c.Nameserver)
	if v, ok := os.LookupEnv(envPrefix + "PEERS"); ok {
		c.Peers = c.Peers[:0]
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Peers = append(c.Peers, p)
			}
		}
	}
	envBool("SAVE_BLOBS", &c.SaveBlobs)
	envBool("STREAMING_ONLY", &c.StreamingOnly)
}

// fillDerived resolves BlobDir and DownloadDir relative to DataDir when they
// were not set explicitly.
func (c *Config) fillDerived() {
	if c.DataDir == "" {
		return
	}
	if c.BlobDir == "" {
		c.BlobDir = filepath.Join(c.DataDir, "blobs")
	}
	if c.DownloadDir == "" {
		c.DownloadDir = filepath.Join(c.DataDir, "downloads")
	}
}
