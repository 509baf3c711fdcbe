// Package config handles ambulink configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ambulink/ambulink/internal/export"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir" yaml:"data_dir"`
	Node    string `json:"node,omitempty" yaml:"node,omitempty"`

	LogLevel string `json:"log_level" yaml:"log_level"`

	Storage   StorageConfig  `json:"storage" yaml:"storage"`
	Mirror    MirrorConfig   `json:"mirror" yaml:"mirror"`
	Intervals IntervalConfig `json:"intervals" yaml:"intervals"`
	Tabs      TabsConfig     `json:"tabs" yaml:"tabs"`
	API       APIConfig      `json:"api" yaml:"api"`
	Export    ExportConfig   `json:"export" yaml:"export"`
}

// StorageConfig for the local database
type StorageConfig struct {
	Driver     string `json:"driver,omitempty" yaml:"driver,omitempty"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"` // defaults to <data_dir>/ambulink.db
	QuotaBytes int64  `json:"quota_bytes" yaml:"quota_bytes"`
}

// MirrorConfig for the remote mirror. Without a DSN the console runs local-only
// unless Memory is set.
type MirrorConfig struct {
	Slices      []string `json:"slices,omitempty" yaml:"slices,omitempty"`
	PostgresDSN string   `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
	Memory      bool     `json:"memory,omitempty" yaml:"memory,omitempty"`
	PushTimeout Duration `json:"push_timeout" yaml:"push_timeout"`
}

// IntervalConfig for background tasks
type IntervalConfig struct {
	Probe  Duration `json:"probe" yaml:"probe"`
	Resync Duration `json:"resync" yaml:"resync"`
	Retry  Duration `json:"retry" yaml:"retry"`
}

// TabsConfig for cross-process change relay
type TabsConfig struct {
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Host   bool   `json:"host" yaml:"host"` // run the hub in this process
	Listen string `json:"listen" yaml:"listen"`
}

// APIConfig for the HTTP server
type APIConfig struct {
	Addr           string   `json:"addr" yaml:"addr"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// ExportConfig for archive destinations. S3 wins over Dir when a bucket is set.
type ExportConfig struct {
	Dir string          `json:"dir,omitempty" yaml:"dir,omitempty"`
	S3  export.S3Config `json:"s3" yaml:"s3"`
}

// Duration is a time.Duration written as "30s" in config files
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir:  filepath.Join(home, ".ambulink"),
		LogLevel: "info",
		Storage: StorageConfig{
			QuotaBytes: 5 << 20,
		},
		Mirror: MirrorConfig{
			Slices:      []string{"trips", "leads", "ambulances"},
			PushTimeout: Duration(10 * time.Second),
		},
		Intervals: IntervalConfig{
			Probe:  Duration(15 * time.Second),
			Resync: Duration(5 * time.Minute),
			Retry:  Duration(30 * time.Second),
		},
		Tabs: TabsConfig{
			Listen: "127.0.0.1:8091",
		},
		API: APIConfig{
			Addr: ":8090",
		},
	}
}

// DBPath is where the local database lives
func (c *Config) DBPath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(c.DataDir, "ambulink.db")
}

// ExportDir is where file archives are written
func (c *Config) ExportDir() string {
	if c.Export.Dir != "" {
		return c.Export.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load loads config from file, falling back to defaults. Files ending in
// .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()
	if dir := os.Getenv("AMBULINK_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment secrets and paths override the file
func (c *Config) applyEnv() {
	if dsn := os.Getenv("AMBULINK_POSTGRES_DSN"); dsn != "" {
		c.Mirror.PostgresDSN = dsn
	}
	if bucket := os.Getenv("AMBULINK_S3_BUCKET"); bucket != "" {
		c.Export.S3.Bucket = bucket
	}
	if dir := os.Getenv("AMBULINK_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save the DSN, it carries credentials
	safeCfg := *c
	safeCfg.Mirror.PostgresDSN = ""

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(safeCfg)
	} else {
		data, err = json.MarshalIndent(safeCfg, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
