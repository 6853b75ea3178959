// Package config loads server configuration from an optional YAML or TOML
// file and from environment variables. Environment variables win.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from strings like "2s" in
// both YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// S3 holds S3 connection settings.
type S3 struct {
	Endpoint  string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" toml:"prefix" json:"prefix"`
	AccessKey string `yaml:"access_key" toml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" toml:"secret_key" json:"secret_key"`
	Region    string `yaml:"region" toml:"region" json:"region"`
	UseSSL    bool   `yaml:"use_ssl" toml:"use_ssl" json:"use_ssl"`
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr" toml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr" toml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	// Storage backend ("local" or "s3")
	StorageBackend string `yaml:"storage_backend" toml:"storage_backend"`
	PublicRoot     string `yaml:"public_root" toml:"public_root"`
	CreateRoot     bool   `yaml:"create_root" toml:"create_root"`
	S3             S3     `yaml:"s3" toml:"s3"`

	// Activity log; empty keeps it in memory
	DatabaseURL string `yaml:"database_url" toml:"database_url"`

	// Uploads
	MaxUploadSize int64 `yaml:"max_upload_size" toml:"max_upload_size"`

	// Tree
	CacheTTL Duration `yaml:"cache_ttl" toml:"cache_ttl"`
	// Exclude adds name globs to hide. Backend bookkeeping files are
	// hidden regardless.
	Exclude []string `yaml:"exclude" toml:"exclude"`

	// Listing limits
	RecentLimit      int `yaml:"recent_limit" toml:"recent_limit"`
	ActivityCapacity int `yaml:"activity_capacity" toml:"activity_capacity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		MetricsAddr:    ":9090",
		LogLevel:       "info",
		LogFormat:      "json",
		StorageBackend: "local",
		PublicRoot:     "./public",
		CreateRoot:     true,
		S3: S3{
			Region: "us-east-1",
		},
		MaxUploadSize:    100 * 1024 * 1024, // 100MB
		CacheTTL:         Duration{2 * time.Second},
		RecentLimit:      50,
		ActivityCapacity: 500,
	}
}

// Load builds the configuration: defaults, then the file at path if
// path is not empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config TOML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q", ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.StorageBackend = envOr("STORAGE_BACKEND", c.StorageBackend)
	c.PublicRoot = envOr("PUBLIC_ROOT", c.PublicRoot)
	c.CreateRoot = envBool("CREATE_ROOT", c.CreateRoot)
	c.S3.Endpoint = envOr("S3_ENDPOINT", c.S3.Endpoint)
	c.S3.Bucket = envOr("S3_BUCKET", c.S3.Bucket)
	c.S3.Prefix = envOr("S3_PREFIX", c.S3.Prefix)
	c.S3.AccessKey = envOr("S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = envOr("S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Region = envOr("S3_REGION", c.S3.Region)
	c.S3.UseSSL = envBool("S3_USE_SSL", c.S3.UseSSL)
	c.DatabaseURL = envOr("DATABASE_URL", c.DatabaseURL)
	c.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	c.CacheTTL.Duration = envDuration("CACHE_TTL", c.CacheTTL.Duration)
	c.Exclude = envList("EXCLUDE", c.Exclude)
	c.RecentLimit = envInt("RECENT_LIMIT", c.RecentLimit)
	c.ActivityCapacity = envInt("ACTIVITY_CAPACITY", c.ActivityCapacity)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "local":
		if c.PublicRoot == "" {
			return fmt.Errorf("PUBLIC_ROOT is required for the local backend")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be local or s3, got %q", c.StorageBackend)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.CacheTTL.Duration < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("RECENT_LIMIT must be positive")
	}
	return nil
}

// StorageConfig returns the backend type and its JSON settings, in the
// form the storage factory expects.
func (c *Config) StorageConfig() (string, json.RawMessage, error) {
	var v any
	switch c.StorageBackend {
	case "s3":
		v = c.S3
	default:
		v = struct {
			RootPath   string `json:"root_path"`
			CreateDirs bool   `json:"create_dirs"`
		}{c.PublicRoot, c.CreateRoot}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode storage config: %w", err)
	}
	return c.StorageBackend, raw, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envList splits a comma-separated variable. Set but blank clears the list.
func envList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
