// Package config handles loading and parsing of photo store configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the photo store.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metadata    MetadataConfig    `yaml:"metadata"`
	Storage     StorageConfig     `yaml:"storage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	URLCache    URLCacheConfig    `yaml:"url_cache"`
}

// ServerConfig holds operational HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Metrics controls whether /metrics is served.
	Metrics bool `yaml:"metrics"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig holds SQLite-specific metadata store settings.
type SQLiteConfig struct {
	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`
	// BusyTimeout is how long a writer waits for the database lock.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// StorageConfig holds blob store settings.
type StorageConfig struct {
	// Backend is "s3", "local" or "memory".
	Backend string      `yaml:"backend"`
	S3      S3Config    `yaml:"s3"`
	Local   LocalConfig `yaml:"local"`
	// Buckets names the bucket used for each class of content.
	Buckets BucketsConfig `yaml:"buckets"`
	// OversizedThreshold is the image size at which photos move to the
	// oversized bucket.
	OversizedThreshold ByteSize `yaml:"oversized_threshold"`
	// PresignBaseURL is the base URL the local and memory backends embed in
	// their direct-access URLs.
	PresignBaseURL string `yaml:"presign_base_url"`
}

// S3Config holds S3-compatible endpoint settings.
type S3Config struct {
	Region string `yaml:"region"`
	// Endpoint overrides the AWS endpoint (e.g., a MinIO URL).
	Endpoint string `yaml:"endpoint"`
	// UsePathStyle forces path-style bucket addressing.
	UsePathStyle bool `yaml:"use_path_style"`
	// AccessKeyID and SecretAccessKey select static credentials. When empty
	// the default AWS credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LocalConfig holds filesystem blob store settings.
type LocalConfig struct {
	// RootDir holds one directory per bucket.
	RootDir string `yaml:"root_dir"`
}

// BucketsConfig names the blob store buckets.
type BucketsConfig struct {
	Standard  string `yaml:"standard"`
	Oversized string `yaml:"oversized"`
	Video     string `yaml:"video"`
	Other     string `yaml:"other"`
}

// CoordinatorConfig holds storage coordinator settings.
type CoordinatorConfig struct {
	// MaxPayloadSize is the largest accepted upload.
	MaxPayloadSize ByteSize `yaml:"max_payload_size"`
	// AllowedContentTypes is the content-type allow-list.
	AllowedContentTypes []string `yaml:"allowed_content_types"`
	// URLLifetime is the lifetime of URLs minted at store time and on refresh.
	URLLifetime time.Duration `yaml:"url_lifetime"`
	// StoreTimeout bounds every individual adapter call.
	StoreTimeout time.Duration `yaml:"store_timeout"`
	// DefaultPageSize applies when a search does not specify a limit.
	DefaultPageSize int `yaml:"default_page_size"`
	// MaxPageSize clamps search and list limits.
	MaxPageSize int `yaml:"max_page_size"`
}

// ReconcilerConfig holds consistency reconciler settings.
type ReconcilerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	RunOnStartup bool          `yaml:"run_on_startup"`
	// OrphanGrace is the minimum age before an unreferenced blob may be deleted.
	OrphanGrace time.Duration `yaml:"orphan_grace"`
	// OrphanPolicy is "delete_after_grace" or "quarantine_only".
	OrphanPolicy string `yaml:"orphan_policy"`
	// Concurrency is the number of parallel blob probes.
	Concurrency int `yaml:"concurrency"`
	// BatchSize is the number of rows read per metadata page.
	BatchSize int `yaml:"batch_size"`
}

// URLCacheConfig holds access-URL cache settings.
type URLCacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	SafetyMargin  time.Duration `yaml:"safety_margin"`
	TTLCeiling    time.Duration `yaml:"ttl_ceiling"`
	MaxLifetime   time.Duration `yaml:"max_lifetime"`
	MintTimeout   time.Duration `yaml:"mint_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ByteSize is a byte count that unmarshals from either an integer or a
// human-readable size such as "50MiB" or "10MB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", value.Line)
	}
	raw := value.Value
	n, err := units.RAMInBytes(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parsing byte size %q: %w", raw, err)
	}
	if n < 0 {
		return fmt.Errorf("byte size %q is negative", raw)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size in binary units.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies defaults for unset values. If the primary
// path cannot be read, it falls back to photostore.example.yaml in the same
// directory or its parent.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "photostore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "photostore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultAllowedContentTypes is the default content-type allow-list.
var DefaultAllowedContentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/heic",
	"image/heif",
	"image/tiff",
	"image/bmp",
	"video/mp4",
	"video/quicktime",
	"video/webm",
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{Metrics: true},
		Reconciler: ReconcilerConfig{
			Enabled: true,
		},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9100
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = "./data/photos.db"
	}
	if cfg.Metadata.SQLite.BusyTimeout == 0 {
		cfg.Metadata.SQLite.BusyTimeout = 5 * time.Second
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "s3"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/blobs"
	}
	if cfg.Storage.S3.Region == "" {
		cfg.Storage.S3.Region = "us-east-1"
	}
	if cfg.Storage.Buckets.Standard == "" {
		cfg.Storage.Buckets.Standard = "photos-standard"
	}
	if cfg.Storage.Buckets.Oversized == "" {
		cfg.Storage.Buckets.Oversized = "photos-oversized"
	}
	if cfg.Storage.Buckets.Video == "" {
		cfg.Storage.Buckets.Video = "photos-video"
	}
	if cfg.Storage.Buckets.Other == "" {
		cfg.Storage.Buckets.Other = "photos-other"
	}
	if cfg.Storage.OversizedThreshold == 0 {
		cfg.Storage.OversizedThreshold = 10 * units.MiB
	}
	if cfg.Storage.PresignBaseURL == "" {
		cfg.Storage.PresignBaseURL = "http://localhost:9000"
	}
	if cfg.Coordinator.MaxPayloadSize == 0 {
		cfg.Coordinator.MaxPayloadSize = 50 * units.MiB
	}
	if len(cfg.Coordinator.AllowedContentTypes) == 0 {
		cfg.Coordinator.AllowedContentTypes = append([]string(nil), DefaultAllowedContentTypes...)
	}
	if cfg.Coordinator.URLLifetime == 0 {
		cfg.Coordinator.URLLifetime = time.Hour
	}
	if cfg.Coordinator.StoreTimeout == 0 {
		cfg.Coordinator.StoreTimeout = 30 * time.Second
	}
	if cfg.Coordinator.DefaultPageSize == 0 {
		cfg.Coordinator.DefaultPageSize = 20
	}
	if cfg.Coordinator.MaxPageSize == 0 {
		cfg.Coordinator.MaxPageSize = 100
	}
	if cfg.Reconciler.Interval == 0 {
		cfg.Reconciler.Interval = time.Hour
	}
	if cfg.Reconciler.OrphanGrace == 0 {
		cfg.Reconciler.OrphanGrace = 24 * time.Hour
	}
	if cfg.Reconciler.OrphanPolicy == "" {
		cfg.Reconciler.OrphanPolicy = "delete_after_grace"
	}
	if cfg.Reconciler.Concurrency == 0 {
		cfg.Reconciler.Concurrency = 8
	}
	if cfg.Reconciler.BatchSize == 0 {
		cfg.Reconciler.BatchSize = 500
	}
	if cfg.URLCache.MaxEntries == 0 {
		cfg.URLCache.MaxEntries = 10000
	}
	if cfg.URLCache.SafetyMargin == 0 {
		cfg.URLCache.SafetyMargin = 60 * time.Second
	}
	if cfg.URLCache.TTLCeiling == 0 {
		cfg.URLCache.TTLCeiling = time.Hour
	}
	if cfg.URLCache.MaxLifetime == 0 {
		cfg.URLCache.MaxLifetime = 24 * time.Hour
	}
	if cfg.URLCache.MintTimeout == 0 {
		cfg.URLCache.MintTimeout = 10 * time.Second
	}
	if cfg.URLCache.SweepInterval == 0 {
		cfg.URLCache.SweepInterval = 5 * time.Minute
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "s3", "local", "memory":
	default:
		return fmt.Errorf("storage.backend: unsupported backend %q", c.Storage.Backend)
	}
	switch c.Reconciler.OrphanPolicy {
	case "delete_after_grace", "quarantine_only":
	default:
		return fmt.Errorf("reconciler.orphan_policy: unsupported policy %q", c.Reconciler.OrphanPolicy)
	}
	if c.Coordinator.MaxPageSize < c.Coordinator.DefaultPageSize {
		return fmt.Errorf("coordinator.max_page_size (%d) is below default_page_size (%d)",
			c.Coordinator.MaxPageSize, c.Coordinator.DefaultPageSize)
	}
	if c.URLCache.MaxLifetime <= c.URLCache.SafetyMargin {
		return fmt.Errorf("url_cache.max_lifetime (%s) must exceed safety_margin (%s)",
			c.URLCache.MaxLifetime, c.URLCache.SafetyMargin)
	}
	if c.Coordinator.URLLifetime <= c.URLCache.SafetyMargin {
		return fmt.Errorf("coordinator.url_lifetime (%s) must exceed url_cache.safety_margin (%s)",
			c.Coordinator.URLLifetime, c.URLCache.SafetyMargin)
	}
	seen := make(map[string]string)
	for role, name := range map[string]string{
		"standard":  c.Storage.Buckets.Standard,
		"oversized": c.Storage.Buckets.Oversized,
		"video":     c.Storage.Buckets.Video,
		"other":     c.Storage.Buckets.Other,
	} {
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("storage.buckets: %s and %s share bucket %q", prev, role, name)
		}
		seen[name] = role
	}
	return nil
}
