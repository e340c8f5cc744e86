package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// HardwareConfig controls which CPU-native AES acceleration paths are
// permitted to engage, independent of whether the CPU actually supports
// them (crypto.HasAESHardwareSupport reports the latter).
type HardwareConfig struct {
	EnableAESNI    bool `mapstructure:"enable_aes_ni"`
	EnableARMv8AES bool `mapstructure:"enable_armv8_aes"`
}

// EncryptionConfig groups settings for the crypto package.
type EncryptionConfig struct {
	Hardware HardwareConfig `mapstructure:"hardware"`
}

// BackendConfig describes the blob store backend: an S3-compatible object
// store (any provider in internal/blob's KnownProviders) or, when Provider
// is "filesystem", a local directory.
type BackendConfig struct {
	Provider  string `mapstructure:"provider"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	BasePath  string `mapstructure:"base_path"` // key prefix (S3) or root directory (filesystem)
}

// DatabaseConfig describes the relational BurnStore connection.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RateLimitConfig describes the Redis-backed per-IP sliding window limiter.
// Limits maps to the bucket names internal/api passes to Limiter.Allow:
// "create" (note/file creation), "validate" (passphrase checks), "read"
// (meta/burn/download fetches).
type RateLimitConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisDB      int           `mapstructure:"redis_db"`
	Window       time.Duration `mapstructure:"window"`
	MaxCreates   int           `mapstructure:"max_creates"`
	MaxValidates int           `mapstructure:"max_validates"`
	MaxReads     int           `mapstructure:"max_reads"`
}

// Limits returns the bucket->threshold map ratelimit.New expects.
func (c RateLimitConfig) Limits() map[string]int {
	return map[string]int{
		"create":   c.MaxCreates,
		"validate": c.MaxValidates,
		"read":     c.MaxReads,
	}
}

// SinkConfig describes where audit events are written.
type SinkConfig struct {
	Type          string            `mapstructure:"type"` // "stdout", "file", "http"
	Endpoint      string            `mapstructure:"endpoint"`
	Headers       map[string]string `mapstructure:"headers"`
	FilePath      string            `mapstructure:"file_path"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	RetryCount    int               `mapstructure:"retry_count"`
	RetryBackoff  time.Duration     `mapstructure:"retry_backoff"`
}

// AuditConfig controls the lifecycle audit logger.
type AuditConfig struct {
	Enabled             bool       `mapstructure:"enabled"`
	MaxEvents           int        `mapstructure:"max_events"`
	RedactMetadataKeys  []string   `mapstructure:"redact_metadata_keys"`
	Sink                SinkConfig `mapstructure:"sink"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Exporter       string `mapstructure:"exporter"` // "stdout", "otlp", "jaeger"
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// SweeperConfig controls the background expiry sweep.
type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	LogLevel        string        `mapstructure:"log_level"`
}

// Config is the root configuration for the service, loaded from defaults,
// an optional YAML file, and environment variables (in ascending priority).
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_body_bytes", int64(4<<20)) // one chunk's worth of body
	v.SetDefault("server.log_level", "info")

	v.SetDefault("encryption.hardware.enable_aes_ni", true)
	v.SetDefault("encryption.hardware.enable_armv8_aes", true)

	v.SetDefault("backend.provider", "filesystem")
	v.SetDefault("backend.base_path", "./data/blobs")

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "./data/safemonk.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.redis_addr", "localhost:6379")
	v.SetDefault("rate_limit.window", time.Hour)
	v.SetDefault("rate_limit.max_creates", 20)
	v.SetDefault("rate_limit.max_validates", 10)
	v.SetDefault("rate_limit.max_reads", 100)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_events", 10_000)
	v.SetDefault("audit.redact_metadata_keys", []string{"*passphrase*", "*key*", "*secret*", "*token*"})
	v.SetDefault("audit.sink.type", "stdout")
	v.SetDefault("audit.sink.batch_size", 50)
	v.SetDefault("audit.sink.flush_interval", 5*time.Second)
	v.SetDefault("audit.sink.retry_count", 3)
	v.SetDefault("audit.sink.retry_backoff", time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "stdout")
	v.SetDefault("telemetry.service_name", "safemonk")

	v.SetDefault("sweeper.interval", time.Minute)
	v.SetDefault("sweeper.batch_size", 200)
}

// Load reads configuration from built-in defaults, an optional file path,
// and environment variables prefixed SAFEMONK_ (nested keys separated by
// underscores, e.g. SAFEMONK_BACKEND_PROVIDER), in ascending priority. An empty path skips the file and relies on defaults/env alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("safemonk")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// WatchReloader re-reads the backing config file when it changes and hands
// the whole reloaded Config to onChange; which fields take effect is up to
// onChange. It needs a file: NewWatchReloader rejects an empty path.
type WatchReloader struct {
	v        *viper.Viper
	path     string
	onChange func(*Config)
}

// NewWatchReloader loads the config file at path through a fresh viper
// instance so Watch can be started independently of the one used by Load.
func NewWatchReloader(path string, onChange func(*Config)) (*WatchReloader, error) {
	if path == "" {
		return nil, fmt.Errorf("watch reloader requires a non-empty config file path")
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return &WatchReloader{v: v, path: path, onChange: onChange}, nil
}

// Watch begins watching the config file for changes via fsnotify, invoking
// onChange with the freshly reloaded Config on every write. It returns
// immediately; the watch runs for the lifetime of the process.
func (w *WatchReloader) Watch() {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write == 0 {
			return
		}
		var cfg Config
		if err := w.v.Unmarshal(&cfg); err != nil {
			return
		}
		w.onChange(&cfg)
	})
	w.v.WatchConfig()
}
