// Package config loads the daemon configuration. Values are layered:
// built-in defaults, then an optional YAML file, then an optional .env file,
// then the process environment (SLEE_* variables).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"sleecore/internal/blob"
	"sleecore/internal/core"
)

// Config is the full daemon configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Router  RouterConfig  `yaml:"router"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string     `yaml:"driver" env:"SLEE_STORAGE_DRIVER"`
	SQLitePath  string     `yaml:"sqlite_path" env:"SLEE_SQLITE_PATH"`
	PostgresDSN string     `yaml:"postgres_dsn" env:"SLEE_POSTGRES_DSN"`
	BoltPath    string     `yaml:"bolt_path" env:"SLEE_BOLT_PATH"`
	SnapshotKey string     `yaml:"snapshot_key" env:"SLEE_SNAPSHOT_KEY"`
	Blob        BlobConfig `yaml:"blob"`
}

// BlobConfig configures the blob store used by the blob driver.
type BlobConfig struct {
	Driver string   `yaml:"driver" env:"SLEE_BLOB_DRIVER"`
	FSRoot string   `yaml:"fs_root" env:"SLEE_BLOB_FS_ROOT"`
	S3     S3Config `yaml:"s3"`
}

// S3Config configures the S3 blob backend.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"SLEE_BLOB_S3_BUCKET"`
	Region          string `yaml:"region" env:"SLEE_BLOB_S3_REGION"`
	Endpoint        string `yaml:"endpoint" env:"SLEE_BLOB_S3_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"SLEE_BLOB_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SLEE_BLOB_S3_SECRET_ACCESS_KEY"`
	PathStyle       bool   `yaml:"path_style" env:"SLEE_BLOB_S3_PATH_STYLE,strict"`
}

// RouterConfig tunes event delivery and service shutdown.
type RouterConfig struct {
	Shards          int           `yaml:"shards" env:"SLEE_ROUTER_SHARDS,strict"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period" env:"SLEE_STOP_GRACE_PERIOD,strict"`
	DeliveryRetries uint64        `yaml:"delivery_retries" env:"SLEE_DELIVERY_RETRIES,strict"`
	RetryInterval   time.Duration `yaml:"retry_interval" env:"SLEE_DELIVERY_RETRY_INTERVAL,strict"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" env:"SLEE_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"SLEE_LOG_DEVELOPMENT,strict"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"SLEE_METRICS_ADDR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver:      string(core.StorageSQLite),
			SQLitePath:  "sleecore.db",
			BoltPath:    "sleecore.bolt",
			SnapshotKey: "sleecore",
			Blob:        BlobConfig{Driver: string(blob.DriverFilesystem), FSRoot: "blobs"},
		},
		Router: RouterConfig{
			Shards:          core.DefaultRouterShards,
			StopGracePeriod: core.DefaultStopGracePeriod,
			DeliveryRetries: 3,
			RetryInterval:   10 * time.Millisecond,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9464"},
	}
}

// Options names the optional configuration sources.
type Options struct {
	// File is a YAML configuration file. Empty skips it.
	File string
	// EnvFile is a dotenv file whose variables are exported unless already
	// set in the environment. Empty skips it.
	EnvFile string
}

// Load builds the configuration from defaults and the sources in opts.
func Load(opts Options) (Config, error) {
	cfg := Default()
	if opts.File != "" {
		data, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", opts.File, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", opts.File, err)
		}
	}
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory, core.StorageSQLite, core.StorageBolt:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage: postgres driver requires postgres_dsn"))
		}
	case core.StorageBlob:
		switch blob.Driver(c.Storage.Blob.Driver) {
		case "", blob.DriverFilesystem, blob.DriverMemory:
		case blob.DriverS3:
			if c.Storage.Blob.S3.Bucket == "" {
				errs = append(errs, errors.New("storage: s3 blob driver requires a bucket"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage: unknown blob driver %q", c.Storage.Blob.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	if c.Router.Shards < 1 {
		errs = append(errs, fmt.Errorf("router: shards must be positive, got %d", c.Router.Shards))
	}
	if c.Router.RetryInterval <= 0 {
		errs = append(errs, errors.New("router: retry_interval must be positive"))
	}
	if _, err := c.Log.ZapLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ZapLevel parses the configured log level.
func (l LogConfig) ZapLevel() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log: %w", err)
	}
	return level, nil
}

// StorageConfig converts the storage section for core.OpenPersistentStore.
func (c Config) StorageConfig() core.StorageConfig {
	s := c.Storage
	return core.StorageConfig{
		Driver:      core.StorageDriver(s.Driver),
		SQLitePath:  s.SQLitePath,
		PostgresDSN: s.PostgresDSN,
		BoltPath:    s.BoltPath,
		Blob: blob.Config{
			Driver: blob.Driver(s.Blob.Driver),
			FSRoot: s.Blob.FSRoot,
			S3: blob.S3Config{
				Bucket:          s.Blob.S3.Bucket,
				Region:          s.Blob.S3.Region,
				Endpoint:        s.Blob.S3.Endpoint,
				AccessKeyID:     s.Blob.S3.AccessKeyID,
				SecretAccessKey: s.Blob.S3.SecretAccessKey,
				PathStyle:       s.Blob.S3.PathStyle,
			},
		},
		SnapshotPrefix: s.SnapshotKey,
	}
}

// ContainerOptions returns the core options implied by the router section.
func (c Config) ContainerOptions() []core.Option {
	return []core.Option{
		core.WithRouterShards(c.Router.Shards),
		core.WithStopGracePeriod(c.Router.StopGracePeriod),
		core.WithDeliveryRetry(c.Router.DeliveryRetries, c.Router.RetryInterval),
	}
}
