// Package config loads runtime settings from defaults, an optional config
// file, a .env file and HEALTHSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// HEALTHSYNC_REMOTE_DRIVER.
const EnvPrefix = "HEALTHSYNC"

// Remote directory drivers.
const (
	DriverNone     = "none"
	DriverPostgres = "postgres"
	DriverS3       = "s3"
)

type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	DeviceID string `mapstructure:"device_id"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	HTTP struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"http"`

	Remote struct {
		Driver      string `mapstructure:"driver"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
		S3          struct {
			Provider  string `mapstructure:"provider"` // aws, minio or r2
			Endpoint  string `mapstructure:"endpoint"`
			Region    string `mapstructure:"region"`
			Bucket    string `mapstructure:"bucket"`
			AccessKey string `mapstructure:"access_key"`
			SecretKey string `mapstructure:"secret_key"`
			AccountID string `mapstructure:"account_id"`
			UseSSL    bool   `mapstructure:"use_ssl"`
		} `mapstructure:"s3"`
	} `mapstructure:"remote"`

	Connectivity struct {
		ProbeURL      string        `mapstructure:"probe_url"`
		ProbeInterval time.Duration `mapstructure:"probe_interval"`
		ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"connectivity"`

	Transfer struct {
		NATSURL     string        `mapstructure:"nats_url"`
		Subject     string        `mapstructure:"subject"`
		ChunkSize   int           `mapstructure:"chunk_size"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		Embedded    bool          `mapstructure:"embedded"`
	} `mapstructure:"transfer"`

	Events struct {
		KafkaBrokers []string `mapstructure:"kafka_brokers"`
		KafkaTopic   string   `mapstructure:"kafka_topic"`
		NATSSubject  string   `mapstructure:"nats_subject"`
	} `mapstructure:"events"`

	Sync struct {
		OnStartup bool          `mapstructure:"on_startup"`
		Interval  time.Duration `mapstructure:"interval"`
	} `mapstructure:"sync"`
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(dir, "healthsync")
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	var c Config
	c.DataDir = DefaultDataDir()

	c.Log.Level = "info"

	c.HTTP.Port = 8090

	c.Remote.Driver = DriverNone
	c.Remote.S3.Provider = "aws"
	c.Remote.S3.Region = "us-east-1"
	c.Remote.S3.UseSSL = true

	c.Connectivity.ProbeURL = "https://clients3.google.com/generate_204"
	c.Connectivity.ProbeInterval = 15 * time.Second
	c.Connectivity.ProbeTimeout = 5 * time.Second

	c.Transfer.NATSURL = "nats://127.0.0.1:4222"
	c.Transfer.Subject = "healthsync.transfer"
	c.Transfer.ChunkSize = 180
	c.Transfer.MaxAttempts = 3
	c.Transfer.BaseBackoff = time.Second

	c.Events.KafkaTopic = "healthsync.sync-events"
	c.Events.NATSSubject = "healthsync.events"

	c.Sync.OnStartup = true
	return &c
}

// setDefaults registers every default so env overrides resolve for keys
// that no config file mentions.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("data_dir", c.DataDir)
	v.SetDefault("device_id", c.DeviceID)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.file", c.Log.File)
	v.SetDefault("http.port", c.HTTP.Port)
	v.SetDefault("remote.driver", c.Remote.Driver)
	v.SetDefault("remote.postgres_dsn", c.Remote.PostgresDSN)
	v.SetDefault("remote.s3.provider", c.Remote.S3.Provider)
	v.SetDefault("remote.s3.endpoint", c.Remote.S3.Endpoint)
	v.SetDefault("remote.s3.region", c.Remote.S3.Region)
	v.SetDefault("remote.s3.bucket", c.Remote.S3.Bucket)
	v.SetDefault("remote.s3.access_key", c.Remote.S3.AccessKey)
	v.SetDefault("remote.s3.secret_key", c.Remote.S3.SecretKey)
	v.SetDefault("remote.s3.account_id", c.Remote.S3.AccountID)
	v.SetDefault("remote.s3.use_ssl", c.Remote.S3.UseSSL)
	v.SetDefault("connectivity.probe_url", c.Connectivity.ProbeURL)
	v.SetDefault("connectivity.probe_interval", c.Connectivity.ProbeInterval)
	v.SetDefault("connectivity.probe_timeout", c.Connectivity.ProbeTimeout)
	v.SetDefault("transfer.nats_url", c.Transfer.NATSURL)
	v.SetDefault("transfer.subject", c.Transfer.Subject)
	v.SetDefault("transfer.chunk_size", c.Transfer.ChunkSize)
	v.SetDefault("transfer.max_attempts", c.Transfer.MaxAttempts)
	v.SetDefault("transfer.base_backoff", c.Transfer.BaseBackoff)
	v.SetDefault("transfer.embedded", c.Transfer.Embedded)
	v.SetDefault("events.kafka_brokers", c.Events.KafkaBrokers)
	v.SetDefault("events.kafka_topic", c.Events.KafkaTopic)
	v.SetDefault("events.nats_subject", c.Events.NATSSubject)
	v.SetDefault("sync.on_startup", c.Sync.OnStartup)
	v.SetDefault("sync.interval", c.Sync.Interval)
}

// Load builds a Config. path may be empty, in which case only defaults,
// .env and the environment apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	// Comma-separated broker lists from the environment arrive as one string.
	cfg.Events.KafkaBrokers = splitList(cfg.Events.KafkaBrokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects configurations the sync core cannot start with.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverNone:
	case DriverPostgres:
		if c.Remote.PostgresDSN == "" {
			return fmt.Errorf("remote.postgres_dsn is required when remote.driver is postgres")
		}
	case DriverS3:
		if c.Remote.S3.Bucket == "" {
			return fmt.Errorf("remote.s3.bucket is required when remote.driver is s3")
		}
	default:
		return fmt.Errorf("unknown remote.driver %q (want none, postgres or s3)", c.Remote.Driver)
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.MaxAttempts <= 0 {
		return fmt.Errorf("transfer.max_attempts must be positive, got %d", c.Transfer.MaxAttempts)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// ConnectivityEnabled reports whether the HTTP reachability probe should run.
func (c *Config) ConnectivityEnabled() bool {
	return c.Connectivity.ProbeURL != "" && c.Connectivity.ProbeInterval > 0
}
