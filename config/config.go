package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Chartfeed ChartfeedConfig `yaml:"chartfeed"`
	Push      PushConfig      `yaml:"push"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Cache     CacheConfig     `yaml:"cache"`
	Loader    LoaderConfig    `yaml:"loader"`
	Fetcher   FetcherConfig   `yaml:"fetcher"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ChartfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PushConfig struct {
	Enabled              bool               `yaml:"enabled"`
	Host                 string             `yaml:"host"`
	Path                 string             `yaml:"path"`
	ReconnectDelay       time.Duration      `yaml:"reconnect_delay"`
	MaxReconnectAttempts int                `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration      `yaml:"heartbeat_interval"`
	HandshakeTimeout     time.Duration      `yaml:"handshake_timeout"`
	Subscriptions        []SubscriptionSpec `yaml:"subscriptions"`
}

type SubscriptionSpec struct {
	Channel string                 `yaml:"channel"`
	Filters map[string]interface{} `yaml:"filters"`
}

type ThrottleConfig struct {
	Preset        string `yaml:"preset"`
	AutoDowngrade bool   `yaml:"auto_downgrade"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

type LoaderConfig struct {
	LoadBuffer int           `yaml:"load_buffer"`
	LoadLimit  int           `yaml:"load_limit"`
	Debounce   time.Duration `yaml:"debounce"`
	Timeout    time.Duration `yaml:"timeout"`
}

type FetcherConfig struct {
	Source            string        `yaml:"source"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	MaxIdleConns      int           `yaml:"max_idle_conns"`
	IdleConnTimeout   time.Duration `yaml:"idle_conn_timeout"`
}

type ChannelsConfig struct {
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

type StorageConfig struct {
	Backend string        `yaml:"backend"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type ParquetConfig struct {
	Dir         string `yaml:"dir"`
	Compression string `yaml:"compression"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// KafkaConfig enables publishing of throttled snapshots, one message per
// quote keyed by symbol.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Buffer  int      `yaml:"buffer"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type LoggingConfig struct {
	Level      string           `yaml:"level"`
	Format     string           `yaml:"format"`
	Output     string           `yaml:"output"`
	MaxAge     int              `yaml:"max_age"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// Default returns the configuration used for any key a file leaves unset.
func Default() Config {
	return Config{
		Chartfeed: ChartfeedConfig{Name: "chartfeed", Version: "dev"},
		Push: PushConfig{
			Enabled:           true,
			Path:              "/ws/market",
			ReconnectDelay:    3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HandshakeTimeout:  10 * time.Second,
		},
		Throttle: ThrottleConfig{Preset: "normal", AutoDowngrade: true},
		Cache:    CacheConfig{Capacity: 10},
		Loader: LoaderConfig{
			LoadBuffer: 50,
			LoadLimit:  200,
			Debounce:   200 * time.Millisecond,
			Timeout:    15 * time.Second,
		},
		Fetcher: FetcherConfig{
			Source:            "http",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 5,
			BurstSize:         2,
			MaxIdleConns:      10,
			IdleConnTimeout:   90 * time.Second,
		},
		Channels: ChannelsConfig{SnapshotBuffer: 16},
		Storage: StorageConfig{
			Backend: "parquet",
			Parquet: ParquetConfig{Dir: "data/cache", Compression: "snappy"},
			S3:      S3Config{Prefix: "chartfeed/cache"},
			Redis:   RedisConfig{Prefix: "chartfeed:bars:"},
			Kafka:   KafkaConfig{Topic: "chartfeed.snapshots", Buffer: 64},
		},
		Dashboard: DashboardConfig{
			Address:         "0.0.0.0:8080",
			LogHistory:      200,
			MetricsHistory:  200,
			RefreshInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("CHARTFEED_PUSH_HOST"); v != "" {
		config.Push.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("CHARTFEED_FETCHER_URL"); v != "" {
		config.Fetcher.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := make([]string, 0)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		config.Storage.Kafka.Brokers = brokers
	}
	if v := os.Getenv("CHARTFEED_STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = strings.ToLower(strings.TrimSpace(v))
	}

	if config.Storage.Backend == "s3" {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if config.Storage.Backend == "redis" {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			config.Storage.Redis.Addr = strings.TrimSpace(v)
		}
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			config.Storage.Redis.Password = v
		}
		if v := os.Getenv("REDIS_DB"); v != "" {
			if db, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				config.Storage.Redis.DB = db
			}
		}
	}
}

var validPresets = map[string]bool{"realtime": true, "normal": true, "slow": true, "lazy": true}

func validateConfig(cfg *Config) error {
	if cfg.Chartfeed.Name == "" {
		return fmt.Errorf("chartfeed.name is required")
	}

	if cfg.Push.Enabled && cfg.Push.Host == "" {
		return fmt.Errorf("push.host is required when push is enabled")
	}
	if cfg.Push.ReconnectDelay <= 0 {
		return fmt.Errorf("push.reconnect_delay must be greater than 0")
	}
	if cfg.Push.MaxReconnectAttempts < 0 {
		return fmt.Errorf("push.max_reconnect_attempts must not be negative")
	}
	if cfg.Push.HeartbeatInterval <= 0 {
		return fmt.Errorf("push.heartbeat_interval must be greater than 0")
	}

	if !validPresets[strings.ToLower(cfg.Throttle.Preset)] {
		return fmt.Errorf("throttle.preset '%s' is invalid", cfg.Throttle.Preset)
	}

	if cfg.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be greater than 0")
	}

	if cfg.Loader.LoadBuffer <= 0 {
		return fmt.Errorf("loader.load_buffer must be greater than 0")
	}
	if cfg.Loader.LoadLimit <= 0 {
		return fmt.Errorf("loader.load_limit must be greater than 0")
	}
	if cfg.Loader.Debounce <= 0 {
		return fmt.Errorf("loader.debounce must be greater than 0")
	}

	switch cfg.Fetcher.Source {
	case "http":
		if cfg.Fetcher.BaseURL == "" {
			return fmt.Errorf("fetcher.base_url is required for the http source")
		}
	case "binance":
	default:
		return fmt.Errorf("fetcher.source '%s' is invalid", cfg.Fetcher.Source)
	}

	switch cfg.Storage.Backend {
	case "none":
	case "parquet":
		if cfg.Storage.Parquet.Dir == "" {
			return fmt.Errorf("storage.parquet.dir is required for the parquet backend")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
