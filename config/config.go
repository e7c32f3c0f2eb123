package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig          `yaml:"app"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Channels    ChannelsConfig     `yaml:"channels"`
	Reader      ReaderConfig       `yaml:"reader"`
	Source      SourceConfig       `yaml:"source"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Engine      EngineConfig       `yaml:"engine"`
	Warmup      WarmupConfig       `yaml:"warmup"`
	Verify      VerifyConfig       `yaml:"verify"`
	Status      StatusConfig       `yaml:"status"`
	Recorder    RecorderConfig     `yaml:"recorder"`
	Storage     StorageConfig      `yaml:"storage"`
	Kafka       KafkaConfig        `yaml:"kafka"`
	Redis       RedisConfig        `yaml:"redis"`
	Dashboard   DashboardConfig    `yaml:"dashboard"`
	Logging     LoggingConfig      `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	UsedWeight  bool `yaml:"used_weight"`
	ChannelSize bool `yaml:"channel_size"`
}

type ChannelsConfig struct {
	RawBuffer   int `yaml:"raw_buffer"`
	EventBuffer int `yaml:"event_buffer"`
}

type ReaderConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

// BinanceSourceConfig points at the USD-M futures endpoints.
type BinanceSourceConfig struct {
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RestURL        string               `yaml:"rest_url"`
	WsURL          string               `yaml:"ws_url"`
	DepthLimit     int                  `yaml:"depth_limit"`
	DepthSpeed     string               `yaml:"depth_speed"`
	ValidatePrevID bool                 `yaml:"validate_prev_id"`
	PendingLimit   int                  `yaml:"pending_limit"`
	ReconnectDelay time.Duration        `yaml:"reconnect_delay"`
}

// InstrumentConfig is one symbol the pipeline follows.
type InstrumentConfig struct {
	Symbol   string  `yaml:"symbol"`
	TickSize float64 `yaml:"tick_size"`
	Interval string  `yaml:"interval"`
	LocalIP  string  `yaml:"local_ip"`
}

type EngineConfig struct {
	RetentionWindow time.Duration `yaml:"retention_window"`
	MaxTrades       int           `yaml:"max_trades"`
	RecordDepth     int           `yaml:"record_depth"`
}

type WarmupConfig struct {
	Enabled bool `yaml:"enabled"`
	Bars    int  `yaml:"bars"`
}

type VerifyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	// Tolerance is the allowed volume difference in base asset units.
	Tolerance float64       `yaml:"tolerance"`
	Delay     time.Duration `yaml:"delay"`
}

type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type RecorderConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	QueueSize  int    `yaml:"queue_size"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool           `yaml:"enabled"`
	Bucket          string         `yaml:"bucket"`
	Region          string         `yaml:"region"`
	Endpoint        string         `yaml:"endpoint"`
	PathStyle       bool           `yaml:"path_style"`
	Prefix          string         `yaml:"prefix"`
	AccessKeyID     string         `yaml:"access_key_id"`
	SecretAccessKey string         `yaml:"secret_access_key"`
	Writer          S3WriterConfig `yaml:"writer"`
}

type S3WriterConfig struct {
	Compression   string        `yaml:"compression"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	QueueSize     int           `yaml:"queue_size"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
}

type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	QueueSize int           `yaml:"queue_size"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

func defaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			UsedWeight:  true,
			ChannelSize: true,
		},
		Channels: ChannelsConfig{
			RawBuffer:   10000,
			EventBuffer: 10000,
		},
		Reader: ReaderConfig{
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:    5,
				RecoveryTimeout:     30 * time.Second,
				HalfOpenMaxRequests: 1,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1},
			Retry: RetryConfig{
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    10,
					MaxConnsPerHost: 10,
					IdleConnTimeout: 90 * time.Second,
				},
				RestURL:        "https://fapi.binance.com",
				WsURL:          "wss://fstream.binance.com/ws",
				DepthLimit:     1000,
				DepthSpeed:     "100ms",
				ValidatePrevID: true,
				ReconnectDelay: time.Second,
			},
		},
		Engine: EngineConfig{
			RetentionWindow: 96 * time.Hour,
			MaxTrades:       100000,
			RecordDepth:     5,
		},
		Warmup: WarmupConfig{Bars: 96},
		Verify: VerifyConfig{Tolerance: 1.0, Delay: 2 * time.Second},
		Status: StatusConfig{Interval: 30 * time.Second},
		Recorder: RecorderConfig{
			Dir:        "recordings",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAge:     7,
			QueueSize:  4096,
		},
		Storage: StorageConfig{
			S3: S3Config{
				Prefix: "orderflow",
				Writer: S3WriterConfig{
					Compression:   "snappy",
					BatchSize:     96,
					FlushInterval: time.Minute,
					QueueSize:     256,
				},
			},
		},
		Kafka: KafkaConfig{
			Topic:        "orderflow.bars",
			BatchTimeout: time.Second,
			QueueSize:    256,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			Channel:   "orderflow:bars",
			KeyPrefix: "orderflow:last_bar:",
			QueueSize: 256,
		},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
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
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Kafka.Brokers = splitList(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	for i := range config.Instruments {
		config.Instruments[i].Symbol = strings.ToUpper(strings.TrimSpace(config.Instruments[i].Symbol))
		config.Instruments[i].LocalIP = strings.TrimSpace(config.Instruments[i].LocalIP)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Reader.Timeout <= 0 {
		return fmt.Errorf("reader.timeout must be greater than 0")
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Source.Binance.DepthLimit <= 0 {
		return fmt.Errorf("source.binance.depth_limit must be greater than 0")
	}

	if len(cfg.Instruments) == 0 {
		return fmt.Errorf("at least one instrument is required")
	}
	seen := make(map[string]bool, len(cfg.Instruments))
	for i, inst := range cfg.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instruments[%d].symbol is required", i)
		}
		if seen[inst.Symbol] {
			return fmt.Errorf("instruments[%d].symbol %s is duplicated", i, inst.Symbol)
		}
		seen[inst.Symbol] = true
		if inst.TickSize <= 0 {
			return fmt.Errorf("instruments[%d].tick_size must be greater than 0", i)
		}
		if inst.Interval == "" {
			return fmt.Errorf("instruments[%d].interval is required", i)
		}
	}

	if cfg.Engine.RetentionWindow <= 0 {
		return fmt.Errorf("engine.retention_window must be greater than 0")
	}
	if cfg.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be greater than 0")
	}
	if cfg.Warmup.Enabled && cfg.Warmup.Bars <= 0 {
		return fmt.Errorf("warmup.bars must be greater than 0 when warmup is enabled")
	}
	if cfg.Verify.Enabled && cfg.Verify.Tolerance < 0 {
		return fmt.Errorf("verify.tolerance must not be negative")
	}
	if cfg.Recorder.Enabled && cfg.Recorder.Dir == "" {
		return fmt.Errorf("recorder.dir is required when the recorder is enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.Writer.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.writer.flush_interval must be greater than 0")
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when Kafka is enabled")
		}
	}

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when Redis is enabled")
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
