// Package config loads application configuration from YAML files with
// environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Broker, Redis, Index, Search, Admission, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Broker     BrokerConfig     `yaml:"broker"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	SQS        SQSConfig        `yaml:"sqs"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Redis      RedisConfig      `yaml:"redis"`
	Index      IndexConfig      `yaml:"index"`
	Search     SearchConfig     `yaml:"search"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// BrokerConfig selects the queue driver and the redelivery policy shared by
// every queue.
type BrokerConfig struct {
	Driver       string        `yaml:"driver"`
	MaxRetries   int           `yaml:"maxRetries"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical queue names to their Kafka topic strings. Dead
// letter topics are derived with DeadLetterTopic.
type KafkaTopics struct {
	Index     string `yaml:"index"`
	Delete    string `yaml:"delete"`
	Analytics string `yaml:"analytics"`
}

// DeadLetterTopic returns the dead-letter counterpart of topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// SQSConfig holds the queue URLs used when Broker.Driver is "sqs".
type SQSConfig struct {
	Region            string        `yaml:"region"`
	Endpoint          string        `yaml:"endpoint"`
	IndexQueueURL     string        `yaml:"indexQueueUrl"`
	IndexDLQURL       string        `yaml:"indexDlqUrl"`
	DeleteQueueURL    string        `yaml:"deleteQueueUrl"`
	DeleteDLQURL      string        `yaml:"deleteDlqUrl"`
	AnalyticsQueueURL string        `yaml:"analyticsQueueUrl"`
	WaitTime          time.Duration `yaml:"waitTime"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
}

// ConsumerConfig bounds the worker pool per queue.
type ConsumerConfig struct {
	IndexConcurrency  int `yaml:"indexConcurrency"`
	DeleteConcurrency int `yaml:"deleteConcurrency"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// IndexConfig controls where tenant indexes live and the settings every new
// tenant index is created with.
type IndexConfig struct {
	DataDir         string        `yaml:"dataDir"`
	Shards          int           `yaml:"shards"`
	Replicas        int           `yaml:"replicas"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
	BatchSize       int           `yaml:"batchSize"`
}

// SearchConfig controls query limits, caching and the circuit breaker around
// query execution.
type SearchConfig struct {
	DefaultPageSize  int           `yaml:"defaultPageSize"`
	MaxPageSize      int           `yaml:"maxPageSize"`
	Timeout          time.Duration `yaml:"timeout"`
	CacheEnabled     bool          `yaml:"cacheEnabled"`
	CacheSize        int           `yaml:"cacheSize"`
	CacheTTL         time.Duration `yaml:"cacheTTL"`
	BreakerFailures  int           `yaml:"breakerFailures"`
	BreakerResetTime time.Duration `yaml:"breakerResetTime"`
}

// AdmissionConfig controls credential resolution and the per-tenant budget.
type AdmissionConfig struct {
	LimitPerMinute  int64         `yaml:"limitPerMinute"`
	WindowTTL       time.Duration `yaml:"windowTTL"`
	CounterTimeout  time.Duration `yaml:"counterTimeout"`
	AllowedPrefixes []string      `yaml:"allowedPrefixes"`
	VerifyKeys      bool          `yaml:"verifyKeys"`
	ExemptPaths     []string      `yaml:"exemptPaths"`
}

// ReconcilerConfig controls re-publishing of documents stuck in Pending.
type ReconcilerConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"staleAfter"`
	BatchSize  int           `yaml:"batchSize"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// GatewayConfig holds the API gateway port and upstream service URLs.
type GatewayConfig struct {
	Port         int      `yaml:"port"`
	DocumentURL  string   `yaml:"documentUrl"`
	SearchURL    string   `yaml:"searchUrl"`
	AnalyticsURL string   `yaml:"analyticsUrl"`
	CORSOrigins  []string `yaml:"corsOrigins"`
}

// AnalyticsConfig controls search-event collection and snapshotting.
type AnalyticsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BufferSize       int           `yaml:"bufferSize"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case "kafka", "sqs":
	default:
		return fmt.Errorf("broker.driver must be kafka or sqs, got %q", c.Broker.Driver)
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.maxRetries must not be negative")
	}
	if c.Consumer.IndexConcurrency < 1 || c.Consumer.DeleteConcurrency < 1 {
		return fmt.Errorf("consumer concurrency must be at least 1")
	}
	if c.Index.Shards < 1 {
		return fmt.Errorf("index.shards must be at least 1")
	}
	if c.Search.MaxPageSize < 1 || c.Search.DefaultPageSize < 1 || c.Search.DefaultPageSize > c.Search.MaxPageSize {
		return fmt.Errorf("search page sizes must satisfy 1 <= default <= max")
	}
	if c.Admission.LimitPerMinute < 1 {
		return fmt.Errorf("admission.limitPerMinute must be at least 1")
	}
	if len(c.Admission.AllowedPrefixes) == 0 {
		return fmt.Errorf("admission.allowedPrefixes must not be empty")
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "documentsearch",
			User:            "documentsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Broker: BrokerConfig{
			Driver:       "kafka",
			MaxRetries:   3,
			RetryBackoff: time.Second,
			MaxBackoff:   30 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "documentsearch-indexer",
			Topics: KafkaTopics{
				Index:     "document.index",
				Delete:    "document.delete",
				Analytics: "search.analytics",
			},
		},
		SQS: SQSConfig{
			Region:            "us-east-1",
			WaitTime:          20 * time.Second,
			VisibilityTimeout: 30 * time.Second,
		},
		Consumer: ConsumerConfig{
			IndexConcurrency:  5,
			DeleteConcurrency: 3,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Index: IndexConfig{
			DataDir:         "./data/indexes",
			Shards:          3,
			Replicas:        2,
			RefreshInterval: 5 * time.Second,
			BatchSize:       100,
		},
		Search: SearchConfig{
			DefaultPageSize:  10,
			MaxPageSize:      100,
			Timeout:          5 * time.Second,
			CacheEnabled:     true,
			CacheSize:        10000,
			CacheTTL:         30 * time.Second,
			BreakerFailures:  5,
			BreakerResetTime: 30 * time.Second,
		},
		Admission: AdmissionConfig{
			LimitPerMinute:  1000,
			WindowTTL:       2 * time.Minute,
			CounterTimeout:  100 * time.Millisecond,
			AllowedPrefixes: []string{"sk_live_", "sk_test_"},
			ExemptPaths:     []string{"/health", "/metrics"},
		},
		Reconciler: ReconcilerConfig{
			Enabled:    true,
			Interval:   time.Minute,
			StaleAfter: 5 * time.Minute,
			BatchSize:  100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Gateway: GatewayConfig{
			Port:         8082,
			DocumentURL:  "http://localhost:8081",
			SearchURL:    "http://localhost:8080",
			AnalyticsURL: "http://localhost:8083",
			CORSOrigins:  []string{"*"},
		},
		Analytics: AnalyticsConfig{
			Enabled:          true,
			BufferSize:       10000,
			SnapshotInterval: time.Minute,
		},
	}
}

// applyEnvOverrides reads DS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DS_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DS_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("DS_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("DS_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("DS_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("DS_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("DS_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("DS_BROKER_DRIVER"); v != "" {
		cfg.Broker.Driver = v
	}
	if v := os.Getenv("DS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("DS_SQS_REGION"); v != "" {
		cfg.SQS.Region = v
	}
	if v := os.Getenv("DS_SQS_ENDPOINT"); v != "" {
		cfg.SQS.Endpoint = v
	}
	if v := os.Getenv("DS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DS_INDEX_DATA_DIR"); v != "" {
		cfg.Index.DataDir = v
	}
	if v := os.Getenv("DS_ADMISSION_LIMIT_PER_MINUTE"); v != "" {
		if limit, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Admission.LimitPerMinute = limit
		}
	}
	if v := os.Getenv("DS_ADMISSION_VERIFY_KEYS"); v != "" {
		if verify, err := strconv.ParseBool(v); err == nil {
			cfg.Admission.VerifyKeys = verify
		}
	}
	if v := os.Getenv("DS_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DS_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("DS_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("DS_GATEWAY_DOCUMENT_URL"); v != "" {
		cfg.Gateway.DocumentURL = v
	}
	if v := os.Getenv("DS_GATEWAY_SEARCH_URL"); v != "" {
		cfg.Gateway.SearchURL = v
	}
	if v := os.Getenv("DS_GATEWAY_ANALYTICS_URL"); v != "" {
		cfg.Gateway.AnalyticsURL = v
	}
}
