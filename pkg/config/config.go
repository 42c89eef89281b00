package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		CORSOrigins     []string      `yaml:"cors_origins"`
		RateLimit       struct {
			Capacity   int           `yaml:"capacity"`
			RefillRate time.Duration `yaml:"refill_rate"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Database struct {
		Driver            string        `yaml:"driver"` // sqlite or postgres
		DSN               string        `yaml:"dsn"`
		MaxOpenConns      int           `yaml:"max_open_conns"`
		UpsertBatchSize   int           `yaml:"upsert_batch_size"`
		SchemaLockTimeout time.Duration `yaml:"schema_lock_timeout"`
	} `yaml:"database"`
	Source struct {
		Format         string        `yaml:"format"` // twse or records
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		ChunkDelay     time.Duration `yaml:"chunk_delay"`
		MaxAttempts    int           `yaml:"max_attempts"`
		InitialBackoff time.Duration `yaml:"initial_backoff"`
		MaxBackoff     time.Duration `yaml:"max_backoff"`
		RequestsPerSec float64       `yaml:"requests_per_sec"`
	} `yaml:"source"`
	Backfill struct {
		DefaultStartYear  int           `yaml:"default_start_year"`
		MinFullYear       int           `yaml:"min_full_year"`
		MinPartialYear    int           `yaml:"min_partial_year"`
		ListingConfidence int           `yaml:"listing_confidence"`
		SymbolBatchSize   int           `yaml:"symbol_batch_size"`
		BatchTimeout      time.Duration `yaml:"batch_timeout"`
	} `yaml:"backfill"`
	Anomaly struct {
		Threshold           float64       `yaml:"threshold"`
		ValidationThreshold float64       `yaml:"validation_threshold"`
		PaddingDays         int           `yaml:"padding_days"`
		RuleVersion         string        `yaml:"rule_version"`
		CacheTTL            time.Duration `yaml:"cache_ttl"`
	} `yaml:"anomaly"`
	Returns struct {
		Workers int `yaml:"workers"`
	} `yaml:"returns"`
	ClickHouse struct {
		Enabled     bool          `yaml:"enabled"`
		Host        string        `yaml:"host"`
		Port        int           `yaml:"port"`
		Database    string        `yaml:"database"`
		User        string        `yaml:"user"`
		Password    string        `yaml:"password"`
		UseHTTP     bool          `yaml:"use_http"`
		DialTimeout time.Duration `yaml:"dial_timeout"`
		ReadTimeout time.Duration `yaml:"read_timeout"`
		AsyncInsert bool          `yaml:"async_insert"`
	} `yaml:"clickhouse"`
	Kafka struct {
		Enabled       bool          `yaml:"enabled"`
		Brokers       []string      `yaml:"brokers"`
		ProgressTopic string        `yaml:"progress_topic"`
		ConsumerGroup string        `yaml:"consumer_group"`
		LogTopic      string        `yaml:"log_topic"`
		RequiredAcks  int           `yaml:"required_acks"`
		Compression   string        `yaml:"compression"`
		MaxAttempts   int           `yaml:"max_attempts"`
		Linger        time.Duration `yaml:"linger"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		Async         bool          `yaml:"async"`
	} `yaml:"kafka"`
	Redis struct {
		Enabled      bool   `yaml:"enabled"`
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		QueueName    string `yaml:"queue_name"`
		QueueWorkers int    `yaml:"queue_workers"`
	} `yaml:"redis"`
	Scheduler struct {
		Enabled      bool     `yaml:"enabled"`
		Spec         string   `yaml:"spec"`
		Timezone     string   `yaml:"timezone"`
		LookbackDays int      `yaml:"lookback_days"`
		Symbols      []string `yaml:"symbols"`
	} `yaml:"scheduler"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML bytes, fills defaults and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SOURCE_BASE_URL"); v != "" {
		c.Source.BaseURL = v
	}
	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Scheduler.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 35 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Minute
	}
	if c.Server.RateLimit.Capacity == 0 {
		c.Server.RateLimit.Capacity = 10
	}
	if c.Server.RateLimit.RefillRate == 0 {
		c.Server.RateLimit.RefillRate = 6 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "twpull.db"
	}
	if c.Database.UpsertBatchSize == 0 {
		c.Database.UpsertBatchSize = 500
	}
	if c.Database.SchemaLockTimeout == 0 {
		c.Database.SchemaLockTimeout = 10 * time.Second
	}
	if c.Source.Format == "" {
		c.Source.Format = "twse"
	}
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = "https://www.twse.com.tw"
	}
	if c.Source.RequestTimeout == 0 {
		c.Source.RequestTimeout = 30 * time.Second
	}
	if c.Source.ChunkDelay == 0 {
		c.Source.ChunkDelay = 3 * time.Second
	}
	if c.Source.MaxAttempts == 0 {
		c.Source.MaxAttempts = 3
	}
	if c.Source.InitialBackoff == 0 {
		c.Source.InitialBackoff = 2 * time.Second
	}
	if c.Source.MaxBackoff == 0 {
		c.Source.MaxBackoff = 10 * time.Second
	}
	if c.Backfill.DefaultStartYear == 0 {
		c.Backfill.DefaultStartYear = 2010
	}
	if c.Backfill.MinFullYear == 0 {
		c.Backfill.MinFullYear = 200
	}
	if c.Backfill.MinPartialYear == 0 {
		c.Backfill.MinPartialYear = 20
	}
	if c.Backfill.ListingConfidence == 0 {
		c.Backfill.ListingConfidence = 1000
	}
	if c.Backfill.SymbolBatchSize == 0 {
		c.Backfill.SymbolBatchSize = 20
	}
	if c.Backfill.BatchTimeout == 0 {
		c.Backfill.BatchTimeout = 30 * time.Minute
	}
	if c.Anomaly.Threshold == 0 {
		c.Anomaly.Threshold = 0.2
	}
	if c.Anomaly.ValidationThreshold == 0 {
		c.Anomaly.ValidationThreshold = 0.5
	}
	if c.Anomaly.PaddingDays == 0 {
		c.Anomaly.PaddingDays = 5
	}
	if c.Anomaly.RuleVersion == "" {
		c.Anomaly.RuleVersion = "pct_jump_v1"
	}
	if c.Anomaly.CacheTTL == 0 {
		c.Anomaly.CacheTTL = 5 * time.Minute
	}
	if c.Returns.Workers == 0 {
		c.Returns.Workers = 4
	}
	if c.Kafka.ProgressTopic == "" {
		c.Kafka.ProgressTopic = "twpull.progress"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "twpull-watch"
	}
	if c.Kafka.LogTopic == "" {
		c.Kafka.LogTopic = "twpull.logs"
	}
	if c.Redis.QueueName == "" {
		c.Redis.QueueName = "twpull:jobs"
	}
	if c.Redis.QueueWorkers == 0 {
		c.Redis.QueueWorkers = 1
	}
	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "30 14 * * 1-5"
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "Asia/Taipei"
	}
	if c.Scheduler.LookbackDays == 0 {
		c.Scheduler.LookbackDays = 30
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres', got '%s'", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.UpsertBatchSize < 1 || c.Database.UpsertBatchSize > 1000 {
		return fmt.Errorf("database.upsert_batch_size must be within 1..1000")
	}
	if c.Source.Format != "twse" && c.Source.Format != "records" {
		return fmt.Errorf("source.format must be 'twse' or 'records', got '%s'", c.Source.Format)
	}
	if c.Backfill.MinPartialYear > c.Backfill.MinFullYear {
		return fmt.Errorf("backfill.min_partial_year cannot exceed min_full_year")
	}
	if c.Anomaly.Threshold <= 0 {
		return fmt.Errorf("anomaly.threshold must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.ClickHouse.Enabled && c.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse.host is required when clickhouse is enabled")
	}
	if c.Scheduler.Enabled && len(c.Scheduler.Symbols) == 0 {
		return fmt.Errorf("scheduler.symbols cannot be empty when the scheduler is enabled")
	}
	return nil
}
