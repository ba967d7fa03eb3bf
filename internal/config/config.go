package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"

	"github.com/gophoto/photoflow/internal/model"
)

// Config holds the main configuration for the application.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
	Storage    Storage    `mapstructure:"storage"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Retry      Retry      `mapstructure:"retry"`
	Processing Processing `mapstructure:"processing"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the object storage backend. Each tier maps
// to its own bucket.
type Storage struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`

	ColdBucket string `mapstructure:"cold_bucket"`
	WarmBucket string `mapstructure:"warm_bucket"`
	HotBucket  string `mapstructure:"hot_bucket"`

	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
}

// Kafka holds configuration for the Kafka task queue.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Retry defines the retry policy for broker and storage calls.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Processing defines the worker pool and the variant set.
type Processing struct {
	Workers             int           `mapstructure:"workers"`               // worker pool size
	MaxTaskAttempts     int           `mapstructure:"max_task_attempts"`     // retry budget per task
	RequeueDelay        time.Duration `mapstructure:"requeue_delay"`         // base delay before redelivery
	RequeueBackoff      float64       `mapstructure:"requeue_backoff"`       // multiplier per attempt
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`          // bound on one task's duration
	MaxParallelVariants int           `mapstructure:"max_parallel_variants"` // caps peak memory per task

	WatermarkText string `mapstructure:"watermark_text"` // empty disables watermarking
	WatermarkFont string `mapstructure:"watermark_font"` // path to a ttf file

	Variants []model.VariantSpec `mapstructure:"variants"`
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// Bucket returns the bucket configured for the given tier.
func (s Storage) Bucket(tier model.Tier) string {
	switch tier {
	case model.TierCold:
		return s.ColdBucket
	case model.TierWarm:
		return s.WarmBucket
	default:
		return s.HotBucket
	}
}

// mustBindEnv binds critical environment variables to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv() {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",
		"storage.access_key":   "STORAGE_ACCESS_KEY",
		"storage.secret_key":   "STORAGE_SECRET_KEY",
	}

	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Msgf("failed to bind env %s", env)
		}
	}
}

// MustLoad loads the configuration from ./config.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to read config")
	}

	mustBindEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msgf("failed to unmarshal config: %v", err)
	}

	if len(cfg.Processing.Variants) == 0 {
		zlog.Logger.Panic().Msg("no variants configured")
	}

	return &cfg
}
