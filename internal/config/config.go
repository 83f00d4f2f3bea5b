// Package config provides configuration loading for the fulfillment worker.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the fulfillment pipeline.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Queues    QueuesConfig    `mapstructure:"queues"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Packer    PackerConfig    `mapstructure:"packer"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Consumers ConsumersConfig `mapstructure:"consumers"`
}

// ServerConfig holds the health/metrics HTTP listener configuration.
type ServerConfig struct {
	Port        int    `mapstructure:"port" validate:"gt=0"`
	Host        string `mapstructure:"host"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	WriterEndpoint   string        `mapstructure:"writer_endpoint"`
	ReaderEndpoint   string        `mapstructure:"reader_endpoint"`
	Host             string        `mapstructure:"host" validate:"required"`
	Port             int           `mapstructure:"port" validate:"gt=0"`
	User             string        `mapstructure:"user" validate:"required"`
	Password         string        `mapstructure:"password"`
	Database         string        `mapstructure:"database" validate:"required"`
	SSLMode          string        `mapstructure:"ssl_mode"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStartup bool          `mapstructure:"migrate_on_startup"`
}

// WriterHost returns the writer endpoint if configured, else the plain host.
func (c DatabaseConfig) WriterHost() string {
	if c.WriterEndpoint != "" {
		return c.WriterEndpoint
	}
	return c.Host
}

// DSN returns the PostgreSQL connection string for the writer.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.WriterHost(), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds the optional distributed in-flight cache configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AWSConfig holds the object-store and queue bindings. Static credentials
// are only set for local stacks; deployments use the default chain.
type AWSConfig struct {
	Region           string `mapstructure:"region"`
	Endpoint         string `mapstructure:"endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	S3ForcePathStyle bool   `mapstructure:"s3_force_path_style"`
	DataItemBucket   string `mapstructure:"data_item_bucket" validate:"required"`
	BackupBucket     string `mapstructure:"backup_bucket"`
}

// QueuesConfig holds the queue URLs for the pipeline stages.
type QueuesConfig struct {
	PrepareBundleURL string `mapstructure:"prepare_bundle_url" validate:"required,url"`
	PostBundleURL    string `mapstructure:"post_bundle_url" validate:"required,url"`
	SeedBundleURL    string `mapstructure:"seed_bundle_url" validate:"required,url"`
	NewDataItemURL   string `mapstructure:"new_data_item_url"`
	OpticalPostURL   string `mapstructure:"optical_post_url"`
	UnbundleBDIURL   string `mapstructure:"unbundle_bdi_url"`
}

// GatewayConfig holds the anchor-network gateway binding.
type GatewayConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	WalletFile     string        `mapstructure:"wallet_file"`
}

// PackerConfig holds the bundle-packer caps.
type PackerConfig struct {
	MaxBundleSize        int64         `mapstructure:"max_bundle_size" validate:"gt=0"`
	MaxDataItemSize      int64         `mapstructure:"max_data_item_size" validate:"gt=0"`
	MaxDataItemLimit     int           `mapstructure:"max_data_item_limit" validate:"gt=0"`
	TargetBundleSize     int64         `mapstructure:"target_bundle_size"`
	OverdueThreshold     time.Duration `mapstructure:"overdue_threshold"`
	DedicatedBundleTypes []string      `mapstructure:"dedicated_bundle_types"`
}

// JobsConfig holds the scheduler and verify thresholds. Intervals are in
// milliseconds to match the deployment environment variables.
type JobsConfig struct {
	PlanEnabled              bool  `mapstructure:"plan_enabled"`
	VerifyEnabled            bool  `mapstructure:"verify_enabled"`
	PlanIntervalMS           int64 `mapstructure:"plan_interval_ms" validate:"gt=0"`
	VerifyIntervalMS         int64 `mapstructure:"verify_interval_ms" validate:"gt=0"`
	TxPermanentThreshold     int   `mapstructure:"tx_permanent_threshold"`
	DropBundleTxBlocks       int64 `mapstructure:"drop_bundle_tx_blocks"`
	RetryLimitForFailedItems int   `mapstructure:"retry_limit_for_failed_items"`
}

// PlanInterval returns the plan scheduler tick interval.
func (c JobsConfig) PlanInterval() time.Duration {
	return time.Duration(c.PlanIntervalMS) * time.Millisecond
}

// VerifyInterval returns the verify scheduler tick interval.
func (c JobsConfig) VerifyInterval() time.Duration {
	return time.Duration(c.VerifyIntervalMS) * time.Millisecond
}

// ConsumersConfig holds the worker counts per queue.
type ConsumersConfig struct {
	PrepareBundle     int `mapstructure:"prepare_bundle"`
	PostBundle        int `mapstructure:"post_bundle"`
	SeedBundle        int `mapstructure:"seed_bundle"`
	Optical           int `mapstructure:"optical"`
	NewDataItemInsert int `mapstructure:"new_data_item_insert"`
	UnbundleBDI       int `mapstructure:"unbundle_bdi"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fulfillment")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// bindEnv maps the deployment environment variable names onto config keys.
// Explicit BindEnv is required for nested keys with non-derivable names.
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "FULFILLMENT_PORT", "PORT")

	v.BindEnv("database.writer_endpoint", "DB_WRITER_ENDPOINT")
	v.BindEnv("database.reader_endpoint", "DB_READER_ENDPOINT")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.database", "DB_DATABASE")
	v.BindEnv("database.migrate_on_startup", "MIGRATE_ON_STARTUP")

	v.BindEnv("aws.region", "AWS_REGION")
	v.BindEnv("aws.endpoint", "AWS_ENDPOINT")
	v.BindEnv("aws.access_key_id", "AWS_ACCESS_KEY_ID")
	v.BindEnv("aws.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("aws.s3_force_path_style", "S3_FORCE_PATH_STYLE")
	v.BindEnv("aws.data_item_bucket", "DATA_ITEM_BUCKET")
	v.BindEnv("aws.backup_bucket", "BACKUP_DATA_ITEM_BUCKET")

	v.BindEnv("queues.prepare_bundle_url", "SQS_PREPARE_BUNDLE_URL")
	v.BindEnv("queues.post_bundle_url", "SQS_POST_BUNDLE_URL")
	v.BindEnv("queues.seed_bundle_url", "SQS_SEED_BUNDLE_URL")
	v.BindEnv("queues.new_data_item_url", "SQS_NEW_DATA_ITEM_URL")
	v.BindEnv("queues.optical_post_url", "SQS_OPTICAL_URL")
	v.BindEnv("queues.unbundle_bdi_url", "SQS_UNBUNDLE_BDI_URL")

	v.BindEnv("gateway.url", "ARWEAVE_GATEWAY")
	v.BindEnv("gateway.wallet_file", "ARWEAVE_WALLET_FILE")

	v.BindEnv("packer.max_bundle_size", "MAX_BUNDLE_SIZE")
	v.BindEnv("packer.max_data_item_size", "MAX_DATA_ITEM_SIZE")
	v.BindEnv("packer.max_data_item_limit", "MAX_DATA_ITEM_LIMIT")

	v.BindEnv("jobs.plan_enabled", "PLAN_BUNDLE_ENABLED")
	v.BindEnv("jobs.verify_enabled", "VERIFY_BUNDLE_ENABLED")
	v.BindEnv("jobs.plan_interval_ms", "PLAN_BUNDLE_INTERVAL_MS")
	v.BindEnv("jobs.verify_interval_ms", "VERIFY_BUNDLE_INTERVAL_MS")

	v.BindEnv("consumers.prepare_bundle", "NUM_PREPARE_BUNDLE_CONSUMERS")
	v.BindEnv("consumers.post_bundle", "NUM_POST_BUNDLE_CONSUMERS")
	v.BindEnv("consumers.seed_bundle", "NUM_SEED_BUNDLE_CONSUMERS")
	v.BindEnv("consumers.optical", "NUM_OPTICAL_CONSUMERS")
	v.BindEnv("consumers.new_data_item_insert", "NUM_NEW_DATA_ITEM_INSERT_CONSUMERS")
	v.BindEnv("consumers.unbundle_bdi", "NUM_UNBUNDLE_BDI_CONSUMERS")
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.environment", "dev")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fulfillment")
	v.SetDefault("database.password", "fulfillment")
	v.SetDefault("database.database", "fulfillment")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrate_on_startup", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("aws.region", "us-east-1")

	v.SetDefault("gateway.url", "https://arweave.net:443")
	v.SetDefault("gateway.request_timeout", "30s")
	v.SetDefault("gateway.max_retries", 8)

	// 2 GiB bundles, 4 GiB single-item cap
	v.SetDefault("packer.max_bundle_size", int64(2)<<30)
	v.SetDefault("packer.max_data_item_size", int64(4)<<30)
	v.SetDefault("packer.max_data_item_limit", 1000)
	v.SetDefault("packer.target_bundle_size", int64(500)<<20)
	v.SetDefault("packer.overdue_threshold", "5m")

	v.SetDefault("jobs.plan_enabled", false)
	v.SetDefault("jobs.verify_enabled", false)
	v.SetDefault("jobs.plan_interval_ms", 60_000)
	v.SetDefault("jobs.verify_interval_ms", 60_000)
	v.SetDefault("jobs.tx_permanent_threshold", 50)
	v.SetDefault("jobs.drop_bundle_tx_blocks", 50)
	v.SetDefault("jobs.retry_limit_for_failed_items", 3)

	v.SetDefault("consumers.prepare_bundle", 2)
	v.SetDefault("consumers.post_bundle", 2)
	v.SetDefault("consumers.seed_bundle", 2)
	v.SetDefault("consumers.optical", 3)
	v.SetDefault("consumers.new_data_item_insert", 1)
	v.SetDefault("consumers.unbundle_bdi", 1)
}
