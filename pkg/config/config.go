// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Input, Staging, Auth, Indexing, ObjectStore, Pipeline,
// Ledger, Redis, Postgres, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Input        InputConfig        `yaml:"input"`
	Staging      StagingConfig      `yaml:"staging"`
	Auth         AuthConfig         `yaml:"auth"`
	Indexing     IndexingConfig     `yaml:"indexing"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	ObjectStore  ObjectStoreConfig  `yaml:"objectStore"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the batch trigger endpoint.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	APIKeys         []string      `yaml:"apiKeys"`
}

// InputConfig names the fixed batch input location and the record fields the
// loader reads.
type InputConfig struct {
	Dir            string `yaml:"dir"`
	File           string `yaml:"file"`
	Format         string `yaml:"format"`
	TenantField    string `yaml:"tenantField"`
	TimestampField string `yaml:"timestampField"`
	MessageField   string `yaml:"messageField"`
}

// Path returns the full path of the batch input file.
func (i InputConfig) Path() string {
	return filepath.Join(i.Dir, i.File)
}

type StagingConfig struct {
	Dir          string `yaml:"dir"`
	DuplicateIDs string `yaml:"duplicateIds"`
}

// AuthConfig selects how bearer tokens for the indexing service are obtained.
type AuthConfig struct {
	Mode        string        `yaml:"mode"`
	StaticToken string        `yaml:"staticToken"`
	MetadataURL string        `yaml:"metadataUrl"`
	RefreshSkew time.Duration `yaml:"refreshSkew"`
}

// IndexingConfig points at the document-indexing service collection and
// bounds how the client talks to it.
type IndexingConfig struct {
	BaseURL                 string        `yaml:"baseUrl"`
	RequestTimeout          time.Duration `yaml:"requestTimeout"`
	RateLimit               float64       `yaml:"rateLimit"`
	RateBurst               int           `yaml:"rateBurst"`
	BreakerFailureThreshold int           `yaml:"breakerFailureThreshold"`
	BreakerResetTimeout     time.Duration `yaml:"breakerResetTimeout"`
}

type ProvisioningConfig struct {
	DisplayNamePrefix string `yaml:"displayNamePrefix"`
	ReuseExisting     bool   `yaml:"reuseExisting"`
}

// ObjectStoreConfig holds S3-compatible endpoint credentials and the single
// shared bucket staged files are uploaded to.
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UseSSL          bool   `yaml:"useSsl"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	LocatorScheme   string `yaml:"locatorScheme"`
}

// PipelineConfig controls failure isolation and import completion handling.
type PipelineConfig struct {
	FailurePolicy      string        `yaml:"failurePolicy"`
	WaitForImport      bool          `yaml:"waitForImport"`
	ImportPollInterval time.Duration `yaml:"importPollInterval"`
	ImportTimeout      time.Duration `yaml:"importTimeout"`
}

// LedgerConfig selects where provisioned resources are recorded.
type LedgerConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables event publishing and the trigger consumer.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	ConsumerGroup  string        `yaml:"consumerGroup"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	Topics         KafkaTopics   `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	PipelineEvents string `yaml:"pipelineEvents"`
	BatchTriggers  string `yaml:"batchTriggers"`
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

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
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

// Validate rejects unknown enumeration values.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		value string
		allow []string
	}{
		{"input.format", c.Input.Format, []string{"auto", "json", "jsonl"}},
		{"staging.duplicateIds", c.Staging.DuplicateIDs, []string{"overwrite", "reject"}},
		{"auth.mode", c.Auth.Mode, []string{"static", "metadata"}},
		{"pipeline.failurePolicy", c.Pipeline.FailurePolicy, []string{"abort", "continue"}},
		{"ledger.backend", c.Ledger.Backend, []string{"memory", "redis", "postgres"}},
	}
	for _, ch := range checks {
		if !contains(ch.allow, ch.value) {
			return fmt.Errorf("invalid %s %q (allowed: %s)", ch.field, ch.value, strings.Join(ch.allow, ", "))
		}
	}
	if c.Input.TenantField == "" || c.Input.TimestampField == "" {
		return fmt.Errorf("input.tenantField and input.timestampField are required")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("objectStore.bucket is required")
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Input: InputConfig{
			Dir:            "data",
			File:           "messages.json",
			Format:         "auto",
			TenantField:    "tenantKey",
			TimestampField: "timestamp",
			MessageField:   "message",
		},
		Staging: StagingConfig{
			Dir:          os.TempDir(),
			DuplicateIDs: "overwrite",
		},
		Auth: AuthConfig{
			Mode:        "metadata",
			MetadataURL: "http://metadata.google.internal/computeMetadata/v1/instance/service-accounts/default/token",
			RefreshSkew: time.Minute,
		},
		Indexing: IndexingConfig{
			BaseURL:                 "https://discoveryengine.googleapis.com/v1/projects/local-dev/locations/global/collections/default_collection",
			RateLimit:               5,
			RateBurst:               5,
			BreakerFailureThreshold: 5,
			BreakerResetTimeout:     30 * time.Second,
		},
		Provisioning: ProvisioningConfig{
			DisplayNamePrefix: "tenant",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:      "storage.googleapis.com",
			UseSSL:        true,
			Region:        "auto",
			Bucket:        "tenant-search-staging",
			LocatorScheme: "gs",
		},
		Pipeline: PipelineConfig{
			FailurePolicy:      "abort",
			ImportPollInterval: 5 * time.Second,
			ImportTimeout:      30 * time.Minute,
		},
		Ledger: LedgerConfig{
			Backend: "memory",
			TTL:     30 * 24 * time.Hour,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "tenantsearch",
			User:            "tenantsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 5,
		},
		Kafka: KafkaConfig{
			ConsumerGroup:  "tenant-search-pipeline",
			PublishTimeout: 5 * time.Second,
			Topics: KafkaTopics{
				PipelineEvents: "tenant-pipeline-events",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads TSP_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TSP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TSP_SERVER_API_KEYS"); v != "" {
		cfg.Server.APIKeys = strings.Split(v, ",")
	}
	if v := os.Getenv("TSP_INPUT_DIR"); v != "" {
		cfg.Input.Dir = v
	}
	if v := os.Getenv("TSP_INPUT_FILE"); v != "" {
		cfg.Input.File = v
	}
	if v := os.Getenv("TSP_STAGING_DIR"); v != "" {
		cfg.Staging.Dir = v
	}
	if v := os.Getenv("TSP_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("TSP_AUTH_STATIC_TOKEN"); v != "" {
		cfg.Auth.StaticToken = v
	}
	if v := os.Getenv("TSP_AUTH_METADATA_URL"); v != "" {
		cfg.Auth.MetadataURL = v
	}
	if v := os.Getenv("TSP_INDEXING_BASE_URL"); v != "" {
		cfg.Indexing.BaseURL = v
	}
	if v := os.Getenv("TSP_OBJECTSTORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("TSP_OBJECTSTORE_ACCESS_KEY_ID"); v != "" {
		cfg.ObjectStore.AccessKeyID = v
	}
	if v := os.Getenv("TSP_OBJECTSTORE_SECRET_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.SecretAccessKey = v
	}
	if v := os.Getenv("TSP_OBJECTSTORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("TSP_OBJECTSTORE_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ObjectStore.UseSSL = b
		}
	}
	if v := os.Getenv("TSP_PIPELINE_FAILURE_POLICY"); v != "" {
		cfg.Pipeline.FailurePolicy = v
	}
	if v := os.Getenv("TSP_PIPELINE_WAIT_FOR_IMPORT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Pipeline.WaitForImport = b
		}
	}
	if v := os.Getenv("TSP_LEDGER_BACKEND"); v != "" {
		cfg.Ledger.Backend = v
	}
	if v := os.Getenv("TSP_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("TSP_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("TSP_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("TSP_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("TSP_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("TSP_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TSP_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TSP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TSP_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TSP_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
