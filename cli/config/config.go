// Package config provides configuration management for the locus CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ardanlabs/conf/v3"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name
const ConfigFileName = "locus.yaml"

// EnvPrefix prefixes every environment override, e.g. LOCUS_DATABASE_URL.
const EnvPrefix = "LOCUS"

// Config represents the locus CLI configuration
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	Service    ServiceConfig    `yaml:"service"`
	Database   DatabaseConfig   `yaml:"database"`
	Snapshots  SnapshotConfig   `yaml:"snapshots"`
	Hierarchy  HierarchyConfig  `yaml:"hierarchy"`
	Commands   CommandConfig    `yaml:"commands"`
	StoreRetry StoreRetryConfig `yaml:"store_retry"`
	Publishing PublishingConfig `yaml:"publishing"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServiceConfig names the service and sets up logging
type ServiceConfig struct {
	Name string `yaml:"name"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// LogMode is "production" for JSON logs, anything else for console logs
	LogMode string `yaml:"log_mode"`
}

// DatabaseConfig contains event log connection settings
type DatabaseConfig struct {
	// Driver is the event log driver (postgres, memory)
	Driver string `yaml:"driver"`

	// URL is the database connection string
	URL string `yaml:"url,omitempty" conf:"noprint"`

	// Schema is the database schema to use
	Schema string `yaml:"schema"`

	MaxConnections int `yaml:"max_connections"`
}

// SnapshotConfig selects where snapshots live and how they are encoded
type SnapshotConfig struct {
	// Store is eventlog (same database), redis or none
	Store string `yaml:"store"`

	// Frequency is the number of events between snapshots
	Frequency int `yaml:"frequency"`

	// Codec is json, msgpack or protobuf
	Codec string `yaml:"codec"`

	RedisURL string `yaml:"redis_url,omitempty" conf:"noprint"`

	// Keep is how many snapshots are retained per location
	Keep int `yaml:"keep"`
}

// HierarchyConfig bounds hierarchy walks
type HierarchyConfig struct {
	MaxDepth          int  `yaml:"max_depth"`
	VerifyAfterCommit bool `yaml:"verify_after_commit"`
}

// CommandConfig controls command execution
type CommandConfig struct {
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
	Timeout            time.Duration `yaml:"timeout"`
}

// StoreRetryConfig controls retries of unavailable stores
type StoreRetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// PublishingConfig lists the notification destinations. Empty values disable a destination.
type PublishingConfig struct {
	KafkaBrokers []string      `yaml:"kafka_brokers,omitempty"`
	KafkaTopic   string        `yaml:"kafka_topic,omitempty"`
	SNSTopicARN  string        `yaml:"sns_topic_arn,omitempty"`
	WebhookURL   string        `yaml:"webhook_url,omitempty" conf:"noprint"`
	Timeout      time.Duration `yaml:"timeout"`
}

// TelemetryConfig controls metrics and tracing
type TelemetryConfig struct {
	MetricsNamespace string `yaml:"metrics_namespace"`

	// TraceStdout prints spans to stdout
	TraceStdout bool `yaml:"trace_stdout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Service: ServiceConfig{
			Name:     "locus",
			LogLevel: "info",
			LogMode:  "development",
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Schema:         "locus",
			MaxConnections: 25,
		},
		Snapshots: SnapshotConfig{
			Store:     "eventlog",
			Frequency: 100,
			Codec:     "json",
			Keep:      3,
		},
		Hierarchy: HierarchyConfig{
			MaxDepth:          10,
			VerifyAfterCommit: true,
		},
		Commands: CommandConfig{
			MaxConflictRetries: 3,
			Timeout:            30 * time.Second,
		},
		StoreRetry: StoreRetryConfig{
			MaxAttempts:     4,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		Publishing: PublishingConfig{
			Timeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			MetricsNamespace: "locus",
		},
	}
}

// Load loads configuration from the specified directory
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. Values missing
// from the file keep their defaults; ${VAR} references are expanded and
// LOCUS_* environment variables override the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LOCUS_* environment variables, for
// example LOCUS_DATABASE_URL or LOCUS_HIERARCHY_MAX_DEPTH.
func (c *Config) ApplyEnv() error {
	if _, err := conf.Parse(EnvPrefix, c); err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			return nil
		}
		return fmt.Errorf("config: environment overrides: %w", err)
	}
	return nil
}

// String renders the configuration with secrets left out.
func (c *Config) String() string {
	out, err := conf.String(c)
	if err != nil {
		return err.Error()
	}
	return out
}

// Save saves the configuration to the specified directory
func (c *Config) Save(dir string) error {
	path := filepath.Join(dir, ConfigFileName)
	return c.SaveFile(path)
}

// SaveFile saves the configuration to a specific file path
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory
func Exists(dir string) bool {
	path := filepath.Join(dir, ConfigFileName)
	_, err := os.Stat(path)
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate validates the configuration
func (c *Config) Validate() []string {
	var errs []string

	if c.Service.Name == "" {
		errs = append(errs, "service.name is required")
	}
	if !oneOf(strings.ToLower(c.Service.LogLevel), "debug", "info", "warn", "warning", "error") {
		errs = append(errs, "service.log_level must be one of debug, info, warn, error")
	}

	switch c.Database.Driver {
	case "":
		errs = append(errs, "database.driver is required")
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, "database.url is required for postgres driver")
		}
	case "memory":
	default:
		errs = append(errs, "database.driver must be 'postgres' or 'memory'")
	}

	switch c.Snapshots.Store {
	case "eventlog", "none":
	case "redis":
		if c.Snapshots.RedisURL == "" {
			errs = append(errs, "snapshots.redis_url is required for the redis store")
		}
	default:
		errs = append(errs, "snapshots.store must be 'eventlog', 'redis' or 'none'")
	}
	if !oneOf(c.Snapshots.Codec, "json", "msgpack", "protobuf") {
		errs = append(errs, "snapshots.codec must be 'json', 'msgpack' or 'protobuf'")
	}
	if c.Snapshots.Frequency < 1 {
		errs = append(errs, "snapshots.frequency must be at least 1")
	}

	if c.Hierarchy.MaxDepth < 1 {
		errs = append(errs, "hierarchy.max_depth must be at least 1")
	}
	if c.Commands.MaxConflictRetries < 0 {
		errs = append(errs, "commands.max_conflict_retries must not be negative")
	}
	if c.StoreRetry.MaxAttempts < 1 {
		errs = append(errs, "store_retry.max_attempts must be at least 1")
	}

	if c.Publishing.KafkaTopic != "" && len(c.Publishing.KafkaBrokers) == 0 {
		errs = append(errs, "publishing.kafka_brokers is required when kafka_topic is set")
	}
	if c.Publishing.SNSTopicARN != "" && !strings.HasPrefix(c.Publishing.SNSTopicARN, "arn:") {
		errs = append(errs, "publishing.sns_topic_arn must be an ARN")
	}
	if u := c.Publishing.WebhookURL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, "publishing.webhook_url must be an http(s) URL")
	}

	return errs
}

// GenerateYAML generates YAML content with comments
func GenerateYAML(cfg *Config) string {
	var b strings.Builder
	b.WriteString(`# Locus Configuration File
# Every value can be overridden with a LOCUS_* environment variable,
# e.g. LOCUS_DATABASE_URL or LOCUS_HIERARCHY_MAX_DEPTH.

version: "1"

service:
  name: "` + cfg.Service.Name + `"
  # debug, info, warn or error
  log_level: "` + cfg.Service.LogLevel + `"
  # production (JSON) or development (console)
  log_mode: "` + cfg.Service.LogMode + `"

# Event log
database:
  # Driver: postgres or memory
  driver: "` + cfg.Database.Driver + `"
`)
	if cfg.Database.Driver == "postgres" {
		b.WriteString(`  # Connection URL, expanded from the environment
  url: "${DATABASE_URL}"
`)
	}
	fmt.Fprintf(&b, `  schema: "%s"
  max_connections: %d

snapshots:
  # eventlog, redis or none
  store: "%s"
  # Events between snapshots
  frequency: %d
  # json, msgpack or protobuf
  codec: "%s"
  keep: %d
`, cfg.Database.Schema, cfg.Database.MaxConnections,
		cfg.Snapshots.Store, cfg.Snapshots.Frequency, cfg.Snapshots.Codec, cfg.Snapshots.Keep)
	if cfg.Snapshots.Store == "redis" {
		b.WriteString(`  redis_url: "${REDIS_URL}"
`)
	}

	fmt.Fprintf(&b, `
hierarchy:
  max_depth: %d
  verify_after_commit: %t

commands:
  max_conflict_retries: %d
  timeout: %s

store_retry:
  max_attempts: %d
  initial_interval: %s
  max_interval: %s

# Notifications about committed events. Leave empty to disable.
publishing:
  timeout: %s
`, cfg.Hierarchy.MaxDepth, cfg.Hierarchy.VerifyAfterCommit,
		cfg.Commands.MaxConflictRetries, cfg.Commands.Timeout,
		cfg.StoreRetry.MaxAttempts, cfg.StoreRetry.InitialInterval, cfg.StoreRetry.MaxInterval,
		cfg.Publishing.Timeout)

	if len(cfg.Publishing.KafkaBrokers) > 0 {
		fmt.Fprintf(&b, "  kafka_brokers: [%s]\n  kafka_topic: \"%s\"\n",
			strings.Join(cfg.Publishing.KafkaBrokers, ", "), cfg.Publishing.KafkaTopic)
	}
	if cfg.Publishing.SNSTopicARN != "" {
		fmt.Fprintf(&b, "  sns_topic_arn: \"%s\"\n", cfg.Publishing.SNSTopicARN)
	}
	if cfg.Publishing.WebhookURL != "" {
		fmt.Fprintf(&b, "  webhook_url: \"%s\"\n", cfg.Publishing.WebhookURL)
	}

	fmt.Fprintf(&b, `
telemetry:
  metrics_namespace: "%s"
  trace_stdout: %t
`, cfg.Telemetry.MetricsNamespace, cfg.Telemetry.TraceStdout)

	return b.String()
}
