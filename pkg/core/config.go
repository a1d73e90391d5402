// Package core wires the registry, capture buffers, recall merger, policy
// enforcer and retention sweeper into a single Client.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/oceanbase/memctx/pkg/capture"
	"github.com/oceanbase/memctx/pkg/logging"
	"github.com/oceanbase/memctx/pkg/policy"
	"github.com/oceanbase/memctx/pkg/quota"
	"github.com/oceanbase/memctx/pkg/recall"
	"github.com/oceanbase/memctx/pkg/retention"
)

// Config contains the complete configuration for a Client.
//
// Durations are Go duration strings ("5m") in YAML and .env files, and
// integer nanoseconds in JSON.
//
// Example:
//
//	cfg := core.DefaultConfig()
//	cfg.Storage = core.StorageConfig{
//	    Provider: "badger",
//	    Badger:   core.BadgerConfig{Path: "/var/lib/memctx"},
//	}
//	client, err := core.NewClient(cfg)
type Config struct {
	// Storage selects and configures the persistence backend.
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Capture configures the per-context buffers.
	Capture capture.Config `json:"capture" yaml:"capture"`

	// Recall configures the recall merger.
	Recall recall.Config `json:"recall" yaml:"recall"`

	// Retention configures retention periods and the sweeper.
	Retention RetentionConfig `json:"retention" yaml:"retention"`

	// Policy points at the grants file and optional redaction patterns.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Quota sets per-owner rate limits. All zero disables quotas.
	Quota quota.Limits `json:"quota" yaml:"quota"`

	// Logging configures the logger built when none is supplied.
	Logging logging.Config `json:"logging" yaml:"logging"`
}

// StorageConfig selects a backend.
//
// Supported providers: sqlite, postgres, oceanbase, badger
type StorageConfig struct {
	Provider  string          `json:"provider" yaml:"provider" validate:"required,oneof=sqlite postgres oceanbase badger"`
	SQLite    SQLiteConfig    `json:"sqlite" yaml:"sqlite"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
	OceanBase OceanBaseConfig `json:"oceanbase" yaml:"oceanbase"`
	Badger    BadgerConfig    `json:"badger" yaml:"badger"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path       string `json:"path" yaml:"path"`
	Collection string `json:"collection" yaml:"collection"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	User       string `json:"user" yaml:"user"`
	Password   string `json:"password" yaml:"password"`
	DBName     string `json:"db_name" yaml:"db_name"`
	Collection string `json:"collection" yaml:"collection"`
	SSLMode    string `json:"ssl_mode" yaml:"ssl_mode"`
}

// OceanBaseConfig configures the OceanBase (MySQL protocol) backend.
type OceanBaseConfig struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	User       string `json:"user" yaml:"user"`
	Password   string `json:"password" yaml:"password"`
	DBName     string `json:"db_name" yaml:"db_name"`
	Collection string `json:"collection" yaml:"collection"`
}

// BadgerConfig configures the embedded BadgerDB backend.
type BadgerConfig struct {
	Path     string `json:"path" yaml:"path"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`
}

// RetentionConfig configures retention.
type RetentionConfig struct {
	retention.Config `yaml:",inline"`

	// Days overrides the retention of a tier in days. -1 keeps forever.
	Days map[int]int `json:"days,omitempty" yaml:"days,omitempty"`

	// Background runs the sweeper for the lifetime of the Client.
	Background bool `json:"background" yaml:"background"`
}

// Policy returns the default retention policy with Days applied.
func (r RetentionConfig) Policy() policy.RetentionPolicy {
	p := policy.DefaultRetention()
	for tier, days := range r.Days {
		if days < 0 {
			p[policy.Tier(tier)] = policy.Unlimited
			continue
		}
		p[policy.Tier(tier)] = time.Duration(days) * 24 * time.Hour
	}
	return p
}

// PolicyConfig configures the policy enforcer.
type PolicyConfig struct {
	// GrantsFile is a YAML file of grants and sharing links.
	GrantsFile string `json:"grants_file" yaml:"grants_file"`

	// WatchGrants reloads GrantsFile when it changes.
	WatchGrants bool `json:"watch_grants" yaml:"watch_grants"`

	// PatternsFile replaces the built-in redaction patterns.
	PatternsFile string `json:"patterns_file" yaml:"patterns_file"`
}

// DefaultConfig returns a configuration using a local SQLite file and the
// standard capture limits: flush at 10 entries or 5 minutes, 5 retries.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Provider: "sqlite",
			SQLite:   SQLiteConfig{Path: "./memctx.db", Collection: "memctx"},
		},
		Capture:   capture.DefaultConfig(),
		Recall:    recall.DefaultConfig(),
		Retention: RetentionConfig{Config: retention.DefaultConfig()},
		Logging:   logging.DefaultConfig(),
	}
}

var configValidate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return NewMemoryError("Validate", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	var missing string
	switch c.Storage.Provider {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			missing = "storage.sqlite.path"
		}
	case "postgres":
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.DBName == "" {
			missing = "storage.postgres.host and db_name"
		}
	case "oceanbase":
		if c.Storage.OceanBase.Host == "" || c.Storage.OceanBase.DBName == "" {
			missing = "storage.oceanbase.host and db_name"
		}
	case "badger":
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			missing = "storage.badger.path"
		}
	}
	if missing != "" {
		return NewMemoryError("Validate", fmt.Errorf("%w: %s is required", ErrInvalidConfig, missing))
	}

	if err := c.Retention.Policy().Validate(); err != nil {
		return NewMemoryError("Validate", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}
	for tier := range c.Retention.Days {
		if !policy.Tier(tier).Valid() {
			return NewMemoryError("Validate", fmt.Errorf("%w: retention for unknown tier %d", ErrInvalidConfig, tier))
		}
	}
	return nil
}

// LoadConfig loads a configuration file, picking the format from its
// extension: .json, .yaml/.yml, or anything else as a .env file.
func LoadConfig(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadConfigFromJSON(path)
	case ".yaml", ".yml":
		return LoadConfigFromYAML(path)
	default:
		return LoadConfigFromEnvFile(path)
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Overlays the variables on DefaultConfig
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, oceanbase, badger)
//   - SQLITE_PATH, SQLITE_COLLECTION
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_DATABASE, POSTGRES_COLLECTION, POSTGRES_SSLMODE
//   - OCEANBASE_HOST, OCEANBASE_PORT, OCEANBASE_USER, OCEANBASE_PASSWORD, OCEANBASE_DATABASE, OCEANBASE_COLLECTION
//   - BADGER_PATH, BADGER_IN_MEMORY
//   - MEMCTX_FLUSH_THRESHOLD, MEMCTX_FLUSH_INTERVAL, MEMCTX_MAX_FLUSH_RETRIES, MEMCTX_NODE_ID
//   - MEMCTX_RECALL_LIMIT, MEMCTX_RECALL_SCOPE_TIMEOUT
//   - MEMCTX_SWEEP_INTERVAL, MEMCTX_ARCHIVE
//   - MEMCTX_GRANTS_FILE, MEMCTX_WATCH_GRANTS, MEMCTX_PATTERNS_FILE
//   - MEMCTX_STARTS_PER_MINUTE, MEMCTX_APPENDS_PER_SECOND, MEMCTX_APPEND_BURST
//   - LOG_LEVEL, LOG_FILE, LOG_JSON
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	e := &envReader{}

	cfg.Storage.Provider = getEnvOrDefault("DATABASE_PROVIDER", cfg.Storage.Provider)
	switch cfg.Storage.Provider {
	case "sqlite":
		cfg.Storage.SQLite = SQLiteConfig{
			Path:       getEnvOrDefault("SQLITE_PATH", cfg.Storage.SQLite.Path),
			Collection: getEnvOrDefault("SQLITE_COLLECTION", cfg.Storage.SQLite.Collection),
		}
	case "postgres":
		cfg.Storage.Postgres = PostgresConfig{
			Host:       getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:       e.intVar("POSTGRES_PORT", 5432),
			User:       getEnvOrDefault("POSTGRES_USER", "postgres"),
			Password:   os.Getenv("POSTGRES_PASSWORD"),
			DBName:     getEnvOrDefault("POSTGRES_DATABASE", "memctx"),
			Collection: getEnvOrDefault("POSTGRES_COLLECTION", "memctx"),
			SSLMode:    getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	case "oceanbase":
		cfg.Storage.OceanBase = OceanBaseConfig{
			Host:       getEnvOrDefault("OCEANBASE_HOST", "127.0.0.1"),
			Port:       e.intVar("OCEANBASE_PORT", 2881),
			User:       getEnvOrDefault("OCEANBASE_USER", "root@sys"),
			Password:   os.Getenv("OCEANBASE_PASSWORD"),
			DBName:     getEnvOrDefault("OCEANBASE_DATABASE", "memctx"),
			Collection: getEnvOrDefault("OCEANBASE_COLLECTION", "memctx"),
		}
	case "badger":
		cfg.Storage.Badger = BadgerConfig{
			Path:     os.Getenv("BADGER_PATH"),
			InMemory: e.boolVar("BADGER_IN_MEMORY", false),
		}
	}

	cfg.Capture.FlushThreshold = e.intVar("MEMCTX_FLUSH_THRESHOLD", cfg.Capture.FlushThreshold)
	cfg.Capture.FlushInterval = e.durationVar("MEMCTX_FLUSH_INTERVAL", cfg.Capture.FlushInterval)
	cfg.Capture.MaxFlushRetries = e.intVar("MEMCTX_MAX_FLUSH_RETRIES", cfg.Capture.MaxFlushRetries)
	cfg.Capture.NodeID = int64(e.intVar("MEMCTX_NODE_ID", int(cfg.Capture.NodeID)))

	cfg.Recall.DefaultLimit = e.intVar("MEMCTX_RECALL_LIMIT", cfg.Recall.DefaultLimit)
	cfg.Recall.ScopeTimeout = e.durationVar("MEMCTX_RECALL_SCOPE_TIMEOUT", cfg.Recall.ScopeTimeout)

	cfg.Retention.Interval = e.durationVar("MEMCTX_SWEEP_INTERVAL", cfg.Retention.Interval)
	cfg.Retention.Archive = e.boolVar("MEMCTX_ARCHIVE", false)

	cfg.Policy = PolicyConfig{
		GrantsFile:   os.Getenv("MEMCTX_GRANTS_FILE"),
		WatchGrants:  e.boolVar("MEMCTX_WATCH_GRANTS", false),
		PatternsFile: os.Getenv("MEMCTX_PATTERNS_FILE"),
	}

	cfg.Quota = quota.Limits{
		StartsPerMinute:  e.floatVar("MEMCTX_STARTS_PER_MINUTE", 0),
		AppendsPerSecond: e.floatVar("MEMCTX_APPENDS_PER_SECOND", 0),
		AppendBurst:      e.intVar("MEMCTX_APPEND_BURST", 0),
	}

	cfg.Logging.Level = logging.Level(strings.ToLower(getEnvOrDefault("LOG_LEVEL", string(cfg.Logging.Level))))
	cfg.Logging.File = os.Getenv("LOG_FILE")
	cfg.Logging.JSON = e.boolVar("LOG_JSON", false)

	if e.err != nil {
		return nil, NewMemoryError("LoadConfigFromEnv", e.err)
	}
	return cfg, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file. Fields that
// are absent keep their DefaultConfig values.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}
	return config, nil
}

// LoadConfigFromYAML loads configuration from a YAML file. Fields that
// are absent keep their DefaultConfig values.
func LoadConfigFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromYAML", err)
	}
	return config, nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// envReader parses typed variables and keeps the first error.
type envReader struct {
	err error
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, value, err)
	}
}

func (e *envReader) intVar(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *envReader) floatVar(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *envReader) boolVar(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *envReader) durationVar(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
