// Package config handles keeldb configuration via YAML files and environment
// variables.
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags (--data-dir, --log-level, etc.)
//  2. Environment variables (KEELDB_*)
//  3. Config file (keeldb.yaml)
//  4. Built-in defaults
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile(config.FindConfigFile())
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Configuration error: %v", err)
//	}
//
// Environment Variables (all use KEELDB_ prefix):
//
// Storage:
//   - KEELDB_DATA_DIR="./data"
//   - KEELDB_LOG_FILE="keel.log"
//   - KEELDB_PAGE_FILE="keel.db"
//   - KEELDB_NO_SYNC=false
//
// Transactions:
//   - KEELDB_TXN_BACKEND="badger" (badger, bolt or memory)
//   - KEELDB_DEFAULT_ISOLATION="read_committed" or "repeatable_read"
//
// Logging:
//   - KEELDB_LOG_LEVEL="info"
//   - KEELDB_LOG_FORMAT="text" or "json"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/keeldb/pkg/mvcc"
	"github.com/orneryd/keeldb/pkg/txn"
)

// Config holds all keeldb configuration.
type Config struct {
	Storage      StorageConfig
	Transactions TransactionConfig
	Logging      LoggingConfig
}

// StorageConfig locates the log and page files.
type StorageConfig struct {
	// DataDir holds the log, the page file and the transaction status store.
	// Env: KEELDB_DATA_DIR (default: "./data")
	DataDir string

	// LogFile is the write-ahead log file name inside DataDir.
	// Env: KEELDB_LOG_FILE (default: "keel.log")
	LogFile string

	// PageFile is the page store file name inside DataDir.
	// Env: KEELDB_PAGE_FILE (default: "keel.db")
	PageFile string

	// NoSync disables fsync on log appends and status changes.
	// Only for tests; a crash can lose acknowledged commits.
	// Env: KEELDB_NO_SYNC (default: false)
	NoSync bool
}

// LogPath returns the full path of the write-ahead log.
func (s *StorageConfig) LogPath() string {
	return filepath.Join(s.DataDir, s.LogFile)
}

// PagePath returns the full path of the page file.
func (s *StorageConfig) PagePath() string {
	return filepath.Join(s.DataDir, s.PageFile)
}

// TransactionConfig configures the transaction authority.
type TransactionConfig struct {
	// Backend is the status store: "badger", "bolt" or "memory".
	// Env: KEELDB_TXN_BACKEND (default: "badger")
	Backend string

	// DefaultIsolation is used when a caller does not pick a level.
	// Env: KEELDB_DEFAULT_ISOLATION (default: "read_committed")
	DefaultIsolation string
}

// IsolationLevel parses DefaultIsolation.
func (t *TransactionConfig) IsolationLevel() (mvcc.IsolationLevel, error) {
	return mvcc.ParseIsolationLevel(t.DefaultIsolation)
}

// LoggingConfig configures logrus output.
type LoggingConfig struct {
	// Level is a logrus level name.
	// Env: KEELDB_LOG_LEVEL (default: "info")
	Level string

	// Format is "text" or "json".
	// Env: KEELDB_LOG_FORMAT (default: "text")
	Format string
}

// LoadDefaults returns the built-in defaults.
func LoadDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:  "./data",
			LogFile:  "keel.log",
			PageFile: "keel.db",
		},
		Transactions: TransactionConfig{
			Backend:          txn.BackendBadger,
			DefaultIsolation: mvcc.ReadCommitted.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv returns defaults overridden by KEELDB_* environment variables.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	applyEnvVars(config)
	return config
}

func applyEnvVars(config *Config) {
	config.Storage.DataDir = getEnv("KEELDB_DATA_DIR", config.Storage.DataDir)
	config.Storage.LogFile = getEnv("KEELDB_LOG_FILE", config.Storage.LogFile)
	config.Storage.PageFile = getEnv("KEELDB_PAGE_FILE", config.Storage.PageFile)
	config.Storage.NoSync = getEnvBool("KEELDB_NO_SYNC", config.Storage.NoSync)

	config.Transactions.Backend = getEnv("KEELDB_TXN_BACKEND", config.Transactions.Backend)
	config.Transactions.DefaultIsolation = getEnv("KEELDB_DEFAULT_ISOLATION", config.Transactions.DefaultIsolation)

	config.Logging.Level = getEnv("KEELDB_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("KEELDB_LOG_FORMAT", config.Logging.Format)
}

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	Storage struct {
		DataDir  string `yaml:"data_dir"`
		LogFile  string `yaml:"log_file"`
		PageFile string `yaml:"page_file"`
		NoSync   *bool  `yaml:"no_sync"`
	} `yaml:"storage"`

	Transactions struct {
		Backend          string `yaml:"backend"`
		DefaultIsolation string `yaml:"default_isolation"`
	} `yaml:"transactions"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// LoadFromFile loads defaults, then the YAML file at configPath, then
// environment variables. A missing or empty path yields defaults plus env.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	if configPath == "" {
		applyEnvVars(config)
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvVars(config)
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var yamlCfg YAMLConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// === Storage ===
	if yamlCfg.Storage.DataDir != "" {
		config.Storage.DataDir = yamlCfg.Storage.DataDir
	}
	if yamlCfg.Storage.LogFile != "" {
		config.Storage.LogFile = yamlCfg.Storage.LogFile
	}
	if yamlCfg.Storage.PageFile != "" {
		config.Storage.PageFile = yamlCfg.Storage.PageFile
	}
	if yamlCfg.Storage.NoSync != nil {
		config.Storage.NoSync = *yamlCfg.Storage.NoSync
	}

	// === Transactions ===
	if yamlCfg.Transactions.Backend != "" {
		config.Transactions.Backend = yamlCfg.Transactions.Backend
	}
	if yamlCfg.Transactions.DefaultIsolation != "" {
		config.Transactions.DefaultIsolation = yamlCfg.Transactions.DefaultIsolation
	}

	// === Logging ===
	if yamlCfg.Logging.Level != "" {
		config.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Format != "" {
		config.Logging.Format = yamlCfg.Logging.Format
	}

	applyEnvVars(config)
	return config, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	if c.Storage.LogFile == "" || c.Storage.PageFile == "" {
		return fmt.Errorf("log file and page file names must not be empty")
	}
	if c.Storage.LogFile == c.Storage.PageFile {
		return fmt.Errorf("log file and page file must differ (both %q)", c.Storage.LogFile)
	}

	switch c.Transactions.Backend {
	case txn.BackendBadger, txn.BackendBolt, txn.BackendMemory:
	default:
		return fmt.Errorf("invalid transaction backend: %q", c.Transactions.Backend)
	}
	if _, err := c.Transactions.IsolationLevel(); err != nil {
		return fmt.Errorf("invalid default isolation: %w", err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a one-line representation of the Config for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, Log: %s, Pages: %s, NoSync: %v, Backend: %s, Isolation: %s, LogLevel: %s}",
		c.Storage.DataDir, c.Storage.LogFile, c.Storage.PageFile, c.Storage.NoSync,
		c.Transactions.Backend, c.Transactions.DefaultIsolation, c.Logging.Level,
	)
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first config file found, or empty string if none found.
// Search order:
//  1. ~/.keeldb/config.yaml
//  2. Current working directory (keeldb.yaml, config.yaml)
//  3. ~/.config/keeldb/config.yaml (XDG)
func FindConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".keeldb", "config.yaml"))
	}

	candidates = append(candidates,
		"keeldb.yaml",
		"config.yaml",
	)

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "keeldb", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}
