// Package config holds wfetl settings. Values come from an optional YAML file,
// are completed with defaults and then overridden by CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up when walking up from the working directory.
const FileName = ".wfetl.yaml"

// EnvVar names the environment variable that points at a config file.
const EnvVar = "WFETL_CONFIG"

// Config holds all pipeline configuration
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Paths   PathsConfig   `yaml:"paths"`
	SQL     SQLConfig     `yaml:"sql"`
	Extract ExtractConfig `yaml:"extract"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SourceConfig describes the remote game-data API
type SourceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Attempts   int           `yaml:"attempts"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration `yaml:"timeout"`
	UserAgent  string        `yaml:"user_agent"`
	Language   string        `yaml:"language"` // optional ?language= query value
}

// PathsConfig locates the interchange areas and the output artifact.
// Relative raw/processed/output paths are resolved against DataDir.
type PathsConfig struct {
	DataDir      string `yaml:"data_dir"`
	RawDir       string `yaml:"raw_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	OutputFile   string `yaml:"output_file"`
}

// SQLConfig selects how statements are rendered
type SQLConfig struct {
	Dialect string `yaml:"dialect"` // "mssql" or "sqlite"
	Schema  string `yaml:"schema"`
}

// ExtractConfig tunes the extract stage
type ExtractConfig struct {
	Parallel bool `yaml:"parallel"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // empty disables export
}

// Default returns the production defaults
func Default() *Config {
	cfg := &Config{
		Source: SourceConfig{
			Attempts:   3,
			RetryDelay: 2 * time.Second,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML config file and fills unset values with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// keys absent from the file keep their defaults; explicit values,
	// including a zero retry_delay, are kept as written
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills empty fields whose zero value is never meaningful.
// Attempts and RetryDelay are left alone: a zero delay is a valid setting
// and zero attempts is rejected by Validate.
func (c *Config) ApplyDefaults() {
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = "https://api.warframestat.us"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 30 * time.Second
	}
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = "wfetl/1.0"
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "ETL"
	}
	if c.Paths.RawDir == "" {
		c.Paths.RawDir = "Raw"
	}
	if c.Paths.ProcessedDir == "" {
		c.Paths.ProcessedDir = "Processed"
	}
	if c.Paths.OutputFile == "" {
		c.Paths.OutputFile = "load_data.sql"
	}
	if c.SQL.Dialect == "" {
		c.SQL.Dialect = "mssql"
	}
	if c.SQL.Schema == "" {
		c.SQL.Schema = "wf_base"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that the configuration is usable.
// Returns one error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !strings.HasPrefix(c.Source.BaseURL, "http://") && !strings.HasPrefix(c.Source.BaseURL, "https://") {
		errs = append(errs, fmt.Sprintf("source.base_url (%q) must be an http(s) URL", c.Source.BaseURL))
	}
	if c.Source.Attempts <= 0 {
		errs = append(errs, "source.attempts must be positive")
	}
	if c.Source.RetryDelay < 0 {
		errs = append(errs, "source.retry_delay must be non-negative")
	}
	if c.Source.Timeout <= 0 {
		errs = append(errs, "source.timeout must be positive")
	}

	switch strings.ToLower(c.SQL.Dialect) {
	case "mssql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("sql.dialect (%q) must be one of: mssql, sqlite", c.SQL.Dialect))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("logging.level (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("logging.format (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RawDir returns the resolved raw interchange directory
func (c *Config) RawDir() string { return c.resolve(c.Paths.RawDir) }

// ProcessedDir returns the resolved processed interchange directory
func (c *Config) ProcessedDir() string { return c.resolve(c.Paths.ProcessedDir) }

// OutputFile returns the resolved path of the generated SQL batch
func (c *Config) OutputFile() string { return c.resolve(c.Paths.OutputFile) }

// StateFile returns the path of the persisted run state
func (c *Config) StateFile() string { return filepath.Join(c.Paths.DataDir, "run-state.json") }

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.DataDir, p)
}
