// Package config loads troupe-memory configuration from defaults, a YAML
// file and TROUPE_MEMORY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/troupe-memory/internal/embedding"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TROUPE_MEMORY"

// Config holds the full configuration.
type Config struct {
	MemoryDir     string              `yaml:"memory_dir" env:"MEMORY_DIR"`
	Embedding     embedding.Options   `yaml:"embedding" env:"EMBEDDING"`
	Consolidation ConsolidationConfig `yaml:"consolidation" env:"CONSOLIDATION"`
	Retrieval     RetrievalConfig     `yaml:"retrieval" env:"RETRIEVAL"`
	LLM           LLMConfig           `yaml:"llm" env:"LLM"`
	Log           LogConfig           `yaml:"log" env:"LOG"`
}

// ConsolidationConfig holds consolidation thresholds and the cron schedule.
type ConsolidationConfig struct {
	TimeThreshold       time.Duration `yaml:"time_threshold" env:"TIME_THRESHOLD"`
	SimilarityThreshold float64       `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	Schedule            string        `yaml:"schedule" env:"SCHEDULE"`
}

// RetrievalConfig holds retrieval defaults.
type RetrievalConfig struct {
	TopK          int `yaml:"top_k" env:"TOP_K"`
	ContextBudget int `yaml:"context_budget" env:"CONTEXT_BUDGET"`
}

// LLMConfig configures the Anthropic responder used by discussions.
type LLMConfig struct {
	Model     string        `yaml:"model" env:"MODEL"`
	APIKey    string        `yaml:"api_key" env:"API_KEY"`
	MaxTokens int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MemoryDir: MemoryDir(),
		Embedding: embedding.Options{
			Provider:          "hash",
			RequestsPerSecond: 10,
			CacheSize:         1024,
		},
		Consolidation: ConsolidationConfig{
			TimeThreshold:       24 * time.Hour,
			SimilarityThreshold: 0.8,
			Schedule:            "@every 1h",
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			ContextBudget: 2000,
		},
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DataDir returns the default data directory.
func DataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "troupe-memory")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "troupe-memory")
}

// MemoryDir returns the default directory holding per-agent memory files.
func MemoryDir() string {
	return filepath.Join(DataDir(), "memory")
}

// Load reads the YAML file at path, when non-empty and present, over the
// defaults, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		value, ok := os.LookupEnv(envKey)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MemoryDir) == "" {
		errs = append(errs, errors.New("memory_dir is required"))
	}
	if !embedding.ValidProviders[c.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("embedding.requests_per_second must not be negative"))
	}
	if c.Consolidation.TimeThreshold < 0 {
		errs = append(errs, errors.New("consolidation.time_threshold must not be negative"))
	}
	if s := c.Consolidation.SimilarityThreshold; s <= 0 || s > 1 {
		errs = append(errs, fmt.Errorf("consolidation.similarity_threshold must be in (0, 1], got %g", s))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k must not be negative"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be positive"))
	}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
