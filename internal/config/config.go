// Package config loads pipeflow's runtime configuration from a YAML file
// and PIPEFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/pipeflow/flow/expr"
)

// EnvPrefix prefixes environment overrides, e.g. PIPEFLOW_STORE_DSN.
const EnvPrefix = "PIPEFLOW"

// Config holds the configuration for the pipeflow CLI and example.
type Config struct {
	Engine struct {
		MaxIterations  int           `mapstructure:"max_iterations"`
		ToolTimeout    time.Duration `mapstructure:"tool_timeout"`
		ValidationMode string        `mapstructure:"validation_mode"`
	} `mapstructure:"engine"`

	Expressions struct {
		MaxLength       int  `mapstructure:"max_length"`
		MaxDepth        int  `mapstructure:"max_depth"`
		MaxTemplateSize int  `mapstructure:"max_template_size"`
		SanitizeDepth   int  `mapstructure:"sanitize_depth"`
		EscapeTemplates bool `mapstructure:"escape_templates"`
	} `mapstructure:"expressions"`

	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Blocks struct {
		Sources []string `mapstructure:"sources"`
	} `mapstructure:"blocks"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`

	LLM struct {
		Anthropic Provider `mapstructure:"anthropic"`
		OpenAI    Provider `mapstructure:"openai"`
		Google    Provider `mapstructure:"google"`
	} `mapstructure:"llm"`
}

// Provider configures one chat model backend. A provider without an API
// key is not registered.
type Provider struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_iterations", 100)
	v.SetDefault("engine.tool_timeout", "0s")
	v.SetDefault("engine.validation_mode", "strict")

	v.SetDefault("expressions.max_length", 1000)
	v.SetDefault("expressions.max_depth", 16)
	v.SetDefault("expressions.max_template_size", 65536)
	v.SetDefault("expressions.sanitize_depth", 32)
	v.SetDefault("expressions.escape_templates", false)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("blocks.sources", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("llm.anthropic.api_key", "")
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.openai.model", "gpt-4o")
	v.SetDefault("llm.google.api_key", "")
	v.SetDefault("llm.google.model", "gemini-1.5-flash")
}

// Load reads path, or pipeflow.yaml from the working directory when path
// is empty; a missing default file is not an error. Environment variables
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pipeflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated values and limits.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.MaxIterations <= 0 {
		errs = append(errs, errors.New("engine.max_iterations must be positive"))
	}
	if c.Engine.ToolTimeout < 0 {
		errs = append(errs, errors.New("engine.tool_timeout cannot be negative"))
	}
	switch c.Engine.ValidationMode {
	case "strict", "safe":
	default:
		errs = append(errs, fmt.Errorf("engine.validation_mode %q must be strict or safe", c.Engine.ValidationMode))
	}
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverMySQL, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ExprOptions returns evaluator options with the configured limits.
func (c *Config) ExprOptions(logger *slog.Logger) expr.Options {
	opts := expr.DefaultOptions()
	opts.MaxLength = c.Expressions.MaxLength
	opts.MaxDepth = c.Expressions.MaxDepth
	opts.MaxTemplateSize = c.Expressions.MaxTemplateSize
	opts.SanitizeDepth = c.Expressions.SanitizeDepth
	opts.EscapeOutput = c.Expressions.EscapeTemplates
	opts.Logger = logger
	return opts
}

// NewLogger creates a slog.Logger for the configured level and format. It
// does not set the global logger.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
