package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mallorcaeat/pipeline/internal/lifecycle"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig          `yaml:"store" mapstructure:"store"`
	Thresholds lifecycle.Thresholds `yaml:"thresholds" mapstructure:"thresholds"`
	Search     SearchConfig         `yaml:"search" mapstructure:"search"`
	Serper     SerperConfig         `yaml:"serper" mapstructure:"serper"`
	SerpAPI    SerpAPIConfig        `yaml:"serpapi" mapstructure:"serpapi"`
	Anthropic  AnthropicConfig      `yaml:"anthropic" mapstructure:"anthropic"`
	Enrich     EnrichConfig         `yaml:"enrich" mapstructure:"enrich"`
	Verify     VerifyConfig         `yaml:"verify" mapstructure:"verify"`
	Server     ServerConfig         `yaml:"server" mapstructure:"server"`
	Log        LogConfig            `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SearchConfig configures the search stage: which (term, location) pairs are
// tracked and how often they are re-scraped.
type SearchConfig struct {
	Terms          []string `yaml:"terms" mapstructure:"terms"`
	Locations      []string `yaml:"locations" mapstructure:"locations"`
	Type           string   `yaml:"type" mapstructure:"type"`
	RerunAfterDays int      `yaml:"rerun_after_days" mapstructure:"rerun_after_days"`
	Concurrency    int      `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSec     float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Language       string   `yaml:"language" mapstructure:"language"`
	Country        string   `yaml:"country" mapstructure:"country"`
	ResultsPerCall int      `yaml:"results_per_call" mapstructure:"results_per_call"`
}

// SerperConfig holds search provider settings.
type SerperConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SerpAPIConfig holds place-details provider settings. Keys are rotated when
// one hits its quota.
type SerpAPIConfig struct {
	Keys       []string `yaml:"keys" mapstructure:"keys"`
	BaseURL    string   `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	Model      string  `yaml:"model" mapstructure:"model"`
	MaxTokens  int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// EnrichConfig configures the profile stage.
type EnrichConfig struct {
	DailyLimit  int `yaml:"daily_limit" mapstructure:"daily_limit"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// VerifyConfig configures periodic re-verification of curated restaurants.
type VerifyConfig struct {
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MALLORCAEAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	th := lifecycle.DefaultThresholds()
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mallorcaeat.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("thresholds.min_rating", th.MinRating)
	v.SetDefault("thresholds.min_rating_count", th.MinRatingCount)
	v.SetDefault("thresholds.min_nonnull_scores", th.MinNonNullScores)
	v.SetDefault("search.type", "maps")
	v.SetDefault("search.rerun_after_days", 180)
	v.SetDefault("search.concurrency", 4)
	v.SetDefault("search.rate_per_sec", 5.0)
	v.SetDefault("search.language", "de")
	v.SetDefault("search.country", "es")
	v.SetDefault("search.results_per_call", 20)
	v.SetDefault("serper.base_url", "https://google.serper.dev")
	v.SetDefault("serpapi.base_url", "https://serpapi.com")
	v.SetDefault("serpapi.rate_per_sec", 2.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.rate_per_sec", 2.0)
	v.SetDefault("enrich.daily_limit", 500)
	v.SetDefault("enrich.concurrency", 4)
	v.SetDefault("verify.max_age_days", 730)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command mode depends on are present and
// in range. Modes: migrate, pipeline, serve.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		problems = append(problems, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	if c.Thresholds.MinRating < 0 || c.Thresholds.MinRating > 5 {
		problems = append(problems, "thresholds.min_rating must be between 0 and 5")
	}
	if c.Thresholds.MinRatingCount < 0 {
		problems = append(problems, "thresholds.min_rating_count must be >= 0")
	}
	if c.Thresholds.MinNonNullScores < 0 || c.Thresholds.MinNonNullScores > 11 {
		problems = append(problems, "thresholds.min_nonnull_scores must be between 0 and 11")
	}

	switch mode {
	case "migrate":
	case "pipeline":
		if c.Search.Concurrency < 1 || c.Search.Concurrency > 32 {
			problems = append(problems, "search.concurrency must be between 1 and 32")
		}
		if c.Search.RerunAfterDays < 0 {
			problems = append(problems, "search.rerun_after_days must be >= 0")
		}
		if c.Enrich.DailyLimit < 0 {
			problems = append(problems, "enrich.daily_limit must be >= 0")
		}
		if c.Verify.MaxAgeDays < 1 {
			problems = append(problems, "verify.max_age_days must be > 0")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
