// Package config loads the service configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"cropnex/db"
	"cropnex/forecast"
	"cropnex/logging"
	"cropnex/market"
	"cropnex/ml"
)

// Config is the complete service configuration.
type Config struct {
	Dataset    DatasetConfig       `yaml:"dataset"`
	Model      ModelConfig         `yaml:"model"`
	Geocoding  GeocodingConfig     `yaml:"geocoding"`
	Suggestion market.EngineConfig `yaml:"suggestion"`
	Markets    []market.Market     `yaml:"markets"`
	Database   db.Config           `yaml:"database"`
	HTTP       HTTPConfig          `yaml:"http"`
	Log        logging.Config      `yaml:"log"`
}

type DatasetConfig struct {
	Path          string        `yaml:"path"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// ModelConfig declares the forecasting model artifact and the window it expects.
type ModelConfig struct {
	Spec           ml.ModelSpec `yaml:"spec"`
	// SeqLength zero takes the length from the model artifact.
	SeqLength      int          `yaml:"seq_length"`
	MaxHorizonDays int          `yaml:"max_horizon_days"`
}

type GeocodingConfig struct {
	Nominatim market.NominatimConfig `yaml:"nominatim"`
	CacheSize int                    `yaml:"cache_size"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Load reads an optional .env file next to the working directory, expands ${VAR}
// references in the YAML at path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes after environment expansion.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SetDefaults fills every unset option.
func (c *Config) SetDefaults() {
	if c.Dataset.WatchDebounce == 0 {
		c.Dataset.WatchDebounce = 500 * time.Millisecond
	}

	if c.Model.Spec.Schema == "" {
		c.Model.Spec.Schema = ml.ModelSchema
	}
	if c.Model.Spec.Version == "" {
		c.Model.Spec.Version = ml.ModelVersion
	}
	if c.Model.Spec.Kind == "" {
		c.Model.Spec.Kind = "linear"
	}
	if c.Model.Spec.Timeout == 0 {
		c.Model.Spec.Timeout = 5 * time.Second
	}
	if c.Model.MaxHorizonDays == 0 {
		c.Model.MaxHorizonDays = forecast.DefaultMaxHorizonDays
	}

	nom := &c.Geocoding.Nominatim
	if nom.BaseURL == "" {
		nom.BaseURL = market.DefaultNominatimURL
	}
	if nom.UserAgent == "" {
		nom.UserAgent = "cropnex-market-suggest"
	}
	if nom.CountryCodes == "" {
		nom.CountryCodes = "in"
	}
	if nom.Timeout == 0 {
		nom.Timeout = 10 * time.Second
	}
	if nom.Retries == 0 {
		nom.Retries = 2
	}
	if nom.RequestsPerSecond == 0 {
		nom.RequestsPerSecond = 1
	}
	if c.Geocoding.CacheSize == 0 {
		c.Geocoding.CacheSize = 256
	}

	if c.Suggestion.Concurrency == 0 {
		c.Suggestion.Concurrency = 4
	}
	if c.Suggestion.GeocodeTimeout == 0 {
		c.Suggestion.GeocodeTimeout = 10 * time.Second
	}
	if len(c.Markets) == 0 {
		c.Markets = market.DefaultMarkets()
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data/cropnex.db"
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 60 * time.Second
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"*"}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = 100
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 5
		}
		if c.Log.MaxAgeDays == 0 {
			c.Log.MaxAgeDays = 30
		}
	}
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Dataset.Path == "" {
		return fmt.Errorf("dataset.path is required")
	}
	if c.Dataset.WatchDebounce < 0 {
		return fmt.Errorf("dataset.watch_debounce must not be negative")
	}

	switch c.Model.Spec.Kind {
	case "linear":
		if c.Model.Spec.Path == "" {
			return fmt.Errorf("model.spec.path is required for a linear model")
		}
	case "remote":
		if c.Model.Spec.URL == "" {
			return fmt.Errorf("model.spec.url is required for a remote model")
		}
	default:
		return fmt.Errorf("model.spec.kind must be one of: linear, remote")
	}
	if c.Model.SeqLength < 0 {
		return fmt.Errorf("model.seq_length must not be negative")
	}
	if c.Model.MaxHorizonDays < 1 {
		return fmt.Errorf("model.max_horizon_days must be at least 1")
	}

	if c.Geocoding.Nominatim.RequestsPerSecond <= 0 {
		return fmt.Errorf("geocoding.nominatim.requests_per_second must be positive")
	}
	if c.Geocoding.Nominatim.Retries < 0 {
		return fmt.Errorf("geocoding.nominatim.retries must not be negative")
	}
	if c.Geocoding.CacheSize < 1 {
		return fmt.Errorf("geocoding.cache_size must be at least 1")
	}

	if c.Suggestion.Concurrency < 1 {
		return fmt.Errorf("suggestion.concurrency must be at least 1")
	}
	if c.Suggestion.GeocodeTimeout < 0 {
		return fmt.Errorf("suggestion.geocode_timeout must not be negative")
	}
	if _, err := market.NewRegistry(c.Markets); err != nil {
		return fmt.Errorf("markets: %w", err)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	if c.HTTP.Timeout < time.Second {
		return fmt.Errorf("http.timeout must be at least 1 second")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, console")
	}
	return nil
}
