// Package config loads the openhabsync configuration file and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"openhabsync/internal/entity"
	"openhabsync/internal/openhab"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when CONFIG_FILE is not set.
const DefaultPath = "config.yaml"

// Environment variables that override file values.
const (
	EnvConfigFile = "CONFIG_FILE"
	EnvURL        = "OPENHAB_URL"
	EnvToken      = "OPENHAB_TOKEN"
	EnvLogLevel   = "LOG_LEVEL"
	EnvAPIPort    = "API_PORT"
	EnvMQTTBroker = "MQTT_BROKER"
)

var (
	ErrMissingURL      = errors.New("url is required")
	ErrInvalidInterval = errors.New("interval must be positive")
)

// EntityConfig declares one entity owned by the integration.
type EntityConfig struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Features []string `yaml:"features"`
}

// APIConfig configures the HTTP API. A zero port disables it.
type APIConfig struct {
	Port int `yaml:"port"`
}

// MQTTConfig configures the optional state mirror. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Config is the parsed configuration file. Intervals are in milliseconds.
type Config struct {
	IntegrationID          string         `yaml:"integration_id"`
	URL                    string         `yaml:"url"`
	Token                  string         `yaml:"token"`
	PollingInterval        int            `yaml:"polling_interval"`
	StandbyPollingInterval int            `yaml:"standby_polling_interval"`
	ReconnectDelay         int            `yaml:"reconnect_delay"`
	RetryDelay             int            `yaml:"retry_delay"`
	MaxRetries             int            `yaml:"max_retries"`
	LogLevel               string         `yaml:"log_level"`
	API                    APIConfig      `yaml:"api"`
	MQTT                   MQTTConfig     `yaml:"mqtt"`
	Entities               []EntityConfig `yaml:"entities"`

	definitions []entity.Definition
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		IntegrationID:          "openhab",
		PollingInterval:        1000,
		StandbyPollingInterval: 60000,
		ReconnectDelay:         2000,
		RetryDelay:             1000,
		MaxRetries:             3,
		LogLevel:               "info",
		API:                    APIConfig{Port: 8081},
		MQTT:                   MQTTConfig{ClientID: "openhabsync", TopicPrefix: "openhabsync"},
	}
}

// Loader reads a configuration file.
type Loader struct {
	path   string
	logger *zap.Logger
}

// NewLoader creates a loader for path. An empty path falls back to
// CONFIG_FILE, then DefaultPath.
func NewLoader(path string, logger *zap.Logger) *Loader {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path == "" {
		path = DefaultPath
	}
	return &Loader{path: path, logger: logger}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file, applies environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	l.logger.Debug("Loading config", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Config loaded",
		zap.String("path", l.path),
		zap.String("url", cfg.URL),
		zap.Int("entities", len(cfg.definitions)))
	return cfg, nil
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvURL); v != "" {
		c.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMQTTBroker); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv(EnvAPIPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvAPIPort, v, err)
		}
		c.API.Port = port
	}
	return nil
}

// Validate normalizes the URL and checks every field, reporting all problems at once.
func (c *Config) Validate() error {
	var errs error

	if strings.TrimSpace(c.URL) == "" {
		errs = multierr.Append(errs, ErrMissingURL)
	} else {
		c.URL = openhab.NormalizeURL(c.URL)
	}
	if c.IntegrationID == "" {
		errs = multierr.Append(errs, errors.New("integration_id is required"))
	}

	for name, v := range map[string]int{
		"polling_interval":         c.PollingInterval,
		"standby_polling_interval": c.StandbyPollingInterval,
		"reconnect_delay":          c.ReconnectDelay,
		"retry_delay":              c.RetryDelay,
	} {
		if v <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, ErrInvalidInterval))
		}
	}
	if c.MaxRetries < 1 {
		errs = multierr.Append(errs, fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("api.port out of range: %d", c.API.Port))
	}

	defs, err := c.parseEntities()
	errs = multierr.Append(errs, err)
	c.definitions = defs

	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

func (c *Config) parseEntities() ([]entity.Definition, error) {
	var errs error
	seen := make(map[string]bool, len(c.Entities))
	defs := make([]entity.Definition, 0, len(c.Entities))

	for i, ec := range c.Entities {
		if ec.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("entities[%d]: id is required", i))
			continue
		}
		if seen[ec.ID] {
			errs = multierr.Append(errs, fmt.Errorf("entities[%d]: duplicate id %s", i, ec.ID))
			continue
		}
		seen[ec.ID] = true

		typ, err := entity.ParseType(ec.Type)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("entities[%d] %s: %w", i, ec.ID, err))
			continue
		}

		var features []entity.Feature
		for _, name := range ec.Features {
			f, err := entity.ParseFeature(name)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("entities[%d] %s: %w", i, ec.ID, err))
				continue
			}
			features = append(features, f)
		}

		name := ec.Name
		if name == "" {
			name = ec.ID
		}
		defs = append(defs, entity.Definition{
			ID:            ec.ID,
			Name:          name,
			IntegrationID: c.IntegrationID,
			Type:          typ,
			Features:      entity.NewFeatures(features...),
		})
	}
	return defs, errs
}

// Definitions returns the validated entity definitions.
func (c *Config) Definitions() []entity.Definition {
	return c.definitions
}

// Level returns the configured log level.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Interval converts a millisecond setting.
func Interval(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
