package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stellarops/mirrorsync/observe"
)

var (
	// ErrMissingBaseURL indicates no API base URL was configured.
	ErrMissingBaseURL = errors.New("config: api.base_url is required")

	// ErrInvalidConcurrency indicates a non-positive page concurrency.
	ErrInvalidConcurrency = errors.New("config: api.page_concurrency must be positive")

	// ErrInvalidTimeout indicates a non-positive duration setting.
	ErrInvalidTimeout = errors.New("config: durations must be positive")
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// API configures the remote game-state API client.
type API struct {
	BaseURL         string   `yaml:"base_url"`
	UserAgent       string   `yaml:"user_agent,omitempty"`
	PageConcurrency int      `yaml:"page_concurrency,omitempty"`
	RequestTimeout  Duration `yaml:"request_timeout,omitempty"`
}

// Storage configures the durable store.
type Storage struct {
	// Path is the SQLite database file. Empty selects the in-memory
	// store, which does not survive restarts.
	Path     string `yaml:"path,omitempty"`
	PoolSize int    `yaml:"pool_size,omitempty"`
}

// Sync configures refresh behavior.
type Sync struct {
	DefaultTTL      Duration `yaml:"default_ttl,omitempty"`
	RefreshInterval Duration `yaml:"refresh_interval,omitempty"`
}

// Token configures the credential broker.
type Token struct {
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
	CacheTTL       Duration `yaml:"cache_ttl,omitempty"`
}

// Observability configures logging, tracing, and metrics.
type Observability struct {
	ServiceName     string  `yaml:"service_name,omitempty"`
	LogLevel        string  `yaml:"log_level,omitempty"`
	TracingExporter string  `yaml:"tracing_exporter,omitempty"`
	MetricsExporter string  `yaml:"metrics_exporter,omitempty"`
	SamplePct       float64 `yaml:"sample_pct,omitempty"`
}

// Config is the full application configuration.
type Config struct {
	API           API           `yaml:"api"`
	Storage       Storage       `yaml:"storage,omitempty"`
	Sync          Sync          `yaml:"sync,omitempty"`
	Token         Token         `yaml:"token,omitempty"`
	Observability Observability `yaml:"observability,omitempty"`
}

// Default returns the configuration used when a setting is absent.
func Default() Config {
	return Config{
		API: API{
			UserAgent:       "mirrorsync",
			PageConcurrency: 4,
			RequestTimeout:  Duration(30 * time.Second),
		},
		Storage: Storage{
			PoolSize: 4,
		},
		Sync: Sync{
			DefaultTTL:      Duration(5 * time.Minute),
			RefreshInterval: Duration(time.Minute),
		},
		Token: Token{
			RequestTimeout: Duration(10 * time.Second),
			CacheTTL:       Duration(15 * time.Minute),
		},
		Observability: Observability{
			ServiceName:     "mirrorsync",
			LogLevel:        "info",
			TracingExporter: "none",
			MetricsExporter: "none",
			SamplePct:       1.0,
		},
	}
}

// Load reads the YAML file at path, applies defaults, and validates
// the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults, and validates
// the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for settings that cannot work.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if c.API.PageConcurrency <= 0 {
		return ErrInvalidConcurrency
	}
	for _, d := range []Duration{
		c.API.RequestTimeout,
		c.Sync.DefaultTTL,
		c.Sync.RefreshInterval,
		c.Token.RequestTimeout,
		c.Token.CacheTTL,
	} {
		if d <= 0 {
			return ErrInvalidTimeout
		}
	}
	return nil
}

// ObserveConfig maps the observability section onto the observe
// package's configuration. Tracing and metrics are enabled exactly
// when an exporter other than "none" is configured.
func (c *Config) ObserveConfig() observe.Config {
	o := c.Observability
	return observe.Config{
		ServiceName: o.ServiceName,
		Tracing: observe.TracingConfig{
			Enabled:   o.TracingExporter != "" && o.TracingExporter != "none",
			Exporter:  o.TracingExporter,
			SamplePct: o.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  o.MetricsExporter != "" && o.MetricsExporter != "none",
			Exporter: o.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   o.LogLevel,
		},
	}
}
