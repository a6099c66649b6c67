// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Backend kinds accepted in [providers.<name>].
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// Config is the root configuration structure.
type Config struct {
	Scheduler SchedulerConfig           `toml:"scheduler"`
	Queue     QueueConfig               `toml:"queue"`
	Cache     CacheConfig               `toml:"cache"`
	Triggers  TriggerConfig             `toml:"triggers"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Routing   map[string]RouteConfig    `toml:"routing"`
	Store     StoreConfig               `toml:"store"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
}

// SchedulerConfig tunes the batching scheduler.
type SchedulerConfig struct {
	DebounceMs     int     `toml:"debounce_ms"`
	MaxBatchSize   int     `toml:"max_batch_size"`
	LocationBucket float64 `toml:"location_bucket"`
}

// QueueConfig tunes the priority decision queue.
type QueueConfig struct {
	Concurrency int `toml:"concurrency"`
}

// CacheConfig tunes the routine cache.
type CacheConfig struct {
	Capacity int `toml:"capacity"`
}

// TriggerConfig tunes the trigger detector.
type TriggerConfig struct {
	MaxPending int `toml:"max_pending"`
}

// ProviderConfig holds one decision backend.
type ProviderConfig struct {
	Kind            string  `toml:"kind"`
	Endpoint        string  `toml:"endpoint"`
	Model           string  `toml:"model"`
	Temperature     float64 `toml:"temperature"`
	RateLimit       float64 `toml:"rate_limit"`
	RateBurst       int     `toml:"rate_burst"`
	MaxConcurrent   int     `toml:"max_concurrent"`
	HealthIntervalS int     `toml:"health_interval_s"`
	TimeoutS        int     `toml:"timeout_s"`
	APIKeyEnv       string  `toml:"api_key_env"`
}

// Timeout returns the per-request timeout, or zero for the backend default.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutS) * time.Second
}

// HealthInterval returns the probe interval, or zero for the default.
func (p ProviderConfig) HealthInterval() time.Duration {
	return time.Duration(p.HealthIntervalS) * time.Second
}

// APIKey reads the key from the environment variable named by APIKeyEnv.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// RouteConfig overrides the routing rule of one category.
type RouteConfig struct {
	Primary     string  `toml:"primary"`
	Fallback    string  `toml:"fallback"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	Format      string  `toml:"format"`
}

// StoreConfig holds the decision journal location.
type StoreConfig struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// TelemetryConfig holds opt-in tracing settings.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			DebounceMs:     500,
			MaxBatchSize:   5,
			LocationBucket: 16,
		},
		Queue:    QueueConfig{Concurrency: 3},
		Cache:    CacheConfig{Capacity: 4096},
		Triggers: TriggerConfig{MaxPending: 10},
		Providers: map[string]ProviderConfig{
			"local": {
				Kind:            KindLocal,
				Endpoint:        "http://localhost:11434",
				Model:           "llama3.2:3b",
				Temperature:     0.6,
				RateLimit:       0,
				MaxConcurrent:   2,
				HealthIntervalS: 30,
				TimeoutS:        30,
			},
			"remote": {
				Kind:        KindRemote,
				Endpoint:    "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
				RateLimit:   10.0,
				RateBurst:   5,
				TimeoutS:    120,
				APIKeyEnv:   "OPENAI_API_KEY",
			},
		},
		Routing: map[string]RouteConfig{},
		Telemetry: TelemetryConfig{
			ServiceName: "townmind",
		},
	}
}

// envOverrides lists the TOWNMIND_* variables. Unset variables leave the
// file value untouched.
type envOverrides struct {
	DebounceMs         *int     `env:"TOWNMIND_DEBOUNCE_MS"`
	MaxBatchSize       *int     `env:"TOWNMIND_MAX_BATCH_SIZE"`
	LocationBucket     *float64 `env:"TOWNMIND_LOCATION_BUCKET"`
	QueueConcurrency   *int     `env:"TOWNMIND_QUEUE_CONCURRENCY"`
	CacheCapacity      *int     `env:"TOWNMIND_CACHE_CAPACITY"`
	LocalEndpoint      *string  `env:"TOWNMIND_LOCAL_ENDPOINT"`
	LocalModel         *string  `env:"TOWNMIND_LOCAL_MODEL"`
	LocalMaxConcurrent *int     `env:"TOWNMIND_LOCAL_MAX_CONCURRENT"`
	RemoteEndpoint     *string  `env:"TOWNMIND_REMOTE_ENDPOINT"`
	RemoteModel        *string  `env:"TOWNMIND_REMOTE_MODEL"`
	StorePath          *string  `env:"TOWNMIND_DB_PATH"`
	OTelEndpoint       *string  `env:"TOWNMIND_OTEL_ENDPOINT"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	setInt(&cfg.Scheduler.DebounceMs, o.DebounceMs)
	setInt(&cfg.Scheduler.MaxBatchSize, o.MaxBatchSize)
	if o.LocationBucket != nil {
		cfg.Scheduler.LocationBucket = *o.LocationBucket
	}
	setInt(&cfg.Queue.Concurrency, o.QueueConcurrency)
	setInt(&cfg.Cache.Capacity, o.CacheCapacity)
	if o.StorePath != nil {
		cfg.Store.Path = *o.StorePath
	}
	if o.OTelEndpoint != nil {
		cfg.Telemetry.Endpoint = *o.OTelEndpoint
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	if p, ok := cfg.Providers["local"]; ok {
		setString(&p.Endpoint, o.LocalEndpoint)
		setString(&p.Model, o.LocalModel)
		setInt(&p.MaxConcurrent, o.LocalMaxConcurrent)
		cfg.Providers["local"] = p
	}
	if p, ok := cfg.Providers["remote"]; ok {
		setString(&p.Endpoint, o.RemoteEndpoint)
		setString(&p.Model, o.RemoteModel)
		cfg.Providers["remote"] = p
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Debounce returns the scheduler debounce window.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Scheduler.DebounceMs) * time.Millisecond
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.DebounceMs <= 0 {
		errs = append(errs, errors.New("scheduler.debounce_ms must be positive"))
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.max_batch_size must be positive"))
	}
	if c.Scheduler.LocationBucket <= 0 {
		errs = append(errs, errors.New("scheduler.location_bucket must be positive"))
	}
	if c.Queue.Concurrency <= 0 {
		errs = append(errs, errors.New("queue.concurrency must be positive"))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}
	if c.Triggers.MaxPending <= 0 {
		errs = append(errs, errors.New("triggers.max_pending must be positive"))
	}

	for name, p := range c.Providers {
		switch p.Kind {
		case KindLocal, KindRemote:
		default:
			errs = append(errs, fmt.Errorf("providers.%s: unknown kind %q", name, p.Kind))
		}
		if p.Endpoint == "" {
			errs = append(errs, fmt.Errorf("providers.%s: endpoint is required", name))
		}
		if p.MaxConcurrent < 0 || p.TimeoutS < 0 || p.HealthIntervalS < 0 {
			errs = append(errs, fmt.Errorf("providers.%s: negative limits", name))
		}
	}

	for category, r := range c.Routing {
		for _, target := range []string{r.Primary, r.Fallback} {
			if target == "" {
				continue
			}
			if _, ok := c.Providers[target]; !ok {
				errs = append(errs, fmt.Errorf("routing.%s: unknown provider %q", category, target))
			}
		}
		if r.Format != "" && r.Format != "text" && r.Format != "json" {
			errs = append(errs, fmt.Errorf("routing.%s: format must be text or json", category))
		}
	}

	return errors.Join(errs...)
}

// DataDir returns the path to the data directory (~/.townmind).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".townmind"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
