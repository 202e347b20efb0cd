package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for environment overrides, e.g. SLSCRAPE_BASE_URL.
const EnvPrefix = "slscrape"

// Config holds scraper configuration.
type Config struct {
	BaseURL         string        `envconfig:"BASE_URL"`
	OutputRoot      string        `envconfig:"OUTPUT_ROOT"`
	OutputFormat    string        `envconfig:"OUTPUT_FORMAT"` // csv, json, or dual
	Seasons         []string      `envconfig:"SEASONS"`
	IncludeCurrent  bool          `envconfig:"INCLUDE_CURRENT"`
	SkipCombine     bool          `envconfig:"SKIP_COMBINE"`
	DiscoverOnly    bool          `envconfig:"DISCOVER_ONLY"`
	Parallelism     int           `envconfig:"PARALLEL"`
	Delay           time.Duration `envconfig:"DELAY"`
	RandomDelay     time.Duration `envconfig:"RANDOM_DELAY"`
	Timeout         time.Duration `envconfig:"TIMEOUT"`
	MaxRetries      int           `envconfig:"MAX_RETRIES"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF"`
	RetryBackoffMax time.Duration `envconfig:"RETRY_BACKOFF_MAX"`
	UserAgent       string        `envconfig:"USER_AGENT"`
	MetricsAddr     string        `envconfig:"METRICS_ADDR"`
	Verbose         bool          `envconfig:"VERBOSE"`

	PipelineBufferSize int `envconfig:"PIPELINE_BUFFER"`
	DedupeMaxSize      int `envconfig:"DEDUPE_MAX"`
}

// DefaultConfig returns conservative defaults for the league site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://www.slgr.gr/en/",
		OutputRoot:         "SuperLeague_Data",
		OutputFormat:       "csv",
		Parallelism:        4,
		Delay:              0,
		RandomDelay:        0,
		Timeout:            10 * time.Second,
		MaxRetries:         0,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		PipelineBufferSize: 256,
		DedupeMaxSize:      4096,
	}
}

// FromEnv returns the defaults with SLSCRAPE_* environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	return cfg, nil
}

// TeamsURL returns the teams index page URL under the base URL.
func (c *Config) TeamsURL() string {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL
	}
	ref, err := base.Parse("teams/")
	if err != nil {
		return c.BaseURL
	}
	return ref.String()
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.OutputRoot == "" {
		return fmt.Errorf("output root cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	for _, label := range c.Seasons {
		if label == "" {
			return fmt.Errorf("season filter entries cannot be empty")
		}
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	return nil
}
