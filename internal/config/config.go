// Package config loads and validates acquisition configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Store    StoreConfig    `mapstructure:"store"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PipelineConfig carries the core acquisition knobs.
type PipelineConfig struct {
	WorkerCount          int                `mapstructure:"worker_count"`
	ClaimBatch           int                `mapstructure:"claim_batch"`
	BrowserPoolSize      int                `mapstructure:"browser_pool_size"`
	MinTextLength        int                `mapstructure:"min_text_length"`
	MaxAttempts          int                `mapstructure:"max_attempts"`
	GraceShutdownSeconds int                `mapstructure:"grace_shutdown_seconds"`
	PaywallDomains       []string           `mapstructure:"paywall_domains"`
	PerDomainDelays      map[string]float64 `mapstructure:"per_domain_delays"`
	DefaultDelaySeconds  float64            `mapstructure:"default_delay_seconds"`
	UserAgents           []string           `mapstructure:"user_agents"`
}

// HTTPConfig configures the plain-HTTP fetch path.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// BrowserConfig configures the headless fallback path.
type BrowserConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	ChromePath        string `mapstructure:"chrome_path"`
}

// ProxyConfig configures proxy sourcing and health tracking.
type ProxyConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	SourcePath             string `mapstructure:"source_path"`
	ValidateURL            string `mapstructure:"validate_url"`
	ValidateTimeoutSeconds int    `mapstructure:"validate_timeout_seconds"`
	LowWater               int    `mapstructure:"low_water"`
	RetireAfter            int    `mapstructure:"retire_after"`
}

// StoreConfig controls the state store backend and writer batching.
type StoreConfig struct {
	Backend         string `mapstructure:"backend"`
	Path            string `mapstructure:"path"`
	DSN             string `mapstructure:"dsn"`
	BusyTimeoutMs   int    `mapstructure:"busy_timeout_ms"`
	QueueDepth      int    `mapstructure:"queue_depth"`
	BatchSize       int    `mapstructure:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms"`
}

// ArchiveConfig selects the raw-HTML archive provider.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig selects the completion publisher.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pipeline.worker_count", 20)
	v.SetDefault("pipeline.claim_batch", 50)
	v.SetDefault("pipeline.browser_pool_size", 3)
	v.SetDefault("pipeline.min_text_length", 300)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.grace_shutdown_seconds", 30)
	v.SetDefault("pipeline.paywall_domains", []string{"nytimes.com", "washingtonpost.com", "wsj.com"})
	v.SetDefault("pipeline.per_domain_delays", map[string]float64{
		"apnews.com":         1.5,
		"reuters.com":        2.0,
		"nytimes.com":        4.0,
		"washingtonpost.com": 4.0,
		"wsj.com":            6.0,
	})
	v.SetDefault("pipeline.default_delay_seconds", 3.0)
	v.SetDefault("pipeline.user_agents", DefaultUserAgents())
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.validate_url", "https://httpbin.org/status/200")
	v.SetDefault("proxy.validate_timeout_seconds", 5)
	v.SetDefault("proxy.low_water", 10)
	v.SetDefault("proxy.retire_after", 3)
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "harvest.db")
	v.SetDefault("store.busy_timeout_ms", 5000)
	v.SetDefault("store.queue_depth", 256)
	v.SetDefault("store.batch_size", 100)
	v.SetDefault("store.flush_interval_ms", 250)
	v.SetDefault("archive.provider", "noop")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("pipeline.worker_count must be > 0")
	}
	if c.Pipeline.ClaimBatch <= 0 {
		return fmt.Errorf("pipeline.claim_batch must be > 0")
	}
	if c.Pipeline.BrowserPoolSize <= 0 {
		return fmt.Errorf("pipeline.browser_pool_size must be > 0")
	}
	if c.Pipeline.MinTextLength <= 0 {
		return fmt.Errorf("pipeline.min_text_length must be > 0")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1")
	}
	if c.Pipeline.GraceShutdownSeconds < 0 {
		return fmt.Errorf("pipeline.grace_shutdown_seconds must be >= 0")
	}
	if len(c.Pipeline.UserAgents) == 0 {
		return fmt.Errorf("pipeline.user_agents must not be empty")
	}
	for domain, delay := range c.Pipeline.PerDomainDelays {
		if delay <= 0 {
			return fmt.Errorf("pipeline.per_domain_delays[%s] must be > 0", domain)
		}
	}
	if c.Pipeline.DefaultDelaySeconds <= 0 {
		return fmt.Errorf("pipeline.default_delay_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the sqlite backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be sqlite or postgres, got %q", c.Store.Backend)
	}
	if c.Store.BusyTimeoutMs < 5000 {
		return fmt.Errorf("store.busy_timeout_ms must be >= 5000")
	}
	if c.Store.BatchSize <= 0 || c.Store.QueueDepth <= 0 {
		return fmt.Errorf("store.batch_size and store.queue_depth must be > 0")
	}
	switch c.Archive.Provider {
	case "noop", "memory", "local", "gcs":
	default:
		return fmt.Errorf("archive.provider must be one of noop, memory, local, gcs")
	}
	if c.Archive.Provider == "local" && c.Archive.LocalDir == "" {
		return fmt.Errorf("archive.local_dir must be set for the local provider")
	}
	if c.Archive.Provider == "gcs" && c.Archive.GCSBucket == "" {
		return fmt.Errorf("archive.gcs_bucket must be set for the gcs provider")
	}
	switch c.Notify.Provider {
	case "noop", "memory", "pubsub":
	default:
		return fmt.Errorf("notify.provider must be one of noop, memory, pubsub")
	}
	if c.Notify.Provider == "pubsub" && (c.Notify.ProjectID == "" || c.Notify.TopicName == "") {
		return fmt.Errorf("notify.project_id and notify.topic_name must be set for the pubsub provider")
	}
	if c.Proxy.Enabled {
		if c.Proxy.SourcePath == "" {
			return fmt.Errorf("proxy.source_path must be set when the proxy pool is enabled")
		}
		if c.Proxy.ValidateURL == "" {
			return fmt.Errorf("proxy.validate_url must be set when the proxy pool is enabled")
		}
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set when the admin server is enabled")
	}
	return nil
}

// HTTPTimeout returns the per-fetch timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout returns the browser navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// GraceShutdown returns the worker drain grace period as a duration.
func (c Config) GraceShutdown() time.Duration {
	return time.Duration(c.Pipeline.GraceShutdownSeconds) * time.Second
}

// FlushInterval returns the writer batch flush interval as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Store.FlushIntervalMs) * time.Millisecond
}

// ValidateTimeout returns the proxy validation timeout as a duration.
func (c Config) ValidateTimeout() time.Duration {
	return time.Duration(c.Proxy.ValidateTimeoutSeconds) * time.Second
}

// DelayFor returns the minimum inter-request delay for a registrable
// publisher domain, falling back to the default delay.
func (c Config) DelayFor(domain string) time.Duration {
	if secs, ok := c.Pipeline.PerDomainDelays[domain]; ok {
		return time.Duration(secs * float64(time.Second))
	}
	return time.Duration(c.Pipeline.DefaultDelaySeconds * float64(time.Second))
}

// PaywallDomain reports whether the registrable domain is eligible for the
// browser fallback path.
func (c Config) PaywallDomain(domain string) bool {
	for _, d := range c.Pipeline.PaywallDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}
