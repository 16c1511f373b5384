package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.WorkerCount != 20 {
		t.Fatalf("expected default worker_count 20, got %d", cfg.Pipeline.WorkerCount)
	}
	if cfg.Pipeline.BrowserPoolSize != 3 {
		t.Fatalf("expected default browser_pool_size 3, got %d", cfg.Pipeline.BrowserPoolSize)
	}
	if cfg.Pipeline.MinTextLength != 300 {
		t.Fatalf("expected default min_text_length 300, got %d", cfg.Pipeline.MinTextLength)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("expected default max_attempts 3, got %d", cfg.Pipeline.MaxAttempts)
	}
	if got := cfg.GraceShutdown(); got != 30*time.Second {
		t.Fatalf("expected 30s grace, got %v", got)
	}
	if got := len(cfg.Pipeline.UserAgents); got < 15 || got > 20 {
		t.Fatalf("expected 15-20 default user agents, got %d", got)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.BusyTimeoutMs != 5000 {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if !cfg.PaywallDomain("nytimes.com") || cfg.PaywallDomain("reuters.com") {
		t.Fatalf("unexpected paywall domain defaults: %v", cfg.Pipeline.PaywallDomains)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
pipeline:
  worker_count: 8
  claim_batch: 25
  browser_pool_size: 2
  min_text_length: 500
  max_attempts: 2
  grace_shutdown_seconds: 10
  paywall_domains: ["nytimes.com"]
  per_domain_delays:
    nytimes.com: 4.0
    apnews.com: 1.5
  default_delay_seconds: 2.5
  user_agents: ["ua-1", "ua-2", "ua-3", "ua-4", "ua-5", "ua-6", "ua-7", "ua-8", "ua-9", "ua-10", "ua-11", "ua-12", "ua-13", "ua-14", "ua-15"]
http:
  timeout_seconds: 20
browser:
  enabled: false
  nav_timeout_seconds: 45
store:
  backend: sqlite
  path: /tmp/corpus.db
  busy_timeout_ms: 6000
  batch_size: 50
archive:
  provider: local
  local_dir: /tmp/raw
notify:
  provider: memory
server:
  enabled: true
  addr: ":9191"
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Pipeline.WorkerCount != 8 || cfg.Pipeline.MinTextLength != 500 {
		t.Fatalf("expected pipeline overrides to apply: %+v", cfg.Pipeline)
	}
	if cfg.Browser.Enabled {
		t.Fatal("expected browser fallback disabled")
	}
	if got := cfg.NavTimeout(); got != 45*time.Second {
		t.Fatalf("expected 45s nav timeout, got %v", got)
	}
	if got := cfg.DelayFor("nytimes.com"); got != 4*time.Second {
		t.Fatalf("expected 4s delay for nytimes.com, got %v", got)
	}
	if got := cfg.DelayFor("reuters.com"); got != 2500*time.Millisecond {
		t.Fatalf("expected default 2.5s delay, got %v", got)
	}
	if cfg.Archive.Provider != "local" || cfg.Archive.LocalDir != "/tmp/raw" {
		t.Fatalf("expected archive overrides to apply: %+v", cfg.Archive)
	}
	if !cfg.Logging.Development {
		t.Fatal("expected development logging")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Pipeline.WorkerCount = 0 },
			wantSub: "worker_count",
		},
		{
			name:    "empty user agents",
			mutate:  func(c *Config) { c.Pipeline.UserAgents = nil },
			wantSub: "user_agents",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Store.Backend = "mysql" },
			wantSub: "store.backend",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Backend = "postgres"; c.Store.DSN = "" },
			wantSub: "store.dsn",
		},
		{
			name:    "busy timeout below floor",
			mutate:  func(c *Config) { c.Store.BusyTimeoutMs = 1000 },
			wantSub: "busy_timeout_ms",
		},
		{
			name:    "negative delay",
			mutate:  func(c *Config) { c.Pipeline.PerDomainDelays = map[string]float64{"wsj.com": -1} },
			wantSub: "per_domain_delays",
		},
		{
			name:    "proxy enabled without source",
			mutate:  func(c *Config) { c.Proxy.Enabled = true; c.Proxy.SourcePath = "" },
			wantSub: "proxy.source_path",
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.Archive.Provider = "gcs"; c.Archive.GCSBucket = "" },
			wantSub: "gcs_bucket",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}
