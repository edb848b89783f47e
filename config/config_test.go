package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Addr() != "0.0.0.0:8282" {
		t.Errorf("Addr = %s", cfg.Addr())
	}
	if cfg.Crawl.MaxDepth != 3 || cfg.Crawl.Workers != 8 || cfg.Crawl.PerHostConcurrency != 2 {
		t.Errorf("crawl defaults = %+v", cfg.Crawl)
	}
	if cfg.Crawl.CrawlDelay != 500*time.Millisecond || cfg.Crawl.MaxAttempts != 3 {
		t.Errorf("politeness defaults = %+v", cfg.Crawl)
	}
	if cfg.Fetch.Timeout != 30*time.Second || cfg.Fetch.MaxRedirects != 5 || cfg.Fetch.MaxBodyBytes != 10<<20 {
		t.Errorf("fetch defaults = %+v", cfg.Fetch)
	}
	if !cfg.Robots.Respect || cfg.Robots.FailClosed {
		t.Errorf("robots defaults = %+v", cfg.Robots)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SCRAPE_PORT", "9000")
	t.Setenv("SCRAPE_WORKERS", "16")
	t.Setenv("SCRAPE_CRAWL_DELAY", "2s")
	t.Setenv("SCRAPE_RESPECT_ROBOTS", "false")
	t.Setenv("SCRAPE_API_KEYS", "a, b,,c")
	t.Setenv("SCRAPE_MAX_DEPTH", "not-a-number")

	cfg := Load()
	if cfg.Server.Port != 9000 || cfg.Crawl.Workers != 16 || cfg.Crawl.CrawlDelay != 2*time.Second {
		t.Errorf("env not applied: %+v %+v", cfg.Server, cfg.Crawl)
	}
	if cfg.Robots.Respect {
		t.Error("SCRAPE_RESPECT_ROBOTS not applied")
	}
	if len(cfg.Auth.APIKeys) != 3 || cfg.Auth.APIKeys[1] != "b" {
		t.Errorf("APIKeys = %v", cfg.Auth.APIKeys)
	}
	if cfg.Crawl.MaxDepth != 3 {
		t.Errorf("invalid int should fall back, got %d", cfg.Crawl.MaxDepth)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, ErrInvalidPort},
		{"mode", func(c *Config) { c.Server.Mode = "prod" }, ErrInvalidMode},
		{"workers", func(c *Config) { c.Crawl.Workers = 0 }, ErrInvalidWorkers},
		{"concurrency", func(c *Config) { c.Crawl.PerHostConcurrency = 0 }, ErrInvalidConcurrency},
		{"depth", func(c *Config) { c.Crawl.MaxDepth = -1 }, ErrInvalidDepth},
		{"attempts", func(c *Config) { c.Crawl.MaxAttempts = 0 }, ErrInvalidAttempts},
		{"scope", func(c *Config) { c.Crawl.Scope = "world" }, ErrInvalidScope},
		{"timeout", func(c *Config) { c.Fetch.Timeout = 0 }, ErrInvalidTimeout},
		{"proxy", func(c *Config) { c.Fetch.Proxy = "ftp://x:21" }, ErrInvalidProxy},
		{"socks proxy ok", func(c *Config) { c.Fetch.Proxy = "socks5://127.0.0.1:9050" }, nil},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, ErrInvalidLogFormat},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKeys = nil }, ErrMissingAPIKeys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			cfg.Auth.APIKeys = []string{"k"}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}
