package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Validation errors returned by Config.Validate.
var (
	ErrInvalidPort        = errors.New("config: port must be between 1 and 65535")
	ErrInvalidMode        = errors.New("config: mode must be debug, release or test")
	ErrInvalidWorkers     = errors.New("config: workers must be positive")
	ErrInvalidConcurrency = errors.New("config: per-host concurrency must be positive")
	ErrInvalidDepth       = errors.New("config: max depth must not be negative")
	ErrInvalidAttempts    = errors.New("config: max attempts must be positive")
	ErrInvalidScope       = errors.New("config: scope must be host, domain or any")
	ErrInvalidTimeout     = errors.New("config: timeouts must be positive")
	ErrInvalidProxy       = errors.New("config: proxy scheme must be http, https, socks5 or socks5h")
	ErrInvalidLogFormat   = errors.New("config: log format must be json or text")
	ErrMissingAPIKeys     = errors.New("config: auth enabled without API keys")
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Crawl     CrawlConfig
	Fetch     FetchConfig
	Robots    RobotsConfig
	Rules     RulesConfig
	Sink      SinkConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Log       LogConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8282
	Mode string // "debug", "release", "test"; default: "release"

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration // default: 30s
}

// CrawlConfig holds the server defaults for crawl jobs. A job's own
// configuration overrides them field by field.
type CrawlConfig struct {
	MaxDepth           int           // default: 3
	MaxPages           int           // default: 1000
	Workers            int           // default: 8
	PerHostConcurrency int           // default: 2
	CrawlDelay         time.Duration // default: 500ms
	MaxAttempts        int           // default: 3
	RetryBaseDelay     time.Duration // default: 1s
	RetryMaxDelay      time.Duration // default: 1m

	// Scope is "host", "domain" or "any".
	Scope string // default: "host"

	// MaxLinks caps the links discovered on one page.
	MaxLinks int // default: 500

	// ResultBuffer bounds the per-job in-memory results buffer.
	ResultBuffer int // default: 10000

	// JobRetention is how long finished jobs stay queryable.
	JobRetention time.Duration // default: 1h

	// PollInterval is the scheduler's idle wake-up period.
	PollInterval time.Duration // default: 50ms
}

// FetchConfig controls the HTTP fetcher.
type FetchConfig struct {
	Timeout      time.Duration // default: 30s
	MaxTimeout   time.Duration // default: 120s
	MaxRedirects int           // default: 5
	MaxBodyBytes int64         // default: 10 MiB
	UserAgent    string

	// Proxy is the default proxy URL for all requests.
	Proxy string

	// Fingerprint enables the Chrome TLS fingerprint.
	Fingerprint bool // default: false

	// MaxProxyClients bounds the pooled clients kept for per-request proxies.
	MaxProxyClients int // default: 32
}

// RobotsConfig controls robots.txt handling.
type RobotsConfig struct {
	Respect    bool          // default: true
	FailClosed bool          // default: false
	Timeout    time.Duration // default: 10s
}

// RulesConfig points at the extraction rulesets file.
type RulesConfig struct {
	// Path is a YAML rulesets file. Empty uses the built-in rulesets only.
	Path string
}

// SinkConfig controls the durable results sink.
type SinkConfig struct {
	// SQLitePath enables the SQLite sink when set.
	SQLitePath string
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: false

	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// CacheConfig controls the scrape response cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached responses.
	MaxEntries int // default: 1000

	// TTL is the age after which entries are evicted.
	TTL time.Duration // default: 1h
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// DefaultUserAgent identifies the crawler.
const DefaultUserAgent = "scrape/1.0 (+https://github.com/use-agent/scrape)"

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            envOr("SCRAPE_HOST", "0.0.0.0"),
			Port:            envIntOr("SCRAPE_PORT", 8282),
			Mode:            envOr("SCRAPE_MODE", "release"),
			ShutdownTimeout: envDurationOr("SCRAPE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Crawl: CrawlConfig{
			MaxDepth:           envIntOr("SCRAPE_MAX_DEPTH", 3),
			MaxPages:           envIntOr("SCRAPE_MAX_PAGES", 1000),
			Workers:            envIntOr("SCRAPE_WORKERS", 8),
			PerHostConcurrency: envIntOr("SCRAPE_PER_HOST_CONCURRENCY", 2),
			CrawlDelay:         envDurationOr("SCRAPE_CRAWL_DELAY", 500*time.Millisecond),
			MaxAttempts:        envIntOr("SCRAPE_MAX_ATTEMPTS", 3),
			RetryBaseDelay:     envDurationOr("SCRAPE_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:      envDurationOr("SCRAPE_RETRY_MAX_DELAY", time.Minute),
			Scope:              envOr("SCRAPE_SCOPE", "host"),
			MaxLinks:           envIntOr("SCRAPE_MAX_LINKS", 500),
			ResultBuffer:       envIntOr("SCRAPE_RESULT_BUFFER", 10000),
			JobRetention:       envDurationOr("SCRAPE_JOB_RETENTION", time.Hour),
			PollInterval:       envDurationOr("SCRAPE_POLL_INTERVAL", 50*time.Millisecond),
		},
		Fetch: FetchConfig{
			Timeout:      envDurationOr("SCRAPE_FETCH_TIMEOUT", 30*time.Second),
			MaxTimeout:   envDurationOr("SCRAPE_MAX_TIMEOUT", 120*time.Second),
			MaxRedirects: envIntOr("SCRAPE_MAX_REDIRECTS", 5),
			MaxBodyBytes: int64(envIntOr("SCRAPE_MAX_BODY_BYTES", 10<<20)),
			UserAgent:    envOr("SCRAPE_USER_AGENT", DefaultUserAgent),
			Proxy:        os.Getenv("SCRAPE_PROXY"),
			Fingerprint:  envBoolOr("SCRAPE_TLS_FINGERPRINT", false),

			MaxProxyClients: envIntOr("SCRAPE_MAX_PROXY_CLIENTS", 32),
		},
		Robots: RobotsConfig{
			Respect:    envBoolOr("SCRAPE_RESPECT_ROBOTS", true),
			FailClosed: envBoolOr("SCRAPE_ROBOTS_FAIL_CLOSED", false),
			Timeout:    envDurationOr("SCRAPE_ROBOTS_TIMEOUT", 10*time.Second),
		},
		Rules: RulesConfig{
			Path: os.Getenv("SCRAPE_RULES_PATH"),
		},
		Sink: SinkConfig{
			SQLitePath: os.Getenv("SCRAPE_SQLITE_PATH"),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("SCRAPE_AUTH_ENABLED", false),
			APIKeys: envSliceOr("SCRAPE_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("SCRAPE_RATE_RPS", 5.0),
			Burst:             envIntOr("SCRAPE_RATE_BURST", 10),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("SCRAPE_CACHE_MAX_ENTRIES", 1000),
			TTL:        envDurationOr("SCRAPE_CACHE_TTL", time.Hour),
		},
		Log: LogConfig{
			Level:  envOr("SCRAPE_LOG_LEVEL", "info"),
			Format: envOr("SCRAPE_LOG_FORMAT", "json"),
		},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidPort
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return ErrInvalidMode
	}
	if c.Crawl.Workers < 1 {
		return ErrInvalidWorkers
	}
	if c.Crawl.PerHostConcurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.Crawl.MaxDepth < 0 {
		return ErrInvalidDepth
	}
	if c.Crawl.MaxAttempts < 1 {
		return ErrInvalidAttempts
	}
	switch c.Crawl.Scope {
	case "host", "domain", "any":
	default:
		return ErrInvalidScope
	}
	if c.Fetch.Timeout <= 0 || c.Fetch.MaxTimeout <= 0 || c.Robots.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if p := c.Fetch.Proxy; p != "" {
		scheme, _, _ := strings.Cut(p, "://")
		switch strings.ToLower(scheme) {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("%w: %q", ErrInvalidProxy, p)
		}
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return ErrInvalidLogFormat
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return ErrMissingAPIKeys
	}
	return nil
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
