package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/scrape/api"
	"github.com/use-agent/scrape/cache"
	"github.com/use-agent/scrape/config"
	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
	"github.com/use-agent/scrape/scheduler"
	"github.com/use-agent/scrape/sink"
	"github.com/use-agent/scrape/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("scrape starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"workers", cfg.Crawl.Workers,
		"perHost", cfg.Crawl.PerHostConcurrency,
	)

	// ── 3. Initialise fetch engine ──────────────────────────────────
	eng := engine.NewHTTPEngine(engine.HTTPOptions{
		UserAgent:    cfg.Fetch.UserAgent,
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		Timeout:      cfg.Fetch.Timeout,
		Fingerprint:  cfg.Fetch.Fingerprint,
		ProxyURL:     cfg.Fetch.Proxy,
		MaxClients:   cfg.Fetch.MaxProxyClients,
	})

	// ── 4. Initialise extractor and rulesets ────────────────────────
	var rulesets []*extractor.Ruleset
	if cfg.Rules.Path != "" {
		var err error
		rulesets, err = extractor.LoadRulesets(cfg.Rules.Path)
		if err != nil {
			slog.Error("failed to load rulesets", "path", cfg.Rules.Path, "error", err)
			os.Exit(1)
		}
		slog.Info("rulesets loaded", "path", cfg.Rules.Path, "count", len(rulesets))
	}
	registry, err := extractor.NewRegistry(rulesets...)
	if err != nil {
		slog.Error("invalid rulesets", "error", err)
		os.Exit(1)
	}
	ext := extractor.New(extractor.Options{
		MaxLinks: cfg.Crawl.MaxLinks,
		Registry: registry,
	})

	// ── 5. Open durable sink ────────────────────────────────────────
	var durable sink.Sink
	var db *sink.SQLite
	if cfg.Sink.SQLitePath != "" {
		db, err = sink.OpenSQLite(cfg.Sink.SQLitePath, sink.DefaultSQLiteOptions())
		if err != nil {
			slog.Error("failed to open sqlite sink", "path", cfg.Sink.SQLitePath, "error", err)
			os.Exit(1)
		}
		durable = db
		slog.Info("sqlite sink enabled", "path", db.Path())
	}

	// ── 6. Initialise job manager ───────────────────────────────────
	manager := scheduler.NewManager(scheduler.Options{
		Crawl:     cfg.Crawl,
		Fetch:     cfg.Fetch,
		Robots:    cfg.Robots,
		Engine:    eng,
		Extractor: ext,
		Durable:   durable,
		Webhooks:  webhook.New(nil, nil),
	})

	// ── 6b. Initialise cache ────────────────────────────────────────
	cc := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)

	// ── 7. Setup router ─────────────────────────────────────────────
	startTime := time.Now()
	router := api.NewRouter(api.Deps{
		Manager:   manager,
		Engine:    eng,
		Extractor: ext,
		Cache:     cc,
	}, cfg, startTime)

	// ── 8. Start HTTP server ────────────────────────────────────────
	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 9. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Running jobs are aborted; their in-flight fetches finish first.
	if err := manager.Shutdown(ctx); err != nil {
		slog.Error("job manager forced shutdown", "error", err)
	}

	cc.Close()
	if db != nil {
		if err := db.Close(); err != nil {
			slog.Error("closing sqlite sink failed", "error", err)
		}
	}
	slog.Info("scrape stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
