package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrape/cache"
	"github.com/use-agent/scrape/config"
	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
	"github.com/use-agent/scrape/models"
)

// Scrape returns a handler for POST /scrape and POST /api/v1/scrape.
//
// Flow:
//  1. Parse & validate request, apply defaults.
//  2. Cache lookup when max_age_ms is set.
//  3. Fetch through the engine (optionally via the request proxy).
//  4. Relay upstream non-2xx statuses as errors.
//  5. Render the body in the requested format, cache and respond.
func Scrape(eng engine.Engine, x *extractor.Extractor, cc *cache.Cache, cfg config.FetchConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ── 1. Parse request ────────────────────────────────────────
		var req models.ScrapeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			scrapeError(c, http.StatusBadRequest, models.ErrCodeInvalidInput, err.Error())
			return
		}
		req.Defaults()

		if req.Proxy != "" && !validProxy(req.Proxy) {
			scrapeError(c, http.StatusBadRequest, models.ErrCodeInvalidInput, "Invalid proxy URL: "+req.Proxy)
			return
		}
		timeout := time.Duration(req.TimeoutSeconds) * time.Second
		if cfg.MaxTimeout > 0 && timeout > cfg.MaxTimeout {
			timeout = cfg.MaxTimeout
		}

		// ── 2. Cache lookup ─────────────────────────────────────────
		cacheKey := cache.Key(req.URL, req.Format, req.Proxy)
		if cc != nil && req.MaxAgeMs > 0 {
			if cached, hit := cc.Get(cacheKey, req.MaxAgeMs); hit {
				cached.CacheStatus = "hit"
				c.JSON(http.StatusOK, cached)
				return
			}
		}

		// ── 3. Fetch ────────────────────────────────────────────────
		slog.Info("scraping url", "url", req.URL, "proxy", req.Proxy != "", "timeout", timeout)
		res, err := eng.Fetch(c.Request.Context(), &engine.FetchRequest{
			URL:      req.URL,
			Timeout:  timeout,
			ProxyURL: req.Proxy,
		})
		if err != nil {
			status, code := http.StatusInternalServerError, models.ErrCodeFetchFailed
			var fe *engine.FetchError
			if errors.As(err, &fe) && fe.Kind == engine.Timeout {
				code = models.ErrCodeFetchTimeout
			}
			slog.Warn("scrape request failed", "url", req.URL, "error", err)
			scrapeError(c, status, code, "Failed to make HTTP request: "+err.Error())
			return
		}

		// ── 4. Upstream status ──────────────────────────────────────
		if !res.OK() {
			msg := fmt.Sprintf("HTTP request failed with status: %d %s", res.StatusCode, statusText(res.StatusCode))
			slog.Warn("scrape upstream status", "url", req.URL, "status", res.StatusCode)
			c.JSON(res.StatusCode, models.ScrapeResponse{
				Error:      &msg,
				Code:       models.ErrCodeUpstreamStatus,
				StatusCode: res.StatusCode,
				FinalURL:   res.FinalURL,
			})
			return
		}

		// ── 5. Render and respond ───────────────────────────────────
		content, err := x.Render(res, req.Format)
		if err != nil {
			scrapeError(c, http.StatusInternalServerError, models.ErrCodeInternal, "Failed to read response body: "+err.Error())
			return
		}
		resp := &models.ScrapeResponse{
			Content:    &content,
			StatusCode: res.StatusCode,
			FinalURL:   res.FinalURL,
		}
		if cc != nil && req.MaxAgeMs > 0 {
			cc.Set(cacheKey, resp)
			resp.CacheStatus = "miss"
		}
		c.JSON(http.StatusOK, resp)
	}
}

func scrapeError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, models.ScrapeResponse{Error: &msg, Code: code})
}

func validProxy(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
		return true
	}
	return false
}

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Unknown Status"
}
