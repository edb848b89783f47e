package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrape/cache"
	"github.com/use-agent/scrape/config"
	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/scheduler"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>A</title></head><body><a href="/b">b</a></body></html>`)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><head><title>B</title></head><body>leaf</body></html>`)
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.Server.Mode = gin.TestMode
	cfg.Auth = config.AuthConfig{}
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000}
	cfg.Crawl.CrawlDelay = 0
	cfg.Crawl.PollInterval = 10 * time.Millisecond
	cfg.Crawl.MaxDepth = 1
	cfg.Robots.Respect = false
	return cfg
}

func newTestRouter(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	eng := engine.NewHTTPEngine(engine.HTTPOptions{})
	x := extractor.New(extractor.Options{})
	m := scheduler.NewManager(scheduler.Options{
		Crawl: cfg.Crawl, Fetch: cfg.Fetch, Robots: cfg.Robots,
		Engine: eng, Extractor: x,
	})
	cc := cache.New(100, time.Hour)
	t.Cleanup(func() {
		cc.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return NewRouter(Deps{Manager: m, Engine: eng, Extractor: x, Cache: cc}, cfg, time.Now())
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"k"}}
	h := newTestRouter(t, cfg)

	w := do(t, h, http.MethodGet, "/api/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health without key = %d", w.Code)
	}
	if got := decode[models.HealthResponse](t, w); got.Status != "healthy" {
		t.Fatalf("health = %+v", got)
	}
}

func TestAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKeys: []string{"k"}}
	h := newTestRouter(t, cfg)
	srv := upstream(t)

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"x-api-key", []string{"X-API-Key", "k"}, http.StatusOK},
		{"bearer", []string{"Authorization", "Bearer k"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/scrape", map[string]any{"url": srv.URL + "/a"}, tt.header...)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusUnauthorized {
				if got := decode[models.ErrorResponse](t, w); got.Error == nil || got.Error.Code != models.ErrCodeUnauthorized {
					t.Fatalf("body = %s", w.Body.String())
				}
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1}
	h := newTestRouter(t, cfg)

	if w := do(t, h, http.MethodGet, "/api/v1/jobs/x", nil); w.Code != http.StatusNotFound {
		t.Fatalf("first = %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/jobs/x", nil)
	if w.Code != http.StatusTooManyRequests || w.Header().Get("Retry-After") == "" {
		t.Fatalf("second = %d %v", w.Code, w.Header())
	}
}

func TestScrape(t *testing.T) {
	h := newTestRouter(t, testConfig())
	srv := upstream(t)

	t.Run("raw content", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/scrape", map[string]any{"url": srv.URL + "/a"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		got := decode[models.ScrapeResponse](t, w)
		if got.Content == nil || !strings.Contains(*got.Content, "<title>A</title>") || got.Error != nil {
			t.Fatalf("response = %s", w.Body.String())
		}
	})

	t.Run("versioned path and text format", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/api/v1/scrape", map[string]any{"url": srv.URL + "/b", "format": "text"})
		got := decode[models.ScrapeResponse](t, w)
		if w.Code != http.StatusOK || got.Content == nil || !strings.Contains(*got.Content, "leaf") {
			t.Fatalf("response = %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("upstream status relayed", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/scrape", map[string]any{"url": srv.URL + "/missing"})
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d", w.Code)
		}
		got := decode[models.ScrapeResponse](t, w)
		if got.Error == nil || *got.Error != "HTTP request failed with status: 404 Not Found" || got.Content != nil {
			t.Fatalf("response = %s", w.Body.String())
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		tests := []map[string]any{
			{},
			{"url": "not a url"},
			{"url": srv.URL, "proxy": "ftp://127.0.0.1:21"},
			{"url": srv.URL, "timeout_seconds": 500},
			{"url": srv.URL, "format": "pdf"},
		}
		for _, body := range tests {
			w := do(t, h, http.MethodPost, "/scrape", body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%v: status = %d", body, w.Code)
			}
			if got := decode[models.ScrapeResponse](t, w); got.Error == nil {
				t.Errorf("%v: no error message", body)
			}
		}
	})

	t.Run("connection failure", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		url := dead.URL
		dead.Close()
		w := do(t, h, http.MethodPost, "/scrape", map[string]any{"url": url + "/", "timeout_seconds": 2})
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", w.Code)
		}
		got := decode[models.ScrapeResponse](t, w)
		if got.Error == nil || !strings.HasPrefix(*got.Error, "Failed to make HTTP request") || got.Code != models.ErrCodeFetchFailed {
			t.Fatalf("response = %s", w.Body.String())
		}
	})

	t.Run("cache", func(t *testing.T) {
		body := map[string]any{"url": srv.URL + "/a", "max_age_ms": 60000}
		first := decode[models.ScrapeResponse](t, do(t, h, http.MethodPost, "/scrape", body))
		second := decode[models.ScrapeResponse](t, do(t, h, http.MethodPost, "/scrape", body))
		if first.CacheStatus != "miss" || second.CacheStatus != "hit" {
			t.Fatalf("cache status = %q, %q", first.CacheStatus, second.CacheStatus)
		}
	})
}

func TestJobs(t *testing.T) {
	h := newTestRouter(t, testConfig())
	srv := upstream(t)

	w := do(t, h, http.MethodPost, "/api/v1/jobs", models.JobRequest{Seeds: []string{srv.URL + "/a"}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit = %d: %s", w.Code, w.Body.String())
	}
	job := decode[models.JobResponse](t, w)
	if job.ID == "" {
		t.Fatal("empty job id")
	}

	var st models.JobStatus
	deadline := time.Now().Add(10 * time.Second)
	for {
		st = decode[models.JobStatus](t, do(t, h, http.MethodGet, "/api/v1/jobs/"+job.ID, nil))
		if st.State.Finished() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.State != models.JobCompleted || st.Done != 2 || st.Records != 2 {
		t.Fatalf("status = %+v", st)
	}

	res := decode[models.ResultsResponse](t, do(t, h, http.MethodGet, "/api/v1/jobs/"+job.ID+"/results?limit=1", nil))
	if len(res.Records) != 1 || res.NextCursor != 1 || res.Done {
		t.Fatalf("page 1 = %+v", res)
	}
	res = decode[models.ResultsResponse](t, do(t, h, http.MethodGet, "/api/v1/jobs/"+job.ID+"/results?cursor=1&limit=1", nil))
	if len(res.Records) != 1 || !res.Done {
		t.Fatalf("page 2 = %+v", res)
	}

	api := httptest.NewServer(h)
	defer api.Close()
	stream := readStream(t, api.URL+"/api/v1/jobs/"+job.ID+"/stream", "")
	if n := strings.Count(stream, "event:record"); n != 2 {
		t.Fatalf("stream records = %d: %s", n, stream)
	}
	if !strings.Contains(stream, "event:done") {
		t.Fatalf("stream has no done event: %s", stream)
	}
	resumed := readStream(t, api.URL+"/api/v1/jobs/"+job.ID+"/stream", "1")
	if n := strings.Count(resumed, "event:record"); n != 1 {
		t.Fatalf("resumed stream records = %d", n)
	}

	if w := do(t, h, http.MethodDelete, "/api/v1/jobs/"+job.ID, nil); w.Code != http.StatusConflict {
		t.Fatalf("cancel finished job = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/jobs/"+job.ID+"/seeds", models.SeedsRequest{Seeds: []string{srv.URL + "/b"}}); w.Code != http.StatusConflict {
		t.Fatalf("add seeds to finished job = %d", w.Code)
	}
}

func readStream(t *testing.T, url, lastEventID string) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestJobs_Errors(t *testing.T) {
	h := newTestRouter(t, testConfig())

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown job", http.MethodGet, "/api/v1/jobs/nope", nil, http.StatusNotFound, models.ErrCodeJobNotFound},
		{"cancel unknown", http.MethodDelete, "/api/v1/jobs/nope", nil, http.StatusNotFound, models.ErrCodeJobNotFound},
		{"results unknown", http.MethodGet, "/api/v1/jobs/nope/results", nil, http.StatusNotFound, models.ErrCodeJobNotFound},
		{"stream unknown", http.MethodGet, "/api/v1/jobs/nope/stream", nil, http.StatusNotFound, models.ErrCodeJobNotFound},
		{"no seeds", http.MethodPost, "/api/v1/jobs", map[string]any{"seeds": []string{}}, http.StatusBadRequest, models.ErrCodeInvalidInput},
		{"bad seed", http.MethodPost, "/api/v1/jobs", models.JobRequest{Seeds: []string{"ftp://x/"}}, http.StatusBadRequest, models.ErrCodeInvalidInput},
		{"bad cursor", http.MethodGet, "/api/v1/jobs/nope/results?cursor=-1", nil, http.StatusBadRequest, models.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if got := decode[models.ErrorResponse](t, w); got.Error == nil || got.Error.Code != tt.code {
				t.Fatalf("body = %s", w.Body.String())
			}
		})
	}
}
