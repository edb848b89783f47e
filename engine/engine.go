package engine

import (
	"context"
	"net/http"
	"time"
)

// Engine is the interface that all fetch engines must implement.
type Engine interface {
	// Name returns the engine identifier (e.g. "http").
	Name() string

	// Fetch retrieves the resource for the given request. A non-2xx status
	// is a normal result. On failure the error is always a *FetchError and
	// the returned result, when non-nil, carries the same error in Err.
	Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error)
}

// FetchRequest contains everything an engine needs to fetch a page.
type FetchRequest struct {
	URL string

	// Timeout bounds the whole fetch including the body read.
	// Zero uses the engine default.
	Timeout time.Duration

	// MaxRedirects overrides the engine's redirect bound when non-nil.
	MaxRedirects *int

	Headers map[string]string

	// ProxyURL routes this request through a proxy (http, https, socks5, socks5h).
	ProxyURL string
}

// FetchResult is the output of an engine fetch.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
	EngineName  string

	// Truncated is set when the body was cut at the engine's size limit.
	Truncated bool

	Err *FetchError
}

// OK reports whether the fetch succeeded with a 2xx status.
func (r *FetchResult) OK() bool {
	return r != nil && r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}
