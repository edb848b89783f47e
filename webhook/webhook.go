package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Event types.
const (
	EventRecord    = "crawl.record"
	EventCompleted = "crawl.completed"
	EventAborted   = "crawl.aborted"
)

// SignatureHeader carries the HMAC-SHA256 of the body: sha256=<hex>.
const SignatureHeader = "X-Scrape-Signature"

// Event is the payload sent to webhook endpoints.
type Event struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ, jobID string, data any) *Event {
	return &Event{Type: typ, JobID: jobID, Timestamp: time.Now().Unix(), Data: data}
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// DefaultRetryDelays are the waits before each delivery attempt.
var DefaultRetryDelays = []time.Duration{0, 1 * time.Second, 5 * time.Second, 30 * time.Second}

// Client delivers events. The zero value is not usable; use New.
type Client struct {
	http   *http.Client
	delays []time.Duration
	wg     sync.WaitGroup
}

// New creates a Client. Nil delays use DefaultRetryDelays.
func New(httpClient *http.Client, delays []time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	return &Client{http: httpClient, delays: delays}
}

// Deliver sends a webhook event synchronously.
// The request body is signed with HMAC-SHA256 if secret is non-empty.
func (c *Client) Deliver(ctx context.Context, url, secret string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Scrape-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(secret, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// DeliverRetry sends an event, retrying with the client's delays until an
// attempt succeeds, the delays run out or ctx ends.
func (c *Client) DeliverRetry(ctx context.Context, url, secret string, event *Event) error {
	var err error
	for attempt, delay := range c.delays {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = c.Deliver(attemptCtx, url, secret, event)
		cancel()
		if err == nil {
			slog.Debug("webhook delivered",
				"url", url, "event", event.Type, "job_id", event.JobID, "attempt", attempt+1)
			return nil
		}
		slog.Warn("webhook delivery failed",
			"url", url, "event", event.Type, "job_id", event.JobID, "attempt", attempt+1, "error", err)
	}
	return err
}

// DeliverAsync sends an event in the background with retries.
func (c *Client) DeliverAsync(url, secret string, event *Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.DeliverRetry(context.Background(), url, secret, event); err != nil {
			slog.Error("webhook delivery exhausted all retries",
				"url", url, "event", event.Type, "job_id", event.JobID)
		}
	}()
}

// Wait blocks until all async deliveries finished.
func (c *Client) Wait() {
	c.wg.Wait()
}
