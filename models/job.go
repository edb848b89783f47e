package models

import "time"

// JobState is the lifecycle state of a crawl job.
type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobDraining  JobState = "draining"
	JobCompleted JobState = "completed"
	JobAborted   JobState = "aborted"
)

// Finished reports whether the job reached Completed or Aborted.
func (s JobState) Finished() bool {
	return s == JobCompleted || s == JobAborted
}

// JobConfig carries per-job crawl settings. Zero values fall back to the
// server defaults from config.CrawlConfig.
type JobConfig struct {
	// MaxDepth limits link depth from the seeds. Seeds are depth 0.
	MaxDepth *int `json:"max_depth,omitempty" binding:"omitempty,min=0,max=20"`

	// MaxPages caps the number of accepted targets.
	MaxPages int `json:"max_pages,omitempty" binding:"omitempty,min=1,max=100000"`

	// Workers is the size of the job's fetch worker pool.
	Workers int `json:"workers,omitempty" binding:"omitempty,min=1,max=256"`

	// PerHostConcurrency bounds in-flight fetches per host.
	PerHostConcurrency int `json:"per_host_concurrency,omitempty" binding:"omitempty,min=1,max=64"`

	// CrawlDelayMs is the minimum delay between two requests to the same host.
	CrawlDelayMs *int `json:"crawl_delay_ms,omitempty" binding:"omitempty,min=0"`

	// MaxAttempts is the number of failures after which a target is Failed.
	MaxAttempts int `json:"max_attempts,omitempty" binding:"omitempty,min=1,max=20"`

	// RetryBaseDelayMs is the first retry backoff; it doubles per attempt.
	RetryBaseDelayMs int `json:"retry_base_delay_ms,omitempty" binding:"omitempty,min=1"`

	// MaxRedirects bounds the redirect chain of a single fetch.
	MaxRedirects *int `json:"max_redirects,omitempty" binding:"omitempty,min=0,max=20"`

	// FetchTimeoutMs is the per-fetch deadline.
	FetchTimeoutMs int `json:"fetch_timeout_ms,omitempty" binding:"omitempty,min=1"`

	// Scope controls which discovered links are followed:
	// "host" (same host), "domain" (same base domain) or "any".
	Scope string `json:"scope,omitempty" binding:"omitempty,oneof=host domain any"`

	// IncludePatterns, when set, restricts discovered links to matching glob patterns.
	IncludePatterns []string `json:"include_patterns,omitempty"`

	// ExcludePatterns drops discovered links matching any glob pattern.
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`

	// Ruleset forces a named extraction ruleset instead of host/content-type selection.
	Ruleset string `json:"ruleset,omitempty"`

	// RespectRobots overrides the server default for robots.txt compliance.
	RespectRobots *bool `json:"respect_robots,omitempty"`

	// Priority is assigned to the seeds and inherited by discovered links.
	Priority int `json:"priority,omitempty"`

	// KeepOpen leaves the submission channel open for AddSeeds until Close.
	KeepOpen bool `json:"keep_open,omitempty"`

	WebhookURL    string `json:"webhook_url,omitempty" binding:"omitempty,url"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// JobRequest is the payload for POST /api/v1/jobs.
type JobRequest struct {
	Seeds  []string  `json:"seeds" binding:"required,min=1,max=1000"`
	Config JobConfig `json:"config"`
}

// SeedsRequest is the payload for POST /api/v1/jobs/:id/seeds.
type SeedsRequest struct {
	Seeds []string `json:"seeds" binding:"required,min=1,max=1000"`
}

// JobResponse is the immediate response for POST /api/v1/jobs.
type JobResponse struct {
	ID    string   `json:"id"`
	State JobState `json:"state"`
}

// JobStatus is a point-in-time view of a job.
type JobStatus struct {
	ID       string   `json:"id"`
	State    JobState `json:"state"`
	Pending  int      `json:"pending_count"`
	InFlight int      `json:"in_flight_count"`
	Done     int      `json:"done_count"`
	Failed   int      `json:"failed_count"`
	Excluded int      `json:"excluded_count"`
	Records  int      `json:"record_count"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ResultsResponse is the response for GET /api/v1/jobs/:id/results.
type ResultsResponse struct {
	ID         string             `json:"id"`
	Records    []*ExtractedRecord `json:"records"`
	NextCursor int                `json:"next_cursor"`
	Done       bool               `json:"done"`
	Dropped    int                `json:"dropped,omitempty"`
}
