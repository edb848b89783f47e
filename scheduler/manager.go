package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/use-agent/scrape/config"
	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
	"github.com/use-agent/scrape/frontier"
	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/politeness"
	"github.com/use-agent/scrape/sink"
	"github.com/use-agent/scrape/webhook"
)

var (
	// ErrJobNotFound is returned for unknown or evicted job ids.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrJobFinished is returned when acting on a Completed or Aborted job.
	ErrJobFinished = errors.New("scheduler: job already finished")

	// ErrSubmissionsClosed is returned by AddSeeds after CloseSubmissions.
	ErrSubmissionsClosed = errors.New("scheduler: job submissions closed")

	// ErrInvalidConfig wraps job-level configuration problems.
	ErrInvalidConfig = errors.New("scheduler: invalid job configuration")

	// ErrShuttingDown is returned by SubmitJob after Shutdown started.
	ErrShuttingDown = errors.New("scheduler: shutting down")
)

// Options configures a Manager.
type Options struct {
	Crawl  config.CrawlConfig
	Fetch  config.FetchConfig
	Robots config.RobotsConfig

	Engine    engine.Engine
	Extractor *extractor.Extractor

	// Rules fetches robots.txt. Defaults to engine.RulesFetcher(Engine).
	Rules politeness.RulesFetcher

	// Durable receives every job's records and stays open across jobs.
	Durable sink.Sink

	// Webhooks delivers per-job events. Nil disables webhooks.
	Webhooks *webhook.Client
}

// Manager owns the crawl jobs of the process.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	jobs     map[string]*Job
	shutdown bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager and starts evicting finished jobs after
// Crawl.JobRetention.
func NewManager(opts Options) *Manager {
	if opts.Extractor == nil {
		opts.Extractor = extractor.New(extractor.Options{MaxLinks: opts.Crawl.MaxLinks})
	}
	if opts.Rules == nil && opts.Engine != nil {
		opts.Rules = engine.RulesFetcher(opts.Engine)
	}
	m := &Manager{
		opts: opts,
		jobs: make(map[string]*Job),
		stop: make(chan struct{}),
	}
	if opts.Crawl.JobRetention > 0 {
		go m.evictLoop(opts.Crawl.JobRetention)
	}
	return m
}

// SubmitJob validates seeds and starts a job. An empty seed list, an
// invalid seed URL or an unknown ruleset is a configuration error.
func (m *Manager) SubmitJob(seeds []string, cfg models.JobConfig) (string, error) {
	if len(seeds) == 0 {
		return "", fmt.Errorf("%w: no seeds", ErrInvalidConfig)
	}
	parsed, err := parseSeeds(seeds)
	if err != nil {
		return "", err
	}
	set, err := m.resolve(cfg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	id := uuid.NewString()
	results := sink.NewMemory(m.opts.Crawl.ResultBuffer)
	j := newJob(id, set, m.opts.Engine, m.opts.Extractor, m.opts.Rules, results, m.sinksFor(set, results))
	j.onFinish = m.notifyFinished
	m.jobs[id] = j
	m.mu.Unlock()

	accepted := j.addSeeds(parsed)
	if !set.keepOpen {
		j.closeSubmissions()
	}
	go j.run()

	slog.Info("crawl job submitted", "job", id, "seeds", len(parsed), "accepted", accepted,
		"max_depth", set.maxDepth, "workers", set.workers, "scope", set.scope)
	return id, nil
}

// JobStatus returns the current view of a job.
func (m *Manager) JobStatus(id string) (models.JobStatus, error) {
	j, err := m.job(id)
	if err != nil {
		return models.JobStatus{}, err
	}
	return j.Status(), nil
}

// CancelJob stops dispatching and aborts the job. In-flight results are
// discarded.
func (m *Manager) CancelJob(id string) error {
	j, err := m.job(id)
	if err != nil {
		return err
	}
	if j.State().Finished() {
		return ErrJobFinished
	}
	j.cancel()
	return nil
}

// AddSeeds enqueues more seeds into an open job and returns how many were
// accepted.
func (m *Manager) AddSeeds(id string, seeds []string) (int, error) {
	j, err := m.job(id)
	if err != nil {
		return 0, err
	}
	if j.State().Finished() {
		return 0, ErrJobFinished
	}
	if j.submissionsClosed() {
		return 0, ErrSubmissionsClosed
	}
	parsed, err := parseSeeds(seeds)
	if err != nil {
		return 0, err
	}
	return j.addSeeds(parsed), nil
}

// CloseSubmissions lets a job complete once its frontier drains.
func (m *Manager) CloseSubmissions(id string) error {
	j, err := m.job(id)
	if err != nil {
		return err
	}
	if j.State().Finished() {
		return ErrJobFinished
	}
	j.closeSubmissions()
	return nil
}

// Results returns up to limit buffered records starting at cursor.
func (m *Manager) Results(id string, cursor, limit int) (sink.Page, error) {
	j, err := m.job(id)
	if err != nil {
		return sink.Page{}, err
	}
	return j.results.Results(cursor, limit), nil
}

// Next blocks until the record at cursor is available. It returns io.EOF
// after the last record of a finished job.
func (m *Manager) Next(ctx context.Context, id string, cursor int) (*models.ExtractedRecord, int, error) {
	j, err := m.job(id)
	if err != nil {
		return nil, cursor, err
	}
	return j.results.Next(ctx, cursor)
}

// Wait blocks until the job finished or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (models.JobStatus, error) {
	j, err := m.job(id)
	if err != nil {
		return models.JobStatus{}, err
	}
	select {
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	case <-j.Done():
		return j.Status(), nil
	}
}

// Counts returns the number of known jobs and of unfinished ones.
func (m *Manager) Counts() (total, running int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.jobs {
		if !j.State().Finished() {
			running++
		}
	}
	return len(m.jobs), running
}

// Shutdown cancels every unfinished job and waits for them, then for
// pending webhook deliveries, until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })

	for _, j := range jobs {
		j.cancel()
	}
	for _, j := range jobs {
		select {
		case <-j.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.opts.Webhooks != nil {
		flushed := make(chan struct{})
		go func() {
			m.opts.Webhooks.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) job(id string) (*Job, error) {
	m.mu.RLock()
	j, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

func (m *Manager) sinksFor(set settings, results *sink.Memory) sink.Sink {
	out := sink.Multi{results}
	if m.opts.Durable != nil {
		out = append(out, sink.Shared(m.opts.Durable))
	}
	if set.webhookURL != "" && m.opts.Webhooks != nil {
		out = append(out, sink.NewWebhook(m.opts.Webhooks, set.webhookURL, set.webhookSecret))
	}
	return out
}

func (m *Manager) notifyFinished(j *Job) {
	if j.set.webhookURL == "" || m.opts.Webhooks == nil {
		return
	}
	status := j.Status()
	typ := webhook.EventCompleted
	if status.State == models.JobAborted {
		typ = webhook.EventAborted
	}
	m.opts.Webhooks.DeliverAsync(j.set.webhookURL, j.set.webhookSecret, webhook.NewEvent(typ, j.id, status))
}

func (m *Manager) evictLoop(retention time.Duration) {
	every := retention / 4
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.evictFinished(now.Add(-retention))
		}
	}
}

// evictFinished forgets jobs that finished before cutoff.
func (m *Manager) evictFinished(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		st := j.Status()
		if st.FinishedAt != nil && st.FinishedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	if n > 0 {
		slog.Debug("evicted finished jobs", "count", n)
	}
	return n
}

// resolve applies server defaults to a job configuration.
func (m *Manager) resolve(cfg models.JobConfig) (settings, error) {
	c, f, r := m.opts.Crawl, m.opts.Fetch, m.opts.Robots
	set := settings{
		maxDepth:      c.MaxDepth,
		maxPages:      orInt(cfg.MaxPages, c.MaxPages),
		workers:       orInt(cfg.Workers, orInt(c.Workers, 1)),
		perHost:       orInt(cfg.PerHostConcurrency, orInt(c.PerHostConcurrency, 1)),
		crawlDelay:    c.CrawlDelay,
		maxAttempts:   orInt(cfg.MaxAttempts, orInt(c.MaxAttempts, 1)),
		retryBase:     c.RetryBaseDelay,
		retryMax:      c.RetryMaxDelay,
		maxRedirects:  f.MaxRedirects,
		fetchTimeout:  f.Timeout,
		scope:         c.Scope,
		include:       cfg.IncludePatterns,
		exclude:       cfg.ExcludePatterns,
		respectRobots: r.Respect,
		failClosed:    r.FailClosed,
		robotsTimeout: r.Timeout,
		userAgent:     f.UserAgent,
		priority:      cfg.Priority,
		keepOpen:      cfg.KeepOpen,
		pollInterval:  c.PollInterval,
		webhookURL:    cfg.WebhookURL,
		webhookSecret: cfg.WebhookSecret,
	}
	if cfg.MaxDepth != nil {
		set.maxDepth = *cfg.MaxDepth
	}
	if cfg.CrawlDelayMs != nil {
		set.crawlDelay = time.Duration(*cfg.CrawlDelayMs) * time.Millisecond
	}
	if cfg.RetryBaseDelayMs > 0 {
		set.retryBase = time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond
	}
	if cfg.MaxRedirects != nil {
		set.maxRedirects = *cfg.MaxRedirects
	}
	if cfg.FetchTimeoutMs > 0 {
		set.fetchTimeout = time.Duration(cfg.FetchTimeoutMs) * time.Millisecond
	}
	if cfg.Scope != "" {
		set.scope = cfg.Scope
	}
	if cfg.RespectRobots != nil {
		set.respectRobots = *cfg.RespectRobots
	}
	if set.fetchTimeout <= 0 {
		set.fetchTimeout = engine.DefaultTimeout
	}
	if set.pollInterval <= 0 {
		set.pollInterval = 50 * time.Millisecond
	}
	if set.retryBase <= 0 {
		set.retryBase = time.Second
	}

	if set.maxDepth < 0 {
		return settings{}, fmt.Errorf("%w: negative max depth", ErrInvalidConfig)
	}
	switch set.scope {
	case "":
		set.scope = ScopeHost
	case ScopeHost, ScopeDomain, ScopeAny:
	default:
		return settings{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidConfig, set.scope)
	}
	for _, p := range append(append([]string{}, set.include...), set.exclude...) {
		if err := validPattern(p); err != nil {
			return settings{}, fmt.Errorf("%w: bad pattern %q: %v", ErrInvalidConfig, p, err)
		}
	}
	if cfg.Ruleset != "" {
		rs, ok := m.opts.Extractor.Registry().Get(cfg.Ruleset)
		if !ok {
			return settings{}, fmt.Errorf("%w: unknown ruleset %q", ErrInvalidConfig, cfg.Ruleset)
		}
		set.ruleset = rs
	}
	return set, nil
}

func parseSeeds(seeds []string) ([]*url.URL, error) {
	out := make([]*url.URL, 0, len(seeds))
	for _, s := range seeds {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("%w: seed %q: %v", ErrInvalidConfig, s, err)
		}
		c, err := frontier.CanonicalizeURL(u)
		if err != nil {
			return nil, fmt.Errorf("%w: seed %q: %v", ErrInvalidConfig, s, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func orInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
