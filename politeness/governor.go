// Package politeness decides when a host may receive its next request. It
// keeps one HostState per host, bounding in-flight fetches, spacing requests
// by the crawl delay and honouring robots.txt exclusion rules.
package politeness

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/use-agent/scrape/models"
)

const shardCount = 64

// Verdict is the answer of TryAcquire.
type Verdict int

const (
	// Granted means the dispatch was admitted and recorded.
	Granted Verdict = iota
	// Wait means the host is busy, throttled or still loading its rules.
	Wait
	// Excluded means robots.txt disallows the path; retrying will not help.
	Excluded
)

func (v Verdict) String() string {
	switch v {
	case Granted:
		return "granted"
	case Wait:
		return "wait"
	case Excluded:
		return "excluded"
	default:
		return "unknown"
	}
}

// Decision is the result of TryAcquire. RetryAt is set for Wait verdicts
// caused by the crawl delay; it is zero when only a completion or the
// rules bootstrap can unblock the host.
type Decision struct {
	Verdict Verdict
	RetryAt time.Time
}

// Options configures a Governor.
type Options struct {
	// MaxInFlight bounds concurrent fetches per host. Values < 1 mean 1.
	MaxInFlight int

	// MinDelay is the global minimum spacing between requests to one host.
	MinDelay time.Duration

	// RespectRobots enables robots.txt bootstrap and exclusion checks.
	RespectRobots bool

	// FailClosed disallows all paths when robots.txt cannot be loaded.
	FailClosed bool

	// UserAgent selects the robots.txt group.
	UserAgent string

	// RobotsTimeout bounds the bootstrap fetch. Defaults to 10s.
	RobotsTimeout time.Duration

	// OnReady is called, outside any lock, when a host's rules resolve.
	OnReady func(host string)
}

// HostSnapshot is a copy of one host's state.
type HostSnapshot struct {
	Host           string
	InFlight       int
	LastRequestAt  time.Time
	CrawlDelay     time.Duration
	RulesLoaded    bool
	DisallowAll    bool
	RulesFetchedAt time.Time

	// Schemes lists the schemes whose robots.txt was requested.
	Schemes []string
}

type rulesState int

const (
	rulesPending rulesState = iota
	rulesReady
)

// hostState is guarded by its own mutex; shards only protect the map.
// Concurrency and spacing are per host; robots.txt is per scheme, since
// http://h/robots.txt and https://h/robots.txt are distinct resources.
type hostState struct {
	mu            sync.Mutex
	host          string
	inFlight      int
	lastRequestAt time.Time
	crawlDelay    time.Duration
	robots        map[string]*schemeRules
}

type schemeRules struct {
	state       rulesState
	group       *robotstxt.Group
	disallowAll bool
	fetchedAt   time.Time
}

type shard struct {
	mu    sync.RWMutex
	hosts map[string]*hostState
}

// Governor is the per-job politeness arbiter. It is safe for concurrent use.
type Governor struct {
	opts    Options
	fetcher RulesFetcher

	shards [shardCount]shard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Governor. fetcher may be nil when RespectRobots is false.
func New(opts Options, fetcher RulesFetcher) *Governor {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = 1
	}
	if opts.RobotsTimeout <= 0 {
		opts.RobotsTimeout = 10 * time.Second
	}
	if fetcher == nil {
		opts.RespectRobots = false
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Governor{opts: opts, fetcher: fetcher, ctx: ctx, cancel: cancel}
	for i := range g.shards {
		g.shards[i].hosts = make(map[string]*hostState)
	}
	return g
}

// TryAcquire admits and records a dispatch to t's host in one step, so no
// other caller can interleave between the check and the increment. The
// first sighting of a host starts its robots.txt bootstrap.
func (g *Governor) TryAcquire(t *models.CrawlTarget, now time.Time) Decision {
	hs, _ := g.ensure(t.Host)
	scheme := schemeOf(t.URL)

	hs.mu.Lock()
	defer hs.mu.Unlock()

	g.ensureRulesLocked(hs, scheme)
	d := g.evaluateLocked(hs, scheme, t.Path, now)
	if d.Verdict == Granted {
		hs.inFlight++
		hs.lastRequestAt = now
	}
	return d
}

// Admit reports whether t could be dispatched now, without recording it.
// Hosts never seen by TryAcquire or RecordDispatch are not admitted.
func (g *Governor) Admit(t *models.CrawlTarget, now time.Time) bool {
	hs := g.lookup(t.Host)
	if hs == nil {
		return false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return g.evaluateLocked(hs, schemeOf(t.URL), t.Path, now).Verdict == Granted
}

// RecordDispatch counts a dispatch made after a successful Admit.
func (g *Governor) RecordDispatch(host string, now time.Time) {
	hs, _ := g.ensure(host)
	hs.mu.Lock()
	hs.inFlight++
	hs.lastRequestAt = now
	hs.mu.Unlock()
}

// RecordCompletion releases one in-flight slot of host.
func (g *Governor) RecordCompletion(host string) {
	hs := g.lookup(host)
	if hs == nil {
		return
	}
	hs.mu.Lock()
	if hs.inFlight > 0 {
		hs.inFlight--
	}
	hs.mu.Unlock()
}

// Snapshot returns a copy of host's state.
func (g *Governor) Snapshot(host string) (HostSnapshot, bool) {
	hs := g.lookup(host)
	if hs == nil {
		return HostSnapshot{}, false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	snap := HostSnapshot{
		Host:          hs.host,
		InFlight:      hs.inFlight,
		LastRequestAt: hs.lastRequestAt,
		CrawlDelay:    hs.crawlDelay,
		RulesLoaded:   !g.opts.RespectRobots || len(hs.robots) > 0,
		Schemes:       make([]string, 0, len(hs.robots)),
	}
	for scheme, r := range hs.robots {
		snap.Schemes = append(snap.Schemes, scheme)
		if r.state != rulesReady {
			snap.RulesLoaded = false
		}
		snap.DisallowAll = snap.DisallowAll || r.disallowAll
		if r.fetchedAt.After(snap.RulesFetchedAt) {
			snap.RulesFetchedAt = r.fetchedAt
		}
	}
	sort.Strings(snap.Schemes)
	return snap, true
}

// Close stops pending robots.txt fetches and waits for them to return.
func (g *Governor) Close() {
	g.cancel()
	g.wg.Wait()
}

func (g *Governor) evaluateLocked(hs *hostState, scheme, path string, now time.Time) Decision {
	if g.opts.RespectRobots {
		r := hs.robots[scheme]
		if r == nil || r.state != rulesReady {
			return Decision{Verdict: Wait}
		}
		if r.disallowAll || (r.group != nil && !r.group.Test(path)) {
			return Decision{Verdict: Excluded}
		}
	}
	if hs.inFlight >= g.opts.MaxInFlight {
		return Decision{Verdict: Wait}
	}
	if !hs.lastRequestAt.IsZero() {
		next := hs.lastRequestAt.Add(hs.crawlDelay)
		if now.Before(next) {
			return Decision{Verdict: Wait, RetryAt: next}
		}
	}
	return Decision{Verdict: Granted}
}

func (g *Governor) shardFor(host string) *shard {
	h := fnv.New32a()
	h.Write([]byte(host))
	return &g.shards[h.Sum32()%shardCount]
}

func (g *Governor) lookup(host string) *hostState {
	s := g.shardFor(host)
	s.mu.RLock()
	hs := s.hosts[host]
	s.mu.RUnlock()
	return hs
}

// ensure returns host's state, creating it on first sighting.
func (g *Governor) ensure(host string) (*hostState, bool) {
	s := g.shardFor(host)
	s.mu.RLock()
	hs, ok := s.hosts[host]
	s.mu.RUnlock()
	if ok {
		return hs, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if hs, ok = s.hosts[host]; ok {
		return hs, false
	}
	hs = &hostState{host: host, crawlDelay: g.opts.MinDelay, robots: make(map[string]*schemeRules)}
	s.hosts[host] = hs
	return hs, true
}

// ensureRulesLocked starts the robots.txt bootstrap for scheme on first
// sighting. hs.mu must be held.
func (g *Governor) ensureRulesLocked(hs *hostState, scheme string) {
	if !g.opts.RespectRobots {
		return
	}
	if _, ok := hs.robots[scheme]; ok {
		return
	}
	r := &schemeRules{state: rulesPending}
	hs.robots[scheme] = r
	g.bootstrap(hs, r, scheme)
}

func (g *Governor) bootstrap(hs *hostState, r *schemeRules, scheme string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(g.ctx, g.opts.RobotsTimeout)
		defer cancel()

		status, body, err := g.fetcher.FetchRules(ctx, scheme, hs.host)
		rules := resolveRules(status, body, err, g.opts.FailClosed)
		if err != nil {
			slog.Warn("robots.txt fetch failed", "host", hs.host, "scheme", scheme, "error", err, "fail_closed", g.opts.FailClosed)
		}

		hs.mu.Lock()
		r.state = rulesReady
		r.fetchedAt = time.Now()
		r.disallowAll = rules.disallowAll
		if rules.data != nil {
			r.group = rules.data.FindGroup(g.opts.UserAgent)
			if r.group != nil && r.group.CrawlDelay > hs.crawlDelay {
				hs.crawlDelay = r.group.CrawlDelay
			}
		}
		delay := hs.crawlDelay
		hs.mu.Unlock()

		slog.Debug("robots.txt resolved", "host", hs.host, "scheme", scheme, "status", status,
			"disallow_all", rules.disallowAll, "crawl_delay", delay)

		if g.opts.OnReady != nil {
			g.opts.OnReady(hs.host)
		}
	}()
}

func schemeOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "http"
	}
	return u.Scheme
}
