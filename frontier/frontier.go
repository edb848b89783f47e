// Package frontier implements the per-job work queue of crawl targets: it
// deduplicates by canonical URL, orders by priority and depth, and keeps the
// retry-with-backoff bookkeeping as explicit scheduled entries.
package frontier

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/politeness"
)

// ErrUnknownTarget is returned when an id does not name an in-flight target.
var ErrUnknownTarget = errors.New("unknown or not in-flight target")

// EnqueueResult is the outcome of Enqueue. Only Accepted adds a target;
// the others are routine signals, not failures.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	DuplicateSkipped
	DepthExceeded
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DuplicateSkipped:
		return "duplicate_skipped"
	case DepthExceeded:
		return "depth_exceeded"
	default:
		return "unknown"
	}
}

// Admitter decides whether a target's host may be dispatched now. A Granted
// decision must also record the dispatch, so that check and increment are
// one atomic step.
type Admitter interface {
	TryAcquire(t *models.CrawlTarget, now time.Time) politeness.Decision
}

// Options configures a Frontier.
type Options struct {
	// MaxDepth drops targets deeper than this.
	MaxDepth int

	// MaxAttempts is the failure count at which a target becomes Failed.
	MaxAttempts int

	// BaseDelay is the backoff of the first retry; it doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Zero means uncapped.
	MaxDelay time.Duration

	// Clock returns the current time for retry scheduling. Defaults to time.Now.
	Clock func() time.Time
}

// Seed is an enqueue request.
type Seed struct {
	URL            string
	Depth          int
	Priority       int
	DiscoveredFrom string
}

// Outcome is the result of MarkFailed.
type Outcome struct {
	// Retrying is true when the target was rescheduled.
	Retrying bool

	// At is the earliest time of the retry.
	At time.Time

	// Attempts is the target's attempt count after the failure.
	Attempts int
}

// Stats counts targets by state.
type Stats struct {
	Pending  int
	InFlight int
	Done     int
	Failed   int
	Excluded int
	Total    int
}

// Frontier is safe for concurrent use. Its lock only covers in-memory
// bookkeeping; no I/O happens while it is held and the admitter is called
// without it.
type Frontier struct {
	opts  Options
	admit Admitter

	// dequeueMu serializes DequeueReady.
	dequeueMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	seq     uint64
	targets map[int64]*entry
	seen    map[string]int64
	hosts   map[string]*hostQueue
	delayed delayHeap
	stats   Stats

	ready chan struct{}
}

// New creates an empty Frontier that consults admit before every dispatch.
func New(opts Options, admit Admitter) *Frontier {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Frontier{
		opts:    opts,
		admit:   admit,
		targets: make(map[int64]*entry),
		seen:    make(map[string]int64),
		hosts:   make(map[string]*hostQueue),
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue adds a target unless its canonical URL was already seen in this
// frontier or it is deeper than MaxDepth. The error is non-nil only for
// URLs that cannot be crawled at all.
func (f *Frontier) Enqueue(s Seed) (EnqueueResult, error) {
	u, err := url.Parse(strings.TrimSpace(s.URL))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	c, err := CanonicalizeURL(u)
	if err != nil {
		return 0, err
	}
	if s.Depth < 0 {
		return 0, fmt.Errorf("%w: negative depth %d", ErrInvalidURL, s.Depth)
	}
	if s.Depth > f.opts.MaxDepth {
		return DepthExceeded, nil
	}

	key := c.String()

	f.mu.Lock()
	if _, dup := f.seen[key]; dup {
		f.mu.Unlock()
		return DuplicateSkipped, nil
	}
	f.nextID++
	f.seq++
	t := &models.CrawlTarget{
		ID:             f.nextID,
		URL:            key,
		Host:           c.Host,
		Path:           c.RequestURI(),
		Depth:          s.Depth,
		Priority:       s.Priority,
		DiscoveredFrom: s.DiscoveredFrom,
		State:          models.StatePending,
	}
	e := &entry{target: t, seq: f.seq, index: -1}
	f.targets[t.ID] = e
	f.seen[key] = t.ID
	f.pushReadyLocked(e)
	f.stats.Pending++
	f.stats.Total++
	f.mu.Unlock()

	f.Signal()
	return Accepted, nil
}

// DequeueReady returns the best ready target whose host the admitter grants,
// marking it InFlight. The returned target is a snapshot; use its ID for
// MarkDone, MarkFailed and Release.
//
// When nothing can be dispatched it returns nil and the earliest time at
// which a retry entry or a waiting host may become ready. A zero time means
// only an external event (a completion or a signal) can unblock.
func (f *Frontier) DequeueReady(now time.Time) (*models.CrawlTarget, time.Time) {
	// Only DequeueReady removes ready entries, so a head collected below
	// stays queued while the admitter runs without f.mu.
	f.dequeueMu.Lock()
	defer f.dequeueMu.Unlock()

	f.mu.Lock()
	f.promoteLocked(now)
	heads := make([]*entry, 0, len(f.hosts))
	for _, q := range f.hosts {
		if q.Len() > 0 {
			heads = append(heads, (*q)[0])
		}
	}
	f.mu.Unlock()
	sort.Slice(heads, func(i, j int) bool { return before(heads[i], heads[j]) })

	var wake time.Time
	for _, head := range heads {
		for e := head; e != nil; {
			d := f.admit.TryAcquire(e.target, now)

			f.mu.Lock()
			switch d.Verdict {
			case politeness.Granted:
				f.removeReadyLocked(e)
				e.target.State = models.StateInFlight
				f.stats.Pending--
				f.stats.InFlight++
				snapshot := *e.target
				f.mu.Unlock()
				return &snapshot, time.Time{}
			case politeness.Excluded:
				f.removeReadyLocked(e)
				e.target.LastError = "excluded by robots.txt"
				f.stats.Pending--
				f.stats.Excluded++
				f.archiveLocked(e, models.StateFailed)
				next := f.peekLocked(e.target.Host)
				f.mu.Unlock()
				e = next
				continue
			}
			f.mu.Unlock()
			wake = earliest(wake, d.RetryAt)
			e = nil
		}
	}

	f.mu.Lock()
	if f.delayed.Len() > 0 {
		wake = earliest(wake, f.delayed[0].target.NotBefore)
	}
	f.mu.Unlock()
	return nil, wake
}

// MarkDone moves an in-flight target to the Done terminal state.
func (f *Frontier) MarkDone(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.targets[id]
	if !ok || e.target.State != models.StateInFlight {
		return fmt.Errorf("mark done %d: %w", id, ErrUnknownTarget)
	}
	f.stats.InFlight--
	f.archiveLocked(e, models.StateDone)
	return nil
}

// MarkFailed records a failed attempt. A retryable failure below MaxAttempts
// reschedules the target after Backoff(attempts); anything else moves it to
// the Failed terminal state.
func (f *Frontier) MarkFailed(id int64, retryable bool, reason string) (Outcome, error) {
	f.mu.Lock()
	e, ok := f.targets[id]
	if !ok || e.target.State != models.StateInFlight {
		f.mu.Unlock()
		return Outcome{}, fmt.Errorf("mark failed %d: %w", id, ErrUnknownTarget)
	}
	t := e.target
	t.AttemptCount++
	t.LastError = reason
	f.stats.InFlight--

	if !retryable || t.AttemptCount >= f.opts.MaxAttempts {
		out := Outcome{Attempts: t.AttemptCount}
		f.archiveLocked(e, models.StateFailed)
		f.mu.Unlock()
		return out, nil
	}

	t.State = models.StatePending
	t.NotBefore = f.opts.Clock().Add(f.Backoff(t.AttemptCount))
	heap.Push(&f.delayed, e)
	f.stats.Pending++
	out := Outcome{Retrying: true, At: t.NotBefore, Attempts: t.AttemptCount}
	f.mu.Unlock()

	f.Signal()
	return out, nil
}

// Release returns an in-flight target to Pending without counting an
// attempt. Used when a result is discarded.
func (f *Frontier) Release(id int64) error {
	f.mu.Lock()
	e, ok := f.targets[id]
	if !ok || e.target.State != models.StateInFlight {
		f.mu.Unlock()
		return fmt.Errorf("release %d: %w", id, ErrUnknownTarget)
	}
	e.target.State = models.StatePending
	f.stats.InFlight--
	f.stats.Pending++
	f.pushReadyLocked(e)
	f.mu.Unlock()

	f.Signal()
	return nil
}

// Backoff returns the delay before retry n (n ≥ 1): BaseDelay·2^(n-1),
// capped at MaxDelay.
func (f *Frontier) Backoff(n int) time.Duration {
	d := f.opts.BaseDelay
	for i := 1; i < n; i++ {
		if f.opts.MaxDelay > 0 && d >= f.opts.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if f.opts.MaxDelay > 0 && d > f.opts.MaxDelay {
		d = f.opts.MaxDelay
	}
	return d
}

// Target returns a snapshot of a live target. Terminal targets are archived
// and no longer returned.
func (f *Frontier) Target(id int64) (models.CrawlTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.targets[id]
	if !ok {
		return models.CrawlTarget{}, false
	}
	return *e.target, true
}

// Seen reports whether the canonical form of raw was ever enqueued.
func (f *Frontier) Seen(raw string) bool {
	key, err := Canonicalize(raw)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

// Stats returns the current per-state counts.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Outstanding returns the number of Pending plus InFlight targets.
func (f *Frontier) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats.Pending + f.stats.InFlight
}

// Ready is signalled (coalesced) whenever new work may have become available.
func (f *Frontier) Ready() <-chan struct{} {
	return f.ready
}

// Signal wakes a goroutine blocked on Ready.
func (f *Frontier) Signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

// promoteLocked moves retry entries whose backoff elapsed into their host queues.
func (f *Frontier) promoteLocked(now time.Time) {
	for f.delayed.Len() > 0 && !f.delayed[0].target.NotBefore.After(now) {
		e := heap.Pop(&f.delayed).(*entry)
		f.pushReadyLocked(e)
	}
}

func (f *Frontier) pushReadyLocked(e *entry) {
	q, ok := f.hosts[e.target.Host]
	if !ok {
		q = &hostQueue{}
		f.hosts[e.target.Host] = q
	}
	heap.Push(q, e)
}

func (f *Frontier) peekLocked(host string) *entry {
	q, ok := f.hosts[host]
	if !ok || q.Len() == 0 {
		return nil
	}
	return (*q)[0]
}

func (f *Frontier) removeReadyLocked(e *entry) {
	host := e.target.Host
	q := f.hosts[host]
	heap.Remove(q, e.index)
	if q.Len() == 0 {
		delete(f.hosts, host)
	}
}

// archiveLocked drops a terminal target from the arena. Its canonical key
// stays in seen so it is never enqueued again.
func (f *Frontier) archiveLocked(e *entry, state models.TargetState) {
	e.target.State = state
	switch state {
	case models.StateDone:
		f.stats.Done++
	case models.StateFailed:
		f.stats.Failed++
	}
	delete(f.targets, e.target.ID)
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}
