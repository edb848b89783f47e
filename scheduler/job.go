package scheduler

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
	"github.com/use-agent/scrape/frontier"
	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/politeness"
	"github.com/use-agent/scrape/sink"
)

// settings is a job's configuration after defaults were applied.
type settings struct {
	maxDepth      int
	maxPages      int
	workers       int
	perHost       int
	crawlDelay    time.Duration
	maxAttempts   int
	retryBase     time.Duration
	retryMax      time.Duration
	maxRedirects  int
	fetchTimeout  time.Duration
	scope         string
	include       []string
	exclude       []string
	ruleset       *extractor.Ruleset
	respectRobots bool
	failClosed    bool
	robotsTimeout time.Duration
	userAgent     string
	priority      int
	keepOpen      bool
	pollInterval  time.Duration
	webhookURL    string
	webhookSecret string
}

// Job is one crawl run. All exported methods are safe for concurrent use.
type Job struct {
	id   string
	set  settings
	eng  engine.Engine
	ext  *extractor.Extractor
	log  *slog.Logger
	done chan struct{}

	frontier *frontier.Frontier
	governor *politeness.Governor
	scope    *scope
	results  *sink.Memory
	sink     sink.Sink

	ctx    context.Context
	cancel context.CancelFunc

	// enqueueMu serialises the MaxPages check with Enqueue.
	enqueueMu sync.Mutex

	mu         sync.Mutex
	state      models.JobState
	closed     bool
	createdAt  time.Time
	finishedAt time.Time

	onFinish func(*Job)
}

func newJob(id string, set settings, eng engine.Engine, ext *extractor.Extractor,
	rules politeness.RulesFetcher, results *sink.Memory, out sink.Sink) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		id:        id,
		set:       set,
		eng:       eng,
		ext:       ext,
		log:       slog.With("job", id),
		done:      make(chan struct{}),
		scope:     newScope(set.scope, set.include, set.exclude),
		results:   results,
		sink:      out,
		ctx:       ctx,
		cancel:    cancel,
		state:     models.JobIdle,
		createdAt: time.Now(),
	}

	var fetcher politeness.RulesFetcher
	if set.respectRobots {
		fetcher = rules
	}
	j.governor = politeness.New(politeness.Options{
		MaxInFlight:   set.perHost,
		MinDelay:      set.crawlDelay,
		RespectRobots: set.respectRobots,
		FailClosed:    set.failClosed,
		UserAgent:     set.userAgent,
		RobotsTimeout: set.robotsTimeout,
		OnReady:       func(string) { j.frontier.Signal() },
	}, fetcher)
	j.frontier = frontier.New(frontier.Options{
		MaxDepth:    set.maxDepth,
		MaxAttempts: set.maxAttempts,
		BaseDelay:   set.retryBase,
		MaxDelay:    set.retryMax,
	}, j.governor)
	return j
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Done is closed once the job reached Completed or Aborted.
func (j *Job) Done() <-chan struct{} { return j.done }

// Status returns a point-in-time view of the job.
func (j *Job) Status() models.JobStatus {
	st := j.frontier.Stats()

	j.mu.Lock()
	defer j.mu.Unlock()

	s := models.JobStatus{
		ID:        j.id,
		State:     j.state,
		Pending:   st.Pending,
		InFlight:  st.InFlight,
		Done:      st.Done,
		Failed:    st.Failed,
		Excluded:  st.Excluded,
		Records:   j.results.Len(),
		CreatedAt: j.createdAt,
	}
	if !j.finishedAt.IsZero() {
		at := j.finishedAt
		s.FinishedAt = &at
	}
	return s
}

func (j *Job) State() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// addSeeds enqueues seed URLs at depth 0. Seeds must already be valid.
// The first accepted seed moves an Idle job to Running.
func (j *Job) addSeeds(seeds []*url.URL) int {
	accepted := 0
	for _, u := range seeds {
		j.scope.addSeed(u)
		if j.enqueue(frontier.Seed{URL: u.String(), Depth: 0, Priority: j.set.priority}) {
			accepted++
		}
	}
	if accepted > 0 {
		j.mu.Lock()
		if j.state == models.JobIdle {
			j.state = models.JobRunning
		}
		j.mu.Unlock()
	}
	return accepted
}

// enqueue adds s unless the job already accepted MaxPages targets.
func (j *Job) enqueue(s frontier.Seed) bool {
	j.enqueueMu.Lock()
	defer j.enqueueMu.Unlock()

	if j.set.maxPages > 0 && j.frontier.Stats().Total >= j.set.maxPages {
		return false
	}
	res, err := j.frontier.Enqueue(s)
	if err != nil {
		j.log.Debug("enqueue rejected", "url", s.URL, "error", err)
		return false
	}
	return res == frontier.Accepted
}

// closeSubmissions lets the job drain once its frontier is empty.
func (j *Job) closeSubmissions() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	j.frontier.Signal()
}

func (j *Job) submissionsClosed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

func (j *Job) setState(s models.JobState) {
	j.mu.Lock()
	j.state = s
	if s.Finished() {
		j.finishedAt = time.Now()
	}
	j.mu.Unlock()
}

// run dispatches ready targets to the worker pool until the job drains or
// is cancelled.
func (j *Job) run() {
	defer close(j.done)

	work := make(chan *models.CrawlTarget)
	idle := make(chan struct{}, j.set.workers)
	for range j.set.workers {
		idle <- struct{}{}
	}

	var g errgroup.Group
	for range j.set.workers {
		g.Go(func() error {
			for t := range work {
				j.process(t)
				idle <- struct{}{}
				j.frontier.Signal()
			}
			return nil
		})
	}

	drained := j.dispatch(work, idle)
	if drained {
		j.setState(models.JobDraining)
	}
	close(work)
	_ = g.Wait()

	j.governor.Close()
	if err := j.sink.Close(); err != nil {
		j.log.Warn("closing sinks failed", "error", err)
	}

	final := models.JobAborted
	if drained {
		final = models.JobCompleted
	}
	j.setState(final)

	st := j.frontier.Stats()
	j.log.Info("crawl job finished", "state", final, "done", st.Done, "failed", st.Failed,
		"excluded", st.Excluded, "records", j.results.Len())

	if j.onFinish != nil {
		j.onFinish(j)
	}
}

// dispatch hands targets to idle workers. It returns true when the job
// drained and false when it was cancelled.
func (j *Job) dispatch(work chan<- *models.CrawlTarget, idle chan struct{}) bool {
	for {
		select {
		case <-j.ctx.Done():
			return false
		case <-idle:
		}

		for {
			if j.ctx.Err() != nil {
				return false
			}
			t, wake := j.frontier.DequeueReady(time.Now())
			if t != nil {
				work <- t
				break
			}
			if j.submissionsClosed() && j.frontier.Outstanding() == 0 {
				return true
			}
			if !j.wait(wake) {
				return false
			}
		}
	}
}

// wait blocks until wake, a frontier signal or the poll interval, whichever
// comes first. It returns false on cancellation.
func (j *Job) wait(wake time.Time) bool {
	d := j.set.pollInterval
	if !wake.IsZero() {
		if until := time.Until(wake); until < d {
			d = until
		}
	}
	if d <= 0 {
		return j.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-j.ctx.Done():
		return false
	case <-j.frontier.Ready():
	case <-timer.C:
	}
	return true
}

// process runs one target through fetch, extraction, link discovery and
// delivery. Results that arrive after cancellation are discarded.
func (j *Job) process(t *models.CrawlTarget) {
	// In-flight fetches finish even when the job is cancelled.
	detached := context.WithoutCancel(j.ctx)
	fetchCtx, cancel := context.WithTimeout(detached, j.set.fetchTimeout)
	res, err := j.eng.Fetch(fetchCtx, &engine.FetchRequest{
		URL:          t.URL,
		Timeout:      j.set.fetchTimeout,
		MaxRedirects: &j.set.maxRedirects,
	})
	cancel()
	j.governor.RecordCompletion(t.Host)

	if j.discarded(t) {
		return
	}

	if f := classifyFetch(res, err); f != nil {
		j.fail(t, f)
		return
	}

	rec, err := j.ext.Extract(res, j.set.ruleset)
	if f := classifyExtract(err); f != nil {
		j.fail(t, f)
		return
	}
	if rec == nil {
		j.fail(t, &failure{reason: "extract: no record"})
		return
	}
	if err != nil {
		j.log.Debug("partial record", "url", t.URL, "error", err)
	}
	if j.discarded(t) {
		return
	}
	rec.JobID = j.id
	rec.Depth = t.Depth
	rec.FetchedAt = time.Now()

	if t.Depth < j.set.maxDepth {
		for _, link := range rec.DiscoveredLinks {
			if !j.scope.allows(link) {
				continue
			}
			j.enqueue(frontier.Seed{URL: link, Depth: t.Depth + 1, Priority: t.Priority, DiscoveredFrom: t.URL})
		}
	}

	if j.discarded(t) {
		return
	}

	writeCtx, cancel := context.WithTimeout(detached, j.set.fetchTimeout)
	err = j.sink.Write(writeCtx, rec)
	cancel()
	if err != nil {
		j.fail(t, &failure{retryable: true, reason: "sink: " + err.Error()})
		return
	}

	if err := j.frontier.MarkDone(t.ID); err != nil {
		j.log.Error("mark done failed", "url", t.URL, "error", err)
	}
}

// discarded releases t when the job was cancelled.
func (j *Job) discarded(t *models.CrawlTarget) bool {
	if j.ctx.Err() == nil {
		return false
	}
	if err := j.frontier.Release(t.ID); err != nil {
		j.log.Error("release failed", "url", t.URL, "error", err)
	}
	return true
}

func (j *Job) fail(t *models.CrawlTarget, f *failure) {
	out, err := j.frontier.MarkFailed(t.ID, f.retryable, f.reason)
	if err != nil {
		j.log.Error("mark failed failed", "url", t.URL, "error", err)
		return
	}
	if out.Retrying {
		j.log.Debug("target retry scheduled", "url", t.URL, "attempt", out.Attempts, "at", out.At, "reason", f.reason)
		return
	}
	j.log.Info("target failed", "url", t.URL, "attempts", out.Attempts, "reason", f.reason)
}
