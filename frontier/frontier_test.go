package frontier

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/politeness"
)

type grantAll struct{}

func (grantAll) TryAcquire(*models.CrawlTarget, time.Time) politeness.Decision {
	return politeness.Decision{Verdict: politeness.Granted}
}

// scripted answers per host and records every call.
type scripted struct {
	mu      sync.Mutex
	verdict map[string]politeness.Decision
	calls   []string
}

func (s *scripted) TryAcquire(t *models.CrawlTarget, _ time.Time) politeness.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, t.URL)
	if d, ok := s.verdict[t.Host]; ok {
		return d
	}
	return politeness.Decision{Verdict: politeness.Granted}
}

func newFrontier(a Admitter) *Frontier {
	return New(Options{MaxDepth: 3, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, a)
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"HTTP://Example.COM", "http://example.com/"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"https://example.com:443/a?q=1", "https://example.com/a?q=1"},
		{"https://example.com:8443/a", "https://example.com:8443/a"},
		{"http://example.com/a#frag", "http://example.com/a"},
		{"  http://example.com/a  ", "http://example.com/a"},
		{"http://[::1]:80/", "http://[::1]/"},
	}
	for _, tt := range tests {
		got, err := Canonicalize(tt.in)
		if err != nil {
			t.Errorf("Canonicalize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "/relative", "ftp://example.com/", "mailto:a@b.c", "http://"} {
		if _, err := Canonicalize(bad); !errors.Is(err, ErrInvalidURL) {
			t.Errorf("Canonicalize(%q) err = %v, want ErrInvalidURL", bad, err)
		}
	}
}

func TestEnqueue_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFrontier(grantAll{})
	res, err := f.Enqueue(Seed{URL: "http://example.com/a"})
	if err != nil || res != Accepted {
		t.Fatalf("first enqueue = %v, %v", res, err)
	}
	for _, dup := range []string{"http://example.com/a", "HTTP://EXAMPLE.com:80/a#x"} {
		res, err := f.Enqueue(Seed{URL: dup})
		if err != nil || res != DuplicateSkipped {
			t.Fatalf("enqueue %q = %v, %v; want duplicate", dup, res, err)
		}
	}
	if s := f.Stats(); s.Total != 1 || s.Pending != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEnqueue_Depth(t *testing.T) {
	t.Parallel()

	f := newFrontier(grantAll{})
	if res, _ := f.Enqueue(Seed{URL: "http://example.com/deep", Depth: 4}); res != DepthExceeded {
		t.Fatalf("got %v, want depth exceeded", res)
	}
	if res, _ := f.Enqueue(Seed{URL: "http://example.com/ok", Depth: 3}); res != Accepted {
		t.Fatalf("got %v, want accepted", res)
	}
	if _, err := f.Enqueue(Seed{URL: "not a url"}); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("invalid url err = %v", err)
	}
}

func TestDequeueReady_Ordering(t *testing.T) {
	t.Parallel()

	f := newFrontier(grantAll{})
	seeds := []Seed{
		{URL: "http://a.test/deep", Depth: 2},
		{URL: "http://a.test/shallow1", Depth: 1},
		{URL: "http://a.test/shallow2", Depth: 1},
		{URL: "http://a.test/urgent", Depth: 3, Priority: 5},
	}
	for _, s := range seeds {
		if _, err := f.Enqueue(s); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"/urgent", "/shallow1", "/shallow2", "/deep"}
	for i, w := range want {
		tgt, _ := f.DequeueReady(time.Now())
		if tgt == nil {
			t.Fatalf("dequeue %d: nil", i)
		}
		if tgt.Path != w {
			t.Fatalf("dequeue %d = %s, want %s", i, tgt.Path, w)
		}
		if tgt.State != models.StateInFlight {
			t.Fatalf("state = %v, want in flight", tgt.State)
		}
	}
	if tgt, _ := f.DequeueReady(time.Now()); tgt != nil {
		t.Fatalf("expected empty frontier, got %s", tgt.URL)
	}
	if s := f.Stats(); s.InFlight != 4 || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDequeueReady_SkipsWaitingHost(t *testing.T) {
	t.Parallel()

	retry := time.Unix(5000, 0)
	adm := &scripted{verdict: map[string]politeness.Decision{
		"busy.test": {Verdict: politeness.Wait, RetryAt: retry},
	}}
	f := newFrontier(adm)
	f.Enqueue(Seed{URL: "http://busy.test/1", Priority: 10})
	f.Enqueue(Seed{URL: "http://free.test/1"})

	tgt, _ := f.DequeueReady(time.Unix(4000, 0))
	if tgt == nil || tgt.Host != "free.test" {
		t.Fatalf("got %v, want free.test target", tgt)
	}

	tgt, wake := f.DequeueReady(time.Unix(4000, 0))
	if tgt != nil {
		t.Fatalf("got %s, want nil", tgt.URL)
	}
	if !wake.Equal(retry) {
		t.Fatalf("wake = %v, want %v", wake, retry)
	}
}

func TestDequeueReady_Excluded(t *testing.T) {
	t.Parallel()

	adm := &scripted{verdict: map[string]politeness.Decision{
		"robots.test": {Verdict: politeness.Excluded},
	}}
	f := newFrontier(adm)
	f.Enqueue(Seed{URL: "http://robots.test/a"})
	f.Enqueue(Seed{URL: "http://robots.test/b"})

	if tgt, _ := f.DequeueReady(time.Now()); tgt != nil {
		t.Fatalf("got %s, want nil", tgt.URL)
	}
	s := f.Stats()
	if s.Failed != 2 || s.Excluded != 2 || s.Pending != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if f.Outstanding() != 0 {
		t.Fatalf("outstanding = %d", f.Outstanding())
	}
}

// enqueueDuring adds a target to the frontier from inside TryAcquire.
type enqueueDuring struct {
	f    *Frontier
	seed Seed
	once sync.Once
}

func (a *enqueueDuring) TryAcquire(*models.CrawlTarget, time.Time) politeness.Decision {
	a.once.Do(func() { a.f.Enqueue(a.seed) })
	return politeness.Decision{Verdict: politeness.Granted}
}

func TestDequeueReady_AdmitterRunsWithoutLock(t *testing.T) {
	t.Parallel()

	adm := &enqueueDuring{seed: Seed{URL: "http://a.test/urgent", Priority: 10}}
	f := newFrontier(adm)
	adm.f = f
	f.Enqueue(Seed{URL: "http://a.test/first"})
	f.Enqueue(Seed{URL: "http://a.test/second"})

	got := make(chan *models.CrawlTarget, 1)
	go func() {
		tgt, _ := f.DequeueReady(time.Now())
		got <- tgt
	}()

	var tgt *models.CrawlTarget
	select {
	case tgt = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueReady held the frontier lock while admitting")
	}
	if tgt == nil || tgt.URL != "http://a.test/first" {
		t.Fatalf("dispatched %v, want the admitted head", tgt)
	}

	next, _ := f.DequeueReady(time.Now())
	if next == nil || next.URL != "http://a.test/urgent" {
		t.Fatalf("next = %v, want the target enqueued during admission", next)
	}
	s := f.Stats()
	if s.InFlight != 2 || s.Pending != 1 || s.Total != 3 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMarkFailed_BackoffAndExhaustion(t *testing.T) {
	t.Parallel()

	now := time.Unix(10000, 0)
	f := New(Options{
		MaxDepth:    1,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Clock:       func() time.Time { return now },
	}, grantAll{})
	f.Enqueue(Seed{URL: "http://a.test/flaky"})

	for attempt := 1; attempt <= 2; attempt++ {
		tgt, _ := f.DequeueReady(now)
		if tgt == nil {
			t.Fatalf("attempt %d: nothing ready", attempt)
		}
		out, err := f.MarkFailed(tgt.ID, true, "status 503")
		if err != nil {
			t.Fatal(err)
		}
		if !out.Retrying || out.Attempts != attempt {
			t.Fatalf("attempt %d: outcome %+v", attempt, out)
		}
		if want := now.Add(f.Backoff(attempt)); !out.At.Equal(want) {
			t.Fatalf("attempt %d: retry at %v, want %v", attempt, out.At, want)
		}

		if tgt, wake := f.DequeueReady(now); tgt != nil || !wake.Equal(out.At) {
			t.Fatalf("retry dispatched early: %v wake %v", tgt, wake)
		}
		now = out.At
	}

	tgt, _ := f.DequeueReady(now)
	if tgt == nil {
		t.Fatal("final attempt not ready")
	}
	if tgt.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", tgt.AttemptCount)
	}
	out, _ := f.MarkFailed(tgt.ID, true, "status 503")
	if out.Retrying || out.Attempts != 3 {
		t.Fatalf("final outcome %+v, want failed after 3", out)
	}
	if s := f.Stats(); s.Failed != 1 || s.Pending != 0 || s.InFlight != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestMarkFailed_NonRetryable(t *testing.T) {
	t.Parallel()

	f := newFrontier(grantAll{})
	f.Enqueue(Seed{URL: "http://a.test/404"})
	tgt, _ := f.DequeueReady(time.Now())
	out, err := f.MarkFailed(tgt.ID, false, "status 404")
	if err != nil || out.Retrying {
		t.Fatalf("outcome %+v err %v", out, err)
	}
	if _, err := f.MarkFailed(tgt.ID, false, "again"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("second mark err = %v", err)
	}
	if res, _ := f.Enqueue(Seed{URL: "http://a.test/404"}); res != DuplicateSkipped {
		t.Fatalf("re-enqueue of failed target = %v", res)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	f := New(Options{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, grantAll{})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if i > 0 && f.Backoff(i+1) < f.Backoff(i) {
			t.Errorf("Backoff(%d) shrank", i+1)
		}
		if got := f.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoff_UncappedDoesNotOverflow(t *testing.T) {
	t.Parallel()

	f := New(Options{MaxAttempts: 200, BaseDelay: time.Nanosecond}, grantAll{})
	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		got := f.Backoff(n)
		if got <= 0 || got < prev {
			t.Fatalf("Backoff(%d) = %v after %v", n, got, prev)
		}
		prev = got
	}
}

func TestReleaseAndMarkDone(t *testing.T) {
	t.Parallel()

	f := newFrontier(grantAll{})
	f.Enqueue(Seed{URL: "http://a.test/"})
	tgt, _ := f.DequeueReady(time.Now())

	if err := f.Release(tgt.ID); err != nil {
		t.Fatal(err)
	}
	again, _ := f.DequeueReady(time.Now())
	if again == nil || again.ID != tgt.ID || again.AttemptCount != 0 {
		t.Fatalf("released target = %+v", again)
	}
	if err := f.MarkDone(again.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.MarkDone(again.ID); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("double done err = %v", err)
	}
	if s := f.Stats(); s.Done != 1 || f.Outstanding() != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestFrontierWithGovernor_PerHostBound(t *testing.T) {
	t.Parallel()

	g := politeness.New(politeness.Options{MaxInFlight: 2}, nil)
	f := newFrontier(g)
	for _, p := range []string{"/1", "/2", "/3", "/4"} {
		f.Enqueue(Seed{URL: "http://one.test" + p})
	}
	f.Enqueue(Seed{URL: "http://two.test/1"})

	hosts := map[string]int{}
	for {
		tgt, _ := f.DequeueReady(time.Now())
		if tgt == nil {
			break
		}
		hosts[tgt.Host]++
	}
	if hosts["one.test"] != 2 || hosts["two.test"] != 1 {
		t.Fatalf("dispatched per host = %v", hosts)
	}
}

func TestReadySignal(t *testing.T) {
	t.Parallel()

	f := newFrontier(grantAll{})
	f.Enqueue(Seed{URL: "http://a.test/"})
	select {
	case <-f.Ready():
	default:
		t.Fatal("enqueue did not signal")
	}
}
