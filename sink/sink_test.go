package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/webhook"
)

func record(job, url string) *models.ExtractedRecord {
	return &models.ExtractedRecord{
		JobID:           job,
		SourceURL:       url,
		FinalURL:        url,
		StatusCode:      200,
		Fields:          map[string]any{"title": "T"},
		DiscoveredLinks: []string{url + "/child"},
		FetchedAt:       time.Now(),
	}
}

func TestMemory_Results(t *testing.T) {
	t.Parallel()

	m := NewMemory(10)
	for _, u := range []string{"http://a.test/1", "http://a.test/2", "http://a.test/3"} {
		if err := m.Write(context.Background(), record("j", u)); err != nil {
			t.Fatal(err)
		}
	}
	// Redelivery is ignored.
	_ = m.Write(context.Background(), record("j", "http://a.test/2"))

	p := m.Results(0, 2)
	if len(p.Records) != 2 || p.NextCursor != 2 || p.Done {
		t.Fatalf("page 1 = %+v", p)
	}
	p = m.Results(p.NextCursor, 2)
	if len(p.Records) != 1 || p.Records[0].SourceURL != "http://a.test/3" || p.NextCursor != 3 || p.Done {
		t.Fatalf("page 2 = %+v", p)
	}

	_ = m.Close()
	if p = m.Results(3, 10); !p.Done || len(p.Records) != 0 {
		t.Fatalf("after close = %+v", p)
	}
	if err := m.Write(context.Background(), record("j", "http://a.test/4")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close err = %v", err)
	}
}

func TestMemory_DropsOldest(t *testing.T) {
	t.Parallel()

	m := NewMemory(2)
	for _, u := range []string{"http://a.test/1", "http://a.test/2", "http://a.test/3"} {
		_ = m.Write(context.Background(), record("j", u))
	}
	p := m.Results(0, 0)
	if p.Dropped != 1 || len(p.Records) != 2 || p.Records[0].SourceURL != "http://a.test/2" || p.NextCursor != 3 {
		t.Fatalf("page = %+v", p)
	}
	if m.Len() != 3 {
		t.Fatalf("Len = %d", m.Len())
	}
}

func TestMemory_Next(t *testing.T) {
	t.Parallel()

	m := NewMemory(0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Write(context.Background(), record("j", "http://a.test/1"))
		_ = m.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, cur, err := m.Next(ctx, 0)
	if err != nil || rec.SourceURL != "http://a.test/1" || cur != 1 {
		t.Fatalf("Next = %v, %d, %v", rec, cur, err)
	}
	if _, _, err := m.Next(ctx, cur); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after close err = %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	if _, _, err := NewMemory(1).Next(short, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next on empty err = %v", err)
	}
}

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *SQLite {
	t.Helper()

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "records.db"), DefaultSQLiteOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLite(t *testing.T) {
	t.Parallel()

	t.Run("upsert collapses redelivery", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		ctx := context.Background()

		if err := db.Write(ctx, record("j1", "http://a.test/")); err != nil {
			t.Fatal(err)
		}
		again := record("j1", "http://a.test/")
		again.Fields = map[string]any{"title": "updated"}
		if err := db.Write(ctx, again); err != nil {
			t.Fatal(err)
		}
		if err := db.Write(ctx, record("j2", "http://a.test/")); err != nil {
			t.Fatal(err)
		}

		got, err := db.Records(ctx, "j1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Fields["title"] != "updated" {
			t.Fatalf("records = %+v", got)
		}
		if len(got[0].DiscoveredLinks) != 1 || got[0].DiscoveredLinks[0] != "http://a.test//child" {
			t.Fatalf("links = %v", got[0].DiscoveredLinks)
		}
	})

	t.Run("unknown job is empty", func(t *testing.T) {
		t.Parallel()
		db := setupTestDB(t)
		got, err := db.Records(context.Background(), "missing")
		if err != nil || len(got) != 0 {
			t.Fatalf("Records = %v, %v", got, err)
		}
	})
}

type failing struct{ closed bool }

func (f *failing) Write(context.Context, *models.ExtractedRecord) error { return errors.New("boom") }
func (f *failing) Close() error                                         { f.closed = true; return nil }

func TestMulti(t *testing.T) {
	t.Parallel()

	mem := NewMemory(10)
	bad := &failing{}
	m := Multi{Shared(mem), bad}

	if err := m.Write(context.Background(), record("j", "http://a.test/")); err == nil {
		t.Fatal("expected joined error")
	}
	if mem.Len() != 1 {
		t.Fatal("healthy sink did not receive the record")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !bad.closed {
		t.Fatal("sink not closed")
	}
	// The shared memory sink stays open.
	if err := mem.Write(context.Background(), record("j", "http://a.test/2")); err != nil {
		t.Fatalf("shared sink closed: %v", err)
	}
}

func TestWebhookSink(t *testing.T) {
	t.Parallel()

	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
	}))
	defer srv.Close()

	client := webhook.New(srv.Client(), []time.Duration{0})
	s := NewWebhook(client, srv.URL, "k")
	if err := s.Write(context.Background(), record("j", "http://a.test/")); err != nil {
		t.Fatal(err)
	}
	client.Wait()
	if got.Load() != 1 {
		t.Fatalf("deliveries = %d", got.Load())
	}
}
