package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliver_Signed(t *testing.T) {
	t.Parallel()

	const secret = "s3cret"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !Verify(secret, body, r.Header.Get(SignatureHeader)) {
			t.Errorf("bad signature %q", r.Header.Get(SignatureHeader))
		}
		var ev Event
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		if ev.Type != EventCompleted || ev.JobID != "job-1" {
			t.Errorf("event = %+v", ev)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.Client(), nil)
	if err := c.Deliver(context.Background(), srv.URL, secret, NewEvent(EventCompleted, "job-1", nil)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliver_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := New(srv.Client(), nil).Deliver(context.Background(), srv.URL, "", NewEvent(EventRecord, "j", nil)); err == nil {
		t.Fatal("expected error for 500")
	}
}

func TestDeliverRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client(), []time.Duration{0, time.Millisecond, time.Millisecond})
	if err := c.DeliverRetry(context.Background(), srv.URL, "", NewEvent(EventRecord, "j", nil)); err != nil {
		t.Fatalf("DeliverRetry: %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}

	c.DeliverAsync(srv.URL, "", NewEvent(EventRecord, "j", nil))
	c.Wait()
	if n := calls.Load(); n != 4 {
		t.Fatalf("calls after async = %d, want 4", n)
	}
}
