package cache

import (
	"testing"
	"time"

	"github.com/use-agent/scrape/models"
)

func strPtr(s string) *string { return &s }

func TestCache_GetSet(t *testing.T) {
	c := New(2, time.Hour)
	defer c.Close()

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	key := Key("http://a.test/", "raw", "")
	if Key("http://a.test/", "raw", "socks5://127.0.0.1:9050") == key {
		t.Fatal("proxy must be part of the key")
	}

	c.Set(key, &models.ScrapeResponse{Content: strPtr("body"), StatusCode: 200})

	if _, ok := c.Get(key, 0); ok {
		t.Fatal("max age 0 must bypass the cache")
	}
	got, ok := c.Get(key, 1000)
	if !ok || *got.Content != "body" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	got.StatusCode = 500
	if again, _ := c.Get(key, 1000); again.StatusCode != 200 {
		t.Fatal("Get must return a copy")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get(key, 1000); ok {
		t.Fatal("stale entry returned")
	}
}

func TestCache_Capacity(t *testing.T) {
	c := New(2, time.Hour)
	defer c.Close()

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	for _, u := range []string{"a", "b", "c"} {
		c.Set(Key(u, "raw", ""), &models.ScrapeResponse{StatusCode: 200})
		now = now.Add(time.Second)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(Key("a", "raw", ""), 60_000); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get(Key("b", "raw", ""), 60_000); !ok {
		t.Fatal("newer entry evicted")
	}
	c.Set(Key("c", "raw", ""), &models.ScrapeResponse{})
	if c.Len() != 2 {
		t.Fatalf("overwrite changed Len to %d", c.Len())
	}
}

func TestCache_EvictExpired(t *testing.T) {
	c := New(10, time.Minute)
	defer c.Close()

	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.Set("old", &models.ScrapeResponse{})
	now = now.Add(2 * time.Minute)
	c.Set("new", &models.ScrapeResponse{})

	c.evictExpired()
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}
