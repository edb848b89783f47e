package sink

import (
	"context"
	"io"
	"sync"

	"github.com/use-agent/scrape/models"
)

// DefaultCapacity bounds a Memory sink when no capacity is given.
const DefaultCapacity = 10000

// Memory buffers a job's records for the pull and stream endpoints.
// Cursors are absolute record positions. When the buffer is full the oldest
// record is dropped and counted; cursors keep counting across drops.
// A record whose source URL was already written is ignored, so redelivery
// after a retried target does not duplicate it.
type Memory struct {
	mu       sync.Mutex
	records  []*models.ExtractedRecord
	offset   int
	capacity int
	dropped  int
	closed   bool
	seen     map[string]struct{}
	notify   chan struct{}
}

// NewMemory creates a Memory sink holding at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		capacity: capacity,
		seen:     make(map[string]struct{}),
		notify:   make(chan struct{}),
	}
}

func (m *Memory) Write(_ context.Context, rec *models.ExtractedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, dup := m.seen[rec.SourceURL]; dup {
		return nil
	}
	m.seen[rec.SourceURL] = struct{}{}

	if len(m.records) >= m.capacity {
		m.records[0] = nil
		m.records = m.records[1:]
		m.offset++
		m.dropped++
	}
	m.records = append(m.records, rec)
	m.wakeLocked()
	return nil
}

// Close marks the buffer complete. Buffered records stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.wakeLocked()
	}
	return nil
}

func (m *Memory) wakeLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// Page is one slice of buffered records.
type Page struct {
	Records    []*models.ExtractedRecord
	NextCursor int
	// Done is set once the buffer is closed and the page reaches its end.
	Done    bool
	Dropped int
}

// Results returns up to limit records starting at cursor. A cursor older
// than the oldest buffered record starts at the oldest one.
func (m *Memory) Results(cursor, limit int) Page {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cursor < m.offset {
		cursor = m.offset
	}
	total := m.offset + len(m.records)
	if cursor > total {
		cursor = total
	}
	end := total
	if limit > 0 && cursor+limit < end {
		end = cursor + limit
	}

	out := make([]*models.ExtractedRecord, end-cursor)
	copy(out, m.records[cursor-m.offset:end-m.offset])
	return Page{
		Records:    out,
		NextCursor: end,
		Done:       m.closed && end == total,
		Dropped:    m.dropped,
	}
}

// Next blocks until the record at cursor (or the next one still buffered)
// is available and returns it with the cursor that follows it. It returns
// io.EOF once the buffer is closed and drained.
func (m *Memory) Next(ctx context.Context, cursor int) (*models.ExtractedRecord, int, error) {
	for {
		m.mu.Lock()
		if cursor < m.offset {
			cursor = m.offset
		}
		if i := cursor - m.offset; i < len(m.records) {
			rec := m.records[i]
			m.mu.Unlock()
			return rec, cursor + 1, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, cursor, io.EOF
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of records written, including dropped ones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset + len(m.records)
}
