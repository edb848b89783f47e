// Package sink delivers extracted records to their consumers.
package sink

import (
	"context"
	"errors"

	"github.com/use-agent/scrape/models"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink: closed")

// Sink receives the records produced by a crawl job. Write may be called
// from many workers at once and may see the same record more than once.
type Sink interface {
	Write(ctx context.Context, rec *models.ExtractedRecord) error
	Close() error
}

// Multi fans records out to several sinks.
type Multi []Sink

// Write delivers rec to every sink and joins their errors.
func (m Multi) Write(ctx context.Context, rec *models.ExtractedRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shared wraps a sink owned by someone else so that closing a job's sinks
// leaves it open.
func Shared(s Sink) Sink { return shared{s} }

type shared struct{ Sink }

func (shared) Close() error { return nil }
