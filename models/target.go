package models

import "time"

// TargetState is the lifecycle state of a CrawlTarget.
type TargetState int

const (
	StatePending TargetState = iota
	StateInFlight
	StateDone
	StateFailed
)

func (s TargetState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is Done or Failed.
func (s TargetState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CrawlTarget is a single URL tracked by the frontier.
type CrawlTarget struct {
	// ID is the stable arena index assigned on enqueue.
	ID int64

	// URL is the canonical absolute URL.
	URL string

	// Host is the canonical authority (host[:port]) used for politeness.
	Host string

	// Path is the escaped path plus query, used for exclusion-rule checks.
	Path string

	Depth          int
	Priority       int
	AttemptCount   int
	DiscoveredFrom string
	State          TargetState

	// NotBefore delays dispatch until a retry backoff has elapsed.
	NotBefore time.Time

	// LastError is the reason of the most recent failure.
	LastError string
}
