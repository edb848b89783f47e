package models

import "time"

// ExtractedRecord is the structured output for one successfully processed page.
// Records are handed to the results sinks and never retained by the core.
type ExtractedRecord struct {
	JobID      string `json:"job_id"`
	SourceURL  string `json:"source_url"`
	FinalURL   string `json:"final_url,omitempty"`
	Depth      int    `json:"depth"`
	StatusCode int    `json:"status_code"`

	// Ruleset names the extraction ruleset that produced Fields.
	Ruleset string `json:"ruleset,omitempty"`

	Fields          map[string]any `json:"fields"`
	DiscoveredLinks []string       `json:"discovered_links"`

	// Partial is set when the body was malformed and only part of it parsed.
	Partial bool `json:"partial,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}
