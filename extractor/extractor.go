// Package extractor turns fetched bodies into ExtractedRecords. Field values
// come from rulesets of tagged strategies; discovered links are resolved,
// canonicalized and de-duplicated.
package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/ysmood/gson"

	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/models"
)

// ErrorKind distinguishes extraction failures.
type ErrorKind int

const (
	// MalformedBody means the body only partly parsed; a partial record is
	// returned alongside the error.
	MalformedBody ErrorKind = iota
	// RequiredFieldMissing means a required field had no value; no record
	// is returned.
	RequiredFieldMissing
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedBody:
		return "malformed_body"
	case RequiredFieldMissing:
		return "required_field_missing"
	default:
		return "unknown"
	}
}

// ExtractionError reports a failed or partial extraction.
type ExtractionError struct {
	Kind  ErrorKind
	URL   string
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("extract %s: %s: field %q", e.URL, e.Kind, e.Field)
	}
	return fmt.Sprintf("extract %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error leaves no usable record.
func (e *ExtractionError) Fatal() bool {
	return e.Kind == RequiredFieldMissing
}

// Options configures an Extractor.
type Options struct {
	// MaxLinks caps discovered links per page. Defaults to DefaultMaxLinks.
	MaxLinks int

	// Registry supplies rulesets. Defaults to an empty registry (built-ins only).
	Registry *Registry
}

// Extractor is safe for concurrent use.
type Extractor struct {
	maxLinks int
	registry *Registry
	conv     *converter.Converter
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = DefaultMaxLinks
	}
	if opts.Registry == nil {
		opts.Registry, _ = NewRegistry()
	}
	return &Extractor{maxLinks: opts.MaxLinks, registry: opts.Registry, conv: newMarkdownConverter()}
}

// Registry returns the ruleset registry.
func (x *Extractor) Registry() *Registry {
	return x.registry
}

// page is the parsed form of one fetch result shared by the strategies.
type page struct {
	res     *engine.FetchResult
	base    *url.URL
	kind    Kind
	text    string
	doc     *goquery.Document
	json    gson.JSON
	hasJSON bool

	article     *articleResult
	articleTook bool
}

// Extract produces a record from a fetch result. rs selects the ruleset;
// nil picks one from the registry by host and content kind.
//
// A MalformedBody error comes with a partial record. A RequiredFieldMissing
// error comes with a nil record.
func (x *Extractor) Extract(res *engine.FetchResult, rs *Ruleset) (*models.ExtractedRecord, error) {
	finalURL := res.FinalURL
	if finalURL == "" {
		finalURL = res.URL
	}
	var malformed error
	base, err := url.Parse(finalURL)
	if err != nil {
		// Resolve links against the requested URL instead.
		malformed = fmt.Errorf("final url: %w", err)
		if base, err = url.Parse(res.URL); err != nil {
			base = &url.URL{}
		}
	}

	p := &page{res: res, base: base, kind: DetectKind(res.ContentType, res.Body)}
	if rs == nil {
		rs = x.registry.Select(base.Host, p.kind)
	}

	rec := &models.ExtractedRecord{
		SourceURL:       res.URL,
		FinalURL:        finalURL,
		StatusCode:      res.StatusCode,
		Ruleset:         rs.Name,
		Fields:          map[string]any{},
		DiscoveredLinks: []string{},
		Partial:         res.Truncated,
		FetchedAt:       time.Now(),
	}

	switch p.kind {
	case KindHTML:
		p.text = decodeText(res.Body, res.ContentType)
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.text))
		if err != nil {
			malformed = err
			break
		}
		p.doc = doc
		rec.DiscoveredLinks = htmlLinks(doc, base, rs.Links, x.maxLinks)
	case KindXML:
		p.text = decodeText(res.Body, res.ContentType)
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.text)); err == nil {
			p.doc = doc
		}
		links, err := xmlLinks([]byte(p.text), base, x.maxLinks)
		rec.DiscoveredLinks = links
		if err != nil {
			malformed = err
		}
	case KindJSON:
		p.text = string(res.Body)
		var v any
		if err := json.Unmarshal(res.Body, &v); err != nil {
			malformed = err
			break
		}
		p.json = gson.New(v)
		p.hasJSON = true
		rec.DiscoveredLinks = jsonLinks(p.json, base, rs.LinkPaths, x.maxLinks)
	case KindText:
		p.text = decodeText(res.Body, res.ContentType)
	}

	for _, f := range rs.Fields {
		v, ok := x.field(p, f)
		if ok {
			rec.Fields[f.Name] = v
			continue
		}
		if f.Required {
			return nil, &ExtractionError{Kind: RequiredFieldMissing, URL: res.URL, Field: f.Name,
				Err: errors.New("no value")}
		}
	}

	if malformed != nil {
		rec.Partial = true
		return rec, &ExtractionError{Kind: MalformedBody, URL: res.URL, Err: malformed}
	}
	return rec, nil
}
