package extractor

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// FieldKind selects the strategy that produces a field's value.
type FieldKind string

const (
	FieldCSS         FieldKind = "css"
	FieldMeta        FieldKind = "meta"
	FieldJSON        FieldKind = "json"
	FieldReadability FieldKind = "readability"
	FieldMarkdown    FieldKind = "markdown"
	FieldFingerprint FieldKind = "fingerprint"
	FieldText        FieldKind = "text"
)

// FieldRule describes one named output field.
type FieldRule struct {
	Name string    `yaml:"name"`
	Kind FieldKind `yaml:"kind"`

	// Selector is a CSS selector for css, markdown, fingerprint and text
	// fields, or the meta name/property for meta fields.
	Selector string `yaml:"selector,omitempty"`

	// Attr reads an attribute instead of element text (css), or picks the
	// article property (readability: title, text, excerpt, byline,
	// site_name, language, content).
	Attr string `yaml:"attr,omitempty"`

	// Path is a dot-separated JSON path; "*" iterates an array.
	Path string `yaml:"path,omitempty"`

	// All collects every match into a list instead of the first one.
	All bool `yaml:"all,omitempty"`

	// Required fails the target when the field yields no value.
	Required bool `yaml:"required,omitempty"`
}

// Ruleset is a named set of field rules plus link discovery settings.
type Ruleset struct {
	Name string `yaml:"name"`

	// Hosts restricts the ruleset to exact hosts or "*.suffix" patterns.
	// Empty matches every host.
	Hosts []string `yaml:"hosts,omitempty"`

	// ContentTypes restricts it to content kinds (html, xml, json, text).
	// Empty matches every kind.
	ContentTypes []Kind `yaml:"content_types,omitempty"`

	Fields []FieldRule `yaml:"fields"`

	// Links are CSS selectors for link discovery in HTML, replacing the
	// default a/area/link[rel=next] set.
	Links []string `yaml:"links,omitempty"`

	// LinkPaths are JSON paths whose string values are discovered links.
	LinkPaths []string `yaml:"link_paths,omitempty"`
}

var (
	ErrRulesetName  = errors.New("ruleset: name is required")
	ErrDuplicate    = errors.New("ruleset: duplicate name")
	ErrFieldInvalid = errors.New("ruleset: invalid field")
)

// Validate checks names, field kinds and selector syntax.
func (r *Ruleset) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrRulesetName
	}
	seen := make(map[string]struct{}, len(r.Fields))
	for _, f := range r.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s: field without name", ErrFieldInvalid, r.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrFieldInvalid, r.Name, f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Kind {
		case FieldCSS:
			if f.Selector == "" {
				return fmt.Errorf("%w: %s.%s: css field needs a selector", ErrFieldInvalid, r.Name, f.Name)
			}
			fallthrough
		case FieldMarkdown, FieldFingerprint, FieldText:
			if f.Selector != "" {
				if _, err := cascadia.Parse(f.Selector); err != nil {
					return fmt.Errorf("%w: %s.%s: selector %q: %v", ErrFieldInvalid, r.Name, f.Name, f.Selector, err)
				}
			}
		case FieldMeta:
			if f.Selector == "" {
				return fmt.Errorf("%w: %s.%s: meta field needs a name", ErrFieldInvalid, r.Name, f.Name)
			}
		case FieldJSON:
			if f.Path == "" {
				return fmt.Errorf("%w: %s.%s: json field needs a path", ErrFieldInvalid, r.Name, f.Name)
			}
		case FieldReadability:
		default:
			return fmt.Errorf("%w: %s.%s: unknown kind %q", ErrFieldInvalid, r.Name, f.Name, f.Kind)
		}
	}
	for _, sel := range r.Links {
		if _, err := cascadia.Parse(sel); err != nil {
			return fmt.Errorf("%w: %s: link selector %q: %v", ErrFieldInvalid, r.Name, sel, err)
		}
	}
	return nil
}

func (r *Ruleset) matchesKind(k Kind) bool {
	if len(r.ContentTypes) == 0 {
		return true
	}
	for _, ct := range r.ContentTypes {
		if ct == k {
			return true
		}
	}
	return false
}

// matchesHost reports whether host matches one of r.Hosts. Rulesets without
// hosts never match here; they are the generic fallback.
func (r *Ruleset) matchesHost(host string) bool {
	for _, h := range r.Hosts {
		h = strings.ToLower(h)
		if suffix, ok := strings.CutPrefix(h, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == h {
			return true
		}
	}
	return false
}

type rulesetFile struct {
	Rulesets []*Ruleset `yaml:"rulesets"`
}

// ParseRulesets decodes and validates a YAML rulesets document.
func ParseRulesets(data []byte) ([]*Ruleset, error) {
	var f rulesetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rulesets: %w", err)
	}
	names := make(map[string]struct{}, len(f.Rulesets))
	for _, rs := range f.Rulesets {
		if err := rs.Validate(); err != nil {
			return nil, err
		}
		if _, dup := names[rs.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicate, rs.Name)
		}
		names[rs.Name] = struct{}{}
	}
	return f.Rulesets, nil
}

// LoadRulesets reads a YAML rulesets file.
func LoadRulesets(path string) ([]*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rulesets: %w", err)
	}
	return ParseRulesets(data)
}

// Registry selects rulesets by host and content kind. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	rulesets []*Ruleset
	byName   map[string]*Ruleset
}

// NewRegistry creates a registry. Built-in defaults are always available.
func NewRegistry(rulesets ...*Ruleset) (*Registry, error) {
	reg := &Registry{byName: make(map[string]*Ruleset)}
	for _, rs := range rulesets {
		if err := reg.Add(rs); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Add registers a validated ruleset.
func (reg *Registry) Add(rs *Ruleset) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.byName[rs.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicate, rs.Name)
	}
	reg.rulesets = append(reg.rulesets, rs)
	reg.byName[rs.Name] = rs
	return nil
}

// Get returns a ruleset by name, including the built-in defaults.
func (reg *Registry) Get(name string) (*Ruleset, bool) {
	reg.mu.RLock()
	rs, ok := reg.byName[name]
	reg.mu.RUnlock()
	if ok {
		return rs, true
	}
	for _, d := range defaultRulesets {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Select returns the first ruleset whose hosts match host, then the first
// host-less ruleset for the kind, then the built-in default for the kind.
func (reg *Registry) Select(host string, kind Kind) *Ruleset {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	reg.mu.RLock()
	defer reg.mu.RUnlock()
	for _, rs := range reg.rulesets {
		if rs.matchesHost(host) && rs.matchesKind(kind) {
			return rs
		}
	}
	for _, rs := range reg.rulesets {
		if len(rs.Hosts) == 0 && rs.matchesKind(kind) {
			return rs
		}
	}
	return defaultFor(kind)
}

var defaultRulesets = []*Ruleset{
	{
		Name:         "default-html",
		ContentTypes: []Kind{KindHTML},
		Fields: []FieldRule{
			{Name: "title", Kind: FieldCSS, Selector: "title"},
			{Name: "description", Kind: FieldMeta, Selector: "description"},
			{Name: "fingerprint", Kind: FieldFingerprint},
		},
	},
	{Name: "default-xml", ContentTypes: []Kind{KindXML}},
	{Name: "default-json", ContentTypes: []Kind{KindJSON}},
	{Name: "default-text", ContentTypes: []Kind{KindText}, Fields: []FieldRule{{Name: "fingerprint", Kind: FieldFingerprint}}},
	{Name: "default"},
}

func defaultFor(kind Kind) *Ruleset {
	for _, d := range defaultRulesets {
		if len(d.ContentTypes) > 0 && d.ContentTypes[0] == kind {
			return d
		}
	}
	return defaultRulesets[len(defaultRulesets)-1]
}
