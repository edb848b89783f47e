package extractor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const rulesYAML = `
rulesets:
  - name: blog
    hosts: ["*.example.com"]
    content_types: [html]
    fields:
      - name: title
        kind: css
        selector: h1
        required: true
      - name: body
        kind: markdown
    links: ["a.next"]
  - name: api
    hosts: ["api.example.com"]
    content_types: [json]
    fields:
      - name: id
        kind: json
        path: data.id
    link_paths: ["links.*.href"]
  - name: generic-json
    content_types: [json]
`

func TestParseRulesets(t *testing.T) {
	t.Parallel()

	rs, err := ParseRulesets([]byte(rulesYAML))
	if err != nil {
		t.Fatalf("ParseRulesets: %v", err)
	}
	if len(rs) != 3 {
		t.Fatalf("got %d rulesets", len(rs))
	}
	blog := rs[0]
	if blog.Name != "blog" || len(blog.Fields) != 2 || !blog.Fields[0].Required || blog.Fields[1].Kind != FieldMarkdown {
		t.Fatalf("blog = %+v", blog)
	}
	if rs[1].LinkPaths[0] != "links.*.href" {
		t.Fatalf("api link paths = %v", rs[1].LinkPaths)
	}
}

func TestParseRulesets_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"missing name", "rulesets:\n  - fields: []\n", ErrRulesetName},
		{"unknown kind", "rulesets:\n  - name: a\n    fields:\n      - {name: x, kind: xpath}\n", ErrFieldInvalid},
		{"bad selector", "rulesets:\n  - name: a\n    fields:\n      - {name: x, kind: css, selector: 'div[['}\n", ErrFieldInvalid},
		{"json without path", "rulesets:\n  - name: a\n    fields:\n      - {name: x, kind: json}\n", ErrFieldInvalid},
		{"duplicate ruleset", "rulesets:\n  - name: a\n  - name: a\n", ErrDuplicate},
		{"bad link selector", "rulesets:\n  - name: a\n    links: ['a[[']\n", ErrFieldInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseRulesets([]byte(tt.doc)); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadRulesets(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rulesYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	rs, err := LoadRulesets(path)
	if err != nil || len(rs) != 3 {
		t.Fatalf("LoadRulesets = %d, %v", len(rs), err)
	}
	if _, err := LoadRulesets(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestRegistrySelect(t *testing.T) {
	t.Parallel()

	rs, err := ParseRulesets([]byte(rulesYAML))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := NewRegistry(rs...)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		host string
		kind Kind
		want string
	}{
		{"news.example.com", KindHTML, "blog"},
		{"example.com:8080", KindHTML, "blog"},
		{"api.example.com", KindJSON, "api"},
		{"other.test", KindJSON, "generic-json"},
		{"other.test", KindHTML, "default-html"},
		{"other.test", KindText, "default-text"},
		{"other.test", KindOther, "default"},
	}
	for _, tt := range tests {
		if got := reg.Select(tt.host, tt.kind).Name; got != tt.want {
			t.Errorf("Select(%q, %s) = %s, want %s", tt.host, tt.kind, got, tt.want)
		}
	}

	if _, ok := reg.Get("api"); !ok {
		t.Error("Get(api) not found")
	}
	if _, ok := reg.Get("default-html"); !ok {
		t.Error("built-in ruleset not found by name")
	}
	if err := reg.Add(&Ruleset{Name: "blog"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate Add err = %v", err)
	}
}
