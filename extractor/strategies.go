package extractor

import (
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

type articleResult struct {
	article readability.Article
	ok      bool
}

// field runs the strategy named by f.Kind. The bool is false when the field
// produced no value or does not apply to the page's content kind.
func (x *Extractor) field(p *page, f FieldRule) (any, bool) {
	switch f.Kind {
	case FieldCSS:
		return cssField(p, f)
	case FieldMeta:
		return metaField(p, f)
	case FieldJSON:
		return jsonField(p, f)
	case FieldReadability:
		if p.kind != KindHTML {
			return nil, false
		}
		return nonEmpty(articleField(p.readability().article, f.Attr))
	case FieldMarkdown:
		return x.markdownField(p, f)
	case FieldFingerprint:
		text, ok := scopedText(p, f.Selector)
		if !ok || strings.TrimSpace(text) == "" {
			return nil, false
		}
		return fingerprintHex(text), true
	case FieldText:
		return scopedText(p, f.Selector)
	}
	return nil, false
}

func (p *page) readability() *articleResult {
	if !p.articleTook {
		a, ok := extractArticle(p.text, p.base.String())
		p.article = &articleResult{article: a, ok: ok}
		p.articleTook = true
	}
	return p.article
}

func cssField(p *page, f FieldRule) (any, bool) {
	if p.doc == nil {
		return nil, false
	}
	var values []string
	p.doc.Find(f.Selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var v string
		if f.Attr != "" {
			v, _ = s.Attr(f.Attr)
			v = strings.TrimSpace(v)
		} else {
			v = collapse(s.Text())
		}
		if v != "" {
			values = append(values, v)
		}
		return f.All || len(values) == 0
	})
	if len(values) == 0 {
		return nil, false
	}
	if f.All {
		return values, true
	}
	return values[0], true
}

func metaField(p *page, f FieldRule) (any, bool) {
	if p.doc == nil {
		return nil, false
	}
	var found string
	p.doc.Find("meta[content]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, attr := range []string{"name", "property", "itemprop"} {
			if v, ok := s.Attr(attr); ok && strings.EqualFold(v, f.Selector) {
				content, _ := s.Attr("content")
				found = strings.TrimSpace(content)
				break
			}
		}
		return found == ""
	})
	return nonEmpty(found)
}

func jsonField(p *page, f FieldRule) (any, bool) {
	if !p.hasJSON {
		return nil, false
	}
	matches := jsonLookup(p.json, f.Path)
	if len(matches) == 0 {
		return nil, false
	}
	if f.All {
		out := make([]any, 0, len(matches))
		for _, m := range matches {
			out = append(out, m.Val())
		}
		return out, true
	}
	v := matches[0].Val()
	if v == nil {
		return nil, false
	}
	return v, true
}

func (x *Extractor) markdownField(p *page, f FieldRule) (any, bool) {
	if p.kind != KindHTML {
		return nil, false
	}
	var src string
	if f.Selector != "" {
		scoped, ok, err := applySelector(p.text, f.Selector)
		if err != nil || !ok {
			return nil, false
		}
		src = scoped
	} else {
		src = p.readability().article.Content
	}
	md, err := toMarkdown(x.conv, src, p.base.Scheme+"://"+p.base.Host)
	if err != nil {
		slog.Debug("markdown conversion failed", "url", p.res.URL, "error", err)
		return nil, false
	}
	return nonEmpty(md)
}

// scopedText returns the visible text of the page, or of the elements
// matching selector. Text bodies are returned whole.
func scopedText(p *page, selector string) (string, bool) {
	switch p.kind {
	case KindText:
		return nonEmptyString(strings.TrimSpace(p.text))
	case KindHTML, KindXML:
		if selector == "" {
			if p.kind == KindHTML {
				return nonEmptyString(visibleText(p.text))
			}
			if p.doc == nil {
				return "", false
			}
			return nonEmptyString(collapse(p.doc.Text()))
		}
		if p.doc == nil {
			return "", false
		}
		return nonEmptyString(collapse(p.doc.Find(selector).Text()))
	case KindJSON:
		return nonEmptyString(strings.TrimSpace(p.text))
	}
	return "", false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func nonEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func nonEmptyString(s string) (string, bool) {
	return s, s != ""
}
