package extractor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ysmood/gson"

	"github.com/use-agent/scrape/frontier"
)

// DefaultMaxLinks caps the links discovered on one page.
const DefaultMaxLinks = 500

var defaultLinkSelectors = []string{"a[href]", "area[href]", "link[rel~=next][href]"}

// linkSet collects canonical absolute http(s) links in discovery order.
type linkSet struct {
	base *url.URL
	max  int
	seen map[string]struct{}
	out  []string
}

func newLinkSet(base *url.URL, max int) *linkSet {
	return &linkSet{base: base, max: max, seen: make(map[string]struct{}), out: []string{}}
}

func (l *linkSet) full() bool {
	return len(l.out) >= l.max
}

// add resolves raw against the base URL and keeps it when it is a new
// http or https URL.
func (l *linkSet) add(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") || l.full() {
		return
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return
	}
	c, err := frontier.CanonicalizeURL(l.base.ResolveReference(ref))
	if err != nil {
		return
	}
	key := c.String()
	if _, dup := l.seen[key]; dup {
		return
	}
	l.seen[key] = struct{}{}
	l.out = append(l.out, key)
}

// htmlLinks discovers links in an HTML document, honouring <base href>.
func htmlLinks(doc *goquery.Document, base *url.URL, selectors []string, max int) []string {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}
	if len(selectors) == 0 {
		selectors = defaultLinkSelectors
	}

	links := newLinkSet(base, max)
	for _, sel := range selectors {
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if href, ok := s.Attr("href"); ok {
				links.add(href)
			} else if src, ok := s.Attr("src"); ok {
				links.add(src)
			}
			return !links.full()
		})
		if links.full() {
			break
		}
	}
	return links.out
}

// xmlLinks discovers sitemap <loc> entries and RSS/Atom <link> elements.
// On a decoding error the links found so far are returned with the error.
func xmlLinks(body []byte, base *url.URL, max int) ([]string, error) {
	links := newLinkSet(base, max)
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }

	var (
		inLink bool
		text   strings.Builder
	)
	for !links.full() {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return links.out, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "loc", "link":
				inLink = true
				text.Reset()
				for _, a := range t.Attr {
					if a.Name.Local == "href" {
						links.add(a.Value)
					}
				}
			}
		case xml.CharData:
			if inLink {
				text.Write(t)
			}
		case xml.EndElement:
			if inLink && (t.Name.Local == "loc" || t.Name.Local == "link") {
				links.add(text.String())
				inLink = false
			}
		}
	}
	return links.out, nil
}

// jsonLinks collects the string values found at paths.
func jsonLinks(root gson.JSON, base *url.URL, paths []string, max int) []string {
	links := newLinkSet(base, max)
	for _, p := range paths {
		for _, v := range jsonLookup(root, p) {
			if s, ok := v.Val().(string); ok {
				links.add(s)
			}
		}
	}
	return links.out
}
