package extractor

import (
	"fmt"
	"net/url"

	"github.com/use-agent/scrape/engine"
)

// Output formats for Render.
const (
	FormatRaw      = "raw"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

// Render converts a fetched body to the requested format. raw returns the
// decoded body unchanged; markdown and text run readability first and fall
// back to the whole document when it finds no main content. Non-HTML bodies
// are always returned raw.
func (x *Extractor) Render(res *engine.FetchResult, format string) (string, error) {
	kind := DetectKind(res.ContentType, res.Body)
	body := decodeText(res.Body, res.ContentType)
	if kind != KindHTML || format == "" || format == FormatRaw {
		return body, nil
	}

	source := res.FinalURL
	if source == "" {
		source = res.URL
	}
	article, _ := extractArticle(body, source)

	switch format {
	case FormatText:
		return articleField(article, "text"), nil
	case FormatMarkdown:
		domain := source
		if u, err := url.Parse(source); err == nil {
			domain = u.Scheme + "://" + u.Host
		}
		md, err := toMarkdown(x.conv, article.Content, domain)
		if err != nil {
			return "", fmt.Errorf("convert to markdown: %w", err)
		}
		return md, nil
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}
