package extractor

import (
	"log/slog"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the minimum TextContent length (in characters) for
// readability output to be considered valid. Below this threshold we assume
// the algorithm failed to locate the main content and fall back to raw HTML.
const minContentLength = 50

// extractArticle runs the Mozilla Readability algorithm on rawHTML.
// The bool is false when the raw HTML was used as a fallback.
func extractArticle(rawHTML string, sourceURL string) (readability.Article, bool) {
	parsedURL, err := nurl.Parse(sourceURL)
	if err != nil {
		slog.Debug("readability: invalid source URL, falling back to raw HTML",
			"url", sourceURL, "error", err,
		)
		return fallbackArticle(rawHTML), false
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		slog.Debug("readability: extraction failed, falling back to raw HTML",
			"url", sourceURL, "error", err,
		)
		return fallbackArticle(rawHTML), false
	}

	if len(strings.TrimSpace(article.TextContent)) < minContentLength {
		return fallbackArticle(rawHTML), false
	}
	return article, true
}

func fallbackArticle(rawHTML string) readability.Article {
	return readability.Article{
		Content:     rawHTML,
		TextContent: visibleText(rawHTML),
	}
}

// articleField picks one property of an article by name.
func articleField(a readability.Article, attr string) string {
	switch attr {
	case "title":
		return a.Title
	case "excerpt":
		return a.Excerpt
	case "byline":
		return a.Byline
	case "site_name":
		return a.SiteName
	case "language":
		return a.Language
	case "content":
		return a.Content
	default:
		return strings.TrimSpace(a.TextContent)
	}
}
