package extractor

import (
	"bytes"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// newMarkdownConverter creates a reusable, goroutine-safe Converter:
//
//   - base plugin: strips script, style, iframe, noscript, head, meta, link,
//     input, textarea and HTML comments.
//   - commonmark plugin: standard Markdown rendering.
//   - table plugin: preserves table structure with minimal cell padding.
func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(
				table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
			),
		),
	)
}

// toMarkdown converts HTML to Markdown. Relative links and images are
// resolved against domain.
func toMarkdown(conv *converter.Converter, htmlContent string, domain string) (string, error) {
	md, err := conv.ConvertString(htmlContent, converter.WithDomain(domain))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

// applySelector returns the concatenated outer HTML of all elements matching
// selector, and false when nothing matched.
func applySelector(rawHTML string, selector string) (string, bool, error) {
	sel, err := cascadia.Parse(selector)
	if err != nil {
		return "", false, err
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", false, err
	}

	matches := cascadia.QueryAll(doc, sel)
	if len(matches) == 0 {
		return "", false, nil
	}
	var buf bytes.Buffer
	for _, node := range matches {
		if err := html.Render(&buf, node); err != nil {
			return "", false, err
		}
	}
	return buf.String(), true, nil
}
