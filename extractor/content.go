package extractor

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/net/html/charset"
)

// Kind is the broad content type of a fetched body.
type Kind string

const (
	KindHTML  Kind = "html"
	KindXML   Kind = "xml"
	KindJSON  Kind = "json"
	KindText  Kind = "text"
	KindOther Kind = "other"
)

// DetectKind classifies a body by its Content-Type, sniffing the body when
// the header is missing or too generic to decide.
func DetectKind(contentType string, body []byte) Kind {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case mt == "text/html" || mt == "application/xhtml+xml":
			return KindHTML
		case mt == "application/xml" || mt == "text/xml" || strings.HasSuffix(mt, "+xml"):
			return KindXML
		case mt == "application/json" || strings.HasSuffix(mt, "+json"):
			return KindJSON
		case mt == "text/plain" || mt == "text/csv" || mt == "text/markdown":
			return KindText
		case mt != "application/octet-stream" && mt != "binary/octet-stream":
			if strings.HasPrefix(mt, "text/") {
				return KindText
			}
			return KindOther
		}
	}
	return sniff(body)
}

func sniff(body []byte) Kind {
	head := bytes.TrimSpace(body)
	if len(head) > 512 {
		head = head[:512]
	}
	lower := bytes.ToLower(head)
	switch {
	case len(head) == 0:
		return KindText
	case head[0] == '{' || head[0] == '[':
		return KindJSON
	case bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.Contains(lower, []byte("<html")):
		return KindHTML
	case bytes.HasPrefix(lower, []byte("<?xml")) || bytes.HasPrefix(lower, []byte("<rss")) ||
		bytes.HasPrefix(lower, []byte("<urlset")) || bytes.HasPrefix(lower, []byte("<feed")):
		return KindXML
	}
	ct := http.DetectContentType(body)
	switch {
	case strings.HasPrefix(ct, "text/html"):
		return KindHTML
	case strings.HasPrefix(ct, "text/xml"):
		return KindXML
	case strings.HasPrefix(ct, "text/"):
		return KindText
	default:
		return KindOther
	}
}

// decodeText converts body to UTF-8 using the charset from contentType or
// the document's own declaration. Undecodable input is returned as-is.
func decodeText(body []byte, contentType string) string {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return string(body)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return string(body)
	}
	return string(out)
}
