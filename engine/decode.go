package engine

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody wraps the body according to Content-Encoding. Unknown
// encodings are passed through undecoded.
func decodeBody(resp *http.Response) (io.Reader, func(), error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip decode: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case "br":
		return brotli.NewReader(resp.Body), func() {}, nil
	case "deflate":
		fl := flate.NewReader(resp.Body)
		return fl, func() { fl.Close() }, nil
	default:
		return resp.Body, func() {}, nil
	}
}
