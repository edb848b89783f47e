package frontier

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned for URLs that cannot be crawled: unparsable,
// relative, host-less or with a scheme other than http/https.
var ErrInvalidURL = errors.New("invalid url")

// Canonicalize parses raw and returns its canonical string form.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	c, err := CanonicalizeURL(u)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// CanonicalizeURL returns a normalised copy of u: scheme and host lowercased,
// default ports stripped, fragment removed and an empty path replaced by "/".
// The input is not modified.
func CanonicalizeURL(u *url.URL) (*url.URL, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: nil url", ErrInvalidURL)
	}
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	if c.Scheme != "http" && c.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if c.Opaque != "" {
		return nil, fmt.Errorf("%w: opaque url %q", ErrInvalidURL, u.String())
	}

	host := strings.ToLower(c.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, u.String())
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := c.Port(); port != "" && port != defaultPort(c.Scheme) {
		host += ":" + port
	}
	c.Host = host

	c.Fragment = ""
	c.RawFragment = ""
	c.ForceQuery = false
	if c.Path == "" {
		c.Path = "/"
		c.RawPath = ""
	}
	return &c, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
