package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind distinguishes fetch failures.
type ErrorKind int

const (
	Timeout ErrorKind = iota
	ConnectionError
	ProtocolError
	TooManyRedirects
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionError:
		return "connection_error"
	case ProtocolError:
		return "protocol_error"
	case TooManyRedirects:
		return "too_many_redirects"
	default:
		return "unknown"
	}
}

// FetchError is the only error type returned by Engine.Fetch.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// errTooManyRedirects is returned from CheckRedirect.
var errTooManyRedirects = errors.New("redirect limit exceeded")

// classify maps a transport error to a FetchError.
func classify(rawURL string, err error) *FetchError {
	fe := &FetchError{URL: rawURL, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, errTooManyRedirects):
		fe.Kind = TooManyRedirects
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = Timeout
	case isProtocolError(err):
		fe.Kind = ProtocolError
	default:
		// Dial, DNS, refused, reset and TLS handshake failures.
		fe.Kind = ConnectionError
	}
	return fe
}

func isProtocolError(err error) bool {
	var (
		recordErr tls.RecordHeaderError
		certErr   x509.CertificateInvalidError
	)
	if errors.As(err, &recordErr) || errors.As(err, &certErr) {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"malformed HTTP",
		"unsupported protocol scheme",
		"server gave HTTP response to HTTPS client",
		"invalid header",
		"net/http: HTTP/1.x transport connection broken",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
