package politeness

import (
	"context"

	"github.com/temoto/robotstxt"
)

// RulesFetcher loads /robots.txt for scheme://host. A non-nil error means
// the request itself failed; any HTTP status is returned as-is.
type RulesFetcher interface {
	FetchRules(ctx context.Context, scheme, host string) (status int, body []byte, err error)
}

// RulesFetcherFunc adapts a function to RulesFetcher.
type RulesFetcherFunc func(ctx context.Context, scheme, host string) (int, []byte, error)

// FetchRules calls f.
func (f RulesFetcherFunc) FetchRules(ctx context.Context, scheme, host string) (int, []byte, error) {
	return f(ctx, scheme, host)
}

type resolvedRules struct {
	data        *robotstxt.RobotsData
	disallowAll bool
}

// resolveRules maps a robots.txt response to exclusion rules:
// 2xx is parsed, 4xx allows everything, and transport errors, 5xx or
// unparseable bodies allow everything unless failClosed is set.
func resolveRules(status int, body []byte, err error, failClosed bool) resolvedRules {
	if err != nil {
		return resolvedRules{disallowAll: failClosed}
	}
	switch {
	case status >= 200 && status < 300:
		data, perr := robotstxt.FromBytes(body)
		if perr != nil {
			return resolvedRules{disallowAll: failClosed}
		}
		return resolvedRules{data: data}
	case status >= 400 && status < 500:
		return resolvedRules{}
	default:
		return resolvedRules{disallowAll: failClosed}
	}
}
