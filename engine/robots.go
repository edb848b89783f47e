package engine

import (
	"context"

	"github.com/use-agent/scrape/politeness"
)

// maxRobotsBytes caps robots.txt bodies; longer files are parsed truncated.
const maxRobotsBytes = 512 << 10

// RulesFetcher adapts an Engine to politeness.RulesFetcher. robots.txt
// requests bypass the governor, so they are never throttled.
func RulesFetcher(e Engine) politeness.RulesFetcher {
	return politeness.RulesFetcherFunc(func(ctx context.Context, scheme, host string) (int, []byte, error) {
		res, err := e.Fetch(ctx, &FetchRequest{URL: scheme + "://" + host + "/robots.txt"})
		if err != nil {
			return 0, nil, err
		}
		body := res.Body
		if len(body) > maxRobotsBytes {
			body = body[:maxRobotsBytes]
		}
		return res.StatusCode, body, nil
	})
}
