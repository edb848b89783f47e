package scheduler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/use-agent/scrape/engine"
	"github.com/use-agent/scrape/extractor"
)

// failure describes why a target attempt did not produce a record.
type failure struct {
	retryable bool
	reason    string
}

// classifyFetch returns nil when res can be extracted.
func classifyFetch(res *engine.FetchResult, err error) *failure {
	var fe *engine.FetchError
	if errors.As(err, &fe) {
		return &failure{retryable: fe.Kind != engine.TooManyRedirects, reason: fe.Error()}
	}
	if err != nil {
		return &failure{retryable: true, reason: err.Error()}
	}
	if res.OK() {
		return nil
	}
	return &failure{retryable: retryableStatus(res.StatusCode), reason: fmt.Sprintf("status %d", res.StatusCode)}
}

// retryableStatus reports whether an upstream status is worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// classifyExtract returns nil when the record can be delivered. Malformed
// bodies still deliver their partial record.
func classifyExtract(err error) *failure {
	if err == nil {
		return nil
	}
	var xe *extractor.ExtractionError
	if errors.As(err, &xe) && !xe.Fatal() {
		return nil
	}
	return &failure{retryable: false, reason: err.Error()}
}
