// Package timeline implements the timeline filter: given a response whose
// body is a JSON array of Mastodon Status objects, it extracts each
// entry's content URI, consults the seen-URI store, and emits only
// first-seen entries, preserving relative order.
package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ivoryvalley/ivoryvalley/pkg/contenturi"
	"github.com/ivoryvalley/ivoryvalley/pkg/ivoryerr"
	"github.com/ivoryvalley/ivoryvalley/pkg/metrics"
	"github.com/ivoryvalley/ivoryvalley/pkg/store"
)

var timelinePath = regexp.MustCompile(`^/api/v1/timelines/(home|public|list/[^/]+|tag/[^/]+)$`)

// Eligible reports whether a request/response pair qualifies for timeline
// filtering: a successful GET against a timeline path with a JSON body.
func Eligible(method string, path string, upstreamStatus int, contentType string) bool {
	if method != http.MethodGet {
		return false
	}
	if upstreamStatus < 200 || upstreamStatus >= 300 {
		return false
	}
	if !timelinePath.MatchString(path) {
		return false
	}
	return strings.HasPrefix(contentType, "application/json")
}

// Filter consumes the upstream JSON array body and returns the filtered
// array, ready to serialize back to the client. now is the timestamp
// recorded for any newly-seen URI.
//
// A body that doesn't parse as a JSON array is returned unchanged with
// ok=false; this is not an error to the caller, only a signal that no
// filtering happened.
func Filter(ctx context.Context, st *store.Store, counters *metrics.Counters, body []byte, now time.Time) (filtered []byte, ok bool) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		counters.IncFilterSkipped()
		return body, false
	}

	out := make([]json.RawMessage, 0, len(elements))
	for _, elem := range elements {
		uri, found := contenturi.Of(elem)
		if !found {
			counters.IncSkipped()
			out = append(out, elem)
			continue
		}

		outcome, err := st.ExistsOrRecord(ctx, uri, now)
		if err != nil {
			// Conservative: prefer forwarding a possible duplicate to
			// silently dropping an entry the client hasn't seen yet.
			var ivErr *ivoryerr.Error
			if errors.As(err, &ivErr) && ivErr.Kind == ivoryerr.KindStore {
				counters.IncStoreError()
			}
			out = append(out, elem)
			continue
		}

		switch outcome {
		case store.Fresh:
			out = append(out, elem)
		case store.Duplicate:
			counters.IncFiltered()
		}
	}

	result, err := json.Marshal(out)
	if err != nil {
		counters.IncFilterSkipped()
		return body, false
	}
	return result, true
}
