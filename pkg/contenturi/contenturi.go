// Package contenturi computes the content URI that collapses a boost and
// its boosted original onto the same dedup key.
package contenturi

import "encoding/json"

// shape is the subset of a Mastodon status object the filter reads; every
// other field is left untouched by decoding the full element as
// json.RawMessage at the call site instead of into this type.
type shape struct {
	URI    string `json:"uri"`
	Reblog *struct {
		URI string `json:"uri"`
	} `json:"reblog"`
}

// Of extracts the content URI from a raw JSON status object: the boosted
// original's URI if the element is a boost, else the element's own URI.
// ok is false if neither is present or not a string.
func Of(raw json.RawMessage) (uri string, ok bool) {
	var s shape
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	if s.Reblog != nil && s.Reblog.URI != "" {
		return s.Reblog.URI, true
	}
	if s.URI != "" {
		return s.URI, true
	}
	return "", false
}
