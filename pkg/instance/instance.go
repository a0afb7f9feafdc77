// Package instance rewrites instance-metadata responses: it replaces any
// advertised streaming URL so the client's WebSocket upgrade stays inside
// the proxy.
package instance

import "encoding/json"

// MetadataPaths are the instance-metadata endpoints eligible for rewriting.
var MetadataPaths = map[string]struct{}{
	"/api/v1/instance": {},
	"/api/v2/instance": {},
}

// Eligible reports whether path is an instance-metadata endpoint.
func Eligible(path string) bool {
	_, ok := MetadataPaths[path]
	return ok
}

// Rewrite replaces configuration.urls.streaming (v2) and urls.streaming_api
// (v1) with externalStreamingURL wherever present, leaving every other
// field untouched. If body is not a JSON object or neither field is
// present, body is returned unchanged with ok=false.
func Rewrite(body []byte, externalStreamingURL string) (out []byte, ok bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, false
	}

	changed := false

	if rawURLs, present := doc["urls"]; present {
		var urls map[string]json.RawMessage
		if err := json.Unmarshal(rawURLs, &urls); err == nil {
			if _, has := urls["streaming_api"]; has {
				urls["streaming_api"], _ = json.Marshal(externalStreamingURL)
				if reMarshaled, err := json.Marshal(urls); err == nil {
					doc["urls"] = reMarshaled
					changed = true
				}
			}
		}
	}

	if rawConfig, present := doc["configuration"]; present {
		var config map[string]json.RawMessage
		if err := json.Unmarshal(rawConfig, &config); err == nil {
			if rawInner, has := config["urls"]; has {
				var innerURLs map[string]json.RawMessage
				if err := json.Unmarshal(rawInner, &innerURLs); err == nil {
					if _, has := innerURLs["streaming"]; has {
						innerURLs["streaming"], _ = json.Marshal(externalStreamingURL)
						if reMarshaled, err := json.Marshal(innerURLs); err == nil {
							config["urls"] = reMarshaled
							if reMarshaledConfig, err := json.Marshal(config); err == nil {
								doc["configuration"] = reMarshaledConfig
								changed = true
							}
						}
					}
				}
			}
		}
	}

	if !changed {
		return body, false
	}

	result, err := json.Marshal(doc)
	if err != nil {
		return body, false
	}
	return result, true
}
