// Package transform rewrites a client-bound request into an upstream-bound
// request: it sets Host, strips hop-by-hop and proxy-control headers, and
// composes the upstream URL, preserving Authorization verbatim.
package transform

import (
	"net"
	"net/http"
	"net/url"
)

// hopHeaders lists headers that describe a single hop's connection
// semantics and must never be forwarded to the next hop.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ToUpstream builds the upstream URL and header set for an inbound request
// against the configured upstream origin. The returned header set is a
// fresh http.Header; the caller attaches it (and the original body) to the
// outgoing *http.Request.
func ToUpstream(upstream *url.URL, r *http.Request) (targetURL *url.URL, header http.Header, err error) {
	target := &url.URL{
		Scheme:   upstream.Scheme,
		Host:     upstream.Host,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}

	out := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	StripHopByHop(out)
	out.Set("Host", upstream.Host)
	augmentForwarded(out, r)

	return target, out, nil
}

// StripHopByHop removes the headers listed in hopHeaders from h in place.
func StripHopByHop(h http.Header) {
	for k := range hopHeaders {
		h.Del(k)
	}
}

// augmentForwarded appends proxy-visibility headers. These are never
// required for correctness, so failure to determine a client IP (e.g. no
// port in RemoteAddr) is silently skipped.
func augmentForwarded(h http.Header, r *http.Request) {
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		h.Set("X-Forwarded-For", clientIP)
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		h.Set("X-Forwarded-Proto", scheme)
	} else if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}

// CopyResponseHeaders mirrors headers from src into dst after stripping
// hop-by-hop headers, used on the response path back to the client.
func CopyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[k]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
