// Package ivoryerr defines the error kinds the proxy maps to client-visible
// HTTP responses.
package ivoryerr

import "fmt"

// Kind classifies a proxy failure so callers can map it to an HTTP status
// without re-deriving the cause from an error string.
type Kind string

const (
	// KindBodyTooLarge means the inbound body exceeded the configured cap.
	KindBodyTooLarge Kind = "BodyTooLarge"
	// KindUpstreamConnect means TCP/TLS to upstream failed.
	KindUpstreamConnect Kind = "Upstream/Connect"
	// KindUpstreamTimeout means a connect or total timeout elapsed.
	KindUpstreamTimeout Kind = "Upstream/Timeout"
	// KindUpstreamTLS means the TLS handshake with upstream failed.
	KindUpstreamTLS Kind = "Upstream/Tls"
	// KindUpstreamIO means a mid-stream I/O failure talking to upstream.
	KindUpstreamIO Kind = "Upstream/Io"
	// KindStore means a seen-URI store call failed.
	KindStore Kind = "Store"
	// KindFilterSkipped means the body could not be parsed as a timeline.
	KindFilterSkipped Kind = "FilterSkipped"
	// KindWSUpgrade means the upstream WebSocket upgrade failed.
	KindWSUpgrade Kind = "WsUpgrade"
)

// Error wraps an underlying cause with the Kind used to pick an HTTP
// response. It is the only error type the proxy's internal packages return
// on the transport path.
type Error struct {
	Kind Kind
	Err  error
}

// New wraps err with the given kind. A nil err is still wrapped so that
// errors.As can match on Kind alone.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, ivoryerr.New(ivoryerr.KindStore, nil)) style checks,
// but most call sites instead use errors.As and compare Kind directly.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}
