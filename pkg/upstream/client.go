// Package upstream provides the pooled HTTP client used to call the single
// configured Fediverse instance: bounded connect/request timeouts,
// keep-alive across calls, and redirects left untouched so the client sees
// 3xx verbatim for Mastodon OAuth flows.
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ivoryvalley/ivoryvalley/pkg/ivoryerr"
)

// Client wraps *http.Client with a timeout and redirect policy suited to a
// single upstream origin.
type Client struct {
	http *http.Client
}

// New builds a Client with a dedicated transport tuned for a single
// upstream origin.
func New(connectTimeout, requestTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
			// Left disabled: the client must see 3xx verbatim so
			// Mastodon OAuth redirects work end to end.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do performs req and maps transport failures to ivoryerr kinds so the
// handler can translate them into the right HTTP status.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err == nil {
		return resp, nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), isTimeoutNetError(err):
		return nil, ivoryerr.New(ivoryerr.KindUpstreamTimeout, err)
	case errors.Is(err, context.Canceled):
		return nil, ivoryerr.New(ivoryerr.KindUpstreamIO, err)
	case isTLSError(err):
		return nil, ivoryerr.New(ivoryerr.KindUpstreamTLS, err)
	default:
		return nil, ivoryerr.New(ivoryerr.KindUpstreamConnect, err)
	}
}

// SetTransport swaps the underlying RoundTripper, for tests that need to
// inject a fake transport.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.http.Transport = rt
}

func isTimeoutNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		certInvalid x509.CertificateInvalidError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
	)
	return errors.As(err, &recordErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr)
}
