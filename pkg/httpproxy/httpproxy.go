// Package httpproxy orchestrates request transform → upstream call →
// (instance rewriter | timeline filter) → client response, enforcing
// body-size limits and translating failures into the right HTTP status.
package httpproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivoryvalley/ivoryvalley/pkg/instance"
	"github.com/ivoryvalley/ivoryvalley/pkg/ivoryerr"
	"github.com/ivoryvalley/ivoryvalley/pkg/metrics"
	"github.com/ivoryvalley/ivoryvalley/pkg/recorder"
	"github.com/ivoryvalley/ivoryvalley/pkg/store"
	"github.com/ivoryvalley/ivoryvalley/pkg/timeline"
	"github.com/ivoryvalley/ivoryvalley/pkg/transform"
	"github.com/ivoryvalley/ivoryvalley/pkg/upstream"
)

// Doer is the subset of *upstream.Client the handler needs; satisfied by
// *upstream.Client and by fakes in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handler is the HTTP reverse-proxy handler.
type Handler struct {
	Upstream             *url.URL
	Client               Doer
	Store                *store.Store
	Counters             *metrics.Counters
	MaxBodySize          int64
	Recorder             *recorder.Recorder
	ExternalStreamingURL string
	Logger               zerolog.Logger
	Now                  func() time.Time
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

// ServeHTTP forwards r to the upstream and applies the eligible filter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	event := h.Logger.With().
		Str("request_id", requestID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()

	limitedBody := http.MaxBytesReader(w, r.Body, h.MaxBodySize)
	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		writeError(w, event, ivoryerr.New(ivoryerr.KindBodyTooLarge, err))
		return
	}

	targetURL, header, err := transform.ToUpstream(h.Upstream, r)
	if err != nil {
		writeError(w, event, err)
		return
	}

	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		writeError(w, event, ivoryerr.New(ivoryerr.KindUpstreamIO, err))
		return
	}
	upstreamReq.Header = header
	upstreamReq.Host = h.Upstream.Host

	resp, err := h.Client.Do(upstreamReq)
	if err != nil {
		writeError(w, event, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.MaxBodySize+1))
	if err != nil {
		writeError(w, event, ivoryerr.New(ivoryerr.KindUpstreamIO, err))
		return
	}
	if int64(len(respBody)) > h.MaxBodySize {
		writeError(w, event, ivoryerr.New(ivoryerr.KindBodyTooLarge, fmt.Errorf("upstream response body exceeds %d bytes", h.MaxBodySize)))
		return
	}

	respBody = h.applyBodyFilters(r, resp, respBody, event)

	header2 := w.Header()
	transform.CopyResponseHeaders(header2, resp.Header)
	header2.Set("Content-Length", fmt.Sprintf("%d", len(respBody)))
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	h.Recorder.Record(recorder.Entry{
		Time:     start,
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   resp.StatusCode,
		ReqBody:  string(bodyBytes),
		RespBody: string(respBody),
		Headers:  resp.Header,
	})

	event.Info().Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("request proxied")
}

// applyBodyFilters checks instance rewriting before timeline filtering
// since the two path sets never overlap, but the ordering documents which
// one a metadata path would hit first.
func (h *Handler) applyBodyFilters(r *http.Request, resp *http.Response, body []byte, event zerolog.Logger) []byte {
	contentType := resp.Header.Get("Content-Type")

	if instance.Eligible(r.URL.Path) && strings.HasPrefix(contentType, "application/json") {
		if rewritten, ok := instance.Rewrite(body, h.ExternalStreamingURL); ok {
			return rewritten
		}
		return body
	}

	if timeline.Eligible(r.Method, r.URL.Path, resp.StatusCode, contentType) {
		filtered, ok := timeline.Filter(r.Context(), h.Store, h.Counters, body, h.now())
		if !ok {
			event.Debug().Msg("timeline body did not parse as an array; passing through unmodified")
			return body
		}
		return filtered
	}

	return body
}

// writeError maps err to an HTTP status and writes a JSON error body.
// Constructing the body uses only constant, valid values so this path
// itself cannot panic.
func writeError(w http.ResponseWriter, event zerolog.Logger, err error) {
	status := http.StatusBadGateway
	var ivErr *ivoryerr.Error
	if errors.As(err, &ivErr) {
		switch ivErr.Kind {
		case ivoryerr.KindBodyTooLarge:
			status = http.StatusRequestEntityTooLarge
		case ivoryerr.KindUpstreamTimeout:
			status = http.StatusGatewayTimeout
		case ivoryerr.KindUpstreamConnect, ivoryerr.KindUpstreamTLS, ivoryerr.KindUpstreamIO:
			status = http.StatusBadGateway
		}
	}

	event.Error().Err(err).Int("status", status).Msg("request failed")

	body, _ := json.Marshal(map[string]string{"error": http.StatusText(status)})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
