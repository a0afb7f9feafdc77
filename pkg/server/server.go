// Package server wires the HTTP proxy handler, the WebSocket relay, and the
// health endpoint behind one net/http.Server, and implements graceful
// shutdown, following the drain-then-close pattern of a typical
// net/http.Server main loop.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ivoryvalley/ivoryvalley/pkg/httpproxy"
	"github.com/ivoryvalley/ivoryvalley/pkg/metrics"
	"github.com/ivoryvalley/ivoryvalley/pkg/relay"
	"github.com/ivoryvalley/ivoryvalley/pkg/store"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

// streamingPath is the canonical Mastodon streaming upgrade endpoint.
const streamingPath = "/api/v1/streaming"

// Mux builds the top-level http.Handler: health endpoint, WebSocket
// upgrade, and everything else through the HTTP proxy handler.
func Mux(httpHandler *httpproxy.Handler, rl *relay.Relay, upstream *url.URL, counters *metrics.Counters, st *store.Store, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", healthHandler(st, counters))

	mux.HandleFunc(streamingPath, func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			httpHandler.ServeHTTP(w, r)
			return
		}
		serveStreaming(w, r, rl, upstream, logger)
	})

	mux.Handle("/", httpHandler)

	return mux
}

// healthHandler implements GET /health (and ?deep=true). It never requires
// authentication.
func healthHandler(st *store.Store, counters *metrics.Counters) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "healthy",
			"version": Version,
		}

		if r.URL.Query().Get("deep") == "true" {
			checks := map[string]string{"database": "ok"}
			if err := st.Ping(r.Context()); err != nil {
				checks["database"] = "error"
			}
			resp["checks"] = checks
			resp["counters"] = counters.Snapshot()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// serveStreaming performs the WebSocket upgrade dance: extract credentials,
// dial upstream, complete the client upgrade, then hand off to the relay.
func serveStreaming(w http.ResponseWriter, r *http.Request, rl *relay.Relay, upstream *url.URL, logger zerolog.Logger) {
	creds := relay.ExtractCredentials(r)
	target := relay.UpstreamURL(upstream, r, creds)

	upstreamConn, resp, err := relay.DialUpstream(r.Context(), websocket.DefaultDialer, target, creds)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, http.StatusText(status), status)
		logger.Error().Err(err).Msg("upstream websocket upgrade failed")
		return
	}

	var responseHeader http.Header
	if creds.Protocol != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{creds.Protocol}}
	}

	clientConn, err := relay.Upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		upstreamConn.Close()
		logger.Error().Err(err).Msg("client websocket upgrade failed")
		return
	}

	rl.Run(r.Context(), clientConn, upstreamConn)
}

// ExternalStreamingURL derives the proxy's externally-visible WebSocket URL
// used by the Instance-Response Rewriter, from the listener's own host/port
// unless externalHost overrides it.
func ExternalStreamingURL(externalHost string, host string, port int) string {
	if strings.TrimSpace(externalHost) != "" {
		return externalHost + streamingPath
	}
	return "ws://" + hostPort(host, port) + streamingPath
}

func hostPort(host string, port int) string {
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(port)
}

// WaitForShutdown blocks until ctx is cancelled, then drains in-flight
// requests up to timeout before closing srv.
func WaitForShutdown(ctx context.Context, srv *http.Server, timeout time.Duration, logger zerolog.Logger) {
	<-ctx.Done()

	logger.Info().Msg("shutting down ivoryvalley")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	logger.Info().Msg("ivoryvalley stopped")
}
