// Package relay accepts a client WebSocket upgrade, opens a corresponding
// upstream WebSocket carrying the client's credentials, and runs a
// four-task bidirectional relay in which upstream→client "update" events
// are filtered through the seen-URI store.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ivoryvalley/ivoryvalley/pkg/contenturi"
	"github.com/ivoryvalley/ivoryvalley/pkg/ivoryerr"
	"github.com/ivoryvalley/ivoryvalley/pkg/metrics"
	"github.com/ivoryvalley/ivoryvalley/pkg/store"
)

// queueDepth bounds each write half's internal queue: a slow consumer
// closes its direction rather than buffering unboundedly.
const queueDepth = 64

// envelope is a streaming event envelope, per the glossary: {event,
// payload}, where payload is itself a JSON-encoded string.
type envelope struct {
	Event   string `json:"event"`
	Payload string `json:"payload"`
}

// eventUpdate is the only event type re-filtered against the store; all
// others (delete, notification, status.update, heartbeats/acks) pass
// through untouched.
const eventUpdate = "update"

// Upgrader is shared across requests; it performs no origin checking
// beyond what the embedding HTTP server already enforces, matching a
// transparent proxy's posture (it relays whatever the client negotiated).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay runs one client↔upstream WebSocket pairing until either side closes
// or errors, at which point both are torn down.
type Relay struct {
	st     *store.Store
	ctr    *metrics.Counters
	logger zerolog.Logger
}

// New constructs a Relay sharing the store and counters with the HTTP
// filter path.
func New(st *store.Store, ctr *metrics.Counters, logger zerolog.Logger) *Relay {
	return &Relay{st: st, ctr: ctr, logger: logger}
}

// Credentials carries the authentication material extracted from the
// client's upgrade request, in priority order.
type Credentials struct {
	BearerToken  string // from Authorization: Bearer ...
	Protocol     string // from Sec-WebSocket-Protocol
	AccessToken  string // from ?access_token= query parameter
	fromProtocol bool
}

// ExtractCredentials reads auth from the client's upgrade request, trying
// the Authorization header, then Sec-WebSocket-Protocol, then the
// access_token query parameter, in that order.
func ExtractCredentials(r *http.Request) Credentials {
	var c Credentials
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		c.BearerToken = strings.TrimPrefix(auth, "Bearer ")
		return c
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		c.Protocol = proto
		c.fromProtocol = true
		return c
	}
	c.AccessToken = r.URL.Query().Get("access_token")
	return c
}

// UpstreamURL builds the upstream WebSocket URL for the client's upgrade
// request against the configured upstream origin, preserving the query
// string and ensuring access_token is present if that was the client's
// transport.
func UpstreamURL(upstream *url.URL, r *http.Request, creds Credentials) *url.URL {
	scheme := "ws"
	if upstream.Scheme == "https" {
		scheme = "wss"
	}

	target := &url.URL{
		Scheme:   scheme,
		Host:     upstream.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	if creds.AccessToken != "" {
		q := target.Query()
		if q.Get("access_token") == "" {
			q.Set("access_token", creds.AccessToken)
			target.RawQuery = q.Encode()
		}
	}

	return target
}

// DialUpstream opens the upstream WebSocket, forwarding the client's
// credentials via Authorization header (preferred) and/or the
// Sec-WebSocket-Protocol value.
func DialUpstream(ctx context.Context, dialer *websocket.Dialer, target *url.URL, creds Credentials) (*websocket.Conn, *http.Response, error) {
	header := make(http.Header)
	if creds.BearerToken != "" {
		header.Set("Authorization", "Bearer "+creds.BearerToken)
	}

	var protocols []string
	if creds.Protocol != "" {
		protocols = strings.Split(creds.Protocol, ",")
		for i := range protocols {
			protocols[i] = strings.TrimSpace(protocols[i])
		}
	}
	d := *dialer
	d.Subprotocols = protocols

	conn, resp, err := d.DialContext(ctx, target.String(), header)
	if err != nil {
		return nil, resp, ivoryerr.New(ivoryerr.KindWSUpgrade, err)
	}
	return conn, resp, nil
}

// Run drives the four-task relay between client and upstream until either
// side closes or errors. It blocks until the relay is fully torn down; both
// connections are closed on every exit path before Run returns.
func (rl *Relay) Run(ctx context.Context, client, upstreamConn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer client.Close()
	defer upstreamConn.Close()

	toClient := make(chan wsFrame, queueDepth)
	toUpstream := make(chan wsFrame, queueDepth)

	done := make(chan struct{}, 4)
	go func() { rl.readUpstream(ctx, upstreamConn, toClient); done <- struct{}{} }()
	go func() { rl.readClient(ctx, client, toUpstream); done <- struct{}{} }()
	go func() { writeLoop(ctx, client, toClient); done <- struct{}{} }()
	go func() { writeLoop(ctx, upstreamConn, toUpstream); done <- struct{}{} }()

	<-done
	cancel()
	// A blocked conn.ReadMessage() in the surviving read goroutine isn't
	// context-aware, so cancel alone can't unblock it: close both
	// connections now rather than waiting for the deferred Close calls,
	// which can't run until this function returns.
	client.Close()
	upstreamConn.Close()
	// Drain the remaining three completions so no goroutine leaks past Run
	// returning.
	for i := 0; i < 3; i++ {
		<-done
	}
}

// wsFrame is one relayed WebSocket frame.
type wsFrame struct {
	messageType int
	data        []byte
}

// readUpstream reads frames from the upstream connection, filters "update"
// events through the store, and enqueues everything else untouched for
// delivery to the client.
func (rl *Relay) readUpstream(ctx context.Context, conn *websocket.Conn, out chan<- wsFrame) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if msgType == websocket.TextMessage {
			if forward := rl.shouldForwardUpstreamFrame(ctx, data); !forward {
				continue
			}
		}

		if !enqueue(ctx, out, wsFrame{messageType: msgType, data: data}) {
			return
		}
	}
}

// shouldForwardUpstreamFrame applies the event-level filter: only "update"
// events are subject to dedup; everything else (including frames that fail
// to parse as an envelope) is forwarded unconditionally.
func (rl *Relay) shouldForwardUpstreamFrame(ctx context.Context, data []byte) bool {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return true
	}
	if env.Event != eventUpdate {
		return true
	}

	uri, ok := contenturi.Of([]byte(env.Payload))
	if !ok {
		return true
	}

	outcome, err := rl.st.ExistsOrRecord(ctx, uri, time.Now())
	if err != nil {
		rl.ctr.IncStoreError()
		return true
	}
	if outcome == store.Duplicate {
		rl.ctr.IncFiltered()
		return false
	}
	return true
}

// readClient forwards every client frame verbatim to upstream; subscribe/
// unsubscribe control messages are opaque to the proxy.
func (rl *Relay) readClient(ctx context.Context, conn *websocket.Conn, out chan<- wsFrame) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !enqueue(ctx, out, wsFrame{messageType: msgType, data: data}) {
			return
		}
	}
}

// writeLoop drains queue, writing each frame to conn, until ctx is
// cancelled or the queue is closed.
func writeLoop(ctx context.Context, conn *websocket.Conn, queue <-chan wsFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, open := <-queue:
			if !open {
				return
			}
			if err := conn.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
		}
	}
}

// enqueue attempts a non-blocking send; a full queue means a slow consumer,
// which tears down this direction (and, via Run's fan-in, the whole relay).
func enqueue(ctx context.Context, queue chan<- wsFrame, frame wsFrame) bool {
	select {
	case queue <- frame:
		return true
	case <-ctx.Done():
		return false
	default:
		return false // slow consumer: queue full, abort this direction
	}
}

// IsCloseError reports whether err represents a normal WebSocket close,
// used by callers deciding whether to log at error level.
func IsCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, context.Canceled)
}
