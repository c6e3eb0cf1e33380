// Package wsproxy implements the WebSocket half of the proxy boundary
// (C6): it upgrades the client's connection, dials the matching
// upstream connection on the hub, and relays frames in both directions
// through the WebSocket filter (limit mode) or the learner (learn
// mode).
//
// This generalizes the teacher's dashboard hub, which only ever
// relayed one direction (server to browser, broadcast-only), into a
// genuine two-leg, full-duplex relay: client pump and upstream pump,
// each forwarding what it reads to the other connection.
package wsproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corfr/ha-api-limiter/internal/allowlist"
	"github.com/corfr/ha-api-limiter/internal/config"
	"github.com/corfr/ha-api-limiter/internal/learner"
	"github.com/corfr/ha-api-limiter/internal/wsfilter"
)

// maxFrameBytes caps inbound frame size on both legs, per spec.md §5.
const maxFrameBytes = 10 * 1024 * 1024

// dialTimeout bounds how long we wait to establish the upstream leg
// before giving up and closing the client connection.
const dialTimeout = 10 * time.Second

// upgrader handles the client-facing HTTP → WebSocket upgrade. Origin
// checking is left to the hub being proxied to (same pattern the
// teacher's dashboard upgrader uses — same-origin deployments, with
// CheckOrigin permissive since the hub itself gates access by token).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options holds the dependencies a Relay needs at construction.
type Options struct {
	Config    *config.Config
	Allowlist *allowlist.Allowlist // consulted only in limit mode
	Learner   *learner.Learner     // nil outside learn mode
	Log       *slog.Logger
}

// Relay is the http.Handler mounted wherever a WebSocket upgrade may
// arrive. It upgrades the client leg, dials the upstream leg, and runs
// the bidirectional pump pair. A fresh wsfilter.Filter is built per
// connection — its pending-request/subscription state is scoped to
// exactly one client, never shared across connections.
type Relay struct {
	cfg       *config.Config
	allowlist *allowlist.Allowlist
	learner   *learner.Learner
	log       *slog.Logger
}

// New creates a Relay from opts.
func New(opts Options) *Relay {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Relay{cfg: opts.Config, allowlist: opts.Allowlist, learner: opts.Learner, log: log}
}

// ServeHTTP upgrades the incoming request to a WebSocket, dials the
// equivalent upstream path, and relays frames until either side closes.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstreamURL, err := upstreamWebSocketURL(rl.cfg.HAUrl, r.URL)
	if err != nil {
		slog.Error("cannot build upstream websocket url", "error", err)
		http.Error(w, "bad upstream configuration", http.StatusInternalServerError)
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	clientConn.SetReadLimit(maxFrameBytes)

	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	upstreamConn, _, err := dialer.Dial(upstreamURL, nil)
	if err != nil {
		slog.Error("upstream websocket dial failed", "url", upstreamURL, "error", err)
		clientConn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, closeReason(err)),
			time.Now().Add(time.Second),
		)
		clientConn.Close()
		return
	}
	upstreamConn.SetReadLimit(maxFrameBytes)

	slog.Info("websocket relay established", "path", r.URL.Path)

	var filter *wsfilter.Filter
	if rl.cfg.Mode == config.ModeLimit {
		filter = wsfilter.New(rl.allowlist, rl.log)
	}

	done := make(chan struct{}, 2)
	go rl.pump(clientConn, upstreamConn, filter, "client->upstream", done)
	go rl.pump(upstreamConn, clientConn, filter, "upstream->client", done)

	<-done
	clientConn.Close()
	upstreamConn.Close()
	<-done
}

// pump reads frames from src and, after filtering/learning, writes
// them to dst. Runs until src closes or a write to dst fails; either
// outcome signals done so ServeHTTP can tear down both legs. filter is
// nil outside limit mode.
func (rl *Relay) pump(src, dst *websocket.Conn, filter *wsfilter.Filter, direction string, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	fromClient := direction == "client->upstream"

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket pump closed", "direction", direction, "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if rl.cfg.Mode == config.ModeLimit {
				// Uninspectable — block outright rather than relay blind.
				slog.Warn("binary websocket frame blocked", "direction", direction)
				continue
			}
			// Learn mode: uninspectable, pass through unchanged.
			if err := dst.WriteMessage(msgType, data); err != nil {
				return
			}

		case websocket.TextMessage:
			if fromClient && filter != nil {
				allowed, errResponse := filter.FilterClientMessage(data)
				if !allowed {
					// Denied — answer the client directly, never forward
					// upstream.
					if errResponse != nil {
						if err := src.WriteMessage(websocket.TextMessage, errResponse); err != nil {
							return
						}
					}
					continue
				}
				if err := dst.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
				continue
			}

			out := rl.filterText(data, filter, fromClient)
			if out == nil {
				continue
			}
			if err := dst.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}

		default:
			// Ping/pong/close are handled internally by gorilla/websocket;
			// nothing else should reach here.
		}
	}
}

// filterText handles text frames not already handled by the
// client-leg fast path above: server-to-client frames in limit mode
// (filtered for allowlist-restricted list responses) and every frame
// in learn mode (observed, never blocked). A nil return drops the
// frame.
func (rl *Relay) filterText(data []byte, filter *wsfilter.Filter, fromClient bool) []byte {
	switch rl.cfg.Mode {
	case config.ModeLimit:
		if fromClient || filter == nil {
			return data
		}
		return filter.FilterServerMessage(data)

	case config.ModeLearn:
		if rl.learner != nil {
			rl.learner.LearnFromWebSocketMessage(data)
			rl.learner.MaybeSave()
		}
		return data

	default:
		return data
	}
}

// maxCloseReasonBytes is the most a WebSocket close reason can hold: a
// control frame payload is capped at 125 bytes and FormatCloseMessage
// spends the first 2 on the status code.
const maxCloseReasonBytes = 123

// closeReason turns a dial error into a close-frame reason string,
// truncating if the error text would overflow the control frame.
func closeReason(err error) string {
	msg := err.Error()
	if len(msg) > maxCloseReasonBytes {
		msg = msg[:maxCloseReasonBytes]
	}
	return msg
}

// upstreamWebSocketURL rewrites a client-facing request URL into the
// equivalent upstream WebSocket URL: same path and query, ws/wss
// depending on the hub's own scheme.
func upstreamWebSocketURL(haURL string, clientURL *url.URL) (string, error) {
	base, err := url.Parse(haURL)
	if err != nil {
		return "", fmt.Errorf("parsing ha_url %q: %w", haURL, err)
	}

	scheme := "ws"
	if strings.EqualFold(base.Scheme, "https") {
		scheme = "wss"
	}

	u := &url.URL{
		Scheme:   scheme,
		Host:     base.Host,
		Path:     clientURL.Path,
		RawQuery: clientURL.RawQuery,
	}
	return u.String(), nil
}
