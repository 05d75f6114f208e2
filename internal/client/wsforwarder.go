package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watzon/sellia/internal/protocol"
)

// WSForwarder dials the local target for ws_upgrade requests the way
// Forwarder dials it for request_start.
type WSForwarder struct {
	resolveTarget TargetResolver
	defaultTarget string
	dialer        *websocket.Dialer
}

// NewWSForwarder builds a WSForwarder sharing the same route table as the
// HTTP Forwarder.
func NewWSForwarder(defaultTarget string, resolver TargetResolver) *WSForwarder {
	return &WSForwarder{
		resolveTarget: resolver,
		defaultTarget: defaultTarget,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial resolves path against the route table, converts it to a ws:// or
// wss:// URL, and dials the local service, forwarding the offered
// subprotocols and headers. It returns the accepted subprotocol/handshake
// response headers for the caller to relay back to the public side.
func (f *WSForwarder) Dial(ctx context.Context, path string, headers protocol.Headers) (*websocket.Conn, protocol.Headers, error) {
	target := f.defaultTarget
	if f.resolveTarget != nil {
		if resolved := f.resolveTarget(path); resolved != "" {
			target = resolved
		}
	}
	if target == "" {
		return nil, nil, ErrNoRoute
	}

	wsURL, err := toWebSocketURL(target, path)
	if err != nil {
		return nil, nil, fmt.Errorf("wsforwarder: build url: %w", err)
	}

	reqHeader := http.Header{}
	protocol.HeadersToHTTP(headers, reqHeader)
	subprotocols := splitSubprotocols(reqHeader.Get("Sec-Websocket-Protocol"))
	for _, stripped := range []string{"Connection", "Upgrade", "Sec-Websocket-Key", "Sec-Websocket-Version", "Sec-Websocket-Extensions", "Sec-Websocket-Protocol"} {
		reqHeader.Del(stripped)
	}

	// gorilla/websocket rejects a requestHeader that sets Sec-WebSocket-Protocol
	// directly; offered subprotocols must go through Dialer.Subprotocols, so
	// dial with a per-call copy rather than mutating the shared dialer.
	dialer := *f.dialer
	dialer.Subprotocols = subprotocols
	conn, resp, err := dialer.DialContext(ctx, wsURL, reqHeader)
	if err != nil {
		return nil, nil, fmt.Errorf("wsforwarder: dial %s: %w", wsURL, err)
	}

	respHeaders := protocol.Headers{}
	if resp != nil {
		respHeaders = protocol.HeadersFromHTTP(map[string][]string(resp.Header))
	}
	return conn, respHeaders, nil
}

func splitSubprotocols(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func toWebSocketURL(target, path string) (string, error) {
	full, err := buildURL(target, path)
	if err != nil {
		return "", err
	}
	switch {
	case len(full) > 5 && full[:5] == "http:":
		return "ws:" + full[5:], nil
	case len(full) > 6 && full[:6] == "https:":
		return "wss:" + full[6:], nil
	default:
		return full, nil
	}
}
