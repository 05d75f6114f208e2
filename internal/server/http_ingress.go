package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
)

// FirstByteTimeout bounds how long the public side waits for the first byte
// of a client's response (response_start or the first response_body chunk)
// before the request fails with a gateway timeout. TotalRequestTimeout bounds
// the full request once headers have arrived, allowing a slow-streaming body
// to keep running without an open-ended wait.
const (
	FirstByteTimeout    = 30 * time.Second
	TotalRequestTimeout = 300 * time.Second
)

// HTTPIngress serves buffered HTTP requests on behalf of registered
// subdomains, forwarding each to its owning client's control channel and
// streaming the reply back as it arrives. Handles subdomain-based routing,
// hop-by-hop header stripping, X-Forwarded-* injection, and basic-auth
// enforcement.
type HTTPIngress struct {
	Registry    *Registry
	Connections *ConnectionManager
	Pending     *PendingRequestStore
	PendingWS   *PendingWebSocketStore
	RateLimit   *ratelimit.Limiter
	Logger      zerolog.Logger
	BaseDomain  string

	// History records completed buffered requests for the admin
	// `requests`/`replay` surface. Nil disables recording (e.g. in tests).
	History *RequestHistory
	Metrics *metrics.Registry
}

// ServeHTTP implements http.Handler. r.Host's leftmost label, minus the
// configured base domain, is looked up in the registry.
func (h *HTTPIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := h.extractSubdomain(r.Host)
	if subdomain == "" {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	t, ok := h.Registry.LookupBySubdomain(subdomain)
	if !ok {
		http.Error(w, "no tunnel registered for this subdomain", http.StatusNotFound)
		return
	}
	if t.Kind != protocol.KindHTTP {
		http.Error(w, "subdomain is not an HTTP tunnel", http.StatusBadGateway)
		return
	}

	if !h.RateLimit.Allow(ratelimit.ScopeRequest, t.ID) {
		if h.Metrics != nil {
			h.Metrics.RateLimitRejections.WithLabelValues(string(ratelimit.ScopeRequest)).Inc()
		}
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if t.BasicAuth != nil {
		user, pass, ok := decodeBasicAuth(r.Header.Get("Authorization"))
		if !ok || user != t.BasicAuth.Username || pass != t.BasicAuth.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="tunnel"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, ok := h.Connections.Lookup(t.ClientID)
	if !ok {
		http.Error(w, "tunnel client disconnected", http.StatusBadGateway)
		return
	}

	if strings.EqualFold(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		h.bridgeWebSocket(w, r, t, conn)
		return
	}

	h.bridgeBuffered(w, r, t, conn)
}

func (h *HTTPIngress) extractSubdomain(host string) string {
	host = strings.ToLower(host)
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	suffix := "." + strings.ToLower(h.BaseDomain)
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

func (h *HTTPIngress) bridgeBuffered(w http.ResponseWriter, r *http.Request, t *Tunnel, conn *ClientConnection) {
	requestID := generateTunnelID()
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	headers := forwardedHeaders(r, protocol.HeadersFromHTTP(map[string][]string(r.Header)))

	var bodyBuf bytes.Buffer
	body := io.NopCloser(io.TeeReader(r.Body, &bodyBuf))
	if h.History == nil {
		body = r.Body
	}

	pr := newPendingRequest(requestID, t.ID, rec, started.Add(TotalRequestTimeout))
	h.Pending.Add(pr)
	defer h.Pending.Take(requestID)

	startMsg, err := protocol.NewMessage(protocol.TagRequestStart, protocol.RequestStartPayload{
		RequestID: requestID,
		TunnelID:  t.ID,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   headers,
	})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.send(conn, startMsg); err != nil {
		http.Error(w, "tunnel client disconnected", http.StatusBadGateway)
		return
	}

	if err := h.streamBody(conn, requestID, body); err != nil {
		h.Logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to stream request body")
	}

	if !h.waitForResponse(r.Context(), pr, started, FirstByteTimeout, TotalRequestTimeout) {
		if !pr.FirstByteWritten() {
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			rec.status = http.StatusGatewayTimeout
		}
	}

	if h.Metrics != nil {
		outcome := "ok"
		if rec.status >= 500 {
			outcome = "error"
		}
		h.Metrics.RequestsTotal.WithLabelValues("http", outcome).Inc()
	}

	if h.History != nil {
		h.History.Record(HistoryEntry{
			RequestID:  requestID,
			TunnelID:   t.ID,
			Subdomain:  t.Subdomain,
			Method:     r.Method,
			Path:       r.URL.RequestURI(),
			Headers:    headers,
			Body:       bodyBuf.Bytes(),
			StatusCode: rec.status,
			Duration:   time.Since(started),
			Timestamp:  started,
		})
	}
}

// waitForResponse waits up to firstByteTimeout for the response to start
// arriving. If headers (or a first body chunk) show up before that deadline,
// the wait is extended to totalTimeout-from-started so a slow-streaming body
// isn't cut off at the first-byte deadline; otherwise it reports a gateway
// timeout without ever granting the longer window. Timeouts are passed in
// rather than read from the package constants so tests can exercise both
// tiers without waiting out the real durations.
func (h *HTTPIngress) waitForResponse(parent context.Context, pr *PendingRequest, started time.Time, firstByteTimeout, totalTimeout time.Duration) bool {
	firstByteCtx, firstByteCancel := context.WithDeadline(parent, started.Add(firstByteTimeout))
	done := pr.Wait(firstByteCtx)
	firstByteCancel()
	if done || !pr.FirstByteWritten() {
		return done
	}

	totalCtx, totalCancel := context.WithDeadline(parent, started.Add(totalTimeout))
	defer totalCancel()
	return pr.Wait(totalCtx)
}

// statusRecorder wraps http.ResponseWriter to capture the status code
// written by the client's response for the admin request history.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *HTTPIngress) streamBody(conn *ClientConnection, requestID string, body io.ReadCloser) error {
	defer body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			msg, merr := protocol.NewMessage(protocol.TagRequestBody, protocol.RequestBodyPayload{
				RequestID: requestID,
				Chunk:     chunk,
				Final:     false,
			})
			if merr != nil {
				return merr
			}
			if serr := h.send(conn, msg); serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			finalMsg, merr := protocol.NewMessage(protocol.TagRequestBody, protocol.RequestBodyPayload{
				RequestID: requestID,
				Final:     true,
			})
			if merr != nil {
				return merr
			}
			return h.send(conn, finalMsg)
		}
		if err != nil {
			return err
		}
	}
}

func (h *HTTPIngress) send(conn *ClientConnection, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Channel.WriteMessage(data)
}

// forwardedHeaders strips hop-by-hop headers and injects X-Forwarded-For,
// X-Forwarded-Proto, and X-Forwarded-Host.
func forwardedHeaders(r *http.Request, headers protocol.Headers) protocol.Headers {
	out := make(protocol.Headers, len(headers))
	for k, v := range headers {
		if protocol.IsHopByHop(http.CanonicalHeaderKey(k)) {
			continue
		}
		out[k] = v
	}

	remoteIP := r.RemoteAddr
	if idx := strings.LastIndexByte(remoteIP, ':'); idx >= 0 {
		remoteIP = remoteIP[:idx]
	}
	if prior := out["X-Forwarded-For"]; len(prior) > 0 {
		out["X-Forwarded-For"] = append(append([]string{}, prior...), remoteIP)
	} else {
		out["X-Forwarded-For"] = []string{remoteIP}
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out["X-Forwarded-Proto"] = []string{proto}
	out["X-Forwarded-Host"] = []string{r.Host}
	return out
}
