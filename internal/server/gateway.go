package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/auth"
	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
)

// Heartbeat tuning: every PingInterval the heartbeat checks a client's last
// inbound activity and evicts it as stale once that is older than StaleAfter.
const (
	PingInterval = 20 * time.Second
	StaleAfter   = 60 * time.Second
)

// AuthTimeout bounds how long ServeWS waits for the first frame after a
// successful upgrade before closing the connection as timed out. A var
// rather than a const so tests can shrink it instead of waiting out the
// real default.
var AuthTimeout = 10 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsChannel adapts a *websocket.Conn to the ControlChannel interface, with a
// mutex serializing writes so only one goroutine ever writes to the
// underlying connection at a time.
type wsChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsChannel) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsChannel) Close() error {
	return w.conn.Close()
}

func (w *wsChannel) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// TCPPortAllocator hands out and reclaims the public listener ports bound to
// TCP-kind tunnels (implemented by the TCP ingress's listener pool).
type TCPPortAllocator interface {
	Allocate(tunnelID string) (port int, err error)
	Release(port int)
}

// Gateway owns the control-channel lifecycle: upgrade, authenticate, receive
// loop, heartbeat, and coordinated teardown across every tunnel a single
// connection may hold.
type Gateway struct {
	Auth        auth.Provider
	Connections *ConnectionManager
	Registry    *Registry
	Pending     *PendingRequestStore
	PendingWS   *PendingWebSocketStore
	PendingTCP  *PendingTCPStore
	RateLimit   *ratelimit.Limiter
	TCPPorts    TCPPortAllocator
	Metrics     *metrics.Registry
	Logger      zerolog.Logger
	BaseDomain  string

	OnTunnelClosed func(t *Tunnel)
}

func (g *Gateway) countMessage(tag string) {
	if g.Metrics != nil {
		g.Metrics.ControlMessagesTotal.WithLabelValues(tag).Inc()
	}
}

func (g *Gateway) countRateLimitRejection(scope ratelimit.Scope) {
	if g.Metrics != nil {
		g.Metrics.RateLimitRejections.WithLabelValues(string(scope)).Inc()
	}
}

// ServeWS upgrades the HTTP request to a WebSocket control channel and runs
// its lifecycle until the connection closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	sourceIP := r.RemoteAddr
	if idx := strings.LastIndexByte(sourceIP, ':'); idx >= 0 {
		sourceIP = sourceIP[:idx]
	}
	if g.RateLimit != nil && !g.RateLimit.Allow(ratelimit.ScopeConnection, sourceIP) {
		g.countRateLimitRejection(ratelimit.ScopeConnection)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn().Err(err).Msg("control channel upgrade failed")
		return
	}
	channel := &wsChannel{conn: conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientConn, authErr := g.authenticate(ctx, channel)
	if authErr != nil {
		g.Logger.Info().Err(authErr).Msg("control channel auth rejected")
		_ = channel.Close()
		return
	}

	logger := g.Logger.With().Str("client_id", clientConn.ID).Str("account_id", clientConn.AccountID).Logger()
	logger.Info().Str("remote_addr", channel.RemoteAddr()).Msg("client connected")
	if g.Metrics != nil {
		g.Metrics.ActiveConnections.Set(float64(g.Connections.Count()))
	}

	go g.heartbeatLoop(ctx, clientConn)

	g.receiveLoop(ctx, clientConn, logger)

	g.teardown(clientConn)
	logger.Info().Msg("client disconnected")
}

// authenticate waits for the first frame, requires it to be an auth message,
// validates the credential, registers the connection, and replies with
// auth_ok or auth_error. Absence of any frame within AuthTimeout closes the
// channel with an auth_error "timeout" rather than blocking forever.
func (g *Gateway) authenticate(ctx context.Context, channel *wsChannel) (*ClientConnection, error) {
	_ = channel.conn.SetReadDeadline(time.Now().Add(AuthTimeout))
	_, data, err := channel.conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			g.replyAuthError(channel, "timeout")
			return nil, fmt.Errorf("gateway: auth timed out: %w", err)
		}
		return nil, fmt.Errorf("gateway: read auth frame: %w", err)
	}
	_ = channel.conn.SetReadDeadline(time.Time{})
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("gateway: decode auth frame: %w", err)
	}
	if msg.Tag != protocol.TagAuth {
		g.replyAuthError(channel, "first message must be auth")
		return nil, fmt.Errorf("gateway: expected auth, got %s", msg.Tag)
	}
	var payload protocol.AuthPayload
	if err := msg.Parse(&payload); err != nil {
		g.replyAuthError(channel, "malformed auth payload")
		return nil, err
	}

	accountID, err := g.Auth.Validate(payload.Credential)
	if err != nil {
		g.replyAuthError(channel, "invalid credential")
		return nil, err
	}

	_, cancel := context.WithCancel(ctx)
	clientConn, err := g.Connections.Register(accountID, channel, cancel)
	if err != nil {
		cancel()
		g.replyAuthError(channel, "internal error")
		return nil, err
	}

	limits := map[string]protocol.RateLimitSetting{
		string(ratelimit.ScopeConnection): {Capacity: ratelimit.DefaultSettings[ratelimit.ScopeConnection].Capacity, RefillPerSec: ratelimit.DefaultSettings[ratelimit.ScopeConnection].RefillPerSec},
		string(ratelimit.ScopeTunnel):     {Capacity: ratelimit.DefaultSettings[ratelimit.ScopeTunnel].Capacity, RefillPerSec: ratelimit.DefaultSettings[ratelimit.ScopeTunnel].RefillPerSec},
		string(ratelimit.ScopeRequest):    {Capacity: ratelimit.DefaultSettings[ratelimit.ScopeRequest].Capacity, RefillPerSec: ratelimit.DefaultSettings[ratelimit.ScopeRequest].RefillPerSec},
	}
	okMsg, err := protocol.NewMessage(protocol.TagAuthOk, protocol.AuthOkPayload{AccountID: accountID, Limits: limits})
	if err != nil {
		return nil, err
	}
	if err := g.sendMessage(channel, okMsg); err != nil {
		return nil, err
	}
	return clientConn, nil
}

func (g *Gateway) replyAuthError(channel *wsChannel, reason string) {
	msg, err := protocol.NewMessage(protocol.TagAuthError, protocol.AuthErrorPayload{Reason: reason})
	if err != nil {
		return
	}
	_ = g.sendMessage(channel, msg)
}

func (g *Gateway) sendMessage(channel ControlChannel, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return channel.WriteMessage(data)
}

// heartbeatLoop sends periodic pings and relies on receiveLoop's activity
// tracking to detect staleness.
func (g *Gateway) heartbeatLoop(ctx context.Context, conn *ClientConnection) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(conn.LastActivity()) > StaleAfter {
				g.Logger.Warn().Str("client_id", conn.ID).Msg("control channel stale, evicting")
				_ = conn.Channel.Close()
				return
			}
			msg, err := protocol.NewMessage(protocol.TagPing, protocol.PingPayload{TimestampMs: now.UnixMilli()})
			if err != nil {
				continue
			}
			if err := g.sendMessage(conn.Channel, msg); err != nil {
				return
			}
		}
	}
}

// receiveLoop reads frames until the connection errors or closes, dispatching
// each to its handler and updating last-activity. Panics in a single handler
// are recovered so one bad frame cannot take down the gateway goroutine.
func (g *Gateway) receiveLoop(ctx context.Context, conn *ClientConnection, logger zerolog.Logger) {
	channel := conn.Channel.(*wsChannel)
	for {
		_, data, err := channel.conn.ReadMessage()
		if err != nil {
			return
		}
		conn.Touch()

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		g.dispatch(ctx, conn, msg, logger)
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *ClientConnection, msg *protocol.Message, logger zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("tag", msg.Tag).Msg("recovered panic handling control frame")
		}
	}()
	g.countMessage(msg.Tag)

	switch msg.Tag {
	case protocol.TagTunnelOpen:
		g.handleTunnelOpen(conn, msg, logger)
	case protocol.TagTunnelClose:
		g.handleTunnelClose(conn, msg, logger)
	case protocol.TagResponseStart, protocol.TagResponseBody, protocol.TagResponseEnd:
		g.handleResponseFrame(msg)
	case protocol.TagWSUpgradeOk, protocol.TagWSUpgradeError:
		g.handleWSUpgradeResult(msg)
	case protocol.TagWSFrame:
		g.handleWSFrame(msg)
	case protocol.TagWSClose:
		g.handleWSClose(msg)
	case protocol.TagTCPOpenOk, protocol.TagTCPOpenError:
		g.handleTCPOpenResult(msg)
	case protocol.TagTCPData:
		g.handleTCPData(msg)
	case protocol.TagTCPClose:
		g.handleTCPCloseFromClient(msg)
	case protocol.TagPong:
		// last-activity already updated by receiveLoop.
	default:
		logger.Debug().Str("tag", msg.Tag).Msg("unhandled control frame tag")
	}
}

func (g *Gateway) handleTunnelOpen(conn *ClientConnection, msg *protocol.Message, logger zerolog.Logger) {
	var payload protocol.TunnelOpenPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}

	if g.RateLimit != nil && !g.RateLimit.Allow(ratelimit.ScopeTunnel, conn.ID) {
		g.countRateLimitRejection(ratelimit.ScopeTunnel)
		g.sendTunnelCloseReason(conn, "", "rate limit")
		return
	}

	subdomain := payload.RequestedSubdomain
	if subdomain == "" {
		generated, err := g.Registry.GenerateUnique()
		if err != nil {
			g.sendTunnelCloseReason(conn, "", err.Error())
			return
		}
		subdomain = generated
	} else if result := g.Registry.Validate(subdomain); !result.OK {
		g.sendTunnelCloseReason(conn, "", result.Reason)
		return
	}

	t := &Tunnel{
		ID:        generateTunnelID(),
		Kind:      payload.Kind,
		Subdomain: subdomain,
		ClientID:  conn.ID,
		LocalPort: payload.LocalPort,
		BasicAuth: payload.BasicAuth,
		CreatedAt: time.Now(),
	}

	if t.Kind == protocol.KindTCP && g.TCPPorts != nil {
		port, err := g.TCPPorts.Allocate(t.ID)
		if err != nil {
			g.sendTunnelCloseReason(conn, "", err.Error())
			return
		}
		t.PublicPort = port
	}

	if err := g.Registry.Register(t); err != nil {
		if t.Kind == protocol.KindTCP && g.TCPPorts != nil {
			g.TCPPorts.Release(t.PublicPort)
		}
		g.sendTunnelCloseReason(conn, "", err.Error())
		return
	}
	if g.Metrics != nil {
		g.Metrics.ActiveTunnels.Set(float64(g.Registry.Count()))
	}

	publicURL := fmt.Sprintf("https://%s.%s", subdomain, g.BaseDomain)
	if t.Kind == protocol.KindTCP {
		publicURL = fmt.Sprintf("tcp://%s:%d", g.BaseDomain, t.PublicPort)
	}
	readyMsg, err := protocol.NewMessage(protocol.TagTunnelReady, protocol.TunnelReadyPayload{
		TunnelID:  t.ID,
		PublicURL: publicURL,
		Subdomain: subdomain,
	})
	if err != nil {
		return
	}
	if err := g.sendMessage(conn.Channel, readyMsg); err != nil {
		logger.Warn().Err(err).Msg("failed to send tunnel_ready")
	}
}

func (g *Gateway) sendTunnelCloseReason(conn *ClientConnection, tunnelID, reason string) {
	msg, err := protocol.NewMessage(protocol.TagTunnelClose, protocol.TunnelClosePayload{TunnelID: tunnelID, Reason: reason})
	if err != nil {
		return
	}
	_ = g.sendMessage(conn.Channel, msg)
}

func (g *Gateway) handleTunnelClose(conn *ClientConnection, msg *protocol.Message, logger zerolog.Logger) {
	var payload protocol.TunnelClosePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	g.closeTunnel(payload.TunnelID)
	logger.Info().Str("tunnel_id", payload.TunnelID).Msg("tunnel closed by client")
}

func (g *Gateway) closeTunnel(tunnelID string) {
	t, ok := g.Registry.LookupByID(tunnelID)
	if !ok {
		return
	}
	g.Registry.Unregister(tunnelID)
	g.Pending.RemoveByTunnel(tunnelID)
	g.PendingWS.RemoveByTunnel(tunnelID)
	g.PendingTCP.RemoveByTunnel(tunnelID)
	if t.Kind == protocol.KindTCP && g.TCPPorts != nil {
		g.TCPPorts.Release(t.PublicPort)
	}
	if g.OnTunnelClosed != nil {
		g.OnTunnelClosed(t)
	}
	if g.Metrics != nil {
		g.Metrics.ActiveTunnels.Set(float64(g.Registry.Count()))
	}
}

func (g *Gateway) handleResponseFrame(msg *protocol.Message) {
	switch msg.Tag {
	case protocol.TagResponseStart:
		var payload protocol.ResponseStartPayload
		if err := msg.Parse(&payload); err != nil {
			return
		}
		pr, ok := g.Pending.Peek(payload.RequestID)
		if !ok {
			return
		}
		header := pr.Writer.Header()
		protocol.HeadersToHTTP(payload.Headers, header)
		pr.Writer.WriteHeader(payload.StatusCode)
		pr.MarkFirstByteWritten()
	case protocol.TagResponseBody:
		var payload protocol.ResponseBodyPayload
		if err := msg.Parse(&payload); err != nil {
			return
		}
		pr, ok := g.Pending.Peek(payload.RequestID)
		if !ok {
			return
		}
		_, _ = pr.Writer.Write(payload.Chunk)
		if flusher, ok := pr.Writer.(http.Flusher); ok {
			flusher.Flush()
		}
	case protocol.TagResponseEnd:
		var payload protocol.ResponseEndPayload
		if err := msg.Parse(&payload); err != nil {
			return
		}
		if pr := g.Pending.Take(payload.RequestID); pr != nil {
			pr.Complete()
		}
	}
}

func (g *Gateway) handleWSUpgradeResult(msg *protocol.Message) {
	if msg.Tag == protocol.TagWSUpgradeOk {
		var payload protocol.WSUpgradeOkPayload
		if err := msg.Parse(&payload); err != nil {
			return
		}
		if pw, ok := g.PendingWS.Peek(payload.RequestID); ok {
			pw.ResolveUpgradeOk(payload.Headers)
		}
		return
	}
	var payload protocol.WSUpgradeErrorPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	if pw, ok := g.PendingWS.Peek(payload.RequestID); ok {
		pw.ResolveUpgradeError(payload.Status, payload.Message)
	}
}

func (g *Gateway) handleWSFrame(msg *protocol.Message) {
	var payload protocol.WSFramePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	pw, ok := g.PendingWS.Peek(payload.RequestID)
	if !ok {
		return
	}
	select {
	case pw.Inbound <- payload:
	case <-pw.Closed:
	}
}

func (g *Gateway) handleWSClose(msg *protocol.Message) {
	var payload protocol.WSClosePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	if pw := g.PendingWS.Take(payload.RequestID); pw != nil {
		pw.CloseBridge()
	}
}

func (g *Gateway) handleTCPOpenResult(msg *protocol.Message) {
	if msg.Tag == protocol.TagTCPOpenOk {
		var payload protocol.TCPOpenOkPayload
		if err := msg.Parse(&payload); err != nil {
			return
		}
		if pc, ok := g.PendingTCP.Peek(payload.ConnectionID); ok {
			pc.ResolveOpenOk()
		}
		return
	}
	var payload protocol.TCPOpenErrorPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	if pc, ok := g.PendingTCP.Peek(payload.ConnectionID); ok {
		pc.ResolveOpenError(payload.Message)
	}
}

func (g *Gateway) handleTCPData(msg *protocol.Message) {
	var payload protocol.TCPDataPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	pc, ok := g.PendingTCP.Peek(payload.ConnectionID)
	if !ok {
		return
	}
	select {
	case pc.Inbound <- payload.Data:
	case <-pc.Closed:
	}
}

func (g *Gateway) handleTCPCloseFromClient(msg *protocol.Message) {
	var payload protocol.TCPClosePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	if pc := g.PendingTCP.Take(payload.ConnectionID); pc != nil {
		pc.CloseBridge()
	}
}

// teardown runs when a control channel's receive loop exits: it unregisters
// the connection, releases every tunnel it owned, and fails pending work
// against those tunnels.
func (g *Gateway) teardown(conn *ClientConnection) {
	g.Connections.Unregister(conn.ID)
	if g.RateLimit != nil {
		g.RateLimit.Forget(ratelimit.ScopeTunnel, conn.ID)
	}
	tunnels := g.Registry.UnregisterClient(conn.ID)
	for _, t := range tunnels {
		g.Pending.RemoveByTunnel(t.ID)
		g.PendingWS.RemoveByTunnel(t.ID)
		g.PendingTCP.RemoveByTunnel(t.ID)
		if t.Kind == protocol.KindTCP && g.TCPPorts != nil {
			g.TCPPorts.Release(t.PublicPort)
		}
		if g.OnTunnelClosed != nil {
			g.OnTunnelClosed(t)
		}
	}
	if g.Metrics != nil {
		g.Metrics.ActiveConnections.Set(float64(g.Connections.Count()))
		g.Metrics.ActiveTunnels.Set(float64(g.Registry.Count()))
	}
}

func generateTunnelID() string {
	return uuid.NewString()
}

// decodeBasicAuth parses an HTTP Basic Authorization header value into a
// username/password pair, used by the HTTP ingress to enforce a tunnel's
// BasicAuth. Kept here so ingress files can share it without importing
// net/http's unexported basic-auth parser twists.
func decodeBasicAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
