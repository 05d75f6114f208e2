// Package client implements sellia's client runtime: it maintains the
// persistent control channel to a sellia server, registers one or more
// tunnels, and forwards inbound traffic to local targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/protocol"
)

// ErrNoRoute is returned by a Forwarder when no route matches a request
// path and no default target is configured.
var ErrNoRoute = errors.New("client: no route matched")

// TunnelSpec describes one tunnel this client wants open. A single client
// connection may hold several of these at once.
type TunnelSpec struct {
	Kind               protocol.TunnelKind
	RequestedSubdomain string
	LocalPort          int
	BasicAuth          *protocol.BasicAuthPair
}

// Config configures a Client.
type Config struct {
	ServerURL  string
	Credential string
	Tunnels    []TunnelSpec

	DefaultTarget  string
	TargetResolver TargetResolver
	LocalTCPAddr   string // used when a TunnelSpec.Kind == KindTCP

	Verbose bool
}

const (
	initialReconnectDelay = 1 * time.Second
	maxReconnectDelay     = 30 * time.Second
)

// Client runs the reconnect-and-serve loop: dial, authenticate, open every
// configured tunnel, then serve until the connection drops and retry with
// backoff.
type Client struct {
	cfg     Config
	display *Display
	logger  zerolog.Logger

	forwarder   *Forwarder
	wsForwarder *WSForwarder
	tcpForward  *TCPForwarder
}

// New builds a Client from cfg.
func New(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:         cfg,
		display:     NewDisplay(cfg.DefaultTarget, cfg.Verbose),
		logger:      logger,
		forwarder:   NewForwarderWithRoutes(cfg.DefaultTarget, cfg.TargetResolver),
		wsForwarder: NewWSForwarder(cfg.DefaultTarget, cfg.TargetResolver),
		tcpForward:  NewTCPForwarder(cfg.LocalTCPAddr),
	}
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff on transport loss.
func (c *Client) Run(ctx context.Context) error {
	delay := initialReconnectDelay
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		c.display.LogDisconnected(err)
		c.display.LogReconnecting(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session is the runtime state of a single control-channel connection.
type session struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	client    *Client
	tunnelIDs map[string]string // subdomain -> tunnel id, for logging only

	pendingReq map[string]*inflightRequest
	pendingWS  map[string]*inflightWS
	pendingTCP map[string]*inflightTCP
	mu         sync.Mutex
}

type inflightRequest struct {
	method    string
	path      string
	headers   protocol.Headers
	body      []byte
	started   time.Time
}

type inflightWS struct {
	localConn *websocket.Conn
}

type inflightTCP struct {
	localConn io.ReadWriteCloser
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	s := &session{
		conn:       conn,
		client:     c,
		tunnelIDs:  make(map[string]string),
		pendingReq: make(map[string]*inflightRequest),
		pendingWS:  make(map[string]*inflightWS),
		pendingTCP: make(map[string]*inflightTCP),
	}

	if err := s.authenticate(); err != nil {
		return err
	}
	for _, spec := range c.cfg.Tunnels {
		if err := s.openTunnel(spec); err != nil {
			return err
		}
	}

	return s.receiveLoop()
}

func (s *session) send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) authenticate() error {
	msg, err := protocol.NewMessage(protocol.TagAuth, protocol.AuthPayload{Credential: s.client.cfg.Credential})
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		return err
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: read auth reply: %w", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("client: decode auth reply: %w", err)
	}
	switch reply.Tag {
	case protocol.TagAuthOk:
		return nil
	case protocol.TagAuthError:
		var payload protocol.AuthErrorPayload
		_ = reply.Parse(&payload)
		return fmt.Errorf("client: auth rejected: %s", payload.Reason)
	default:
		return fmt.Errorf("client: unexpected reply to auth: %s", reply.Tag)
	}
}

func (s *session) openTunnel(spec TunnelSpec) error {
	msg, err := protocol.NewMessage(protocol.TagTunnelOpen, protocol.TunnelOpenPayload{
		Kind:               spec.Kind,
		LocalPort:          spec.LocalPort,
		RequestedSubdomain: spec.RequestedSubdomain,
		BasicAuth:          spec.BasicAuth,
	})
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		return err
	}

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("client: read tunnel reply: %w", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return fmt.Errorf("client: decode tunnel reply: %w", err)
	}
	switch reply.Tag {
	case protocol.TagTunnelReady:
		var payload protocol.TunnelReadyPayload
		if err := reply.Parse(&payload); err != nil {
			return err
		}
		s.tunnelIDs[payload.Subdomain] = payload.TunnelID
		s.client.display.LogConnected(payload.TunnelID, payload.PublicURL)
		return nil
	case protocol.TagTunnelClose:
		var payload protocol.TunnelClosePayload
		_ = reply.Parse(&payload)
		return fmt.Errorf("client: tunnel rejected: %s", payload.Reason)
	default:
		return fmt.Errorf("client: unexpected reply to tunnel_open: %s", reply.Tag)
	}
}

func (s *session) receiveLoop() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.client.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.client.logger.Error().Interface("panic", r).Str("tag", msg.Tag).Msg("recovered panic handling frame")
		}
	}()

	switch msg.Tag {
	case protocol.TagPing:
		var payload protocol.PingPayload
		_ = msg.Parse(&payload)
		pong, err := protocol.NewMessage(protocol.TagPong, protocol.PongPayload{TimestampMs: payload.TimestampMs})
		if err == nil {
			_ = s.send(pong)
		}
	case protocol.TagRequestStart:
		s.handleRequestStart(msg)
	case protocol.TagRequestBody:
		s.handleRequestBody(msg)
	case protocol.TagWSUpgrade:
		go s.handleWSUpgrade(msg)
	case protocol.TagWSFrame:
		s.handleWSFrame(msg)
	case protocol.TagWSClose:
		s.handleWSClose(msg)
	case protocol.TagTCPOpen:
		go s.handleTCPOpen(msg)
	case protocol.TagTCPData:
		s.handleTCPData(msg)
	case protocol.TagTCPClose:
		s.handleTCPCloseFromServer(msg)
	case protocol.TagTunnelClose:
		var payload protocol.TunnelClosePayload
		_ = msg.Parse(&payload)
		s.client.logger.Warn().Str("tunnel_id", payload.TunnelID).Str("reason", payload.Reason).Msg("tunnel closed by server")
	}
}

func (s *session) handleRequestStart(msg *protocol.Message) {
	var payload protocol.RequestStartPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	s.mu.Lock()
	s.pendingReq[payload.RequestID] = &inflightRequest{
		method:  payload.Method,
		path:    payload.Path,
		headers: payload.Headers,
		started: time.Now(),
	}
	s.mu.Unlock()
}

func (s *session) handleRequestBody(msg *protocol.Message) {
	var payload protocol.RequestBodyPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	s.mu.Lock()
	req, ok := s.pendingReq[payload.RequestID]
	if ok {
		req.body = append(req.body, payload.Chunk...)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if payload.Final {
		s.mu.Lock()
		delete(s.pendingReq, payload.RequestID)
		s.mu.Unlock()
		go s.forwardRequest(payload.RequestID, req)
	}
}

func (s *session) forwardRequest(requestID string, req *inflightRequest) {
	s.client.display.LogRequest(req.method, req.path, requestID, req.body)

	resp, err := s.client.forwarder.Forward(context.Background(), &ForwardedRequest{
		RequestID: requestID,
		Method:    req.method,
		Path:      req.path,
		Headers:   req.headers,
		Body:      req.body,
	})
	if err != nil {
		s.client.display.LogError(requestID, err)
		startMsg, merr := protocol.NewMessage(protocol.TagResponseStart, protocol.ResponseStartPayload{
			RequestID:  requestID,
			StatusCode: http.StatusBadGateway,
			Headers:    protocol.Headers{"Content-Type": {"text/plain; charset=utf-8"}},
		})
		if merr == nil {
			_ = s.send(startMsg)
		}
		bodyMsg, merr := protocol.NewMessage(protocol.TagResponseBody, protocol.ResponseBodyPayload{
			RequestID: requestID,
			Chunk:     []byte(err.Error()),
		})
		if merr == nil {
			_ = s.send(bodyMsg)
		}
		endMsg, merr := protocol.NewMessage(protocol.TagResponseEnd, protocol.ResponseEndPayload{RequestID: requestID})
		if merr == nil {
			_ = s.send(endMsg)
		}
		return
	}

	s.client.display.LogResponse(resp.StatusCode, time.Since(req.started), resp.Body)

	startMsg, err := protocol.NewMessage(protocol.TagResponseStart, protocol.ResponseStartPayload{
		RequestID:  requestID,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
	})
	if err == nil {
		_ = s.send(startMsg)
	}
	if len(resp.Body) > 0 {
		bodyMsg, err := protocol.NewMessage(protocol.TagResponseBody, protocol.ResponseBodyPayload{
			RequestID: requestID,
			Chunk:     resp.Body,
		})
		if err == nil {
			_ = s.send(bodyMsg)
		}
	}
	endMsg, err := protocol.NewMessage(protocol.TagResponseEnd, protocol.ResponseEndPayload{RequestID: requestID})
	if err == nil {
		_ = s.send(endMsg)
	}
}

func (s *session) handleWSUpgrade(msg *protocol.Message) {
	var payload protocol.WSUpgradePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}

	localConn, respHeaders, err := s.client.wsForwarder.Dial(context.Background(), payload.Path, payload.Headers)
	if err != nil {
		errMsg, merr := protocol.NewMessage(protocol.TagWSUpgradeError, protocol.WSUpgradeErrorPayload{
			RequestID: payload.RequestID,
			Status:    http.StatusBadGateway,
			Message:   err.Error(),
		})
		if merr == nil {
			_ = s.send(errMsg)
		}
		return
	}

	s.mu.Lock()
	s.pendingWS[payload.RequestID] = &inflightWS{localConn: localConn}
	s.mu.Unlock()

	okMsg, err := protocol.NewMessage(protocol.TagWSUpgradeOk, protocol.WSUpgradeOkPayload{
		RequestID: payload.RequestID,
		Headers:   respHeaders,
	})
	if err == nil {
		_ = s.send(okMsg)
	}

	for {
		opcode, data, err := localConn.ReadMessage()
		if err != nil {
			closeMsg, merr := protocol.NewMessage(protocol.TagWSClose, protocol.WSClosePayload{RequestID: payload.RequestID})
			if merr == nil {
				_ = s.send(closeMsg)
			}
			s.mu.Lock()
			delete(s.pendingWS, payload.RequestID)
			s.mu.Unlock()
			return
		}
		frameMsg, err := protocol.NewMessage(protocol.TagWSFrame, protocol.WSFramePayload{
			RequestID: payload.RequestID,
			Opcode:    wsOpcodeName(opcode),
			Payload:   data,
			Fin:       true,
		})
		if err == nil {
			if serr := s.send(frameMsg); serr != nil {
				return
			}
		}
	}
}

func (s *session) handleWSFrame(msg *protocol.Message) {
	var payload protocol.WSFramePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	s.mu.Lock()
	bridge, ok := s.pendingWS[payload.RequestID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = bridge.localConn.WriteMessage(wsOpcodeValue(payload.Opcode), payload.Payload)
}

func (s *session) handleWSClose(msg *protocol.Message) {
	var payload protocol.WSClosePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	s.mu.Lock()
	bridge, ok := s.pendingWS[payload.RequestID]
	delete(s.pendingWS, payload.RequestID)
	s.mu.Unlock()
	if ok {
		_ = bridge.localConn.Close()
	}
}

func wsOpcodeName(opcode int) protocol.WSOpcode {
	switch opcode {
	case websocket.TextMessage:
		return protocol.OpText
	case websocket.BinaryMessage:
		return protocol.OpBinary
	case websocket.CloseMessage:
		return protocol.OpClose
	case websocket.PingMessage:
		return protocol.OpPing
	case websocket.PongMessage:
		return protocol.OpPong
	default:
		return protocol.OpBinary
	}
}

func wsOpcodeValue(opcode protocol.WSOpcode) int {
	switch opcode {
	case protocol.OpText:
		return websocket.TextMessage
	case protocol.OpBinary:
		return websocket.BinaryMessage
	case protocol.OpClose:
		return websocket.CloseMessage
	case protocol.OpPing:
		return websocket.PingMessage
	case protocol.OpPong:
		return websocket.PongMessage
	default:
		return websocket.BinaryMessage
	}
}

func (s *session) handleTCPOpen(msg *protocol.Message) {
	var payload protocol.TCPOpenPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}

	localConn, err := s.client.tcpForward.Dial()
	if err != nil {
		errMsg, merr := protocol.NewMessage(protocol.TagTCPOpenError, protocol.TCPOpenErrorPayload{
			ConnectionID: payload.ConnectionID,
			Message:      err.Error(),
		})
		if merr == nil {
			_ = s.send(errMsg)
		}
		return
	}

	s.mu.Lock()
	s.pendingTCP[payload.ConnectionID] = &inflightTCP{localConn: localConn}
	s.mu.Unlock()

	okMsg, err := protocol.NewMessage(protocol.TagTCPOpenOk, protocol.TCPOpenOkPayload{ConnectionID: payload.ConnectionID})
	if err == nil {
		_ = s.send(okMsg)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := localConn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			dataMsg, merr := protocol.NewMessage(protocol.TagTCPData, protocol.TCPDataPayload{
				ConnectionID: payload.ConnectionID,
				Data:         chunk,
			})
			if merr == nil {
				if serr := s.send(dataMsg); serr != nil {
					return
				}
			}
		}
		if err != nil {
			closeMsg, merr := protocol.NewMessage(protocol.TagTCPClose, protocol.TCPClosePayload{ConnectionID: payload.ConnectionID})
			if merr == nil {
				_ = s.send(closeMsg)
			}
			s.mu.Lock()
			delete(s.pendingTCP, payload.ConnectionID)
			s.mu.Unlock()
			return
		}
	}
}

func (s *session) handleTCPData(msg *protocol.Message) {
	var payload protocol.TCPDataPayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	s.mu.Lock()
	bridge, ok := s.pendingTCP[payload.ConnectionID]
	s.mu.Unlock()
	if !ok {
		return
	}
	_, _ = bridge.localConn.Write(payload.Data)
}

func (s *session) handleTCPCloseFromServer(msg *protocol.Message) {
	var payload protocol.TCPClosePayload
	if err := msg.Parse(&payload); err != nil {
		return
	}
	s.mu.Lock()
	bridge, ok := s.pendingTCP[payload.ConnectionID]
	delete(s.pendingTCP, payload.ConnectionID)
	s.mu.Unlock()
	if ok {
		_ = bridge.localConn.Close()
	}
}
