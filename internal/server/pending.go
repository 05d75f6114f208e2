package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/watzon/sellia/internal/protocol"
)

// PendingRequest is an in-flight public-side HTTP request awaiting replies
// from the owning client over the control channel.
type PendingRequest struct {
	RequestID string
	TunnelID  string
	Writer    http.ResponseWriter
	Deadline  time.Time

	firstByteWritten atomic.Bool
	done             chan struct{}
	closeOnce        sync.Once
}

// MarkFirstByteWritten records that headers have been flushed to the public
// caller, after which status can never be revised.
func (p *PendingRequest) MarkFirstByteWritten() {
	p.firstByteWritten.Store(true)
}

// FirstByteWritten reports whether headers were already sent.
func (p *PendingRequest) FirstByteWritten() bool {
	return p.firstByteWritten.Load()
}

// Complete signals the request is finished (response_end or owning-tunnel
// loss), unblocking any Wait call exactly once. Timeouts do not call it;
// they end Wait through its context.
func (p *PendingRequest) Complete() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Wait blocks until Complete is called or ctx is done, returning true if
// the request completed normally and false on context expiry.
func (p *PendingRequest) Wait(ctx context.Context) bool {
	select {
	case <-p.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func newPendingRequest(requestID, tunnelID string, w http.ResponseWriter, deadline time.Time) *PendingRequest {
	return &PendingRequest{
		RequestID: requestID,
		TunnelID:  tunnelID,
		Writer:    w,
		Deadline:  deadline,
		done:      make(chan struct{}),
	}
}

// PendingRequestStore indexes in-flight HTTP requests by id, with
// per-tunnel bulk-fail support for when a tunnel's connection drops.
type PendingRequestStore struct {
	mu       sync.Mutex
	byID     map[string]*PendingRequest
	byTunnel map[string]map[string]*PendingRequest
}

// NewPendingRequestStore builds an empty store.
func NewPendingRequestStore() *PendingRequestStore {
	return &PendingRequestStore{
		byID:     make(map[string]*PendingRequest),
		byTunnel: make(map[string]map[string]*PendingRequest),
	}
}

// Add inserts pr into the store.
func (s *PendingRequestStore) Add(pr *PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pr.RequestID] = pr
	if s.byTunnel[pr.TunnelID] == nil {
		s.byTunnel[pr.TunnelID] = make(map[string]*PendingRequest)
	}
	s.byTunnel[pr.TunnelID][pr.RequestID] = pr
}

// Take removes and returns the pending request for id, or nil.
func (s *PendingRequestStore) Take(id string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.byID[id]
	if !ok {
		return nil
	}
	s.removeLocked(pr)
	return pr
}

// Peek returns the pending request for id without removing it.
func (s *PendingRequestStore) Peek(id string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.byID[id]
	return pr, ok
}

func (s *PendingRequestStore) removeLocked(pr *PendingRequest) {
	delete(s.byID, pr.RequestID)
	if byID, ok := s.byTunnel[pr.TunnelID]; ok {
		delete(byID, pr.RequestID)
		if len(byID) == 0 {
			delete(s.byTunnel, pr.TunnelID)
		}
	}
}

// RemoveByTunnel fails every request owned by tunnelID with a gateway error
// (status 502) and returns how many were affected.
func (s *PendingRequestStore) RemoveByTunnel(tunnelID string) int {
	s.mu.Lock()
	byID, ok := s.byTunnel[tunnelID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	affected := make([]*PendingRequest, 0, len(byID))
	for _, pr := range byID {
		affected = append(affected, pr)
		s.removeLocked(pr)
	}
	s.mu.Unlock()

	for _, pr := range affected {
		if !pr.FirstByteWritten() {
			http.Error(pr.Writer, "tunnel client disconnected", http.StatusBadGateway)
			pr.MarkFirstByteWritten()
		}
		pr.Complete()
	}
	return len(affected)
}

// PendingWebSocket is the WebSocket analog of PendingRequest, tracking an
// in-flight upgrade and the resulting bridge.
type PendingWebSocket struct {
	RequestID string
	TunnelID  string

	upgradeResult chan wsUpgradeResult
	resultOnce    sync.Once
	Inbound       chan protocol.WSFramePayload // client -> public
	closeOnce     sync.Once
	Closed        chan struct{}
}

type wsUpgradeResult struct {
	ok      bool
	headers protocol.Headers
	status  int
	message string
}

func newPendingWebSocket(requestID, tunnelID string) *PendingWebSocket {
	return &PendingWebSocket{
		RequestID:     requestID,
		TunnelID:      tunnelID,
		upgradeResult: make(chan wsUpgradeResult, 1),
		Inbound:       make(chan protocol.WSFramePayload, 64),
		Closed:        make(chan struct{}),
	}
}

// ResolveUpgradeOk signals the client accepted the upgrade.
func (p *PendingWebSocket) ResolveUpgradeOk(headers protocol.Headers) {
	p.resultOnce.Do(func() {
		p.upgradeResult <- wsUpgradeResult{ok: true, headers: headers}
	})
}

// ResolveUpgradeError signals the client rejected the upgrade.
func (p *PendingWebSocket) ResolveUpgradeError(status int, message string) {
	p.resultOnce.Do(func() {
		p.upgradeResult <- wsUpgradeResult{ok: false, status: status, message: message}
	})
}

// WaitUpgrade blocks until the client resolves the upgrade or ctx expires.
func (p *PendingWebSocket) WaitUpgrade(ctx context.Context) (ok bool, headers protocol.Headers, status int, message string) {
	select {
	case res := <-p.upgradeResult:
		return res.ok, res.headers, res.status, res.message
	case <-ctx.Done():
		return false, nil, http.StatusGatewayTimeout, "upgrade timed out"
	}
}

// CloseBridge marks the bridge closed, unblocking any reader of Inbound.
func (p *PendingWebSocket) CloseBridge() {
	p.closeOnce.Do(func() { close(p.Closed) })
}

// PendingWebSocketStore indexes in-flight WebSocket bridges by request id.
type PendingWebSocketStore struct {
	mu       sync.Mutex
	byID     map[string]*PendingWebSocket
	byTunnel map[string]map[string]*PendingWebSocket
}

// NewPendingWebSocketStore builds an empty store.
func NewPendingWebSocketStore() *PendingWebSocketStore {
	return &PendingWebSocketStore{
		byID:     make(map[string]*PendingWebSocket),
		byTunnel: make(map[string]map[string]*PendingWebSocket),
	}
}

// Add inserts pw into the store.
func (s *PendingWebSocketStore) Add(pw *PendingWebSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pw.RequestID] = pw
	if s.byTunnel[pw.TunnelID] == nil {
		s.byTunnel[pw.TunnelID] = make(map[string]*PendingWebSocket)
	}
	s.byTunnel[pw.TunnelID][pw.RequestID] = pw
}

// Take removes and returns the pending WebSocket for id, or nil.
func (s *PendingWebSocketStore) Take(id string) *PendingWebSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.byID[id]
	if !ok {
		return nil
	}
	s.removeLocked(pw)
	return pw
}

// Peek returns the pending WebSocket for id without removing it.
func (s *PendingWebSocketStore) Peek(id string) (*PendingWebSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pw, ok := s.byID[id]
	return pw, ok
}

func (s *PendingWebSocketStore) removeLocked(pw *PendingWebSocket) {
	delete(s.byID, pw.RequestID)
	if byID, ok := s.byTunnel[pw.TunnelID]; ok {
		delete(byID, pw.RequestID)
		if len(byID) == 0 {
			delete(s.byTunnel, pw.TunnelID)
		}
	}
}

// RemoveByTunnel closes every WebSocket bridge owned by tunnelID.
func (s *PendingWebSocketStore) RemoveByTunnel(tunnelID string) int {
	s.mu.Lock()
	byID, ok := s.byTunnel[tunnelID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	affected := make([]*PendingWebSocket, 0, len(byID))
	for _, pw := range byID {
		affected = append(affected, pw)
		s.removeLocked(pw)
	}
	s.mu.Unlock()

	for _, pw := range affected {
		pw.ResolveUpgradeError(http.StatusBadGateway, "tunnel client disconnected")
		pw.CloseBridge()
	}
	return len(affected)
}

// PendingTCPConnection is the TCP analog of PendingRequest.
type PendingTCPConnection struct {
	ConnectionID string
	TunnelID     string

	openResult chan tcpOpenResult
	resultOnce sync.Once
	Inbound    chan []byte // client -> public
	closeOnce  sync.Once
	Closed     chan struct{}
}

type tcpOpenResult struct {
	ok      bool
	message string
}

func newPendingTCPConnection(connectionID, tunnelID string) *PendingTCPConnection {
	return &PendingTCPConnection{
		ConnectionID: connectionID,
		TunnelID:     tunnelID,
		openResult:   make(chan tcpOpenResult, 1),
		Inbound:      make(chan []byte, 64),
		Closed:       make(chan struct{}),
	}
}

// ResolveOpenOk signals the client dialed its local target successfully.
func (p *PendingTCPConnection) ResolveOpenOk() {
	p.resultOnce.Do(func() { p.openResult <- tcpOpenResult{ok: true} })
}

// ResolveOpenError signals the client failed to dial its local target.
func (p *PendingTCPConnection) ResolveOpenError(message string) {
	p.resultOnce.Do(func() { p.openResult <- tcpOpenResult{message: message} })
}

// WaitOpen blocks until the client resolves the open or ctx expires.
func (p *PendingTCPConnection) WaitOpen(ctx context.Context) (ok bool, message string) {
	select {
	case res := <-p.openResult:
		return res.ok, res.message
	case <-ctx.Done():
		return false, "open timed out"
	}
}

// CloseBridge marks the bridge closed, unblocking any reader of Inbound.
func (p *PendingTCPConnection) CloseBridge() {
	p.closeOnce.Do(func() { close(p.Closed) })
}

// PendingTCPStore indexes in-flight TCP bridges by connection id.
type PendingTCPStore struct {
	mu       sync.Mutex
	byID     map[string]*PendingTCPConnection
	byTunnel map[string]map[string]*PendingTCPConnection
}

// NewPendingTCPStore builds an empty store.
func NewPendingTCPStore() *PendingTCPStore {
	return &PendingTCPStore{
		byID:     make(map[string]*PendingTCPConnection),
		byTunnel: make(map[string]map[string]*PendingTCPConnection),
	}
}

// Add inserts pc into the store.
func (s *PendingTCPStore) Add(pc *PendingTCPConnection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pc.ConnectionID] = pc
	if s.byTunnel[pc.TunnelID] == nil {
		s.byTunnel[pc.TunnelID] = make(map[string]*PendingTCPConnection)
	}
	s.byTunnel[pc.TunnelID][pc.ConnectionID] = pc
}

// Take removes and returns the pending TCP connection for id, or nil.
func (s *PendingTCPStore) Take(id string) *PendingTCPConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.byID[id]
	if !ok {
		return nil
	}
	s.removeLocked(pc)
	return pc
}

// Peek returns the pending TCP connection for id without removing it.
func (s *PendingTCPStore) Peek(id string) (*PendingTCPConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.byID[id]
	return pc, ok
}

func (s *PendingTCPStore) removeLocked(pc *PendingTCPConnection) {
	delete(s.byID, pc.ConnectionID)
	if byID, ok := s.byTunnel[pc.TunnelID]; ok {
		delete(byID, pc.ConnectionID)
		if len(byID) == 0 {
			delete(s.byTunnel, pc.TunnelID)
		}
	}
}

// RemoveByTunnel closes every TCP bridge owned by tunnelID.
func (s *PendingTCPStore) RemoveByTunnel(tunnelID string) int {
	s.mu.Lock()
	byID, ok := s.byTunnel[tunnelID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	affected := make([]*PendingTCPConnection, 0, len(byID))
	for _, pc := range byID {
		affected = append(affected, pc)
		s.removeLocked(pc)
	}
	s.mu.Unlock()

	for _, pc := range affected {
		pc.ResolveOpenError("tunnel client disconnected")
		pc.CloseBridge()
	}
	return len(affected)
}
