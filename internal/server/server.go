package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/auth"
	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
	"github.com/watzon/sellia/internal/reserved"
)

// Config wires every collaborator the server needs, built by cmd/sellia
// from the loaded config.ServerConfig.
type Config struct {
	BindHost   string
	BindPort   int
	BaseDomain string

	Auth auth.Provider

	RateLimitsEnabled bool
	TCPPortRangeLow   int
	TCPPortRangeHigh  int

	TLSCert string
	TLSKey  string

	Logger zerolog.Logger
}

// Server bundles the full collaborator graph — registry, connection
// manager, gateway, and ingress planes — and exposes it as a single
// http.Handler plus a blocking Run. It dispatches base-domain admin routes
// separately from per-subdomain ingress traffic.
type Server struct {
	cfg Config

	Registry    *Registry
	Connections *ConnectionManager
	Gateway     *Gateway
	HTTPIngress *HTTPIngress
	TCPIngress  *TCPIngress
	TCPPorts    *TCPPortPool
	Metrics     *metrics.Registry
	History     *RequestHistory

	mux *http.ServeMux
}

// New builds a fully wired Server. It does not start listening.
func New(cfg Config) *Server {
	registry := NewRegistry(reserved.New())
	connections := NewConnectionManager()
	pending := NewPendingRequestStore()
	pendingWS := NewPendingWebSocketStore()
	pendingTCP := NewPendingTCPStore()
	limiter := ratelimit.New(cfg.RateLimitsEnabled, nil)
	metricsReg := metrics.New()
	history := NewRequestHistory(200)

	tcpIngress := &TCPIngress{
		Registry:    registry,
		Connections: connections,
		PendingTCP:  pendingTCP,
		RateLimit:   limiter,
		Metrics:     metricsReg,
		Logger:      cfg.Logger.With().Str("component", "tcp_ingress").Logger(),
	}
	low, high := cfg.TCPPortRangeLow, cfg.TCPPortRangeHigh
	if low == 0 && high == 0 {
		low, high = 10000, 10999
	}
	tcpPorts := NewTCPPortPool(low, high)
	tcpPorts.Ingress = tcpIngress

	gateway := &Gateway{
		Auth:        cfg.Auth,
		Connections: connections,
		Registry:    registry,
		Pending:     pending,
		PendingWS:   pendingWS,
		PendingTCP:  pendingTCP,
		RateLimit:   limiter,
		TCPPorts:    tcpPorts,
		Metrics:     metricsReg,
		Logger:      cfg.Logger.With().Str("component", "gateway").Logger(),
		BaseDomain:  cfg.BaseDomain,
	}

	httpIngress := &HTTPIngress{
		Registry:    registry,
		Connections: connections,
		Pending:     pending,
		PendingWS:   pendingWS,
		RateLimit:   limiter,
		Logger:      cfg.Logger.With().Str("component", "http_ingress").Logger(),
		BaseDomain:  cfg.BaseDomain,
		History:     history,
		Metrics:     metricsReg,
	}

	s := &Server{
		cfg:         cfg,
		Registry:    registry,
		Connections: connections,
		Gateway:     gateway,
		HTTPIngress: httpIngress,
		TCPIngress:  tcpIngress,
		TCPPorts:    tcpPorts,
		Metrics:     metricsReg,
		History:     history,
	}
	s.mux = s.buildMux()
	return s
}

// ServeHTTP implements http.Handler, dispatching base-domain requests to the
// admin surface and every subdomain request to the HTTP data plane.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(r.Host)
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	if host == strings.ToLower(baseHost(s.cfg.BaseDomain)) {
		s.mux.ServeHTTP(w, r)
		return
	}
	s.HTTPIngress.ServeHTTP(w, r)
}

func baseHost(baseDomain string) string {
	if idx := strings.IndexByte(baseDomain, ':'); idx >= 0 {
		return baseDomain[:idx]
	}
	return baseDomain
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.HandleFunc("/ws", s.Gateway.ServeWS)
	mux.HandleFunc("/admin/requests", s.handleAdminRequests)
	mux.HandleFunc("/admin/replay", s.handleAdminReplay)
	mux.HandleFunc("/", s.handleLanding)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"active_tunnels":     s.Registry.Count(),
		"active_connections": s.Connections.Count(),
	})
}

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "sellia tunnel server\n")
}

// handleAdminRequests serves the `sellia requests` CLI subcommand: the most
// recent completed requests, newest first, optionally filtered by tunnel id
// via ?tunnel= and capped via ?limit=.
func (s *Server) handleAdminRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	tunnelFilter := r.URL.Query().Get("tunnel")

	entries := s.History.Recent(0)
	filtered := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if tunnelFilter != "" && e.TunnelID != tunnelFilter {
			continue
		}
		filtered = append(filtered, e)
		if len(filtered) >= limit {
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(filtered)
}

// handleAdminReplay serves the `sellia replay` CLI subcommand: it resends
// a previously recorded request to its tunnel's currently connected client,
// returning the new response inline. The tunnel must still be live; replay
// does not resurrect history across a reconnect.
func (s *Server) handleAdminReplay(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		http.Error(w, "missing request_id", http.StatusBadRequest)
		return
	}
	entry, ok := s.History.ByID(requestID)
	if !ok {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	t, ok := s.Registry.LookupByID(entry.TunnelID)
	if !ok {
		http.Error(w, "tunnel no longer registered", http.StatusGone)
		return
	}

	replay, err := buildReplayRequest(entry, t.Subdomain+"."+s.cfg.BaseDomain)
	if err != nil {
		http.Error(w, "failed to rebuild request", http.StatusInternalServerError)
		return
	}
	s.HTTPIngress.ServeHTTP(w, replay)
}

// buildReplayRequest reconstructs an *http.Request from a recorded history
// entry, setting Host so HTTPIngress routes it back to the same subdomain.
func buildReplayRequest(entry HistoryEntry, host string) (*http.Request, error) {
	req, err := http.NewRequest(entry.Method, "http://"+host+entry.Path, bytes.NewReader(entry.Body))
	if err != nil {
		return nil, err
	}
	protocol.HeadersToHTTP(entry.Headers, req.Header)
	req.Host = host
	return req, nil
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return n, nil
}

// Run binds the listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	s.cfg.Logger.Info().Str("addr", addr).Str("base_domain", s.cfg.BaseDomain).Msg("sellia server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
