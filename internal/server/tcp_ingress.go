package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/watzon/sellia/internal/metrics"
	"github.com/watzon/sellia/internal/protocol"
	"github.com/watzon/sellia/internal/ratelimit"
)

// TCPOpenTimeout bounds how long a public TCP connection waits for the
// client to dial its local target.
const TCPOpenTimeout = 10 * time.Second

// TCPPortPool listens on a bounded range of public ports and hands each
// free one to a TCP-kind tunnel for its lifetime, running one accept loop
// per allocated port.
type TCPPortPool struct {
	mu        sync.Mutex
	listeners map[int]net.Listener
	free      []int

	Ingress *TCPIngress
}

// NewTCPPortPool builds a pool over [low, high] inclusive. No sockets are
// opened until Allocate is called for a given port.
func NewTCPPortPool(low, high int) *TCPPortPool {
	free := make([]int, 0, high-low+1)
	for p := low; p <= high; p++ {
		free = append(free, p)
	}
	return &TCPPortPool{
		listeners: make(map[int]net.Listener),
		free:      free,
	}
}

// Allocate implements TCPPortAllocator: it binds the next free port and
// starts accepting connections for tunnelID.
func (p *TCPPortPool) Allocate(tunnelID string) (int, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		return 0, fmt.Errorf("tcp port pool: exhausted")
	}
	port := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		p.mu.Lock()
		p.free = append(p.free, port)
		p.mu.Unlock()
		return 0, err
	}

	p.mu.Lock()
	p.listeners[port] = ln
	p.mu.Unlock()

	go p.Ingress.acceptLoop(ln, tunnelID)
	return port, nil
}

// Release stops accepting on port and returns it to the free pool.
func (p *TCPPortPool) Release(port int) {
	p.mu.Lock()
	ln, ok := p.listeners[port]
	if ok {
		delete(p.listeners, port)
	}
	p.mu.Unlock()
	if ok {
		_ = ln.Close()
	}
	p.mu.Lock()
	p.free = append(p.free, port)
	p.mu.Unlock()
}

// TCPIngress is the raw TCP data plane: it bridges each accepted public
// connection to its owning client over the control channel instead of a
// direct socket pair.
type TCPIngress struct {
	Registry    *Registry
	Connections *ConnectionManager
	PendingTCP  *PendingTCPStore
	RateLimit   *ratelimit.Limiter
	Metrics     *metrics.Registry
	Logger      zerolog.Logger
}

func (t *TCPIngress) acceptLoop(ln net.Listener, tunnelID string) {
	for {
		publicConn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handleConnection(publicConn, tunnelID)
	}
}

func (t *TCPIngress) handleConnection(publicConn net.Conn, tunnelID string) {
	defer publicConn.Close()

	tun, ok := t.Registry.LookupByID(tunnelID)
	if !ok {
		return
	}

	if !t.RateLimit.Allow(ratelimit.ScopeRequest, tunnelID) {
		if t.Metrics != nil {
			t.Metrics.RateLimitRejections.WithLabelValues(string(ratelimit.ScopeRequest)).Inc()
		}
		return
	}

	conn, ok := t.Connections.Lookup(tun.ClientID)
	if !ok {
		return
	}

	connectionID := generateTunnelID()
	pc := newPendingTCPConnection(connectionID, tunnelID)
	t.PendingTCP.Add(pc)
	defer t.PendingTCP.Take(connectionID)

	openMsg, err := protocol.NewMessage(protocol.TagTCPOpen, protocol.TCPOpenPayload{
		ConnectionID: connectionID,
		TunnelID:     tunnelID,
		RemoteAddr:   publicConn.RemoteAddr().String(),
	})
	if err != nil {
		return
	}
	if err := t.send(conn, openMsg); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), TCPOpenTimeout)
	ok, message := pc.WaitOpen(ctx)
	cancel()
	if !ok {
		t.Logger.Debug().Str("connection_id", connectionID).Str("message", message).Msg("tcp open rejected by client")
		if t.Metrics != nil {
			t.Metrics.RequestsTotal.WithLabelValues("tcp", "error").Inc()
		}
		return
	}
	if t.Metrics != nil {
		t.Metrics.RequestsTotal.WithLabelValues("tcp", "ok").Inc()
	}

	done := make(chan struct{})
	go t.pumpPublicToClient(publicConn, conn, connectionID, pc, done)
	t.pumpClientToPublic(publicConn, pc)
	<-done
}

func (t *TCPIngress) pumpPublicToClient(publicConn net.Conn, conn *ClientConnection, connectionID string, pc *PendingTCPConnection, done chan<- struct{}) {
	defer close(done)
	defer pc.CloseBridge()
	buf := make([]byte, 32*1024)
	for {
		n, err := publicConn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			dataMsg, merr := protocol.NewMessage(protocol.TagTCPData, protocol.TCPDataPayload{
				ConnectionID: connectionID,
				Data:         chunk,
			})
			if merr == nil {
				if serr := t.send(conn, dataMsg); serr != nil {
					return
				}
			}
		}
		if err == io.EOF {
			closeMsg, merr := protocol.NewMessage(protocol.TagTCPClose, protocol.TCPClosePayload{ConnectionID: connectionID})
			if merr == nil {
				_ = t.send(conn, closeMsg)
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *TCPIngress) pumpClientToPublic(publicConn net.Conn, pc *PendingTCPConnection) {
	for {
		select {
		case data, ok := <-pc.Inbound:
			if !ok {
				return
			}
			if _, err := publicConn.Write(data); err != nil {
				return
			}
		case <-pc.Closed:
			return
		}
	}
}

func (t *TCPIngress) send(conn *ClientConnection, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return conn.Channel.WriteMessage(data)
}
