package client

import (
	"fmt"
	"net"
	"time"
)

// TCPForwarder dials the local TCP target for tcp_open requests, sibling to
// Forwarder and WSForwarder.
type TCPForwarder struct {
	localAddr string
	dialer    net.Dialer
}

// NewTCPForwarder builds a TCPForwarder bound to a fixed local address
// (TCP-kind tunnels have exactly one local target, not a route table).
func NewTCPForwarder(localAddr string) *TCPForwarder {
	return &TCPForwarder{
		localAddr: localAddr,
		dialer:    net.Dialer{Timeout: 10 * time.Second},
	}
}

// Dial connects to the local TCP target.
func (f *TCPForwarder) Dial() (net.Conn, error) {
	conn, err := f.dialer.Dial("tcp", f.localAddr)
	if err != nil {
		return nil, fmt.Errorf("tcpforwarder: dial %s: %w", f.localAddr, err)
	}
	return conn, nil
}
