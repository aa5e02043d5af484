package transport

import (
	"context"
	"net"
)

// DatagramHandler processes one inbound datagram. The data slice is owned by
// the handler.
type DatagramHandler func(data []byte, addr net.Addr)

// Listener defines the datagram transport used by the DHT message loop.
// This abstraction allows a UDP socket or an in-memory network to be used
// interchangeably.
type Listener interface {
	// Send writes one datagram to the specified address.
	Send(data []byte, addr net.Addr) error

	// SetHandler registers the handler for inbound datagrams.
	SetHandler(handler DatagramHandler)

	// LocalAddr returns the local address the listener is bound to.
	LocalAddr() net.Addr

	// Close shuts down the listener.
	Close() error
}

// PortMapper is the NAT-traversal capability the engine reports its
// listening port to. UPnPPortMapper is the bundled implementation.
type PortMapper interface {
	MapPort(ctx context.Context, protocol string, port int) error
	UnmapPort(ctx context.Context, protocol string, port int) error
}

// Port extracts the port from a UDP or TCP address, or 0 if it has none.
func Port(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	p, err := net.LookupPort("udp", port)
	if err != nil {
		return 0
	}
	return p
}
