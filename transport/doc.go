// Package transport provides the datagram transports used by the DHT engine.
//
// # Architecture
//
// The DHT message loop depends only on the Listener interface:
//
//	type Listener interface {
//	    Send(data []byte, addr net.Addr) error
//	    SetHandler(handler DatagramHandler)
//	    LocalAddr() net.Addr
//	    Close() error
//	}
//
// Inbound datagrams are delivered to the registered handler on the
// listener's own goroutine. Handlers are expected to hand the datagram off
// (for example by posting it to a scheduler) rather than process it inline.
//
// # Implementations
//
// UDP:
//
//	listener, err := transport.NewUDPListener(":6881")
//
// In-memory, for tests and simulations:
//
//	network := transport.NewMemoryNetwork()
//	a, _ := network.Listen("10.0.0.1:6881")
//	b, _ := network.Listen("10.0.0.2:6881")
//
// MemoryNetwork behaves like an unreliable datagram network: sends to
// unbound addresses succeed and are silently dropped, and a drop rule can
// be installed to simulate loss or partitions. Every send is recorded in a
// delivery log that tests can inspect.
//
// # Port Mapping
//
// PortMapper is the capability the engine uses to report its listening
// port for NAT traversal. UPnPPortMapper discovers the gateway over SSDP
// and creates the mapping over SOAP:
//
//	mapper := transport.NewUPnPPortMapper("peerdht")
//	engine, err := dht.New(listener, cfg, dht.WithPortMapper(mapper))
package transport
