package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrListenerClosed is returned when sending through a closed listener.
var ErrListenerClosed = errors.New("listener closed")

// DeliveryRecord represents one datagram handed to a MemoryNetwork, for
// test verification.
type DeliveryRecord struct {
	From      string
	To        string
	Size      int
	Timestamp time.Time
	Delivered bool
}

// MemoryNetwork is an in-process datagram network. Listeners bound to it
// exchange datagrams without touching the OS network stack.
type MemoryNetwork struct {
	mu          sync.RWMutex
	listeners   map[string]*MemoryListener
	dropRule    func(from, to net.Addr) bool
	deliveryLog []DeliveryRecord
}

// NewMemoryNetwork creates an empty in-memory network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]*MemoryListener),
	}
}

// Listen binds a listener to addr (an "ip:port" string).
func (n *MemoryNetwork) Listen(addr string) (*MemoryListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := udpAddr.String()
	if _, exists := n.listeners[key]; exists {
		return nil, fmt.Errorf("address %s already in use", key)
	}

	l := &MemoryListener{
		network: n,
		addr:    udpAddr,
		inbound: make(chan datagram, 1024),
		done:    make(chan struct{}),
	}
	n.listeners[key] = l
	go l.deliverLoop()
	return l, nil
}

// SetDropRule installs a predicate; datagrams for which it returns true are
// silently lost. Pass nil to deliver everything.
func (n *MemoryNetwork) SetDropRule(rule func(from, to net.Addr) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRule = rule
}

// GetDeliveryLog returns every datagram handed to the network.
func (n *MemoryNetwork) GetDeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]DeliveryRecord, len(n.deliveryLog))
	copy(out, n.deliveryLog)
	return out
}

// ClearDeliveryLog empties the delivery log.
func (n *MemoryNetwork) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveryLog = nil
}

func (n *MemoryNetwork) route(from *MemoryListener, data []byte, to net.Addr) {
	n.mu.Lock()
	target := n.listeners[to.String()]
	dropped := n.dropRule != nil && n.dropRule(from.addr, to)
	delivered := target != nil && !dropped
	n.deliveryLog = append(n.deliveryLog, DeliveryRecord{
		From:      from.addr.String(),
		To:        to.String(),
		Size:      len(data),
		Timestamp: time.Now(),
		Delivered: delivered,
	})
	n.mu.Unlock()

	if !delivered {
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	target.enqueue(datagram{data: buf, from: from.addr})
}

func (n *MemoryNetwork) unbind(l *MemoryListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners[l.addr.String()] == l {
		delete(n.listeners, l.addr.String())
	}
}

type datagram struct {
	data []byte
	from net.Addr
}

// MemoryListener implements Listener on a MemoryNetwork.
type MemoryListener struct {
	network *MemoryNetwork
	addr    *net.UDPAddr
	inbound chan datagram
	done    chan struct{}

	mu      sync.RWMutex
	handler DatagramHandler
	closed  bool
}

// Send routes a datagram to addr. Unknown destinations are dropped like UDP.
func (l *MemoryListener) Send(data []byte, addr net.Addr) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrListenerClosed
	}
	l.network.route(l, data, addr)
	return nil
}

// SetHandler registers the handler for inbound datagrams.
func (l *MemoryListener) SetHandler(handler DatagramHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// LocalAddr returns the bound address.
func (l *MemoryListener) LocalAddr() net.Addr {
	return l.addr
}

// Close unbinds the listener from its network.
func (l *MemoryListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.network.unbind(l)
	close(l.done)
	return nil
}

func (l *MemoryListener) enqueue(d datagram) {
	select {
	case l.inbound <- d:
	case <-l.done:
	default:
		// Full queue: drop like an overrun socket buffer.
	}
}

func (l *MemoryListener) deliverLoop() {
	for {
		select {
		case <-l.done:
			return
		case d := <-l.inbound:
			l.mu.RLock()
			handler := l.handler
			l.mu.RUnlock()
			if handler != nil {
				handler(d.data, d.from)
			}
		}
	}
}
