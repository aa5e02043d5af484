package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// readBufferSize is larger than any valid datagram so oversized packets are
// seen whole and can be rejected by the size check upstream.
const readBufferSize = 2048

// UDPListener implements Listener over a UDP socket.
type UDPListener struct {
	conn    net.PacketConn
	handler DatagramHandler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewUDPListener binds a UDP socket on listenAddr and starts reading.
func NewUDPListener(listenAddr string) (*UDPListener, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &UDPListener{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPListener",
		"address":  conn.LocalAddr().String(),
	}).Info("UDP listener started")

	l.wg.Add(1)
	go l.processPackets()

	return l, nil
}

// SetHandler registers the handler for inbound datagrams.
func (l *UDPListener) SetHandler(handler DatagramHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Send writes one datagram to addr.
func (l *UDPListener) Send(data []byte, addr net.Addr) error {
	_, err := l.conn.WriteTo(data, addr)
	return err
}

// Close shuts down the listener and waits for the read loop to exit.
func (l *UDPListener) Close() error {
	l.cancel()
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

// LocalAddr returns the bound address.
func (l *UDPListener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// processPackets handles incoming datagrams until the listener is closed.
func (l *UDPListener) processPackets() {
	defer l.wg.Done()
	buffer := make([]byte, readBufferSize)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			l.processIncomingPacket(buffer)
		}
	}
}

// processIncomingPacket reads and dispatches a single datagram.
func (l *UDPListener) processIncomingPacket(buffer []byte) {
	// Short deadline so the loop notices cancellation promptly
	_ = l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := l.conn.ReadFrom(buffer)
	if err != nil {
		l.handleReadError(err)
		return
	}

	l.mu.RLock()
	handler := l.handler
	l.mu.RUnlock()
	if handler == nil {
		return
	}

	data := make([]byte, n)
	copy(data, buffer[:n])
	handler(data, addr)
}

func (l *UDPListener) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "UDPListener.processIncomingPacket",
		"error":    err.Error(),
	}).Debug("UDP read failed")
}
