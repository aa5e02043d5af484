// Package peer defines the peer address type shared by the DHT engine and
// the tracker client, along with its compact wire encodings.
package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// CompactIPv4Len is the length of a packed IPv4 peer (ip[4] port[2]).
	CompactIPv4Len = 6
	// CompactIPv6Len is the length of a packed IPv6 peer (ip[16] port[2]).
	CompactIPv6Len = 18
)

// ErrInvalidCompact indicates a packed peer string of the wrong length.
var ErrInvalidCompact = errors.New("invalid compact peer encoding")

// Peer is an ephemeral IP and port discovered via the DHT or a tracker.
type Peer struct {
	IP   net.IP
	Port int
}

// New creates a peer from an IP and port.
func New(ip net.IP, port int) Peer {
	return Peer{IP: ip, Port: port}
}

// FromUDPAddr converts a UDP address to a peer.
func FromUDPAddr(addr *net.UDPAddr) Peer {
	return Peer{IP: addr.IP, Port: addr.Port}
}

// String returns the peer as host:port.
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// Equal reports whether two peers have the same IP and port.
func (p Peer) Equal(o Peer) bool {
	return p.Port == o.Port && p.IP.Equal(o.IP)
}

// UDPAddr returns the peer as a UDP address.
func (p Peer) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.IP, Port: p.Port}
}

// Compact packs the peer into the 6 byte IPv4 or 18 byte IPv6 form.
func (p Peer) Compact() []byte {
	if ip4 := p.IP.To4(); ip4 != nil {
		b := make([]byte, CompactIPv4Len)
		copy(b, ip4)
		binary.BigEndian.PutUint16(b[4:], uint16(p.Port))
		return b
	}
	b := make([]byte, CompactIPv6Len)
	copy(b, p.IP.To16())
	binary.BigEndian.PutUint16(b[16:], uint16(p.Port))
	return b
}

// DecodeCompact unpacks a single 6 or 18 byte peer.
func DecodeCompact(b []byte) (Peer, error) {
	switch len(b) {
	case CompactIPv4Len:
		ip := make(net.IP, net.IPv4len)
		copy(ip, b[:4])
		return Peer{IP: ip, Port: int(binary.BigEndian.Uint16(b[4:]))}, nil
	case CompactIPv6Len:
		ip := make(net.IP, net.IPv6len)
		copy(ip, b[:16])
		return Peer{IP: ip, Port: int(binary.BigEndian.Uint16(b[16:]))}, nil
	default:
		return Peer{}, fmt.Errorf("%w: %d bytes", ErrInvalidCompact, len(b))
	}
}

// DecodeCompactList unpacks a string of concatenated peers, each of
// stride bytes (CompactIPv4Len or CompactIPv6Len).
func DecodeCompactList(b []byte, stride int) ([]Peer, error) {
	if stride != CompactIPv4Len && stride != CompactIPv6Len {
		return nil, fmt.Errorf("%w: stride %d", ErrInvalidCompact, stride)
	}
	if len(b)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidCompact, len(b), stride)
	}

	peers := make([]Peer, 0, len(b)/stride)
	for i := 0; i < len(b); i += stride {
		p, err := DecodeCompact(b[i : i+stride])
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// EncodeCompactList packs IPv4 peers into one concatenated string. IPv6
// peers are skipped.
func EncodeCompactList(peers []Peer) []byte {
	out := make([]byte, 0, len(peers)*CompactIPv4Len)
	for _, p := range peers {
		if p.IP.To4() == nil {
			continue
		}
		out = append(out, p.Compact()...)
	}
	return out
}
