package dht

import (
	"encoding/binary"
	"net"
	"time"
)

const (
	// MaxFailures is the number of consecutive failed queries after which a
	// node is considered Bad.
	MaxFailures = 3

	// DefaultQuestionableAfter is how long a node may stay silent before it
	// is no longer considered Good.
	DefaultQuestionableAfter = 15 * time.Minute

	// CompactNodeLen is the length of a packed node record (id[20] ip4[4] port[2]).
	CompactNodeLen = IDLength + 6
)

// NodeState represents how much a node can be trusted to answer.
type NodeState uint8

const (
	NodeUnknown NodeState = iota
	NodeQuestionable
	NodeGood
	NodeBad
)

func (s NodeState) String() string {
	switch s {
	case NodeUnknown:
		return "unknown"
	case NodeQuestionable:
		return "questionable"
	case NodeGood:
		return "good"
	case NodeBad:
		return "bad"
	default:
		return "invalid"
	}
}

// Node represents a remote DHT participant.
type Node struct {
	ID          ID
	Addr        *net.UDPAddr
	LastSeen    time.Time
	FailedCount int
}

// NewNode creates a node that has never been heard from.
func NewNode(id ID, addr *net.UDPAddr) *Node {
	return &Node{
		ID:   id,
		Addr: addr,
	}
}

// StateAt derives the node's state at now, given the idle period after which
// a Good node becomes Questionable.
func (n *Node) StateAt(now time.Time, questionableAfter time.Duration) NodeState {
	switch {
	case n.FailedCount >= MaxFailures:
		return NodeBad
	case n.LastSeen.IsZero():
		return NodeUnknown
	case now.Sub(n.LastSeen) <= questionableAfter:
		return NodeGood
	default:
		return NodeQuestionable
	}
}

// Seen records a successful exchange with the node.
func (n *Node) Seen(now time.Time) {
	n.LastSeen = now
	n.FailedCount = 0
}

// Failed records a query the node did not answer.
func (n *Node) Failed() {
	n.FailedCount++
}

// Compact packs the node into the 26 byte record. Nodes without an IPv4
// address return nil.
func (n *Node) Compact() []byte {
	if n.Addr == nil {
		return nil
	}
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil
	}
	b := make([]byte, CompactNodeLen)
	copy(b, n.ID[:])
	copy(b[IDLength:], ip4)
	binary.BigEndian.PutUint16(b[IDLength+4:], uint16(n.Addr.Port))
	return b
}

// EncodeCompactNodes packs nodes into one concatenated string, skipping
// nodes that cannot be represented.
func EncodeCompactNodes(nodes []*Node) []byte {
	out := make([]byte, 0, len(nodes)*CompactNodeLen)
	for _, n := range nodes {
		if b := n.Compact(); b != nil {
			out = append(out, b...)
		}
	}
	return out
}

// DecodeCompactNodes unpacks a string of 26 byte node records.
func DecodeCompactNodes(b []byte) ([]*Node, error) {
	if len(b)%CompactNodeLen != 0 {
		return nil, protocolErrorf("compact nodes length %d is not a multiple of %d", len(b), CompactNodeLen)
	}

	nodes := make([]*Node, 0, len(b)/CompactNodeLen)
	for i := 0; i < len(b); i += CompactNodeLen {
		rec := b[i : i+CompactNodeLen]
		var id ID
		copy(id[:], rec[:IDLength])
		ip := make(net.IP, net.IPv4len)
		copy(ip, rec[IDLength:IDLength+4])
		port := int(binary.BigEndian.Uint16(rec[IDLength+4:]))
		nodes = append(nodes, NewNode(id, &net.UDPAddr{IP: ip, Port: port}))
	}
	return nodes, nil
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// toUDPAddr converts a generic address to *net.UDPAddr.
func toUDPAddr(addr net.Addr) (*net.UDPAddr, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a, true
	case nil:
		return nil, false
	}
	u, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, false
	}
	return u, true
}
