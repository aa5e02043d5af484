package dht

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdht/limits"
	"github.com/opd-ai/peerdht/peer"
)

// handleQuery answers an inbound query from the current routing table
// snapshot.
func (e *Engine) handleQuery(msg *Message, from *net.UDPAddr) {
	switch q := msg.Query.(type) {
	case PingQuery:
		e.loop.sendResponse(msg.TransactionID, &Response{ID: e.localID}, from)

	case FindNodeQuery:
		e.loop.sendResponse(msg.TransactionID, &Response{
			ID:    e.localID,
			Nodes: e.table.Closest(q.Target, e.cfg.K),
		}, from)

	case GetPeersQuery:
		e.handleGetPeers(msg, q, from)

	case AnnouncePeerQuery:
		e.handleAnnouncePeer(msg, q, from)

	case UnknownQuery:
		e.loop.sendError(msg.TransactionID, &Error{Code: ErrorMethodUnknown, Message: "Method Unknown"}, from)

	default:
		e.loop.sendError(msg.TransactionID, &Error{Code: ErrorServer, Message: "Server Error"}, from)
	}
}

func (e *Engine) handleGetPeers(msg *Message, q GetPeersQuery, from *net.UDPAddr) {
	resp := &Response{
		ID:    e.localID,
		Token: e.tokens.Issue(msg.SenderID, from),
	}
	if peers := e.peers.Peers(q.InfoHash, limits.MaxCompactPeers); len(peers) > 0 {
		resp.Values = peers
	} else {
		resp.Nodes = e.table.Closest(q.InfoHash, e.cfg.K)
	}
	e.loop.sendResponse(msg.TransactionID, resp, from)
}

func (e *Engine) handleAnnouncePeer(msg *Message, q AnnouncePeerQuery, from *net.UDPAddr) {
	if !e.tokens.Verify(msg.SenderID, from, q.Token) {
		logrus.WithFields(logrus.Fields{
			"function":  "Engine.handleAnnouncePeer",
			"addr":      from.String(),
			"info_hash": q.InfoHash.String(),
		}).Debug("Rejecting announce with bad token")
		e.loop.sendError(msg.TransactionID, &Error{Code: ErrorProtocol, Message: "bad token"}, from)
		return
	}

	port := q.Port
	if q.ImpliedPort {
		port = from.Port
	}
	e.peers.Store(q.InfoHash, peer.New(from.IP, port))
	e.loop.sendResponse(msg.TransactionID, &Response{ID: e.localID}, from)
}

// nodeSeen marks a node that sent a well-formed message and offers it to
// the routing table.
func (e *Engine) nodeSeen(id ID, addr *net.UDPAddr) {
	if !e.running || id == e.localID {
		return
	}
	now := e.sched.Now()
	if n, ok := e.table.Get(id); ok {
		n.Seen(now)
		if addr != nil {
			n.Addr = addr
		}
		e.table.Add(n)
		return
	}

	n := NewNode(id, addr)
	n.Seen(now)
	if result := e.table.Add(n); result != Rejected {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.nodeSeen",
			"node":     id.String(),
			"addr":     addr.String(),
			"result":   result.String(),
		}).Debug("Routing table updated")
	}
}

// nodeFailed accounts a failed exchange against its target node.
func (e *Engine) nodeFailed(x *Exchange) {
	if !e.running || x.NodeID.IsZero() {
		return
	}
	if e.table.Failed(x.NodeID) {
		logrus.WithFields(logrus.Fields{
			"function": "Engine.nodeFailed",
			"node":     x.NodeID.String(),
			"addr":     x.Addr.String(),
		}).Debug("Node marked bad")
	}
}
