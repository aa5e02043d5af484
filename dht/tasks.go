package dht

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerdht/peer"
)

// resolveTimeout bounds bootstrap router name resolution.
const resolveTimeout = 10 * time.Second

// GetPeersResult is the outcome of a get_peers lookup.
type GetPeersResult struct {
	InfoHash  ID
	Peers     []peer.Peer
	Queried   int
	Responded int

	holders   []tokenHolder
	completed time.Time
}

// AnnounceResult is the outcome of an announce.
type AnnounceResult struct {
	InfoHash  ID
	Port      int
	Peers     []peer.Peer
	Announced int
	Failed    int
}

// tokenHolder is a node that returned a token during get_peers.
type tokenHolder struct {
	node  *Node
	token []byte
}

// runPing queries a single node. The reply itself inserts the node into the
// routing table; a timeout increments its failure count.
func (e *Engine) runPing(addr *net.UDPAddr, id ID, done func(ok bool)) {
	e.loop.query(addr, id, PingQuery{}, func(x *Exchange) {
		if done != nil {
			done(x.State == ExchangeSucceeded)
		}
	})
}

// runInitialise runs an iterative find_node for the local id seeded with
// seeds. If the table is still empty afterwards and useRouters is set, the
// configured bootstrap routers are resolved and queried. done receives the
// resulting routing table size.
func (e *Engine) runInitialise(seeds []*Node, useRouters bool, done func(found int)) {
	finish := func(*lookup) {
		if done != nil {
			done(e.table.Len())
		}
	}

	l := newLookup(e, e.localID, FindNodeQuery{Target: e.localID}, nil, func(*lookup) {
		if !e.running || e.table.Len() > 0 || !useRouters || len(e.cfg.BootstrapRouters) == 0 {
			finish(nil)
			return
		}
		e.resolveRouters(func(routers []*net.UDPAddr) {
			if len(routers) == 0 {
				finish(nil)
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Engine.runInitialise",
				"routers":  len(routers),
			}).Info("Bootstrapping from routers")
			newLookup(e, e.localID, FindNodeQuery{Target: e.localID}, nil, finish).
				start(e.table.Closest(e.localID, e.cfg.K), routers)
		})
	})
	l.start(seeds, nil)
}

// resolveRouters resolves the configured routers off the scheduler and
// posts the result back to it.
func (e *Engine) resolveRouters(done func([]*net.UDPAddr)) {
	routers := append([]string(nil), e.cfg.BootstrapRouters...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		defer cancel()

		var addrs []*net.UDPAddr
		for _, r := range routers {
			addr, err := e.resolver(ctx, r)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.resolveRouters",
					"router":   r,
					"error":    err.Error(),
				}).Warn("Failed to resolve bootstrap router")
				continue
			}
			addrs = append(addrs, addr)
		}

		_ = e.sched.Post(func() {
			if e.running {
				done(addrs)
			}
		})
	}()
}

// runRefresh asks the members of one bucket, least recently seen first, for
// a random id inside the bucket until one answers. Unknown nodes it returns
// are pinged.
func (e *Engine) runRefresh(b BucketInfo) {
	target := RandomIDWithPrefix(b.Prefix, b.PrefixLen)
	e.table.Touch(b.Prefix)

	members := e.table.Members(b.Prefix)
	sort.SliceStable(members, func(i, j int) bool {
		return members[i].LastSeen.Before(members[j].LastSeen)
	})

	logrus.WithFields(logrus.Fields{
		"function":   "Engine.runRefresh",
		"prefix_len": b.PrefixLen,
		"members":    len(members),
	}).Debug("Refreshing bucket")

	var try func(i int)
	try = func(i int) {
		if i >= len(members) || !e.running {
			return
		}
		n := members[i]
		e.loop.query(n.Addr, n.ID, FindNodeQuery{Target: target}, func(x *Exchange) {
			if x.State != ExchangeSucceeded {
				try(i + 1)
				return
			}
			for _, found := range x.Response.Nodes {
				if _, known := e.table.Get(found.ID); known || found.ID == e.localID {
					continue
				}
				e.runPing(found.Addr, found.ID, nil)
			}
		})
	}
	try(0)
}

// runGetPeers performs an iterative get_peers lookup for infoHash. New peers
// are surfaced as soon as they arrive; done receives the aggregate result.
func (e *Engine) runGetPeers(infoHash ID, done func(*GetPeersResult)) {
	result := &GetPeersResult{InfoHash: infoHash}
	seen := make(map[string]bool)

	onReply := func(c *lookupCandidate, r *Response) {
		result.Responded++
		var fresh []peer.Peer
		for _, p := range r.Values {
			key := p.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			fresh = append(fresh, p)
		}
		if len(fresh) > 0 {
			result.Peers = append(result.Peers, fresh...)
			e.raisePeersFound(infoHash, fresh)
		}
	}

	l := newLookup(e, infoHash, GetPeersQuery{InfoHash: infoHash}, onReply, func(l *lookup) {
		result.Queried = l.queries
		for _, c := range l.closestResponders(len(l.candidates)) {
			if len(c.token) == 0 {
				continue
			}
			result.holders = append(result.holders, tokenHolder{node: c.node, token: c.token})
			if len(result.holders) == e.cfg.K {
				break
			}
		}
		result.completed = e.sched.Now()

		logrus.WithFields(logrus.Fields{
			"function":  "Engine.runGetPeers",
			"info_hash": infoHash.String(),
			"queried":   result.Queried,
			"peers":     len(result.Peers),
		}).Debug("get_peers lookup finished")

		done(result)
	})
	l.start(e.table.Closest(infoHash, e.cfg.K), nil)
}

// runAnnounce sends announce_peer to the K closest nodes that handed out a
// token, each with its own token. A recent get_peers result for the same
// info-hash is reused while its tokens are still valid.
func (e *Engine) runAnnounce(infoHash ID, port int, done func(*AnnounceResult)) {
	announce := func(gp *GetPeersResult) {
		result := &AnnounceResult{InfoHash: infoHash, Port: port, Peers: gp.Peers}
		if len(gp.holders) == 0 || !e.running {
			done(result)
			return
		}

		remaining := len(gp.holders)
		for _, h := range gp.holders {
			q := AnnouncePeerQuery{InfoHash: infoHash, Port: port, Token: h.token}
			e.loop.query(h.node.Addr, h.node.ID, q, func(x *Exchange) {
				if x.State == ExchangeSucceeded {
					result.Announced++
				} else {
					result.Failed++
				}
				remaining--
				if remaining == 0 {
					logrus.WithFields(logrus.Fields{
						"function":  "Engine.runAnnounce",
						"info_hash": infoHash.String(),
						"announced": result.Announced,
						"failed":    result.Failed,
					}).Info("Announce finished")
					done(result)
				}
			})
		}
	}

	if gp, ok := e.recentLookup(infoHash); ok {
		announce(gp)
		return
	}
	e.runGetPeers(infoHash, func(gp *GetPeersResult) {
		e.rememberLookup(gp)
		announce(gp)
	})
}

func (e *Engine) rememberLookup(r *GetPeersResult) {
	if len(r.holders) > 0 {
		e.lookups[r.InfoHash] = r
	}
}

// recentLookup returns a get_peers result young enough for its tokens to
// still be accepted.
func (e *Engine) recentLookup(infoHash ID) (*GetPeersResult, bool) {
	r, ok := e.lookups[infoHash]
	if !ok {
		return nil, false
	}
	if e.sched.Now().Sub(r.completed) >= e.cfg.TokenRotation {
		delete(e.lookups, infoHash)
		return nil, false
	}
	return r, true
}
