package dht

import (
	"net"
	"sort"
)

type lookupCandidate struct {
	node      *Node
	queried   bool
	responded bool
	failed    bool
	token     []byte
}

// lookup is an iterative Kademlia search toward target. It keeps at most
// Alpha queries in flight and stops once every one of the K closest live
// candidates has been queried, nothing is in flight, or the query budget is
// spent.
type lookup struct {
	e      *Engine
	target ID
	query  Query

	onReply func(c *lookupCandidate, r *Response)
	onDone  func(l *lookup)

	candidates []*lookupCandidate
	seen       map[ID]bool
	inFlight   int
	queries    int
	done       bool
}

func newLookup(e *Engine, target ID, q Query, onReply func(*lookupCandidate, *Response), onDone func(*lookup)) *lookup {
	return &lookup{
		e:       e,
		target:  target,
		query:   q,
		onReply: onReply,
		onDone:  onDone,
		seen:    make(map[ID]bool),
	}
}

// start seeds the lookup with known nodes and bootstrap routers. Routers
// are queried unconditionally and do not count against the query budget.
func (l *lookup) start(seeds []*Node, routers []*net.UDPAddr) {
	l.addNodes(seeds)
	for _, addr := range routers {
		l.inFlight++
		c := &lookupCandidate{node: NewNode(ID{}, addr), queried: true}
		l.e.loop.query(addr, ID{}, l.query, func(x *Exchange) { l.complete(c, x) })
	}
	l.step()
}

func (l *lookup) addNodes(nodes []*Node) {
	for _, n := range nodes {
		if n == nil || n.Addr == nil || n.ID == l.e.localID || l.seen[n.ID] {
			continue
		}
		l.seen[n.ID] = true
		l.candidates = append(l.candidates, &lookupCandidate{node: n})
	}
	sort.SliceStable(l.candidates, func(i, j int) bool {
		return closer(l.target, l.candidates[i].node.ID, l.candidates[j].node.ID)
	})
}

func (l *lookup) step() {
	if l.done {
		return
	}
	if !l.e.running {
		l.finish()
		return
	}

	for l.inFlight < l.e.cfg.Alpha && l.queries < l.e.cfg.MaxLookupQueries {
		c := l.next()
		if c == nil {
			break
		}
		l.send(c)
	}

	if l.inFlight == 0 {
		l.finish()
	}
}

// next returns the closest unqueried candidate among the K closest that
// have not failed.
func (l *lookup) next() *lookupCandidate {
	live := 0
	for _, c := range l.candidates {
		if c.failed {
			continue
		}
		if live >= l.e.cfg.K {
			return nil
		}
		live++
		if !c.queried {
			return c
		}
	}
	return nil
}

func (l *lookup) send(c *lookupCandidate) {
	c.queried = true
	l.inFlight++
	l.queries++
	l.e.loop.query(c.node.Addr, c.node.ID, l.query, func(x *Exchange) { l.complete(c, x) })
}

func (l *lookup) complete(c *lookupCandidate, x *Exchange) {
	l.inFlight--
	if l.done {
		return
	}

	if x.State != ExchangeSucceeded {
		c.failed = true
		l.step()
		return
	}

	c.responded = true
	c.token = x.Response.Token
	if c.node.ID.IsZero() {
		c.node.ID = x.Response.ID
	}
	l.addNodes(x.Response.Nodes)
	if l.onReply != nil {
		l.onReply(c, x.Response)
	}
	l.step()
}

func (l *lookup) finish() {
	if l.done {
		return
	}
	l.done = true
	if l.onDone != nil {
		l.onDone(l)
	}
}

// closestResponders returns up to n candidates that answered, nearest first.
func (l *lookup) closestResponders(n int) []*lookupCandidate {
	var out []*lookupCandidate
	for _, c := range l.candidates {
		if !c.responded {
			continue
		}
		out = append(out, c)
		if len(out) == n {
			break
		}
	}
	return out
}
