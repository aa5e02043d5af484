package dht

import (
	"container/heap"
	"time"

	"github.com/opd-ai/peerdht/scheduler"
)

// AddResult describes what RoutingTable.Add did with a node.
type AddResult uint8

const (
	// Added means the node became a bucket member.
	Added AddResult = iota
	// Updated means the node was already known and was refreshed.
	Updated
	// Replaced means the node took the slot of a Bad member.
	Replaced
	// Queued means the bucket was full and the node became its replacement.
	Queued
	// Rejected means the node cannot be stored (for example the local id).
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Replaced:
		return "replaced"
	case Queued:
		return "queued"
	case Rejected:
		return "rejected"
	default:
		return "invalid"
	}
}

// Bucket holds up to K nodes whose identifiers share a common prefix, plus
// at most one replacement.
type Bucket struct {
	prefix      ID
	prefixLen   int
	members     []ID
	replacement *ID
	lastChanged time.Time
}

// Contains reports whether id falls in the bucket's range.
func (b *Bucket) Contains(id ID) bool {
	return commonPrefixLen(b.prefix, id) >= b.prefixLen
}

// BucketInfo is a read-only snapshot of a bucket.
type BucketInfo struct {
	Prefix         ID
	PrefixLen      int
	Members        int
	HasReplacement bool
	LastChanged    time.Time
}

// RoutingTable indexes known nodes by XOR distance from the local id.
// Nodes live in an arena keyed by identifier; buckets hold identifiers only.
// It is not safe for concurrent use and is owned by the engine's scheduler.
type RoutingTable struct {
	local             ID
	k                 int
	questionableAfter time.Duration
	tp                scheduler.TimeProvider

	nodes   map[ID]*Node
	buckets []*Bucket
}

// NewRoutingTable creates a table with a single bucket covering the whole
// identifier space.
func NewRoutingTable(local ID, k int, tp scheduler.TimeProvider) *RoutingTable {
	tp = scheduler.GetTimeProvider(tp)
	return &RoutingTable{
		local:             local,
		k:                 k,
		questionableAfter: DefaultQuestionableAfter,
		tp:                tp,
		nodes:             make(map[ID]*Node),
		buckets:           []*Bucket{{lastChanged: tp.Now()}},
	}
}

// LocalID returns the table's own identifier.
func (rt *RoutingTable) LocalID() ID {
	return rt.local
}

// SetQuestionableAfter changes the idle period after which Good nodes
// become Questionable.
func (rt *RoutingTable) SetQuestionableAfter(d time.Duration) {
	rt.questionableAfter = d
}

// State returns the current state of n.
func (rt *RoutingTable) State(n *Node) NodeState {
	return n.StateAt(rt.tp.Now(), rt.questionableAfter)
}

func (rt *RoutingTable) bucketIndex(id ID) int {
	for i, b := range rt.buckets {
		if b.Contains(id) {
			return i
		}
	}
	// Unreachable while buckets partition the space.
	return len(rt.buckets) - 1
}

// FindBucket returns the bucket whose range contains id.
func (rt *RoutingTable) FindBucket(id ID) *Bucket {
	return rt.buckets[rt.bucketIndex(id)]
}

// Get returns the stored node with the given id, member or replacement.
func (rt *RoutingTable) Get(id ID) (*Node, bool) {
	n, ok := rt.nodes[id]
	return n, ok
}

// Add inserts or refreshes n. A full bucket covering the local id is split;
// any other full bucket first recycles a Bad member's slot and otherwise
// keeps n as its replacement.
func (rt *RoutingTable) Add(n *Node) AddResult {
	if n.ID == rt.local {
		return Rejected
	}
	now := rt.tp.Now()

	if existing, ok := rt.nodes[n.ID]; ok {
		if n.Addr != nil {
			existing.Addr = n.Addr
		}
		if n.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = n.LastSeen
			existing.FailedCount = n.FailedCount
		}
		b := rt.FindBucket(n.ID)
		if i := indexOf(b.members, n.ID); i >= 0 {
			b.members = append(append(b.members[:i:i], b.members[i+1:]...), n.ID)
			b.lastChanged = now
		}
		return Updated
	}

	for {
		b := rt.FindBucket(n.ID)
		if len(b.members) < rt.k {
			b.members = append(b.members, n.ID)
			b.lastChanged = now
			rt.nodes[n.ID] = n
			return Added
		}

		for i, id := range b.members {
			if rt.State(rt.nodes[id]) == NodeBad {
				delete(rt.nodes, id)
				b.members = append(append(b.members[:i:i], b.members[i+1:]...), n.ID)
				b.lastChanged = now
				rt.nodes[n.ID] = n
				return Replaced
			}
		}

		if b.Contains(rt.local) && b.prefixLen < IDBits {
			rt.split(rt.bucketIndex(n.ID))
			continue
		}

		if b.replacement != nil {
			delete(rt.nodes, *b.replacement)
		}
		id := n.ID
		b.replacement = &id
		rt.nodes[n.ID] = n
		return Queued
	}
}

// split divides bucket i into two halves on the next prefix bit.
func (rt *RoutingTable) split(i int) {
	old := rt.buckets[i]
	low := &Bucket{
		prefix:      old.prefix.withBit(old.prefixLen, false),
		prefixLen:   old.prefixLen + 1,
		lastChanged: old.lastChanged,
	}
	high := &Bucket{
		prefix:      old.prefix.withBit(old.prefixLen, true),
		prefixLen:   old.prefixLen + 1,
		lastChanged: old.lastChanged,
	}

	for _, id := range old.members {
		if high.Contains(id) {
			high.members = append(high.members, id)
		} else {
			low.members = append(low.members, id)
		}
	}
	if old.replacement != nil {
		r := *old.replacement
		target := low
		if high.Contains(r) {
			target = high
		}
		if len(target.members) < rt.k {
			target.members = append(target.members, r)
		} else {
			target.replacement = &r
		}
	}

	buckets := make([]*Bucket, 0, len(rt.buckets)+1)
	buckets = append(buckets, rt.buckets[:i]...)
	buckets = append(buckets, low, high)
	buckets = append(buckets, rt.buckets[i+1:]...)
	rt.buckets = buckets
}

// Remove deletes the node with the given id. A removed member is backfilled
// from the replacement slot.
func (rt *RoutingTable) Remove(id ID) bool {
	if _, ok := rt.nodes[id]; !ok {
		return false
	}
	b := rt.FindBucket(id)
	delete(rt.nodes, id)

	if b.replacement != nil && *b.replacement == id {
		b.replacement = nil
		return true
	}
	if i := indexOf(b.members, id); i >= 0 {
		b.members = append(b.members[:i:i], b.members[i+1:]...)
		b.lastChanged = rt.tp.Now()
		rt.promoteReplacement(b)
	}
	return true
}

// Seen marks the node as having answered.
func (rt *RoutingTable) Seen(id ID) {
	if n, ok := rt.nodes[id]; ok {
		n.Seen(rt.tp.Now())
	}
}

// Failed records a failed query against id. It reports whether the node
// became Bad. A Bad member is swapped for the bucket's replacement
// immediately when one is queued.
func (rt *RoutingTable) Failed(id ID) bool {
	n, ok := rt.nodes[id]
	if !ok {
		return false
	}
	n.Failed()
	if rt.State(n) != NodeBad {
		return false
	}

	b := rt.FindBucket(id)
	if b.replacement != nil && indexOf(b.members, id) >= 0 {
		rt.PromoteReplacement(id)
	}
	return true
}

// PromoteReplacement evicts member id and moves the bucket's replacement
// into its slot. It reports whether a promotion happened.
func (rt *RoutingTable) PromoteReplacement(id ID) bool {
	b := rt.FindBucket(id)
	i := indexOf(b.members, id)
	if i < 0 || b.replacement == nil {
		return false
	}
	delete(rt.nodes, id)
	b.members = append(b.members[:i:i], b.members[i+1:]...)
	return rt.promoteReplacement(b)
}

func (rt *RoutingTable) promoteReplacement(b *Bucket) bool {
	if b.replacement == nil || len(b.members) >= rt.k {
		return false
	}
	b.members = append(b.members, *b.replacement)
	b.replacement = nil
	b.lastChanged = rt.tp.Now()
	return true
}

// nodeHeap is a max-heap on distance to target, keeping the closest nodes.
type nodeHeap struct {
	nodes  []*Node
	target ID
}

func (h *nodeHeap) Len() int { return len(h.nodes) }

func (h *nodeHeap) Less(i, j int) bool {
	// Max-heap: farther first; among equal distances the least recently
	// seen is evicted first.
	c := Xor(h.nodes[i].ID, h.target).Compare(Xor(h.nodes[j].ID, h.target))
	if c != 0 {
		return c > 0
	}
	return h.nodes[i].LastSeen.Before(h.nodes[j].LastSeen)
}

func (h *nodeHeap) Swap(i, j int) { h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i] }

func (h *nodeHeap) Push(x interface{}) { h.nodes = append(h.nodes, x.(*Node)) }

func (h *nodeHeap) Pop() interface{} {
	old := h.nodes
	n := len(old)
	item := old[n-1]
	h.nodes = old[:n-1]
	return item
}

// Closest returns up to count members nearest to target, sorted by
// non-decreasing XOR distance. Bad nodes and replacements are excluded.
func (rt *RoutingTable) Closest(target ID, count int) []*Node {
	if count <= 0 {
		return []*Node{}
	}

	h := &nodeHeap{nodes: make([]*Node, 0, count), target: target}
	for _, b := range rt.buckets {
		for _, id := range b.members {
			n := rt.nodes[id]
			if rt.State(n) == NodeBad {
				continue
			}
			if h.Len() < count {
				heap.Push(h, n)
				continue
			}
			heap.Push(h, n)
			heap.Pop(h)
		}
	}

	result := make([]*Node, h.Len())
	for i := len(result) - 1; i >= 0; i-- {
		result[i] = heap.Pop(h).(*Node)
	}
	return result
}

// Buckets returns a snapshot of every bucket in identifier order.
func (rt *RoutingTable) Buckets() []BucketInfo {
	out := make([]BucketInfo, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = BucketInfo{
			Prefix:         b.prefix,
			PrefixLen:      b.prefixLen,
			Members:        len(b.members),
			HasReplacement: b.replacement != nil,
			LastChanged:    b.lastChanged,
		}
	}
	return out
}

// Members returns the nodes of the bucket containing id, in the order they
// were last refreshed.
func (rt *RoutingTable) Members(id ID) []*Node {
	b := rt.FindBucket(id)
	out := make([]*Node, 0, len(b.members))
	for _, m := range b.members {
		out = append(out, rt.nodes[m])
	}
	return out
}

// Touch marks the bucket containing id as changed now.
func (rt *RoutingTable) Touch(id ID) {
	rt.FindBucket(id).lastChanged = rt.tp.Now()
}

// Len returns the number of bucket members, excluding replacements.
func (rt *RoutingTable) Len() int {
	total := 0
	for _, b := range rt.buckets {
		total += len(b.members)
	}
	return total
}

// Replacements returns the number of queued replacement nodes.
func (rt *RoutingTable) Replacements() int {
	total := 0
	for _, b := range rt.buckets {
		if b.replacement != nil {
			total++
		}
	}
	return total
}

// All returns every stored node: members followed by each bucket's
// replacement.
func (rt *RoutingTable) All() []*Node {
	out := make([]*Node, 0, len(rt.nodes))
	for _, b := range rt.buckets {
		for _, id := range b.members {
			out = append(out, rt.nodes[id])
		}
		if b.replacement != nil {
			out = append(out, rt.nodes[*b.replacement])
		}
	}
	return out
}

// CountByState returns member counts per node state.
func (rt *RoutingTable) CountByState() map[NodeState]int {
	counts := make(map[NodeState]int, 4)
	for _, b := range rt.buckets {
		for _, id := range b.members {
			counts[rt.State(rt.nodes[id])]++
		}
	}
	return counts
}

func indexOf(ids []ID, id ID) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
