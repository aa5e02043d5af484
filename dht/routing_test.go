package dht

import (
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerdht/scheduler"
)

func testNode(id ID, port int) *Node {
	n := NewNode(id, &net.UDPAddr{IP: net.IPv4(10, 1, byte(port>>8), byte(port)), Port: port})
	return n
}

func newTestTable(local ID) (*RoutingTable, *scheduler.ManualTimeProvider) {
	clock := scheduler.NewManualTimeProvider(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewRoutingTable(local, DefaultK, clock), clock
}

// checkPartition verifies buckets cover the id space exactly and each
// stored node lives in the one bucket containing it.
func checkPartition(t *testing.T, rt *RoutingTable) {
	t.Helper()
	var coverage float64
	for _, b := range rt.buckets {
		coverage += math.Ldexp(1, -b.prefixLen)
		assert.LessOrEqual(t, len(b.members), rt.k)
	}
	assert.InDelta(t, 1.0, coverage, 1e-12)

	for id := range rt.nodes {
		owners := 0
		for _, b := range rt.buckets {
			if b.Contains(id) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "node %s", id)
	}
}

func TestAddRejectsLocalID(t *testing.T) {
	local := RandomID()
	rt, _ := newTestTable(local)
	assert.Equal(t, Rejected, rt.Add(testNode(local, 1)))
	assert.Equal(t, 0, rt.Len())
}

func TestAddUpdatesExisting(t *testing.T) {
	rt, clock := newTestTable(ID{})
	a := testNode(idWithByte(0x80, 1), 1)
	b := testNode(idWithByte(0x80, 2), 2)
	require.Equal(t, Added, rt.Add(a))
	require.Equal(t, Added, rt.Add(b))

	clock.Advance(time.Minute)
	again := testNode(a.ID, 99)
	again.Seen(clock.Now())
	assert.Equal(t, Updated, rt.Add(again))

	members := rt.Members(a.ID)
	require.Len(t, members, 2)
	assert.Equal(t, b.ID, members[0].ID, "refreshed node moves to the tail")
	assert.Equal(t, a.ID, members[1].ID)
	assert.Equal(t, 99, members[1].Addr.Port)
	assert.Equal(t, clock.Now(), members[1].LastSeen)
}

func TestNinthNodeFarFromLocalBecomesReplacement(t *testing.T) {
	rt, _ := newTestTable(ID{})

	for i := 1; i <= DefaultK; i++ {
		require.Equal(t, Added, rt.Add(testNode(idWithByte(0x80, byte(i)), i)))
	}
	result := rt.Add(testNode(idWithByte(0x80, 9), 9))

	// The single full bucket covered the local id, so it split; the far
	// half does not contain the local id and queues the ninth node.
	assert.Equal(t, Queued, result)
	buckets := rt.Buckets()
	require.Len(t, buckets, 2)
	assert.Equal(t, 0, buckets[0].Members)
	assert.Equal(t, DefaultK, buckets[1].Members)
	assert.True(t, buckets[1].HasReplacement)
	assert.Equal(t, DefaultK, rt.Len())
	assert.Equal(t, 1, rt.Replacements())
	checkPartition(t, rt)
}

func TestNinthNodeNearLocalSplits(t *testing.T) {
	rt, _ := newTestTable(ID{})

	// Half the nodes on each side of the first bit.
	for i := 1; i <= DefaultK; i++ {
		first := byte(0x00)
		if i%2 == 0 {
			first = 0x80
		}
		require.Equal(t, Added, rt.Add(testNode(idWithByte(first|0x01, byte(i)), i)))
	}
	assert.Equal(t, Added, rt.Add(testNode(idWithByte(0x01, 9), 9)))
	assert.Greater(t, len(rt.Buckets()), 1)
	assert.Equal(t, DefaultK+1, rt.Len())
	checkPartition(t, rt)
}

func TestReplacementIsOverwrittenByNewer(t *testing.T) {
	rt, _ := newTestTable(ID{})
	for i := 1; i <= DefaultK; i++ {
		rt.Add(testNode(idWithByte(0x80, byte(i)), i))
	}
	first := testNode(idWithByte(0x80, 50), 50)
	second := testNode(idWithByte(0x80, 51), 51)
	require.Equal(t, Queued, rt.Add(first))
	require.Equal(t, Queued, rt.Add(second))

	_, ok := rt.Get(first.ID)
	assert.False(t, ok)
	_, ok = rt.Get(second.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, rt.Replacements())
}

func TestBadMemberPromotesReplacement(t *testing.T) {
	rt, _ := newTestTable(ID{})
	var members []*Node
	for i := 1; i <= DefaultK; i++ {
		n := testNode(idWithByte(0x80, byte(i)), i)
		members = append(members, n)
		rt.Add(n)
	}
	spare := testNode(idWithByte(0x80, 9), 9)
	require.Equal(t, Queued, rt.Add(spare))

	victim := members[0].ID
	assert.False(t, rt.Failed(victim))
	assert.False(t, rt.Failed(victim))
	assert.True(t, rt.Failed(victim))

	_, ok := rt.Get(victim)
	assert.False(t, ok, "bad member is evicted")
	assert.Equal(t, 0, rt.Replacements())
	assert.Equal(t, DefaultK, rt.Len())
	ids := make(map[ID]bool)
	for _, n := range rt.Members(spare.ID) {
		ids[n.ID] = true
	}
	assert.True(t, ids[spare.ID])
	checkPartition(t, rt)
}

func TestBadMemberSlotRecycledWithoutReplacement(t *testing.T) {
	rt, _ := newTestTable(ID{})
	var first *Node
	for i := 1; i <= DefaultK; i++ {
		n := testNode(idWithByte(0x80, byte(i)), i)
		if first == nil {
			first = n
		}
		rt.Add(n)
	}
	// Force the split first so the far bucket is unsplittable.
	rt.Add(testNode(idWithByte(0x80, 20), 20))
	rt.Remove(idWithByte(0x80, 20))

	for i := 0; i < MaxFailures; i++ {
		rt.Failed(first.ID)
	}
	assert.Equal(t, Replaced, rt.Add(testNode(idWithByte(0x80, 30), 30)))
	_, ok := rt.Get(first.ID)
	assert.False(t, ok)
}

func TestRemoveBackfillsFromReplacement(t *testing.T) {
	rt, _ := newTestTable(ID{})
	for i := 1; i <= DefaultK; i++ {
		rt.Add(testNode(idWithByte(0x80, byte(i)), i))
	}
	spare := testNode(idWithByte(0x80, 9), 9)
	rt.Add(spare)

	assert.True(t, rt.Remove(idWithByte(0x80, 1)))
	assert.False(t, rt.Remove(idWithByte(0x80, 1)))
	assert.Equal(t, DefaultK, rt.Len())
	assert.Equal(t, 0, rt.Replacements())
}

func TestClosestSortedAndExcludesBad(t *testing.T) {
	rt, _ := newTestTable(RandomID())
	for i := 0; i < 200; i++ {
		rt.Add(testNode(RandomID(), i+1))
	}
	checkPartition(t, rt)

	target := RandomID()
	got := rt.Closest(target, DefaultK)
	require.Len(t, got, DefaultK)
	for i := 1; i < len(got); i++ {
		assert.False(t, closer(target, got[i].ID, got[i-1].ID), "results must be sorted by distance")
	}

	// No member outside the result is closer than the farthest returned.
	farthest := got[len(got)-1].ID
	returned := make(map[ID]bool)
	for _, n := range got {
		returned[n.ID] = true
	}
	for _, b := range rt.buckets {
		for _, id := range b.members {
			if !returned[id] {
				assert.False(t, closer(target, id, farthest))
			}
		}
	}

	bad := got[0].ID
	for i := 0; i < MaxFailures; i++ {
		rt.Failed(bad)
	}
	for _, n := range rt.Closest(target, DefaultK) {
		assert.NotEqual(t, bad, n.ID)
	}
}

func TestClosestFewerThanCount(t *testing.T) {
	rt, _ := newTestTable(ID{})
	rt.Add(testNode(idWithByte(0x10, 1), 1))
	rt.Add(testNode(idWithByte(0x20, 1), 2))
	assert.Len(t, rt.Closest(RandomID(), 8), 2)
	assert.Empty(t, rt.Closest(RandomID(), 0))
}

func TestClosestExcludesReplacements(t *testing.T) {
	rt, _ := newTestTable(ID{})
	for i := 1; i <= DefaultK; i++ {
		rt.Add(testNode(idWithByte(0x80, byte(i)), i))
	}
	spare := testNode(idWithByte(0x80, 0), 100)
	require.Equal(t, Queued, rt.Add(spare))

	for _, n := range rt.Closest(spare.ID, 20) {
		assert.NotEqual(t, spare.ID, n.ID)
	}
	assert.Len(t, rt.All(), DefaultK+1)
}

func TestCountByStateUsesClock(t *testing.T) {
	rt, clock := newTestTable(ID{})
	n := testNode(idWithByte(0x80, 1), 1)
	n.Seen(clock.Now())
	rt.Add(n)
	rt.Add(testNode(idWithByte(0x40, 1), 2))

	counts := rt.CountByState()
	assert.Equal(t, 1, counts[NodeGood])
	assert.Equal(t, 1, counts[NodeUnknown])

	clock.Advance(DefaultQuestionableAfter + time.Second)
	counts = rt.CountByState()
	assert.Equal(t, 1, counts[NodeQuestionable])
}

func TestTouchUpdatesLastChanged(t *testing.T) {
	rt, clock := newTestTable(ID{})
	before := rt.Buckets()[0].LastChanged
	clock.Advance(time.Hour)
	rt.Touch(RandomID())
	assert.Equal(t, before.Add(time.Hour), rt.Buckets()[0].LastChanged)
}
