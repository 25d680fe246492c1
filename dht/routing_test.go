package dht

import (
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalistudio/libdht/krpc"
)

func idWithLeadingByte(b byte) krpc.ID {
	var id krpc.ID
	id[0] = b
	return id
}

func udpAddr(n int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, byte(n>>8), byte(n)), Port: 6881 + n}
}

// S2 from spec.md §8.
func TestRoutingSplitS2(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	cfg := DefaultConfig()
	self := krpc.ID{} // all zero
	tab := NewTable(self, clock, cfg)

	leading := []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}
	for i, b := range leading {
		tab.Observe(idWithLeadingByte(b), udpAddr(i), clock.Now())
	}
	require.Equal(t, 1, len(tab.Buckets()), "all nine (incl. self) still fit one bucket")
	require.Equal(t, len(leading), tab.Len())

	// A 10th node (0x90...) while all eight are fresh triggers a split at
	// the midpoint, which for [0, 2^160) is 0x80 followed by zero bytes.
	tab.Observe(idWithLeadingByte(0x90), udpAddr(99), clock.Now())

	buckets := tab.Buckets()
	require.Equal(t, 2, len(buckets), "bucket should have split into two")

	midExpected := idWithLeadingByte(0x80)
	assert.Equal(t, krpc.ID{}, buckets[0].First)
	assert.Equal(t, midExpected, buckets[1].First)

	// The new node (0x90) lands in the upper half.
	found := false
	for _, e := range buckets[1].Entries() {
		if e.ID == idWithLeadingByte(0x90) {
			found = true
		}
	}
	assert.True(t, found, "0x90... node should land in the upper bucket")

	// Tiling invariant: every entry's id falls within its own bucket range.
	assertTiling(t, tab)
}

func assertTiling(t *testing.T, tab *Table) {
	t.Helper()
	buckets := tab.Buckets()
	for i, b := range buckets {
		first := idBig(b.First)
		var end *big.Int
		if i+1 < len(buckets) {
			end = idBig(buckets[i+1].First)
		} else {
			end = idSpaceSize
		}
		require.True(t, first.Cmp(end) < 0, "bucket %d: first must be < end", i)
		if i > 0 {
			prevEnd := idBig(buckets[i].First)
			assert.Equal(t, 0, first.Cmp(prevEnd), "buckets must tile without gaps")
		}
		for _, e := range b.Entries() {
			v := idBig(e.ID)
			assert.True(t, v.Cmp(first) >= 0 && v.Cmp(end) < 0, "entry %s out of bucket range", e.ID)
		}
		assert.LessOrEqual(t, b.Len(), BucketSize)
	}
}

func TestOnlyBucketContainingOwnIDSplits(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	cfg := DefaultConfig()
	self := idWithLeadingByte(0x01) // own id lives in the lower half after a split
	tab := NewTable(self, clock, cfg)

	// Overfill the bucket containing self; it splits (repeatedly, since all
	// entries sit in the lower half near self) until the new node fits.
	for i := 0; i < BucketSize; i++ {
		id := krpc.RandomID()
		id[0] = byte(i + 1) // keep all in lower half (< 0x80)
		tab.Observe(id, udpAddr(i), clock.Now())
	}
	id := krpc.RandomID()
	id[0] = 0x09
	tab.Observe(id, udpAddr(200), clock.Now())
	require.GreaterOrEqual(t, len(tab.Buckets()), 2)

	// Now saturate the top bucket [0x80…, 2^160) (doesn't contain self)
	// repeatedly with distinct fresh nodes: it must never split, only
	// evict/replace.
	before := len(tab.Buckets())
	for i := 0; i < 20; i++ {
		id := krpc.RandomID()
		id[0] = 0x80 | byte(i%0x40)
		tab.Observe(id, udpAddr(300+i), clock.Now())
	}
	assert.LessOrEqual(t, len(tab.Buckets()), before+0, "non-owning bucket must not split")
}

func TestBucketSizeBounded(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	cfg := DefaultConfig()
	self := krpc.RandomID()
	tab := NewTable(self, clock, cfg)
	for i := 0; i < 200; i++ {
		tab.Observe(krpc.RandomID(), udpAddr(i), clock.Now())
	}
	assertTiling(t, tab)
}

func TestObserveBumpsExisting(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	tab := NewTable(krpc.RandomID(), clock, DefaultConfig())
	id := krpc.RandomID()
	tab.Observe(id, udpAddr(1), clock.Now())
	clock.Advance(time.Minute)
	tab.Observe(id, udpAddr(1), clock.Now())

	b := tab.Buckets()[tab.bucketIndex(id)]
	require.Len(t, b.Entries(), 1)
	assert.Equal(t, clock.Now(), b.Entries()[0].LastSeen)
}

func TestStaleEvictionOnFullBucket(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	cfg := DefaultConfig()
	self := krpc.RandomID()
	self[0] = 0xFF // keep self far from the test ids so no split happens
	tab := NewTable(self, clock, cfg)

	var ids []krpc.ID
	for i := 0; i < BucketSize; i++ {
		id := krpc.RandomID()
		id[0] = byte(i) // stays in lower half, away from self
		ids = append(ids, id)
		tab.Observe(id, udpAddr(i), clock.Now())
	}
	require.Equal(t, BucketSize, tab.Len())

	// Mark the least-recently-seen (last in list) entry as pinged and past
	// its ping deadline so it's eligible for eviction under step 4.
	idx := tab.bucketIndex(ids[0])
	b := tab.Buckets()[idx]
	oldest := b.entries[len(b.entries)-1]
	oldest.Pinged = true
	oldest.NextPing = clock.Now().Add(-time.Second)

	newID := krpc.RandomID()
	newID[0] = 0x01
	tab.Observe(newID, udpAddr(999), clock.Now())

	found := false
	for _, e := range tab.Buckets()[idx].Entries() {
		if e.ID == newID {
			found = true
		}
		assert.NotEqual(t, oldest.ID, e.ID, "stale entry should have been evicted")
	}
	assert.True(t, found)
}

func TestResolvePingReplacesOnFailure(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	cfg := DefaultConfig()
	self := krpc.RandomID()
	self[0] = 0xFF
	tab := NewTable(self, clock, cfg)

	var pinged *Entry
	var pendingCandidate *Entry
	tab.OnBucketNeedsPing(func(idx int, oldest, candidate *Entry) {
		pinged = oldest
		pendingCandidate = candidate
	})

	for i := 0; i < BucketSize; i++ {
		id := krpc.RandomID()
		id[0] = byte(i)
		tab.Observe(id, udpAddr(i), clock.Now())
	}
	newID := krpc.RandomID()
	newID[0] = 0x7F
	tab.Observe(newID, udpAddr(500), clock.Now())

	require.NotNil(t, pinged)
	require.NotNil(t, pendingCandidate)
	assert.Equal(t, newID, pendingCandidate.ID)

	tab.ResolvePing(pinged.ID, false, clock.Now())

	idx := tab.bucketIndex(newID)
	found := false
	for _, e := range tab.Buckets()[idx].Entries() {
		if e.ID == newID {
			found = true
		}
		assert.NotEqual(t, pinged.ID, e.ID)
	}
	assert.True(t, found, "candidate should replace the failed entry")
}

func TestClosestOrderingAndTieBreak(t *testing.T) {
	clock := NewSimClock(time.Unix(0, 0))
	tab := NewTable(krpc.RandomID(), clock, DefaultConfig())
	target := krpc.RandomID()
	for i := 0; i < 30; i++ {
		tab.Observe(krpc.RandomID(), udpAddr(i), clock.Now())
	}
	closest := tab.Closest(target, 8)
	require.LessOrEqual(t, len(closest), 8)
	for i := 1; i < len(closest); i++ {
		d0 := krpc.Distance(closest[i-1].ID, target)
		d1 := krpc.Distance(closest[i].ID, target)
		assert.True(t, d0.Cmp(d1) <= 0, "closest must be sorted ascending by XOR distance")
	}
}
