// Package dht implements the Kademlia engine of a Mainline BitTorrent DHT
// node: the routing table, transaction table, token issuer, search engine
// and single-threaded event loop that drive find_node/get_peers/get/put to
// convergence over a UDP socket.
//
// The routing table's bucket bookkeeping (bump-to-front recency, "ping
// oldest on contention", mutex-guarded table value, per-bucket refresh
// timers, which the engine's event loop checks rather than a ticker) is
// adapted from p2p/discover/table.go in the teacher repository.
// Its indexing scheme is not: the teacher indexes buckets by fixed
// log-distance slot, whereas this spec calls for a singly-linked list of
// range-tiled buckets that split at their own midpoint, so that scheme is
// reimplemented from scratch against spec.md §3/§4.4.
package dht

import (
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/dalistudio/libdht/krpc"
	"github.com/dalistudio/libdht/p2p/distip"
)

// idSpaceBits is the width of the id space buckets tile (160 bits).
const idSpaceBits = krpc.IDLen * 8

// Entry is one routing-table bucket member. Invariants per spec.md §3:
// LastSeen is monotonically non-decreasing for a given entry; Pinged is
// set exactly when a ping is outstanding; NextPing >= LastSeen.
type Entry struct {
	ID       krpc.ID
	Addr     *net.UDPAddr
	LastSeen time.Time
	NextPing time.Time
	Pinged   bool
}

// Bucket covers the id range [First, next bucket's First), or [First, 2^160)
// for the last bucket in the table. Per spec.md §4.4, only the bucket
// containing the routing table's own id is ever split; all others evict
// and replace instead of growing.
type Bucket struct {
	First krpc.ID

	entries []*Entry // at most BucketSize, ordered most-recently-seen first

	refreshTime time.Time
	refreshing  bool // an internal find_node refresh search is in flight

	// pending holds a single candidate waiting on the outcome of a ping
	// sent to the bucket's least-recently-seen entry (spec.md §4.4 step
	// 6). Only one replacement can be pending per bucket at a time.
	pending        *Entry
	pendingOusted  krpc.ID
	pendingPresent bool

	ips distip.DistinctNetSet
}

// Entries returns a copy of the bucket's live entries, most recently seen
// first. The caller must not mutate the returned entries.
func (b *Bucket) Entries() []*Entry {
	out := make([]*Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len reports how many live entries the bucket holds.
func (b *Bucket) Len() int { return len(b.entries) }

// Table is the node's Kademlia routing table: a set of buckets tiling the
// entire 160-bit id space, always containing at least one bucket.
type Table struct {
	mu      sync.Mutex
	self    krpc.ID
	buckets []*Bucket // ascending First order
	clock   Clock
	cfg     Config

	ips distip.DistinctNetSet

	onBucketNeedsPing func(bucketIdx int, oldest *Entry, candidate *Entry)
}

// OnBucketNeedsPing installs the callback invoked by Observe when a full,
// non-splittable bucket needs its oldest entry verified before a new
// candidate can take its place (spec.md §4.4 step 6). The event loop wires
// this to send a ping query through the transaction table.
func (t *Table) OnBucketNeedsPing(fn func(bucketIdx int, oldest *Entry, candidate *Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onBucketNeedsPing = fn
}

// NewTable builds a routing table for the given own id, starting with the
// single bucket covering the whole id space.
func NewTable(self krpc.ID, clock Clock, cfg Config) *Table {
	t := &Table{
		self:  self,
		clock: clock,
		cfg:   cfg,
		ips:   distip.DistinctNetSet{Subnet: 24, Limit: 10},
	}
	root := &Bucket{
		First:       krpc.ID{},
		refreshTime: clock.Now().Add(cfg.BucketRefreshTimeout),
		ips:         distip.DistinctNetSet{Subnet: 24, Limit: 2},
	}
	t.buckets = []*Bucket{root}
	return t
}

// Self returns the table's own id.
func (t *Table) Self() krpc.ID { return t.self }

// idBig converts an id to a big.Int for range arithmetic.
func idBig(id krpc.ID) *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// bigID converts a big.Int back to an id, clamping into range.
func bigID(n *big.Int) krpc.ID {
	var id krpc.ID
	b := n.Bytes()
	if len(b) > krpc.IDLen {
		b = b[len(b)-krpc.IDLen:]
	}
	copy(id[krpc.IDLen-len(b):], b)
	return id
}

var idSpaceSize = new(big.Int).Lsh(big.NewInt(1), idSpaceBits)

// bucketIndex returns the index of the bucket whose range contains id. The
// caller must hold t.mu.
func (t *Table) bucketIndex(id krpc.ID) int {
	// Buckets are ascending by First; find the last bucket whose First <= id.
	i := sort.Search(len(t.buckets), func(i int) bool {
		return id.Cmp(t.buckets[i].First) < 0
	})
	return i - 1
}

// bucketRange returns the inclusive-first/exclusive-end big.Int range for
// bucket i. The caller must hold t.mu.
func (t *Table) bucketRange(i int) (first, end *big.Int) {
	first = idBig(t.buckets[i].First)
	if i+1 < len(t.buckets) {
		end = idBig(t.buckets[i+1].First)
	} else {
		end = idSpaceSize
	}
	return first, end
}

// containsOwn reports whether bucket i's range contains the table's own id.
func (t *Table) containsOwn(i int) bool {
	first, end := t.bucketRange(i)
	own := idBig(t.self)
	return own.Cmp(first) >= 0 && own.Cmp(end) < 0
}

// Observe records contact with a remote node, per spec.md §4.4's six-step
// procedure. now is supplied by the caller (normally clock.Now()) rather
// than read internally, so a single dispatch tick observes a consistent
// instant across every state change it makes.
//
// When the bucket is full, not splittable, and every entry is fresh, the
// oldest entry is pinged via onBucketNeedsPing rather than evicted
// immediately; the caller must later report the outcome through
// ResolvePing.
func (t *Table) Observe(id krpc.ID, addr *net.UDPAddr, now time.Time) {
	if id == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observeLocked(id, addr, now)
}

func (t *Table) observeLocked(id krpc.ID, addr *net.UDPAddr, now time.Time) {
	idx := t.bucketIndex(id)
	b := t.buckets[idx]

	// Step 2: already present -> bump + refresh.
	for _, e := range b.entries {
		if e.ID == id {
			e.Addr = addr
			e.LastSeen = now
			e.Pinged = false
			t.bumpToFront(b, e)
			b.refreshTime = now.Add(t.cfg.BucketRefreshTimeout)
			return
		}
	}

	newEntry := &Entry{ID: id, Addr: addr, LastSeen: now}

	// Step 3: room available -> append.
	if len(b.entries) < BucketSize {
		if !t.addIP(b, addr.IP) {
			return
		}
		b.entries = append([]*Entry{newEntry}, b.entries...)
		b.refreshTime = now.Add(t.cfg.BucketRefreshTimeout)
		return
	}

	// Step 4: evict a stale entry if one exists (past timeout and already
	// failed a ping).
	for i, e := range b.entries {
		if e.Pinged && now.After(e.NextPing) {
			t.removeIP(b, e.Addr.IP)
			if !t.addIP(b, addr.IP) {
				return
			}
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append([]*Entry{newEntry}, b.entries...)
			b.refreshTime = now.Add(t.cfg.BucketRefreshTimeout)
			return
		}
	}

	// Step 5: bucket contains our own id -> split and retry.
	if t.containsOwn(idx) {
		t.split(idx, now)
		t.observeLocked(id, addr, now)
		return
	}

	// Step 6: ping the oldest unverified entry; caller completes the
	// replacement decision via ResolvePing.
	if b.pendingPresent {
		return // a replacement decision is already outstanding
	}
	oldest := b.entries[len(b.entries)-1]
	oldest.Pinged = true
	oldest.NextPing = now.Add(t.cfg.PingTimeout)
	b.pending = newEntry
	b.pendingOusted = oldest.ID
	b.pendingPresent = true
	if t.onBucketNeedsPing != nil {
		t.onBucketNeedsPing(idx, oldest, newEntry)
	}
}

// ResolvePing completes the step-6 decision for the bucket holding
// oustedID: on success, the candidate is discarded; on failure, the
// candidate replaces the ousted entry.
func (t *Table) ResolvePing(oustedID krpc.ID, success bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(oustedID)
	b := t.buckets[idx]
	if !b.pendingPresent || b.pendingOusted != oustedID {
		return
	}
	candidate := b.pending
	b.pending = nil
	b.pendingPresent = false

	for i, e := range b.entries {
		if e.ID != oustedID {
			continue
		}
		if success {
			e.Pinged = false
			e.LastSeen = now
			t.bumpToFront(b, e)
			return
		}
		t.removeIP(b, e.Addr.IP)
		if t.addIP(b, candidate.Addr.IP) {
			b.entries[i] = candidate
		} else {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
		}
		b.refreshTime = now.Add(t.cfg.BucketRefreshTimeout)
		return
	}
}

func (t *Table) bumpToFront(b *Bucket, e *Entry) {
	for i, cur := range b.entries {
		if cur == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			b.entries = append([]*Entry{e}, b.entries...)
			return
		}
	}
}

func (t *Table) addIP(b *Bucket, ip net.IP) bool {
	if distip.IsLAN(ip) {
		return true
	}
	if !t.ips.Add(ip) {
		return false
	}
	if !b.ips.Add(ip) {
		t.ips.Remove(ip)
		return false
	}
	return true
}

func (t *Table) removeIP(b *Bucket, ip net.IP) {
	if distip.IsLAN(ip) {
		return
	}
	t.ips.Remove(ip)
	b.ips.Remove(ip)
}

// split divides bucket i at its midpoint, per spec.md §4.4 step 5 and the
// S2 worked example: the two resulting buckets cover [first, mid) and
// [mid, end), and every former entry lands in exactly one of them.
func (t *Table) split(i int, now time.Time) {
	b := t.buckets[i]
	first, end := t.bucketRange(i)
	mid := new(big.Int).Add(first, new(big.Int).Rsh(new(big.Int).Sub(end, first), 1))
	midID := bigID(mid)

	upper := &Bucket{
		First:       midID,
		refreshTime: now.Add(t.cfg.BucketRefreshTimeout),
		ips:         distip.DistinctNetSet{Subnet: b.ips.Subnet, Limit: b.ips.Limit},
	}
	b.refreshTime = now.Add(t.cfg.BucketRefreshTimeout)

	var lower []*Entry
	for _, e := range b.entries {
		if idBig(e.ID).Cmp(mid) < 0 {
			lower = append(lower, e)
		} else {
			upper.entries = append(upper.entries, e)
			t.removeIP(b, e.Addr.IP)
			t.addIP(upper, e.Addr.IP)
		}
	}
	b.entries = lower
	b.pending, b.pendingPresent = nil, false

	t.buckets = append(t.buckets, nil)
	copy(t.buckets[i+2:], t.buckets[i+1:])
	t.buckets[i+1] = upper
}

// Remove deletes id from the table.
func (t *Table) Remove(id krpc.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.bucketIndex(id)
	b := t.buckets[idx]
	for i, e := range b.entries {
		if e.ID == id {
			t.removeIP(b, e.Addr.IP)
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Closest returns up to k entries ordered by ascending XOR distance to
// target, scanning the whole table. The table rarely exceeds a few hundred
// entries, so a full scan plus sort is simpler and just as fast in
// practice as maintaining an incremental heap across every bucket mutation.
func (t *Table) Closest(target krpc.ID, k int) []krpc.NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]krpc.NodeInfo, 0, t.lenLocked())
	for _, b := range t.buckets {
		for _, e := range b.entries {
			all = append(all, krpc.NodeInfo{ID: e.ID, Addr: e.Addr})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		di := krpc.Distance(all[i].ID, target)
		dj := krpc.Distance(all[j].ID, target)
		c := di.Cmp(dj)
		if c != 0 {
			return c < 0
		}
		return all[i].ID.Less(all[j].ID) // tie-break: smaller id first (spec.md §4.5)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func (t *Table) lenLocked() int {
	n := 0
	for _, b := range t.buckets {
		n += len(b.entries)
	}
	return n
}

// Len returns the total number of entries across all buckets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lenLocked()
}

// Buckets returns a snapshot of the bucket list for inspection (tests,
// persistence, status reporting). The returned slice and its buckets must
// not be mutated by the caller.
func (t *Table) Buckets() []*Bucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Bucket, len(t.buckets))
	copy(out, t.buckets)
	return out
}

// BucketsDueForRefresh returns the index of every bucket whose
// refresh timer has elapsed and is not already refreshing, per spec.md
// §4.4's refresh rule. now is the caller's current time.
func (t *Table) BucketsDueForRefresh(now time.Time) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []int
	for i, b := range t.buckets {
		if !b.refreshing && now.After(b.refreshTime) {
			due = append(due, i)
		}
	}
	return due
}

// BeginRefresh marks bucket i as having an in-flight refresh search and
// returns a random target id within its range.
func (t *Table) BeginRefresh(i int) krpc.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.buckets) {
		return krpc.RandomID()
	}
	t.buckets[i].refreshing = true
	first, end := t.bucketRange(i)
	span := new(big.Int).Sub(end, first)
	if span.Sign() <= 0 {
		return t.buckets[i].First
	}
	r := krpc.RandomID()
	offset := new(big.Int).Mod(idBig(r), span)
	return bigID(new(big.Int).Add(first, offset))
}

// FinishRefresh clears bucket i's in-flight flag and resets its timer.
func (t *Table) FinishRefresh(i int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.buckets) {
		return
	}
	t.buckets[i].refreshing = false
	t.buckets[i].refreshTime = now.Add(t.cfg.BucketRefreshTimeout)
}
