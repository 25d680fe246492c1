// Package store implements the two on-node data stores a DHT node serves
// read/write queries against: the peer store (infohash -> announced peer
// addresses, spec.md §4.7) and the put store (BEP-44 immutable/mutable
// items, spec.md §4.8). Grounded on original_source/lib/node.h's
// struct peer / struct peer_list / struct put_item and the timeout
// constants alongside them, and original_source/include/dht/put.h for the
// mutable pre-write callback contract.
package store

import (
	"math/rand"
	"net"
	"time"
)

// PeerRecord is one announced peer address with its expiry, spec.md §4.7.
type PeerRecord struct {
	Addr   *net.UDPAddr
	Expire time.Time
}

// PeerStore maps infohash -> announced peer addresses. An infohash with no
// peers is removed entirely, matching spec.md's S6 edge case.
type PeerStore struct {
	byHash map[[20]byte][]PeerRecord
	ttl    time.Duration
}

// NewPeerStore creates a peer store with the given expiry duration
// (spec.md's default peer_timeout is 2h).
func NewPeerStore(ttl time.Duration) *PeerStore {
	return &PeerStore{byHash: make(map[[20]byte][]PeerRecord), ttl: ttl}
}

// Announce records addr as a peer for infoHash, refreshing its expiry if
// already present.
func (ps *PeerStore) Announce(infoHash [20]byte, addr *net.UDPAddr, now time.Time) {
	list := ps.byHash[infoHash]
	expire := now.Add(ps.ttl)
	for i, r := range list {
		if sameAddr(r.Addr, addr) {
			list[i].Expire = expire
			return
		}
	}
	ps.byHash[infoHash] = append(list, PeerRecord{Addr: addr, Expire: expire})
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Get returns up to max peers currently stored for infoHash, in random
// order (spec.md §4.7: "up to N ... random or nearest-expiry-last"),
// excluding anything already expired as of now.
func (ps *PeerStore) Get(infoHash [20]byte, max int, now time.Time) []*net.UDPAddr {
	list := ps.byHash[infoHash]
	live := make([]*net.UDPAddr, 0, len(list))
	for _, r := range list {
		if r.Expire.After(now) {
			live = append(live, r.Addr)
		}
	}
	rand.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	if len(live) > max {
		live = live[:max]
	}
	return live
}

// Sweep removes expired peer records and any infohash left with none, per
// spec.md's S6 scenario. It returns the number of records removed.
func (ps *PeerStore) Sweep(now time.Time) int {
	removed := 0
	for hash, list := range ps.byHash {
		live := list[:0]
		for _, r := range list {
			if r.Expire.After(now) {
				live = append(live, r)
			} else {
				removed++
			}
		}
		if len(live) == 0 {
			delete(ps.byHash, hash)
		} else {
			ps.byHash[hash] = live
		}
	}
	return removed
}

// Len returns the total number of infohashes currently tracked.
func (ps *PeerStore) Len() int { return len(ps.byHash) }

// Snapshot returns every (infohash, peers) pair for persistence.
func (ps *PeerStore) Snapshot() map[[20]byte][]PeerRecord {
	out := make(map[[20]byte][]PeerRecord, len(ps.byHash))
	for k, v := range ps.byHash {
		cp := make([]PeerRecord, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Restore replaces the store's contents, used when loading a save file.
func (ps *PeerStore) Restore(data map[[20]byte][]PeerRecord) {
	ps.byHash = make(map[[20]byte][]PeerRecord, len(data))
	for k, v := range data {
		cp := make([]PeerRecord, len(v))
		copy(cp, v)
		ps.byHash[k] = cp
	}
}
