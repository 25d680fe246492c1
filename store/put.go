package store

import (
	"crypto/sha1"
	"errors"
	"strconv"
	"time"

	"github.com/dalistudio/libdht/bencode"
)

// BEP-44 limits, spec.md §4.8.
const (
	MaxSaltLen  = 64
	MaxValueLen = 1000
)

var (
	ErrHashMismatch  = errors.New("store: hash does not match bencoded value")
	ErrSignature     = errors.New("store: invalid ed25519 signature")
	ErrSaltTooLong   = errors.New("store: salt exceeds 64 bytes")
	ErrValueTooLarge = errors.New("store: bencoded value exceeds 1000 bytes")
	ErrStaleSeq      = errors.New("store: seq is lower than the stored seq")
	ErrCASMismatch   = errors.New("store: cas does not match stored seq")
)

// PutItem is a stored BEP-44 item, immutable or mutable depending on
// whether K is set, per spec.md §3.
type PutItem struct {
	Hash [20]byte // immutable items: SHA1(bencode(V)); mutable items: SHA1(K||Salt)

	K    []byte // 32-byte ed25519 pubkey; nil for immutable items
	Salt []byte
	Seq  int64
	Sig  []byte // 64-byte ed25519 signature

	V      *bencode.Value
	Expire time.Time
}

// Mutable reports whether the item is a mutable (keyed, signed) item.
func (p *PutItem) Mutable() bool { return p.K != nil }

// ImmutableKey returns the SHA1(bencode(v)) key an immutable put is stored
// and retrieved under, per spec.md §3.
func ImmutableKey(v *bencode.Value) [20]byte {
	return sha1.Sum(bencode.Encode(v))
}

// MutableKey returns the SHA1(k||salt) key a mutable item is stored under.
func MutableKey(k, salt []byte) [20]byte {
	h := sha1.New()
	h.Write(k)
	h.Write(salt)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignatureInput builds the canonical buffer a mutable put's signature
// covers, per spec.md §6: "3:seqi<seq>e1:v<bencode(v)>" with
// "4:salt<len>:<bytes>" prepended when salt is non-empty (BEP 44 §Signature).
func SignatureInput(salt []byte, seq int64, v *bencode.Value) []byte {
	var buf []byte
	if len(salt) > 0 {
		buf = append(buf, []byte("4:salt")...)
		buf = append(buf, []byte(strconv.Itoa(len(salt))+":")...)
		buf = append(buf, salt...)
	}
	buf = append(buf, []byte("3:seqi")...)
	buf = append(buf, []byte(strconv.FormatInt(seq, 10))...)
	buf = append(buf, 'e')
	buf = append(buf, []byte("1:v")...)
	buf = append(buf, bencode.Encode(v)...)
	return buf
}

// PutStore holds every accepted immutable and mutable item, keyed by its
// 20-byte store key.
type PutStore struct {
	items  map[[20]byte]*PutItem
	signer Signer
	ttl    time.Duration
}

// NewPutStore creates a put store backed by the given Signer (spec.md §9's
// injected Ed25519 trait) with the given item expiry (spec.md default: 2h).
func NewPutStore(signer Signer, ttl time.Duration) *PutStore {
	return &PutStore{items: make(map[[20]byte]*PutItem), signer: signer, ttl: ttl}
}

// Get returns the item stored under key, or nil if absent or expired.
func (ps *PutStore) Get(key [20]byte, now time.Time) *PutItem {
	item, ok := ps.items[key]
	if !ok || !item.Expire.After(now) {
		return nil
	}
	return item
}

// PutImmutable validates and stores an immutable item, rejecting it per
// spec.md §4.8 if the claimed hash doesn't match SHA1(bencode(v)).
func (ps *PutStore) PutImmutable(claimedHash [20]byte, v *bencode.Value, now time.Time) error {
	if len(bencode.Encode(v)) > MaxValueLen {
		return ErrValueTooLarge
	}
	if ImmutableKey(v) != claimedHash {
		return ErrHashMismatch
	}
	ps.items[claimedHash] = &PutItem{Hash: claimedHash, V: v, Expire: now.Add(ps.ttl)}
	return nil
}

// PutMutableRequest carries the fields an incoming put query supplies for
// a mutable item, per spec.md §4.2/§6.
type PutMutableRequest struct {
	K    []byte
	Salt []byte
	Seq  int64
	Sig  []byte
	V    *bencode.Value
	Cas  *int64 // optional compare-and-swap expected seq
}

// PutMutable validates and stores (or idempotently re-accepts) a mutable
// item per spec.md §3/§4.8/§9:
//   - salt longer than 64 bytes, or bencode(v) longer than 1000 bytes, is
//     rejected outright;
//   - the signature must verify over SignatureInput(salt, seq, v);
//   - if cas is given, it must equal the stored seq (BEP 44 compare-and-swap);
//   - a lower seq than the one already stored is rejected (ErrStaleSeq);
//   - an equal seq with a different v is rejected (ErrStaleSeq, "CAS-like"
//     replacement policy in spec.md §3); an equal seq with the *same* v is
//     accepted idempotently, per the Open Question decision in spec.md §9
//     and DESIGN.md.
func (ps *PutStore) PutMutable(req PutMutableRequest, now time.Time) error {
	if len(req.Salt) > MaxSaltLen {
		return ErrSaltTooLong
	}
	if len(bencode.Encode(req.V)) > MaxValueLen {
		return ErrValueTooLarge
	}
	if !ps.signer.Verify(req.K, SignatureInput(req.Salt, req.Seq, req.V), req.Sig) {
		return ErrSignature
	}
	key := MutableKey(req.K, req.Salt)
	existing := ps.items[key]
	if existing != nil && existing.Expire.After(now) {
		if req.Cas != nil && *req.Cas != existing.Seq {
			return ErrCASMismatch
		}
		if req.Seq < existing.Seq {
			return ErrStaleSeq
		}
		if req.Seq == existing.Seq && !existing.V.Equal(req.V) {
			return ErrStaleSeq
		}
	}
	ps.items[key] = &PutItem{
		Hash: key, K: req.K, Salt: req.Salt, Seq: req.Seq, Sig: req.Sig,
		V: req.V, Expire: now.Add(ps.ttl),
	}
	return nil
}

// Sweep removes every item past its expiry, returning the count removed.
func (ps *PutStore) Sweep(now time.Time) int {
	removed := 0
	for k, item := range ps.items {
		if !item.Expire.After(now) {
			delete(ps.items, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored items.
func (ps *PutStore) Len() int { return len(ps.items) }

// Snapshot returns every stored item for persistence.
func (ps *PutStore) Snapshot() []*PutItem {
	out := make([]*PutItem, 0, len(ps.items))
	for _, item := range ps.items {
		out = append(out, item)
	}
	return out
}

// Restore replaces the store's contents with items loaded from a save file.
func (ps *PutStore) Restore(items []*PutItem) {
	ps.items = make(map[[20]byte]*PutItem, len(items))
	for _, item := range items {
		ps.items[item.Hash] = item
	}
}
