// Thin orchestration wrappers over Engine.Search/StartPut for BEP-44
// immutable/mutable get/put, mirroring dht_get_immutable/dht_get_mutable/
// dht_put_immutable/dht_put_mutable in original_source/include/dht/put.h.
// spec.md §1 places these procedures out of the core's scope boundary;
// they call only the engine's public Search/StartPut surface.
package dht

import (
	"github.com/dalistudio/libdht/bencode"
	"github.com/dalistudio/libdht/krpc"
	"github.com/dalistudio/libdht/store"
)

// GetImmutable starts a get lookup for hash = SHA1(bencode(v)).
func GetImmutable(e *Engine, hash krpc.ID, onComplete func(SearchResult)) SearchHandle {
	return e.Search(hash, SearchGet, onComplete)
}

// PutImmutable stores v under its content hash, returning both the search
// handle and the key the value will be reachable under.
func PutImmutable(e *Engine, v *bencode.Value, onComplete func(SearchResult)) (SearchHandle, krpc.ID) {
	key := krpc.ID(store.ImmutableKey(v))
	h := e.StartPut(key, &PutPayload{V: v}, onComplete)
	return h, key
}

// GetMutable starts a get lookup for the (pubkey, salt) mutable key.
func GetMutable(e *Engine, pubkey, salt []byte, onComplete func(SearchResult)) SearchHandle {
	key := krpc.ID(store.MutableKey(pubkey, salt))
	return e.Search(key, SearchGet, onComplete)
}

// MutablePreWrite is invoked with the best value and sequence number seen
// during PutMutable's lookup phase (zero values if nothing was found); it
// returns the value to store, or ok=false to abort the write entirely.
// The callback does not choose the sequence number: PutMutable stores the
// returned value at seenSeq+1 (or 1 if nothing was found). This is the
// "pre-write callback" spec.md §4.5 describes for put_mut: the caller
// decides what to write (or whether to write at all) only once it has
// seen what's already out there, matching put_mutable_callback in put.h.
type MutablePreWrite func(seen *bencode.Value, seenSeq int64, hasSeen bool) (v *bencode.Value, ok bool)

// PutMutable runs a get lookup for (pubkey, salt), invokes preWrite with
// the best value it found, and — unless preWrite aborts — signs and
// writes the returned value at seenSeq+1 (or 1 if nothing was found) to
// the closest responded nodes. secret is handed straight to the injected
// store.Signer (spec.md §9: "the Ed25519 primitive is injected").
func PutMutable(e *Engine, signer store.Signer, secret, pubkey, salt []byte, cas *int64, preWrite MutablePreWrite, onComplete func(SearchResult)) SearchHandle {
	key := krpc.ID(store.MutableKey(pubkey, salt))
	return e.Search(key, SearchGet, func(res SearchResult) {
		v, ok := preWrite(res.Value, res.ValueSeq, res.HasValue)
		if !ok {
			return
		}
		seq := res.ValueSeq + 1
		if !res.HasValue {
			seq = 1
		}
		sig := signer.Sign(secret, store.SignatureInput(salt, seq, v))
		payload := &PutPayload{V: v, K: pubkey, Salt: salt, Seq: seq, Sig: sig, Cas: cas}
		e.StartPut(key, payload, onComplete)
	})
}
