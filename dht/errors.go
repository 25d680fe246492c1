package dht

import "errors"

// Error kinds per spec.md §7. Bencode and protocol errors are produced
// lower in the stack (package bencode, and krpc.ErrMalformed) and are not
// redefined here; the errors below are native to the engine.
var (
	// ErrQueryTimeout: a transaction exceeded its deadline. Surfaced to the
	// search that owns it, which marks the entry failed and continues.
	ErrQueryTimeout = errors.New("dht: query timeout")

	// ErrSearchExhausted: the lookup converged with no results (e.g. no
	// peers for infohash, no value for get).
	ErrSearchExhausted = errors.New("dht: search exhausted with no results")

	// ErrSignature: a mutable put failed Ed25519 verification.
	ErrSignature = errors.New("dht: bad signature")

	// ErrHashMismatch: an immutable put's value did not hash to the
	// claimed key.
	ErrHashMismatch = errors.New("dht: hash mismatch")

	// ErrCancelled: the operation was aborted by the user.
	ErrCancelled = errors.New("dht: cancelled")

	// ErrSaltTooLong: a mutable put's salt exceeded 64 bytes.
	ErrSaltTooLong = errors.New("dht: salt too long")

	// ErrValueTooLarge: a mutable put's bencoded value exceeded 1000 bytes.
	ErrValueTooLarge = errors.New("dht: value too large")

	// ErrStaleSeq: a mutable put's seq was lower than the stored seq.
	ErrStaleSeq = errors.New("dht: sequence number is stale")

	// ErrCASMismatch: a mutable put's cas argument didn't match the
	// stored seq.
	ErrCASMismatch = errors.New("dht: cas mismatch")

	// ErrBadToken: announce_peer/put presented a token that doesn't match
	// the current or previous rotation.
	ErrBadToken = errors.New("dht: bad token")

	// ErrClosed: the operation was attempted on a node that has shut down.
	ErrClosed = errors.New("dht: node closed")
)
