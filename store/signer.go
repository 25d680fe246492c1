package store

// Signer is the Ed25519 primitive injected into the put store, per
// spec.md §9: "the Ed25519 primitive is injected; the core never carries
// its own." cmd/dhtnode wires a concrete implementation backed by
// golang.org/x/crypto/ed25519; tests do the same.
type Signer interface {
	Sign(secret, msg []byte) []byte
	Verify(pubkey, msg, sig []byte) bool
}
