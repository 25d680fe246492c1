// Concrete store.Signer backed by golang.org/x/crypto/ed25519, the
// injected primitive spec.md §9 calls for ("the Ed25519 primitive is
// injected; the core never carries its own"). No in-pack example wires
// this dependency (see DESIGN.md), so usage follows the library's own
// documented API directly.
package main

import "golang.org/x/crypto/ed25519"

type ed25519Signer struct{}

func (ed25519Signer) Sign(secret, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(secret), msg)
}

func (ed25519Signer) Verify(pubkey, msg, sig []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), msg, sig)
}
