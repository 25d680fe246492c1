package store

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ed25519"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalistudio/libdht/bencode"
)

type ed25519Signer struct{}

func (ed25519Signer) Sign(secret, msg []byte) []byte { return ed25519.Sign(secret, msg) }
func (ed25519Signer) Verify(pubkey, msg, sig []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, msg, sig)
}

// S4 from spec.md §8.
func TestPutImmutableS4(t *testing.T) {
	v := bencode.NewString([]byte("Hello World!"))
	encoded := bencode.Encode(v)
	require.Equal(t, "12:Hello World!", string(encoded))

	hash := sha1.Sum(encoded)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	now := time.Unix(0, 0)
	require.NoError(t, ps.PutImmutable(hash, v, now))

	got := ps.Get(hash, now)
	require.NotNil(t, got)
	assert.Equal(t, "Hello World!", string(got.V.Str))
}

func TestPutImmutableRejectsHashMismatch(t *testing.T) {
	v := bencode.NewString([]byte("Hello World!"))
	var wrongHash [20]byte
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	err := ps.PutImmutable(wrongHash, v, time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrHashMismatch)
}

// S5 from spec.md §8.
func TestPutMutableSeqBumpS5(t *testing.T) {
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	now := time.Unix(0, 0)

	v1 := bencode.NewString([]byte("hello"))
	sig1 := ed25519.Sign(sec, SignatureInput(nil, 1, v1))
	require.NoError(t, ps.PutMutable(PutMutableRequest{K: pub, Seq: 1, Sig: sig1, V: v1}, now))

	// Second put: same seq, different value -> rejected.
	v1b := bencode.NewString([]byte("world"))
	sig1b := ed25519.Sign(sec, SignatureInput(nil, 1, v1b))
	err = ps.PutMutable(PutMutableRequest{K: pub, Seq: 1, Sig: sig1b, V: v1b}, now)
	assert.ErrorIs(t, err, ErrStaleSeq)

	// Third put: seq 2, valid signature -> accepted and visible to get.
	v2 := bencode.NewString([]byte("goodbye"))
	sig2 := ed25519.Sign(sec, SignatureInput(nil, 2, v2))
	require.NoError(t, ps.PutMutable(PutMutableRequest{K: pub, Seq: 2, Sig: sig2, V: v2}, now))

	key := MutableKey(pub, nil)
	got := ps.Get(key, now)
	require.NotNil(t, got)
	assert.Equal(t, "goodbye", string(got.V.Str))
	assert.EqualValues(t, 2, got.Seq)
}

func TestPutMutableEqualSeqSameValueIsIdempotent(t *testing.T) {
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	now := time.Unix(0, 0)

	v := bencode.NewString([]byte("same"))
	sig := ed25519.Sign(sec, SignatureInput(nil, 5, v))
	require.NoError(t, ps.PutMutable(PutMutableRequest{K: pub, Seq: 5, Sig: sig, V: v}, now))
	require.NoError(t, ps.PutMutable(PutMutableRequest{K: pub, Seq: 5, Sig: sig, V: v}, now), "equal seq + identical value is idempotent-accept per spec Open Question")
}

func TestPutMutableRejectsLowerSeq(t *testing.T) {
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	now := time.Unix(0, 0)

	v2 := bencode.NewString([]byte("v2"))
	sig2 := ed25519.Sign(sec, SignatureInput(nil, 2, v2))
	require.NoError(t, ps.PutMutable(PutMutableRequest{K: pub, Seq: 2, Sig: sig2, V: v2}, now))

	v1 := bencode.NewString([]byte("v1"))
	sig1 := ed25519.Sign(sec, SignatureInput(nil, 1, v1))
	err = ps.PutMutable(PutMutableRequest{K: pub, Seq: 1, Sig: sig1, V: v1}, now)
	assert.ErrorIs(t, err, ErrStaleSeq)
}

func TestPutMutableRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	v := bencode.NewString([]byte("x"))
	err = ps.PutMutable(PutMutableRequest{K: pub, Seq: 1, Sig: make([]byte, 64), V: v}, time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrSignature)
}

// Bencode size cap, spec.md §8 property 9.
func TestPutMutableRejectsOversizedValue(t *testing.T) {
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	big := make([]byte, MaxValueLen+1)
	v := bencode.NewString(big)
	sig := ed25519.Sign(sec, SignatureInput(nil, 1, v))
	err = ps.PutMutable(PutMutableRequest{K: pub, Seq: 1, Sig: sig, V: v}, time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestPutMutableRejectsSaltTooLong(t *testing.T) {
	pub, sec, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ps := NewPutStore(ed25519Signer{}, 2*time.Hour)
	salt := make([]byte, MaxSaltLen+1)
	v := bencode.NewString([]byte("x"))
	sig := ed25519.Sign(sec, SignatureInput(salt, 1, v))
	err = ps.PutMutable(PutMutableRequest{K: pub, Salt: salt, Seq: 1, Sig: sig, V: v}, time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrSaltTooLong)
}

// S6 from spec.md §8.
func TestPeerExpiryS6(t *testing.T) {
	ps := NewPeerStore(2 * time.Hour)
	start := time.Unix(0, 0)
	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 6881}
	var hash [20]byte
	ps.Announce(hash, addr, start)

	almostExpired := start.Add(2*time.Hour - time.Second)
	got := ps.Get(hash, 50, almostExpired)
	require.Len(t, got, 1)

	afterExpiry := start.Add(2*time.Hour + time.Second)
	got = ps.Get(hash, 50, afterExpiry)
	require.Len(t, got, 0)

	removed := ps.Sweep(afterExpiry)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, ps.Len())
}
