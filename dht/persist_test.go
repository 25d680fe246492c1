package dht

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/dalistudio/libdht/bencode"
	"github.com/dalistudio/libdht/krpc"
	"github.com/dalistudio/libdht/store"
)

type fakeSigner struct{}

func (fakeSigner) Sign(secret, msg []byte) []byte { return ed25519.Sign(secret, msg) }
func (fakeSigner) Verify(pubkey, msg, sig []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, msg, sig)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	clock := NewSimClock(time.Unix(0, 0))
	return NewEngine(krpc.RandomID(), conn, clock, DefaultConfig(), fakeSigner{})
}

// TestSaveLoadRoundTrip exercises dht/persist.go against an in-memory
// filesystem the way node/config_test.go exercises the teacher's config
// writer, covering the routing table, peer store and put store together.
func TestSaveLoadRoundTrip(t *testing.T) {
	src := newTestEngine(t)

	peerAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 6881}
	src.ObserveNode(krpc.RandomID(), peerAddr)

	infoHash := krpc.RandomID()
	src.Peers().Announce([20]byte(infoHash), peerAddr, src.clock.Now())

	v := bencode.NewString([]byte("hello"))
	hash := store.ImmutableKey(v)
	require.NoError(t, src.Puts().PutImmutable(hash, v, src.clock.Now()))

	var buf bytes.Buffer
	require.NoError(t, src.Save(&buf))

	dst := newTestEngine(t)
	require.NoError(t, dst.Load(bytes.NewReader(buf.Bytes())))

	assert.Equal(t, 1, dst.Table().Len())
	assert.Equal(t, 1, dst.Peers().Len())
	require.Equal(t, 1, dst.Puts().Len())

	got := dst.Puts().Get(hash, dst.clock.Now())
	require.NotNil(t, got)
	assert.Equal(t, "hello", string(got.V.Str))
}

// TestLoadRejectsVersionMismatch covers spec.md §6's "discard and start
// fresh" rule for a save file written by an incompatible version.
func TestLoadRejectsVersionMismatch(t *testing.T) {
	sn := savedNode{Version: SaveFileVersion + 1, ID: krpc.RandomID()}
	buf, err := bencode.Marshal(sn)
	require.NoError(t, err)

	e := newTestEngine(t)
	err = e.Load(bytes.NewReader(buf))
	assert.Equal(t, ErrSaveVersionMismatch, err)
}

// TestSaveToFileAtomic covers the temp-file-then-rename save path against
// afero's in-memory filesystem, and PeekOwnID/LoadFromFile reading it back.
func TestSaveToFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := newTestEngine(t)
	src.SetFilesystem(fs)

	const path = "dht.save"
	require.NoError(t, SaveToFile(fs, path, src))

	id, ok := PeekOwnID(fs, path)
	require.True(t, ok)
	assert.Equal(t, src.Self(), id)

	dst := newTestEngine(t)
	require.NoError(t, LoadFromFile(fs, path, dst))
}

// TestLoadFromFileMissingIsNotAnError covers the first-run case: no save
// file yet, so LoadFromFile must leave the engine untouched and return nil.
func TestLoadFromFileMissingIsNotAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := newTestEngine(t)
	assert.NoError(t, LoadFromFile(fs, "does-not-exist.save", e))
}
