// Package krpc implements the KRPC message format used by the Mainline
// BitTorrent DHT (BEP 5, BEP 44): bencoded query/response/error dictionaries,
// plus the compact binary encodings for node and peer contact info.
package krpc

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDLen is the length, in bytes, of a DHT node identifier or infohash (160
// bits, matching the SHA-1 output size the protocol is built around).
const IDLen = 20

// ID is a 160-bit opaque node identifier or infohash.
type ID [IDLen]byte

// RandomID returns a cryptographically random identifier, used by a node to
// pick its own id at first startup and by the search engine to pick refresh
// targets.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(err) // crypto/rand failing is not a recoverable condition
	}
	return id
}

// IDFromHex parses a hex string into an ID, for tests and CLI flags.
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDLen {
		return id, fmt.Errorf("krpc: id must be %d bytes, got %d", IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Bytes returns id as a freshly allocated byte slice, convenient for
// handing to bencode.NewString without aliasing the array.
func (id ID) Bytes() []byte {
	b := make([]byte, IDLen)
	copy(b, id[:])
	return b
}

// Distance returns the XOR distance between two ids, interpreted as a
// big-endian 160-bit integer per spec.md §3.
func Distance(a, b ID) ID {
	var d ID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a sorts before b when both are interpreted as
// big-endian unsigned integers (used directly for XOR-distance ordering).
func (a ID) Less(b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Cmp compares two ids as big-endian unsigned integers.
func (a ID) Cmp(b ID) int {
	return bytes.Compare(a[:], b[:])
}
