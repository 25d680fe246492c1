package dht

import (
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"sync"
	"time"
)

// TokenIssuer mints and verifies the short-lived write tokens spec.md §4.6
// requires for announce_peer and put. A token for querier address A is
// HMAC(secret, A); the secret rotates every TokenRotationInterval and the
// previous generation is retained so tokens issued just before a rotation
// remain valid for a little while longer, as spec.md's property 7 requires
// (accepted at t0+4min, rejected at t0+11min against a 5-minute rotation).
type TokenIssuer struct {
	mu       sync.Mutex
	current  []byte
	previous []byte
	rotated  time.Time
	interval time.Duration
	randSrc  func([]byte) (int, error)
}

// NewTokenIssuer creates an issuer with a freshly generated secret.
func NewTokenIssuer(now time.Time, interval time.Duration, randSrc func([]byte) (int, error)) *TokenIssuer {
	ti := &TokenIssuer{interval: interval, randSrc: randSrc, rotated: now}
	ti.current = ti.newSecret()
	return ti
}

func (ti *TokenIssuer) newSecret() []byte {
	b := make([]byte, 32)
	ti.randSrc(b)
	return b
}

// MaybeRotate rotates the secret if the rotation interval has elapsed. The
// event loop calls this on its periodic tick.
func (ti *TokenIssuer) MaybeRotate(now time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if now.Sub(ti.rotated) < ti.interval {
		return
	}
	ti.previous = ti.current
	ti.current = ti.newSecret()
	ti.rotated = now
}

func tokenFor(secret []byte, addr *net.UDPAddr) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(addr.IP)
	var port [2]byte
	port[0] = byte(addr.Port >> 8)
	port[1] = byte(addr.Port)
	mac.Write(port[:])
	return string(mac.Sum(nil))
}

// Issue returns the current token for addr.
func (ti *TokenIssuer) Issue(addr *net.UDPAddr) string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return tokenFor(ti.current, addr)
}

// Verify reports whether token was issued to addr under the current or
// previous secret generation.
func (ti *TokenIssuer) Verify(addr *net.UDPAddr, token string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if token == "" {
		return false
	}
	if hmac.Equal([]byte(token), []byte(tokenFor(ti.current, addr))) {
		return true
	}
	if ti.previous != nil && hmac.Equal([]byte(token), []byte(tokenFor(ti.previous, addr))) {
		return true
	}
	return false
}
