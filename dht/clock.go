package dht

import "time"

// Clock abstracts the passage of time so the engine's timeout and expiry
// logic can be driven deterministically in tests (spec.md §9: "abstract as
// a monotonic clock trait to allow deterministic simulation in tests").
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the production Clock, backed by the OS monotonic clock via
// the time package (time.Now() carries a monotonic reading on every
// platform this project targets).
type SystemClock struct{}

func (SystemClock) Now() time.Time                       { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
