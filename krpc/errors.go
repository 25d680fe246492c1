package krpc

import "errors"

var (
	errNotAMessage    = errors.New("krpc: not a dictionary")
	errMalformedError = errors.New("krpc: malformed error list")

	// ErrMalformed is returned by Validate for any message that spec.md
	// §4.2 says must be "discarded silently": missing t/y, or an id that
	// isn't exactly 20 bytes.
	ErrMalformed = errors.New("krpc: malformed message")
)

// Validate checks the structural invariants spec.md §4.2 requires of every
// inbound message before it is allowed to touch routing-table or
// transaction-table state: it must carry both t and y, and the id found in
// whichever of a/r is present must be exactly IDLen bytes (which the Go
// type system already guarantees once unmarshaled into an ID array, so
// this mostly rejects messages with neither section present at all).
func (m *Msg) Validate() error {
	if m.T == "" || m.Y == "" {
		return ErrMalformed
	}
	switch m.Y {
	case YQuery:
		if m.Q == "" || m.A == nil {
			return ErrMalformed
		}
	case YResponse:
		if m.R == nil {
			return ErrMalformed
		}
	case YError:
		if m.E == nil {
			return ErrMalformed
		}
	default:
		return ErrMalformed
	}
	return nil
}

// SenderID returns the id carried by whichever section (query args or
// response) is present, for routing-table observation.
func (m *Msg) SenderID() (ID, bool) {
	switch {
	case m.A != nil:
		return m.A.ID, true
	case m.R != nil:
		return m.R.ID, true
	default:
		return ID{}, false
	}
}
