// Package bencode implements the bencoding serialization format used by
// the BitTorrent protocol family: signed integers, byte strings, lists
// and dictionaries with keys in strict lexicographic order.
package bencode

import (
	"errors"
	"fmt"
)

// Kind identifies which of the four bencode value types a Value holds.
type Kind int

const (
	Integer Kind = iota
	String
	List
	Dict
)

// MaxDepth bounds container nesting during decode, guarding against
// stack-exhausting malicious input.
const MaxDepth = 100

// BencodeError is returned for any malformed input encountered by Decode.
// It is always local to the decoder and never fatal to a running node.
type BencodeError struct {
	Msg string
	Pos int
}

func (e *BencodeError) Error() string {
	return fmt.Sprintf("bencode: %s (at byte %d)", e.Msg, e.Pos)
}

func newError(pos int, format string, args ...interface{}) *BencodeError {
	return &BencodeError{Msg: fmt.Sprintf(format, args...), Pos: pos}
}

var errTrailingGarbage = errors.New("bencode: trailing garbage after top-level value")

// Value is a tagged union over the four bencode value kinds. Dictionaries
// are stored as parallel ordered arrays (Keys/Vals) rather than a Go map so
// that canonical iteration order is explicit and doesn't depend on map
// iteration, which Go deliberately randomizes.
type Value struct {
	Kind Kind

	Int  int64
	Str  []byte
	List []*Value

	Keys [][]byte
	Vals []*Value
}

// NewInt builds an integer value.
func NewInt(i int64) *Value { return &Value{Kind: Integer, Int: i} }

// NewString builds a byte-string value. The input is not copied.
func NewString(s []byte) *Value { return &Value{Kind: String, Str: s} }

// NewList builds an empty list value.
func NewList() *Value { return &Value{Kind: List} }

// NewDict builds an empty dictionary value.
func NewDict() *Value { return &Value{Kind: Dict} }

// Append adds val to the end of a List value. It panics if called on a
// value of any other kind, mirroring the precondition in bvalue_list_append.
func (v *Value) Append(val *Value) {
	if v.Kind != List {
		panic("bencode: Append on non-list value")
	}
	v.List = append(v.List, val)
}

// Set assigns val to key in a Dict value, keeping Keys sorted. If key is
// already present, the previous value is replaced in place.
func (v *Value) Set(key string, val *Value) {
	if v.Kind != Dict {
		panic("bencode: Set on non-dict value")
	}
	k := []byte(key)
	for i, existing := range v.Keys {
		switch {
		case string(existing) == key:
			v.Vals[i] = val
			return
		case string(existing) > key:
			v.Keys = append(v.Keys, nil)
			copy(v.Keys[i+1:], v.Keys[i:])
			v.Keys[i] = k
			v.Vals = append(v.Vals, nil)
			copy(v.Vals[i+1:], v.Vals[i:])
			v.Vals[i] = val
			return
		}
	}
	v.Keys = append(v.Keys, k)
	v.Vals = append(v.Vals, val)
}

// Get looks up key in a Dict value, returning nil if absent.
func (v *Value) Get(key string) *Value {
	if v.Kind != Dict {
		return nil
	}
	for i, k := range v.Keys {
		if string(k) == key {
			return v.Vals[i]
		}
	}
	return nil
}

// GetString is a convenience accessor returning the raw bytes of a string
// value stored at key, and whether it was present and of the right kind.
func (v *Value) GetString(key string) ([]byte, bool) {
	val := v.Get(key)
	if val == nil || val.Kind != String {
		return nil, false
	}
	return val.Str, true
}

// GetInt is the integer analog of GetString.
func (v *Value) GetInt(key string) (int64, bool) {
	val := v.Get(key)
	if val == nil || val.Kind != Integer {
		return 0, false
	}
	return val.Int, true
}

// Equal reports deep structural equality between two values.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case Integer:
		return v.Int == o.Int
	case String:
		return string(v.Str) == string(o.Str)
	case List:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case Dict:
		if len(v.Keys) != len(o.Keys) {
			return false
		}
		for i := range v.Keys {
			if string(v.Keys[i]) != string(o.Keys[i]) || !v.Vals[i].Equal(o.Vals[i]) {
				return false
			}
		}
		return true
	}
	return false
}
