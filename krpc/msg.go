// Msg represents the single-dictionary message format every node in the
// network sends and receives, as specified by BEP 5 (KRPC). There are
// three message types: QUERY, RESPONSE and ERROR, distinguished by the "y"
// key. Every message carries a "t" transaction id, generated by the
// querying node and echoed back in the response so that replies can be
// correlated with the query that caused them, even across many in-flight
// queries to the same remote node.
//
// Adapted from yarikk-dht/krpc/msg.go's struct shape; generalized to carry
// BEP 44 get/put arguments (k, salt, seq, sig, cas, token) alongside the
// BEP 5 ping/find_node/get_peers/announce_peer fields spec.md §4.2 lists.
package krpc

import "github.com/dalistudio/libdht/bencode"

// Query method names recognized by this node (spec.md §4.2).
const (
	QPing         = "ping"
	QFindNode     = "find_node"
	QGetPeers     = "get_peers"
	QAnnouncePeer = "announce_peer"
	QGet          = "get"
	QPut          = "put"
)

// Message type discriminators (the "y" key).
const (
	YQuery    = "q"
	YResponse = "r"
	YError    = "e"
)

// KRPC error codes per BEP 5 / BEP 44.
const (
	ErrGeneric          = 201
	ErrServer           = 202
	ErrProtocol         = 203
	ErrMethodUnknown    = 204
	ErrBadToken         = 203
	ErrInvalidSignature = 206
	ErrSaltTooLong      = 207
	ErrCASMismatch      = 301
	ErrSeqLessThanCAS   = 302
)

// Want carries BEP 32 address-family hints on find_node/get_peers queries.
type Want string

const (
	WantNodes  Want = "n4"
	WantNodes6 Want = "n6"
)

// Msg is the top-level KRPC dictionary.
type Msg struct {
	T string `bencode:"t"`
	Y string `bencode:"y"`

	Q string   `bencode:"q,omitempty"`
	A *Args    `bencode:"a,omitempty"`
	R *Return  `bencode:"r,omitempty"`
	E *ErrData `bencode:"e,omitempty"`

	ReadOnly bool `bencode:"ro,omitempty"` // BEP 43: sender does not answer queries
}

// Args carries the named arguments of a query ("a" key).
type Args struct {
	ID       ID     `bencode:"id"`
	InfoHash ID     `bencode:"info_hash,omitempty"`
	Target   ID     `bencode:"target,omitempty"`
	Token    string `bencode:"token,omitempty"`

	Port        int  `bencode:"port,omitempty"`
	ImpliedPort bool `bencode:"implied_port,omitempty"`
	Want        []Want `bencode:"want,omitempty"`

	// BEP 44
	V        *bencode.Value `bencode:"v,omitempty"`
	K        []byte         `bencode:"k,omitempty"`    // 32-byte ed25519 pubkey
	Salt     []byte         `bencode:"salt,omitempty"` // <=64 bytes
	Seq      *int64         `bencode:"seq,omitempty"`
	Sig      []byte         `bencode:"sig,omitempty"` // 64-byte ed25519 signature
	Cas      *int64         `bencode:"cas,omitempty"`
}

// Return carries the response dictionary ("r" key). Every response carries
// the responder's own id; spec.md §4.2 requires discarding any message
// whose id is not exactly 20 bytes.
type Return struct {
	ID     ID     `bencode:"id"`
	Token  string `bencode:"token,omitempty"`
	Nodes  []byte `bencode:"nodes,omitempty"`  // compact node info, 26B each
	Nodes6 []byte `bencode:"nodes6,omitempty"` // compact IPv6 node info, 38B each
	Values []string `bencode:"values,omitempty"` // compact peer info, 6B each

	// BEP 44
	V    *bencode.Value `bencode:"v,omitempty"`
	K    []byte         `bencode:"k,omitempty"`
	Salt []byte         `bencode:"salt,omitempty"`
	Seq  *int64         `bencode:"seq,omitempty"`
	Sig  []byte         `bencode:"sig,omitempty"`
}

// ErrData carries the [code, message] pair of an error response ("e" key).
type ErrData struct {
	Code int
	Msg  string
}

func (e *ErrData) toValue() *bencode.Value {
	l := bencode.NewList()
	l.Append(bencode.NewInt(int64(e.Code)))
	l.Append(bencode.NewString([]byte(e.Msg)))
	return l
}

func errDataFromValue(v *bencode.Value) (*ErrData, bool) {
	if v == nil || v.Kind != bencode.List || len(v.List) != 2 {
		return nil, false
	}
	if v.List[0].Kind != bencode.Integer || v.List[1].Kind != bencode.String {
		return nil, false
	}
	return &ErrData{Code: int(v.List[0].Int), Msg: string(v.List[1].Str)}, true
}

// Encode serializes the message to its bencoded wire form.
func (m *Msg) Encode() ([]byte, error) {
	d := bencode.NewDict()
	d.Set("t", bencode.NewString([]byte(m.T)))
	d.Set("y", bencode.NewString([]byte(m.Y)))
	if m.Q != "" {
		d.Set("q", bencode.NewString([]byte(m.Q)))
	}
	if m.ReadOnly {
		d.Set("ro", bencode.NewInt(1))
	}
	if m.A != nil {
		av, err := bencode.Marshal(m.A)
		if err != nil {
			return nil, err
		}
		v, err := bencode.Decode(av)
		if err != nil {
			return nil, err
		}
		d.Set("a", v)
	}
	if m.R != nil {
		rv, err := bencode.Marshal(m.R)
		if err != nil {
			return nil, err
		}
		v, err := bencode.Decode(rv)
		if err != nil {
			return nil, err
		}
		d.Set("r", v)
	}
	if m.E != nil {
		d.Set("e", m.E.toValue())
	}
	return bencode.Encode(d), nil
}

// Decode parses a KRPC message from the wire. Per spec.md §4.2, any message
// missing "t"/"y" is considered malformed by the caller (Decode itself only
// validates internal consistency of whichever sections are present).
func Decode(buf []byte) (*Msg, error) {
	v, err := bencode.Decode(buf)
	if err != nil {
		return nil, err
	}
	return FromValue(v)
}

// FromValue converts an already-decoded bencode dictionary into a Msg.
func FromValue(v *bencode.Value) (*Msg, error) {
	if v.Kind != bencode.Dict {
		return nil, errNotAMessage
	}
	m := &Msg{}
	if t, ok := v.GetString("t"); ok {
		m.T = string(t)
	}
	if y, ok := v.GetString("y"); ok {
		m.Y = string(y)
	}
	if q, ok := v.GetString("q"); ok {
		m.Q = string(q)
	}
	if ro, ok := v.GetInt("ro"); ok {
		m.ReadOnly = ro != 0
	}
	if a := v.Get("a"); a != nil {
		m.A = &Args{}
		if err := bencode.UnmarshalValue(a, m.A); err != nil {
			return nil, err
		}
	}
	if r := v.Get("r"); r != nil {
		m.R = &Return{}
		if err := bencode.UnmarshalValue(r, m.R); err != nil {
			return nil, err
		}
	}
	if e := v.Get("e"); e != nil {
		ed, ok := errDataFromValue(e)
		if !ok {
			return nil, errMalformedError
		}
		m.E = ed
	}
	return m, nil
}
