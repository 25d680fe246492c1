package krpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalistudio/libdht/bencode"
)

func TestCompactPeerS3(t *testing.T) {
	// spec.md S3: 198.51.100.7:51413 => 0xC6 0x33 0x64 0x07 0xC8 0xD5
	addr := &net.UDPAddr{IP: net.ParseIP("198.51.100.7").To4(), Port: 51413}
	s, err := EncodeCompactPeer(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC6, 0x33, 0x64, 0x07, 0xC8, 0xD5}, []byte(s))

	back, err := DecodeCompactPeer(s)
	require.NoError(t, err)
	assert.Equal(t, addr.IP.String(), back.IP.String())
	assert.Equal(t, addr.Port, back.Port)
}

func TestCompactNodeRoundTrip(t *testing.T) {
	id := RandomID()
	n := NodeInfo{ID: id, Addr: &net.UDPAddr{IP: net.ParseIP("10.1.2.3").To4(), Port: 6881}}
	buf := EncodeCompactNode(nil, n)
	require.Len(t, buf, CompactNodeLen)

	back, err := DecodeCompactNodes(buf)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, id, back[0].ID)
	assert.Equal(t, n.Addr.IP.String(), back[0].Addr.IP.String())
	assert.Equal(t, n.Addr.Port, back[0].Addr.Port)
}

func TestCompactNodesRejectsBadLength(t *testing.T) {
	_, err := DecodeCompactNodes(make([]byte, CompactNodeLen+1))
	assert.Error(t, err)
}

func TestMsgEncodeDecodeQuery(t *testing.T) {
	id := RandomID()
	target := RandomID()
	m := &Msg{
		T: "aa",
		Y: YQuery,
		Q: QFindNode,
		A: &Args{ID: id, Target: target},
	}
	buf, err := m.Encode()
	require.NoError(t, err)

	back, err := Decode(buf)
	require.NoError(t, err)
	require.NoError(t, back.Validate())
	assert.Equal(t, m.T, back.T)
	assert.Equal(t, m.Q, back.Q)
	assert.Equal(t, id, back.A.ID)
	assert.Equal(t, target, back.A.Target)
}

func TestMsgEncodeDecodeError(t *testing.T) {
	m := &Msg{T: "bb", Y: YError, E: &ErrData{Code: ErrInvalidSignature, Msg: "Bad Signature"}}
	buf, err := m.Encode()
	require.NoError(t, err)
	back, err := Decode(buf)
	require.NoError(t, err)
	require.NoError(t, back.Validate())
	assert.Equal(t, ErrInvalidSignature, back.E.Code)
	assert.Equal(t, "Bad Signature", back.E.Msg)
}

// TestArgsValuePassthrough guards against Args.V/Return.V being reflected
// over as a generic struct (exposing Kind/Int/Str/List/Keys/Vals) instead
// of being encoded as the bencode value it wraps — a BEP 44 "v" payload
// that isn't a bare string, so the bug wouldn't show up with a string V.
func TestArgsValuePassthrough(t *testing.T) {
	v := bencode.NewDict()
	v.Set("a", bencode.NewInt(1))
	v.Set("b", bencode.NewString([]byte("hello")))

	m := &Msg{
		T: "cc",
		Y: YQuery,
		Q: QPut,
		A: &Args{ID: RandomID(), V: v},
	}
	buf, err := m.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(buf), "1:vd1:ai1e1:b5:helloee")

	back, err := Decode(buf)
	require.NoError(t, err)
	require.NotNil(t, back.A.V)
	assert.Equal(t, bencode.Dict, back.A.V.Kind)
	require.Len(t, back.A.V.Vals, 2)
	assert.Equal(t, int64(1), back.A.V.Vals[0].Int)
	assert.Equal(t, []byte("hello"), back.A.V.Vals[1].Str)
}

func TestValidateRejectsMissingIdentity(t *testing.T) {
	m := &Msg{Y: YQuery, Q: QPing, A: &Args{}}
	// t missing entirely
	assert.Error(t, m.Validate())
}
