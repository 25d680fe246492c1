package krpc

import (
	"encoding/binary"
	"fmt"
	"net"
)

// CompactNodeLen is the size in bytes of one compact node-info entry
// (20-byte id + 4-byte IPv4 address + 2-byte port, all big-endian), per
// spec.md §4.2 and §6.
const CompactNodeLen = 26

// CompactNode6Len is the IPv6 variant's size (20 + 16 + 2), accepted on
// decode but never emitted (SPEC_FULL.md §13: this node is IPv4-only).
const CompactNode6Len = 38

// CompactPeerLen is the size of one compact peer-info entry (4-byte IPv4 +
// 2-byte port).
const CompactPeerLen = 6

// CompactPeer6Len is the IPv6 variant (16 + 2).
const CompactPeer6Len = 18

// NodeInfo pairs an id with its UDP address, the unit the routing table and
// find_node/get_peers responses exchange.
type NodeInfo struct {
	ID   ID
	Addr *net.UDPAddr
}

// EncodeCompactNode appends the 26-byte compact form of n to buf. Only
// IPv4 addresses are supported; an IPv6 address is silently skipped by
// EncodeCompactNodes (SPEC_FULL.md §13), matching this node's single-stack
// scope.
func EncodeCompactNode(buf []byte, n NodeInfo) []byte {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return buf
	}
	buf = append(buf, n.ID[:]...)
	buf = append(buf, ip4...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(n.Addr.Port))
	return append(buf, port[:]...)
}

// EncodeCompactNodes encodes a slice of nodes into the concatenated
// compact form used in the "nodes" response field.
func EncodeCompactNodes(nodes []NodeInfo) []byte {
	buf := make([]byte, 0, len(nodes)*CompactNodeLen)
	for _, n := range nodes {
		buf = EncodeCompactNode(buf, n)
	}
	return buf
}

// DecodeCompactNodes parses the concatenated 26-byte entries of a "nodes"
// field. A buffer whose length isn't a multiple of CompactNodeLen is
// rejected as a ProtocolError-class failure by the caller.
func DecodeCompactNodes(buf []byte) ([]NodeInfo, error) {
	if len(buf)%CompactNodeLen != 0 {
		return nil, fmt.Errorf("krpc: compact node list length %d not a multiple of %d", len(buf), CompactNodeLen)
	}
	out := make([]NodeInfo, 0, len(buf)/CompactNodeLen)
	for i := 0; i+CompactNodeLen <= len(buf); i += CompactNodeLen {
		var id ID
		copy(id[:], buf[i:i+IDLen])
		ip := make(net.IP, 4)
		copy(ip, buf[i+IDLen:i+IDLen+4])
		port := binary.BigEndian.Uint16(buf[i+IDLen+4 : i+CompactNodeLen])
		out = append(out, NodeInfo{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}})
	}
	return out, nil
}

// DecodeCompactNodes6 parses the IPv6 "nodes6" field. Accepted for
// compatibility with real-world traffic (SPEC_FULL.md §13) but its results
// are never inserted into the (IPv4-keyed) routing table.
func DecodeCompactNodes6(buf []byte) ([]NodeInfo, error) {
	if len(buf)%CompactNode6Len != 0 {
		return nil, fmt.Errorf("krpc: compact node6 list length %d not a multiple of %d", len(buf), CompactNode6Len)
	}
	out := make([]NodeInfo, 0, len(buf)/CompactNode6Len)
	for i := 0; i+CompactNode6Len <= len(buf); i += CompactNode6Len {
		var id ID
		copy(id[:], buf[i:i+IDLen])
		ip := make(net.IP, 16)
		copy(ip, buf[i+IDLen:i+IDLen+16])
		port := binary.BigEndian.Uint16(buf[i+IDLen+16 : i+CompactNode6Len])
		out = append(out, NodeInfo{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}})
	}
	return out, nil
}

// EncodeCompactPeer renders addr as the 6-byte compact peer form.
func EncodeCompactPeer(addr *net.UDPAddr) (string, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("krpc: peer address %v is not IPv4", addr)
	}
	buf := make([]byte, CompactPeerLen)
	copy(buf, ip4)
	binary.BigEndian.PutUint16(buf[4:], uint16(addr.Port))
	return string(buf), nil
}

// DecodeCompactPeer parses one 6-byte compact peer entry.
func DecodeCompactPeer(s string) (*net.UDPAddr, error) {
	if len(s) != CompactPeerLen {
		return nil, fmt.Errorf("krpc: compact peer length %d != %d", len(s), CompactPeerLen)
	}
	ip := make(net.IP, 4)
	copy(ip, s[:4])
	port := binary.BigEndian.Uint16([]byte(s[4:6]))
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
