// Package distip provides the IP-diversity bookkeeping a routing table
// bucket needs to cap how many entries it accepts from the same subnet
// (spec.md §1's "standard Kademlia hygiene"), plus the LAN/WAN
// classification dht/routing.go uses to exempt LAN and loopback addresses
// from those subnet limits. Adapted from the teacher's
// p2p/distip/net.go: its IPv4/IPv6 special-use registries and
// CheckRelayIP (aimed at devp2p's node-discovery relay trust model, where
// one peer vouches for another's reachability) have no counterpart in a
// DHT node, which never relays on another contact's behalf, and are
// dropped; DistinctNetSet and IsLAN are kept as the subnet-limiting and
// LAN-detection primitives dht/routing.go's buckets actually call.
package distip

import (
	"bytes"
	"fmt"
	"net"
	"sort"
)

var lan4, lan6 Netlist

// Netlist is a list of IP networks.
type Netlist []net.IPNet

func init() {
	// Lists from RFC 5735, RFC 5156.
	lan4.Add("0.0.0.0/8")      // "This" network
	lan4.Add("10.0.0.0/8")     // Private Use
	lan4.Add("172.16.0.0/12")  // Private Use
	lan4.Add("192.168.0.0/16") // Private Use
	lan6.Add("fe80::/10")      // Link-Local
	lan6.Add("fc00::/7")       // Unique-Local
}

// Add parses a CIDR mask and appends it to the list. It panics for invalid masks and is
// intended to be used for setting up static lists.
func (l *Netlist) Add(cidr string) {
	_, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	*l = append(*l, *n)
}

// Contains reports whether the given IP is contained in the list.
func (l *Netlist) Contains(ip net.IP) bool {
	if l == nil {
		return false
	}
	for _, net := range *l {
		if net.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLAN reports whether an IP is a local network address (loopback, or in
// one of the lan4/lan6 ranges listed in init). dht/routing.go exempts such
// addresses from its subnet limits.
func IsLAN(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		return lan4.Contains(v4)
	}
	return lan6.Contains(ip)
}

// DistinctNetSet tracks IPs, ensuring that at most N of them
// fall into the same network range. dht/routing.go uses one per bucket
// and one for the whole table, so a single subnet can't flood either.
type DistinctNetSet struct {
	Subnet uint // number of common prefix bits
	Limit  uint // maximum number of IPs in each subnet

	members map[string]uint
	buf     net.IP
}

// Add adds an IP address to the set. It returns false (and doesn't add the IP) if the
// defined range already holds Limit IPs.
func (s *DistinctNetSet) Add(ip net.IP) bool {
	key := string(s.key(ip))
	n := s.members[key]
	if n < s.Limit {
		s.members[key] = n + 1
		return true
	}
	return false
}

// Remove removes an IP from the set.
func (s *DistinctNetSet) Remove(ip net.IP) {
	key := string(s.key(ip))
	if n, ok := s.members[key]; ok {
		if n == 1 {
			delete(s.members, key)
		} else {
			s.members[key] = n - 1
		}
	}
}

// Contains whether the given IP is contained in the set.
func (s DistinctNetSet) Contains(ip net.IP) bool {
	key := string(s.key(ip))
	_, ok := s.members[key]
	return ok
}

// Len returns the number of tracked IPs.
func (s DistinctNetSet) Len() uint {
	n := uint(0)
	for _, i := range s.members {
		n += i
	}
	return n
}

// key encodes the map key for an address into a temporary buffer.
//
// The first byte of key is '4' or '6' to distinguish IPv4/IPv6 address types.
// The remainder of the key is the IP, truncated to the number of bits.
func (s *DistinctNetSet) key(ip net.IP) net.IP {
	// Lazily initialize storage.
	if s.members == nil {
		s.members = make(map[string]uint)
		s.buf = make(net.IP, 17)
	}
	// Canonicalize ip and bits.
	typ := byte('6')
	if ip4 := ip.To4(); ip4 != nil {
		typ, ip = '4', ip4
	}
	bits := s.Subnet
	if bits > uint(len(ip)*8) {
		bits = uint(len(ip) * 8)
	}
	// Encode the prefix into s.buf.
	nb := int(bits / 8)
	mask := ^byte(0xFF >> (bits % 8))
	s.buf[0] = typ
	buf := append(s.buf[:1], ip[:nb]...)
	if nb < len(ip) && mask != 0 {
		buf = append(buf, ip[nb]&mask)
	}
	return buf
}

// String implements fmt.Stringer
func (s DistinctNetSet) String() string {
	var buf bytes.Buffer
	buf.WriteString("{")
	keys := make([]string, 0, len(s.members))
	for k := range s.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		var ip net.IP
		if k[0] == '4' {
			ip = make(net.IP, 4)
		} else {
			ip = make(net.IP, 16)
		}
		copy(ip, k[1:])
		fmt.Fprintf(&buf, "%v×%d", ip, s.members[k])
		if i != len(keys)-1 {
			buf.WriteString(" ")
		}
	}
	buf.WriteString("}")
	return buf.String()
}
