//go:build !unix

// Non-unix fallback for Listen: SO_REUSEADDR/SO_REUSEPORT aren't wired on
// these platforms, so this just binds a plain UDP socket.
package dht

import "net"

// Listen binds a UDP socket at addr for use by cmd/dhtnode when
// constructing the Engine's PacketConn.
func Listen(addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp", addr)
}
