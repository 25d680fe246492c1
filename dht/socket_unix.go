//go:build unix

// UDP socket options: SO_REUSEADDR/SO_REUSEPORT on the listener, so a node
// can restart quickly after a crash without waiting out TIME_WAIT on its
// bind address, and so cmd/dhtnode can run several listeners against the
// same port during local testing. Adapted from the control() callback in
// the pack's tos-network/go-dht listen(), which itself borrows the pattern
// from github.com/libp2p/go-reuseport.
package dht

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen binds a UDP socket at addr with SO_REUSEADDR/SO_REUSEPORT set,
// for use by cmd/dhtnode when constructing the Engine's PacketConn.
func Listen(addr string) (net.PacketConn, error) {
	cfg := net.ListenConfig{Control: reuseControl}
	return cfg.ListenPacket(context.Background(), "udp", addr)
}

func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
