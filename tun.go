// Package tun provides virtual network interfaces (TUN for IP packets, TAP
// for Ethernet frames) behind one Device interface on linux, darwin, freebsd
// and windows, together with wrappers that turn a device's blocking or
// non-blocking primitives into cancellable, multi-caller Recv and Send.
package tun

import (
	"net"

	"github.com/getlantern/golog"
)

var (
	log = golog.LoggerFor("tun")
)

const (
	defaultMTU = 1500
)

// toIPv4 returns the 4-byte form of ip or ErrInvalidAddress.
func toIPv4(ip net.IP) (net.IP, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, ErrInvalidAddress
	}
	return v4, nil
}

// toIPv6 returns ip if it is a non-nil address that is not IPv4.
func toIPv6(ip net.IP) (net.IP, error) {
	if ip == nil || ip.To4() != nil || len(ip) != net.IPv6len {
		return nil, ErrInvalidAddress
	}
	return ip, nil
}

// ipVersion reads the version nibble of a raw IP packet.
func ipVersion(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}
	return int(pkt[0] >> 4)
}
