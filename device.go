package tun

import (
	"context"
	"net"
)

// Device is a virtual network interface. Recv and Send exchange one packet
// (or frame, for L2 devices) per call and block until they can. TryRecv and
// TrySend never block and return ErrWouldBlock instead.
//
// Configuration methods translate directly to OS calls and return OS errors
// unchanged. They are not synchronized with each other.
type Device interface {
	Recv(b []byte) (int, error)
	Send(b []byte) (int, error)
	TryRecv(b []byte) (int, error)
	TrySend(b []byte) (int, error)

	Name() (string, error)
	SetName(name string) error

	Address() (net.IP, error)
	SetAddress(ip net.IP) error
	Destination() (net.IP, error)
	SetDestination(ip net.IP) error
	Netmask() (net.IPMask, error)
	SetNetmask(mask net.IPMask) error
	// SetNetworkAddress sets address and netmask and, if dest is not nil, the
	// point-to-point destination.
	SetNetworkAddress(ip net.IP, mask net.IPMask, dest net.IP) error
	AddAddressV6(ip net.IP, prefix int) error
	RemoveAddress(ip net.IP) error

	MTU() (int, error)
	SetMTU(mtu int) error
	SetEnabled(enabled bool) error
	HardwareAddress() (net.HardwareAddr, error)
	SetHardwareAddress(mac net.HardwareAddr) error

	// AddRoute routes dst through this interface.
	AddRoute(dst *net.IPNet) error

	// PacketInformation reports whether packets carry the platform's
	// 4-byte packet information header.
	PacketInformation() bool

	// Shutdown makes every pending and future Recv and Send fail with
	// ErrAborted. It does not release the device and may be called any
	// number of times.
	Shutdown() error
	Close() error
}

// PacketConn is anything that exchanges whole packets and blocks the calling
// goroutine, not a thread, while it waits.
type PacketConn interface {
	Recv(ctx context.Context, b []byte) (int, error)
	Send(ctx context.Context, b []byte) (int, error)
}

// mtuV6Setter, metricSetter and txQueueLenSetter are optional capabilities
// that Configure applies when a device has them.
type mtuV6Setter interface {
	SetMTUv6(mtu int) error
}

type metricSetter interface {
	SetMetric(metric int) error
}

type txQueueLenSetter interface {
	SetTxQueueLen(qlen int) error
}

// setNetworkAddress is the composite used by every platform.
func setNetworkAddress(dev Device, ip net.IP, mask net.IPMask, dest net.IP) error {
	if err := dev.SetAddress(ip); err != nil {
		return err
	}
	if err := dev.SetNetmask(mask); err != nil {
		return err
	}
	if dest != nil {
		return dev.SetDestination(dest)
	}
	return nil
}
