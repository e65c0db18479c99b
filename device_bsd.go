//go:build darwin || freebsd

package tun

import (
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	maxNameLen = unix.IFNAMSIZ - 1
)

// NativeDevice is a utun (darwin) or tun/tap (freebsd) interface. Addressing
// goes through ifconfig(8) and route(8).
type NativeDevice struct {
	*tunFD

	layer Layer

	nameMx sync.RWMutex
	name   string

	addrMx sync.Mutex
	addr   net.IP
	mask   net.IPMask
	dest   net.IP
}

var _ Device = (*NativeDevice)(nil)

func (dev *NativeDevice) Name() (string, error) {
	dev.nameMx.RLock()
	name := dev.name
	dev.nameMx.RUnlock()
	if name != "" {
		return name, nil
	}
	name, err := queryName(dev.Fd())
	if err != nil {
		return "", err
	}
	dev.nameMx.Lock()
	dev.name = name
	dev.nameMx.Unlock()
	return name, nil
}

func (dev *NativeDevice) Address() (net.IP, error) {
	ipnet, err := dev.inet4()
	if err != nil {
		return nil, err
	}
	return ipnet.IP, nil
}

func (dev *NativeDevice) SetAddress(ip net.IP) error {
	v4, err := toIPv4(ip)
	if err != nil {
		return err
	}
	dev.addrMx.Lock()
	defer dev.addrMx.Unlock()
	return dev.applyInet4(v4, dev.mask, dev.dest)
}

func (dev *NativeDevice) Destination() (net.IP, error) {
	dev.addrMx.Lock()
	defer dev.addrMx.Unlock()
	if dev.dest == nil {
		return nil, ErrInvalidAddress
	}
	return dev.dest, nil
}

func (dev *NativeDevice) SetDestination(ip net.IP) error {
	v4, err := toIPv4(ip)
	if err != nil {
		return err
	}
	dev.addrMx.Lock()
	defer dev.addrMx.Unlock()
	if dev.addr == nil {
		dev.dest = v4
		return nil
	}
	return dev.applyInet4(dev.addr, dev.mask, v4)
}

func (dev *NativeDevice) Netmask() (net.IPMask, error) {
	ipnet, err := dev.inet4()
	if err != nil {
		return nil, err
	}
	return net.IPMask(net.IP(ipnet.Mask).To4()), nil
}

func (dev *NativeDevice) SetNetmask(mask net.IPMask) error {
	dev.addrMx.Lock()
	defer dev.addrMx.Unlock()
	if dev.addr == nil {
		dev.mask = mask
		return nil
	}
	return dev.applyInet4(dev.addr, mask, dev.dest)
}

// SetNetworkAddress configures all of the IPv4 settings with one ifconfig
// invocation.
func (dev *NativeDevice) SetNetworkAddress(ip net.IP, mask net.IPMask, dest net.IP) error {
	v4, err := toIPv4(ip)
	if err != nil {
		return err
	}
	if dest != nil {
		if dest, err = toIPv4(dest); err != nil {
			return err
		}
	}
	dev.addrMx.Lock()
	defer dev.addrMx.Unlock()
	return dev.applyInet4(v4, mask, dest)
}

// applyInet4 must be called with addrMx held.
func (dev *NativeDevice) applyInet4(ip net.IP, mask net.IPMask, dest net.IP) error {
	name, err := dev.Name()
	if err != nil {
		return err
	}
	args := []string{name, "inet", ip.String()}
	if dest == nil && dev.pointToPoint() {
		dest = ip
	}
	if dest != nil {
		args = append(args, dest.String())
	}
	if mask != nil {
		args = append(args, "netmask", net.IP(mask).String())
	}
	if err := runCommand("ifconfig", args...); err != nil {
		return err
	}
	dev.addr, dev.mask, dev.dest = ip, mask, dest
	return nil
}

func (dev *NativeDevice) AddAddressV6(ip net.IP, prefix int) error {
	ip, err := toIPv6(ip)
	if err != nil {
		return err
	}
	name, err := dev.Name()
	if err != nil {
		return err
	}
	return runCommand("ifconfig", name, "inet6", ip.String(), "prefixlen", strconv.Itoa(prefix), "alias")
}

func (dev *NativeDevice) RemoveAddress(ip net.IP) error {
	name, err := dev.Name()
	if err != nil {
		return err
	}
	family := "inet6"
	if ip.To4() != nil {
		family = "inet"
	}
	if err := runCommand("ifconfig", name, family, ip.String(), "-alias"); err != nil {
		return err
	}
	dev.addrMx.Lock()
	if dev.addr.Equal(ip) {
		dev.addr, dev.dest = nil, nil
	}
	dev.addrMx.Unlock()
	return nil
}

func (dev *NativeDevice) MTU() (int, error) {
	ifi, err := dev.iface()
	if err != nil {
		return 0, err
	}
	return ifi.MTU, nil
}

func (dev *NativeDevice) SetMTU(mtu int) error {
	name, err := dev.Name()
	if err != nil {
		return err
	}
	return runCommand("ifconfig", name, "mtu", strconv.Itoa(mtu))
}

func (dev *NativeDevice) SetEnabled(enabled bool) error {
	name, err := dev.Name()
	if err != nil {
		return err
	}
	state := "down"
	if enabled {
		state = "up"
	}
	return runCommand("ifconfig", name, state)
}

func (dev *NativeDevice) HardwareAddress() (net.HardwareAddr, error) {
	if dev.layer != L2 {
		return nil, ErrUnsupportedLayer
	}
	ifi, err := dev.iface()
	if err != nil {
		return nil, err
	}
	return ifi.HardwareAddr, nil
}

func (dev *NativeDevice) SetHardwareAddress(mac net.HardwareAddr) error {
	if dev.layer != L2 {
		return ErrUnsupportedLayer
	}
	name, err := dev.Name()
	if err != nil {
		return err
	}
	return runCommand("ifconfig", name, "ether", mac.String())
}

func (dev *NativeDevice) AddRoute(dst *net.IPNet) error {
	name, err := dev.Name()
	if err != nil {
		return err
	}
	family := "-inet6"
	if dst.IP.To4() != nil {
		family = "-inet"
	}
	return runCommand("route", "-n", "add", family, "-net", dst.String(), "-interface", name)
}

func (dev *NativeDevice) pointToPoint() bool {
	return dev.layer == L3
}

func (dev *NativeDevice) iface() (*net.Interface, error) {
	name, err := dev.Name()
	if err != nil {
		return nil, err
	}
	return net.InterfaceByName(name)
}

// inet4 returns the first IPv4 address of the interface.
func (dev *NativeDevice) inet4() (*net.IPNet, error) {
	ifi, err := dev.iface()
	if err != nil {
		return nil, err
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return &net.IPNet{IP: ipnet.IP.To4(), Mask: ipnet.Mask}, nil
		}
	}
	return nil, ErrInvalidAddress
}
