package tun

import (
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	cloneDevice = "/dev/net/tun"
	maxNameLen  = unix.IFNAMSIZ - 1
	maxQueues   = 256

	// VnetHdrLen is the size of the virtio_net_hdr that prefixes every packet
	// of a device opened with Offload.
	VnetHdrLen = 10
)

// NativeDevice is a TUN or TAP interface of the linux tun driver.
type NativeDevice struct {
	*tunFD

	nameMx sync.RWMutex
	name   string
	flags  uint16

	queues []*NativeDevice
}

var _ Device = (*NativeDevice)(nil)

func validatePlatform(cfg *Config) error {
	if cfg.queues() > maxQueues {
		return ErrInvalidQueuesNumber
	}
	return nil
}

func openNative(cfg *Config) (*NativeDevice, error) {
	flags := uint16(unix.IFF_TUN)
	if cfg.Layer == L2 {
		flags = unix.IFF_TAP
	}
	if !cfg.PacketInformation {
		flags |= unix.IFF_NO_PI
	}
	if cfg.MultiQueue {
		flags |= unix.IFF_MULTI_QUEUE
	}
	if cfg.Offload {
		flags |= unix.IFF_VNET_HDR
	}

	dev, err := attach(cfg.Name, flags)
	if err != nil {
		return nil, err
	}
	if cfg.Offload {
		err := unix.IoctlSetInt(dev.Fd(), unix.TUNSETOFFLOAD, unix.TUN_F_CSUM|unix.TUN_F_TSO4|unix.TUN_F_TSO6)
		if err != nil {
			dev.Close()
			return nil, wrap(err, "Unable to enable offload")
		}
	}
	for i := 1; i < cfg.queues(); i++ {
		q, err := dev.OpenQueue()
		if err != nil {
			dev.Close()
			return nil, wrap(err, "Unable to open queue %d", i)
		}
		dev.queues = append(dev.queues, q)
	}
	return dev, nil
}

// attach opens the clone device and binds it to the named interface,
// creating it if needed.
func attach(name string, flags uint16) (*NativeDevice, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return nil, ErrNameTooLong
	}
	ifr.SetUint16(flags)

	log.Debugf("Opening %v", cloneDevice)
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	t, err := newTunFD(fd, false, flags&unix.IFF_NO_PI == 0)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &NativeDevice{tunFD: t, name: ifr.Name(), flags: flags}, nil
}

// FromRawFd wraps an open descriptor of the tun driver. The caller must own
// fd; the device closes it on Close.
func FromRawFd(fd int) (*NativeDevice, error) {
	t, err := newTunFD(fd, false, false)
	if err != nil {
		return nil, err
	}
	dev := &NativeDevice{tunFD: t}
	ifr, err := unix.NewIfreq("")
	if err == nil {
		err = unix.IoctlIfreq(fd, unix.TUNGETIFF, ifr)
	}
	if err != nil {
		log.Debugf("Descriptor %d is not a tun device, treating it as raw packets: %v", fd, err)
		return dev, nil
	}
	dev.name = ifr.Name()
	dev.flags = ifr.Uint16()
	dev.pi = dev.flags&unix.IFF_NO_PI == 0
	return dev, nil
}

// OpenQueue attaches another descriptor to this multi-queue interface.
func (dev *NativeDevice) OpenQueue() (*NativeDevice, error) {
	if dev.flags&unix.IFF_MULTI_QUEUE == 0 {
		return nil, ErrInvalidQueuesNumber
	}
	name, err := dev.Name()
	if err != nil {
		return nil, err
	}
	return attach(name, dev.flags)
}

// Queues returns the additional queues opened along with the device.
func (dev *NativeDevice) Queues() []*NativeDevice {
	return dev.queues
}

// Close closes the device and any queues opened with it.
func (dev *NativeDevice) Close() error {
	for _, q := range dev.queues {
		q.Close()
	}
	return dev.tunFD.Close()
}

// Persist keeps the interface around after the descriptor is closed.
func (dev *NativeDevice) Persist(persist bool) error {
	v := 0
	if persist {
		v = 1
	}
	return unix.IoctlSetInt(dev.Fd(), unix.TUNSETPERSIST, v)
}

// SetOwner lets uid open the interface.
func (dev *NativeDevice) SetOwner(uid int) error {
	return unix.IoctlSetInt(dev.Fd(), unix.TUNSETOWNER, uid)
}

// SetGroup lets members of gid open the interface.
func (dev *NativeDevice) SetGroup(gid int) error {
	return unix.IoctlSetInt(dev.Fd(), unix.TUNSETGROUP, gid)
}

func (dev *NativeDevice) Name() (string, error) {
	dev.nameMx.RLock()
	name := dev.name
	dev.nameMx.RUnlock()
	if name != "" {
		return name, nil
	}
	ifr, err := unix.NewIfreq("")
	if err != nil {
		return "", err
	}
	if err := unix.IoctlIfreq(dev.Fd(), unix.TUNGETIFF, ifr); err != nil {
		return "", err
	}
	dev.nameMx.Lock()
	dev.name = ifr.Name()
	dev.nameMx.Unlock()
	return ifr.Name(), nil
}

// SetName renames the interface. The kernel only allows this while the
// interface is down.
func (dev *NativeDevice) SetName(name string) error {
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}
	link, err := dev.link()
	if err != nil {
		return err
	}
	dev.nameMx.Lock()
	defer dev.nameMx.Unlock()
	if err := netlink.LinkSetName(link, name); err != nil {
		return err
	}
	dev.name = name
	return nil
}

func (dev *NativeDevice) Address() (net.IP, error) {
	return dev.inet4(unix.SIOCGIFADDR)
}

func (dev *NativeDevice) SetAddress(ip net.IP) error {
	return dev.setInet4(unix.SIOCSIFADDR, ip)
}

func (dev *NativeDevice) Destination() (net.IP, error) {
	return dev.inet4(unix.SIOCGIFDSTADDR)
}

func (dev *NativeDevice) SetDestination(ip net.IP) error {
	return dev.setInet4(unix.SIOCSIFDSTADDR, ip)
}

// Broadcast returns the IPv4 broadcast address.
func (dev *NativeDevice) Broadcast() (net.IP, error) {
	return dev.inet4(unix.SIOCGIFBRDADDR)
}

// SetBroadcast sets the IPv4 broadcast address.
func (dev *NativeDevice) SetBroadcast(ip net.IP) error {
	return dev.setInet4(unix.SIOCSIFBRDADDR, ip)
}

func (dev *NativeDevice) Netmask() (net.IPMask, error) {
	ip, err := dev.inet4(unix.SIOCGIFNETMASK)
	if err != nil {
		return nil, err
	}
	return net.IPMask(ip), nil
}

func (dev *NativeDevice) SetNetmask(mask net.IPMask) error {
	return dev.setInet4(unix.SIOCSIFNETMASK, net.IP(mask))
}

func (dev *NativeDevice) SetNetworkAddress(ip net.IP, mask net.IPMask, dest net.IP) error {
	return setNetworkAddress(dev, ip, mask, dest)
}

func (dev *NativeDevice) AddAddressV6(ip net.IP, prefix int) error {
	ip, err := toIPv6(ip)
	if err != nil {
		return err
	}
	link, err := dev.link()
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, &netlink.Addr{
		IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, 8*net.IPv6len)},
	})
}

// RemoveAddress removes an IPv4 or IPv6 address from the interface.
func (dev *NativeDevice) RemoveAddress(ip net.IP) error {
	link, err := dev.link()
	if err != nil {
		return err
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if addr.IP.Equal(ip) {
			return netlink.AddrDel(link, &addr)
		}
	}
	return ErrInvalidAddress
}

func (dev *NativeDevice) MTU() (int, error) {
	ifr, err := dev.request()
	if err != nil {
		return 0, err
	}
	if err := ctlIoctl(unix.SIOCGIFMTU, ifr); err != nil {
		return 0, err
	}
	return int(ifr.Uint32()), nil
}

func (dev *NativeDevice) SetMTU(mtu int) error {
	ifr, err := dev.request()
	if err != nil {
		return err
	}
	ifr.SetUint32(uint32(mtu))
	return ctlIoctl(unix.SIOCSIFMTU, ifr)
}

// SetTxQueueLen sets the length of the interface's transmit queue.
func (dev *NativeDevice) SetTxQueueLen(qlen int) error {
	link, err := dev.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetTxQLen(link, qlen)
}

func (dev *NativeDevice) SetEnabled(enabled bool) error {
	ifr, err := dev.request()
	if err != nil {
		return err
	}
	if err := ctlIoctl(unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	flags := ifr.Uint16()
	if enabled {
		flags |= unix.IFF_UP | unix.IFF_RUNNING
	} else {
		flags &^= unix.IFF_UP
	}
	ifr.SetUint16(flags)
	return ctlIoctl(unix.SIOCSIFFLAGS, ifr)
}

func (dev *NativeDevice) HardwareAddress() (net.HardwareAddr, error) {
	link, err := dev.link()
	if err != nil {
		return nil, err
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) == 0 {
		return nil, ErrInvalidConfig
	}
	return mac, nil
}

func (dev *NativeDevice) SetHardwareAddress(mac net.HardwareAddr) error {
	link, err := dev.link()
	if err != nil {
		return err
	}
	return netlink.LinkSetHardwareAddr(link, mac)
}

func (dev *NativeDevice) AddRoute(dst *net.IPNet) error {
	link, err := dev.link()
	if err != nil {
		return err
	}
	return netlink.RouteAdd(&netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       dst,
		Scope:     netlink.SCOPE_LINK,
	})
}

func (dev *NativeDevice) link() (netlink.Link, error) {
	name, err := dev.Name()
	if err != nil {
		return nil, err
	}
	return netlink.LinkByName(name)
}

func (dev *NativeDevice) request() (*unix.Ifreq, error) {
	name, err := dev.Name()
	if err != nil {
		return nil, err
	}
	return unix.NewIfreq(name)
}

func (dev *NativeDevice) inet4(req uint) (net.IP, error) {
	ifr, err := dev.request()
	if err != nil {
		return nil, err
	}
	if err := ctlIoctl(req, ifr); err != nil {
		return nil, err
	}
	ip, err := ifr.Inet4Addr()
	if err != nil {
		return nil, err
	}
	return net.IP(ip), nil
}

func (dev *NativeDevice) setInet4(req uint, ip net.IP) error {
	v4, err := toIPv4(ip)
	if err != nil {
		return err
	}
	ifr, err := dev.request()
	if err != nil {
		return err
	}
	if err := ifr.SetInet4Addr(v4); err != nil {
		return err
	}
	return ctlIoctl(req, ifr)
}

// ctlIoctl issues an interface ioctl on a throwaway AF_INET socket.
func ctlIoctl(req uint, ifr *unix.Ifreq) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.IoctlIfreq(fd, req, ifr)
}
