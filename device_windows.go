package tun

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/songgao/water"
	"golang.org/x/sys/windows"
	"golang.zx2c4.com/wintun"
)

const (
	maxNameLen = 127

	tunnelType      = "TunIO"
	defaultTapID    = "root\\tap0901"
	maxDefaultNames = 16
)

var (
	// Namespace for adapter GUIDs derived from the interface name, so that
	// the same name maps to the same adapter across runs.
	adapterNamespace = uuid.MustParse("6c1f4b3e-2d7a-5e90-8b4c-1a2f3e4d5c6b")

	loadDriverOnce sync.Once
	loadDriverErr  error
)

type driverKind int

const (
	kindTun driverKind = iota
	kindTap
)

// NativeDevice is a wintun adapter session (L3) or a tap0901 adapter (L2).
// Every operation switches on the kind of driver behind it.
type NativeDevice struct {
	kind driverKind
	tun  *wintunDriver
	tap  *tapDriver

	stopped int64
	closed  int64

	nameMx sync.RWMutex
	name   string

	addrMx sync.Mutex
	dest   net.IP
}

var _ Device = (*NativeDevice)(nil)

type wintunDriver struct {
	adapter *wintun.Adapter
	session wintun.Session
	// stop is signalled on Shutdown to release blocked receives.
	stop windows.Handle
	// ioMx keeps the session alive while a ring operation is in progress.
	ioMx sync.RWMutex
}

type tapDriver struct {
	iface *water.Interface
}

func validatePlatform(cfg *Config) error {
	if cfg.queues() > 1 {
		return ErrInvalidQueuesNumber
	}
	if cfg.RingCapacity != 0 {
		c := cfg.RingCapacity
		if c < wintun.RingCapacityMin || c > wintun.RingCapacityMax || c&(c-1) != 0 {
			return ErrInvalidConfig
		}
	}
	if cfg.DeviceGUID != "" {
		if _, err := uuid.Parse(cfg.DeviceGUID); err != nil {
			return ErrInvalidConfig
		}
	}
	return nil
}

func openNative(cfg *Config) (*NativeDevice, error) {
	if cfg.PacketInformation || cfg.Offload || cfg.TxQueueLen > 0 {
		log.Debug("Ignoring unix only options")
	}
	if cfg.Layer == L2 {
		return openTap(cfg)
	}
	return openWintun(cfg)
}

// loadDriver makes the given wintun.dll the one the wintun package binds to.
// Once a module named wintun.dll is loaded, later lookups by name resolve to
// it.
func loadDriver(path string) error {
	loadDriverOnce.Do(func() {
		log.Debugf("Loading %v", path)
		_, loadDriverErr = windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	})
	return loadDriverErr
}

func adapterGUID(cfg *Config, name string) (*windows.GUID, error) {
	id := uuid.NewSHA1(adapterNamespace, []byte(name))
	if cfg.DeviceGUID != "" {
		var err error
		if id, err = uuid.Parse(cfg.DeviceGUID); err != nil {
			return nil, ErrInvalidConfig
		}
	}
	guid, err := windows.GUIDFromString("{" + id.String() + "}")
	if err != nil {
		return nil, err
	}
	return &guid, nil
}

func openWintun(cfg *Config) (*NativeDevice, error) {
	if cfg.DriverPath != "" {
		if err := loadDriver(cfg.DriverPath); err != nil {
			return nil, wrap(err, "Unable to load %v", cfg.DriverPath)
		}
	}

	name := cfg.Name
	var adapter *wintun.Adapter
	var err error
	if name == "" {
		// First tunN that is not taken.
		for i := 0; i < maxDefaultNames; i++ {
			name = fmt.Sprintf("tun%d", i)
			existing, openErr := wintun.OpenAdapter(name)
			if openErr != nil {
				break
			}
			existing.Close()
		}
	} else {
		adapter, err = wintun.OpenAdapter(name)
	}
	if adapter == nil {
		guid, gerr := adapterGUID(cfg, name)
		if gerr != nil {
			return nil, gerr
		}
		if cfg.DeleteRegistry {
			if err := deleteProfiles(name); err != nil {
				log.Debugf("Unable to clean up network profiles for %v: %v", name, err)
			}
		}
		adapter, err = wintun.CreateAdapter(name, tunnelType, guid)
		if err != nil {
			return nil, wrap(err, "Unable to create adapter %v", name)
		}
	}

	capacity := cfg.RingCapacity
	if capacity == 0 {
		capacity = wintun.RingCapacityMax
		log.Debugf("Defaulting ring capacity to %v", capacity)
	}
	session, err := adapter.StartSession(capacity)
	if err != nil {
		adapter.Close()
		return nil, wrap(err, "Unable to start session on %v", name)
	}
	stop, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		session.End()
		adapter.Close()
		return nil, err
	}
	return &NativeDevice{
		kind: kindTun,
		tun:  &wintunDriver{adapter: adapter, session: session, stop: stop},
		name: name,
	}, nil
}

func openTap(cfg *Config) (*NativeDevice, error) {
	componentID := cfg.TapComponentID
	if componentID == "" {
		componentID = defaultTapID
		log.Debugf("Defaulting tap component id to %v", componentID)
	}
	iface, err := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			ComponentID:   componentID,
			InterfaceName: cfg.Name,
		},
	})
	if err != nil {
		return nil, err
	}
	return &NativeDevice{
		kind: kindTap,
		tap:  &tapDriver{iface: iface},
		name: iface.Name(),
	}, nil
}

func (dev *NativeDevice) isStopped() bool {
	return atomic.LoadInt64(&dev.stopped) == 1
}

// Recv reads one packet, waiting until one is available.
func (dev *NativeDevice) Recv(b []byte) (int, error) {
	switch dev.kind {
	case kindTun:
		for {
			n, err := dev.TryRecv(b)
			if err != ErrWouldBlock {
				return n, err
			}
			if err := dev.tun.wait(); err != nil {
				return 0, err
			}
			if dev.isStopped() {
				return 0, ErrAborted
			}
		}
	default:
		n, err := dev.tap.iface.Read(b)
		if err != nil && dev.isStopped() {
			return 0, ErrAborted
		}
		return n, err
	}
}

// Send writes one packet. For wintun a full ring is reported as the
// driver's ERROR_BUFFER_OVERFLOW.
func (dev *NativeDevice) Send(b []byte) (int, error) {
	switch dev.kind {
	case kindTun:
		n, err := dev.TrySend(b)
		if err == ErrWouldBlock {
			return 0, windows.ERROR_BUFFER_OVERFLOW
		}
		return n, err
	default:
		n, err := dev.tap.iface.Write(b)
		if err != nil && dev.isStopped() {
			return 0, ErrAborted
		}
		return n, err
	}
}

// TryRecv takes a packet from the receive ring if there is one. TAP adapters
// have no non-blocking mode and always return ErrWouldBlock.
func (dev *NativeDevice) TryRecv(b []byte) (int, error) {
	if dev.isStopped() {
		return 0, ErrAborted
	}
	switch dev.kind {
	case kindTun:
		return dev.tun.tryRecv(b)
	default:
		return 0, ErrWouldBlock
	}
}

// TrySend puts a packet on the send ring if there is room. TAP adapters have
// no non-blocking mode and always return ErrWouldBlock.
func (dev *NativeDevice) TrySend(b []byte) (int, error) {
	if dev.isStopped() {
		return 0, ErrAborted
	}
	switch dev.kind {
	case kindTun:
		return dev.tun.trySend(b)
	default:
		return 0, ErrWouldBlock
	}
}

func (t *wintunDriver) tryRecv(b []byte) (int, error) {
	t.ioMx.RLock()
	defer t.ioMx.RUnlock()
	pkt, err := t.session.ReceivePacket()
	switch err {
	case nil:
		n := copy(b, pkt)
		t.session.ReleaseReceivePacket(pkt)
		return n, nil
	case windows.ERROR_NO_MORE_ITEMS:
		return 0, ErrWouldBlock
	case windows.ERROR_HANDLE_EOF:
		return 0, ErrAborted
	default:
		return 0, err
	}
}

func (t *wintunDriver) trySend(b []byte) (int, error) {
	t.ioMx.RLock()
	defer t.ioMx.RUnlock()
	pkt, err := t.session.AllocateSendPacket(len(b))
	switch err {
	case nil:
		copy(pkt, b)
		t.session.SendPacket(pkt)
		return len(b), nil
	case windows.ERROR_BUFFER_OVERFLOW:
		return 0, ErrWouldBlock
	case windows.ERROR_HANDLE_EOF:
		return 0, ErrAborted
	default:
		return 0, err
	}
}

// wait blocks until the receive ring has data or the device is shut down.
func (t *wintunDriver) wait() error {
	t.ioMx.RLock()
	handles := []windows.Handle{t.session.ReadWaitEvent(), t.stop}
	t.ioMx.RUnlock()
	ev, err := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
	switch ev {
	case windows.WAIT_OBJECT_0:
		return nil
	case windows.WAIT_OBJECT_0 + 1:
		return ErrAborted
	default:
		return err
	}
}

// Shutdown makes every blocked and future call fail with ErrAborted.
func (dev *NativeDevice) Shutdown() error {
	if !atomic.CompareAndSwapInt64(&dev.stopped, 0, 1) {
		return nil
	}
	switch dev.kind {
	case kindTun:
		return windows.SetEvent(dev.tun.stop)
	default:
		// Closing the handle is the only way to release a pending read.
		return dev.tap.iface.Close()
	}
}

// Close shuts the device down and releases the adapter.
func (dev *NativeDevice) Close() error {
	dev.Shutdown()
	if !atomic.CompareAndSwapInt64(&dev.closed, 0, 1) {
		return nil
	}
	switch dev.kind {
	case kindTun:
		dev.tun.ioMx.Lock()
		dev.tun.session.End()
		dev.tun.ioMx.Unlock()
		windows.CloseHandle(dev.tun.stop)
		return dev.tun.adapter.Close()
	default:
		return nil
	}
}

// PacketInformation is always false on windows.
func (dev *NativeDevice) PacketInformation() bool {
	return false
}

// LUID returns the adapter's locally unique identifier (wintun only).
func (dev *NativeDevice) LUID() (uint64, error) {
	if dev.kind != kindTun {
		return 0, ErrUnsupportedLayer
	}
	return dev.tun.adapter.LUID(), nil
}

func (dev *NativeDevice) Name() (string, error) {
	dev.nameMx.RLock()
	defer dev.nameMx.RUnlock()
	return dev.name, nil
}

func (dev *NativeDevice) SetName(name string) error {
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}
	dev.nameMx.Lock()
	defer dev.nameMx.Unlock()
	if err := netshRename(dev.name, name); err != nil {
		return err
	}
	dev.name = name
	return nil
}

func (dev *NativeDevice) Address() (net.IP, error) {
	ipnet, err := dev.inet4()
	if err != nil {
		return nil, err
	}
	return ipnet.IP, nil
}

func (dev *NativeDevice) SetAddress(ip net.IP) error {
	mask, err := dev.Netmask()
	if err != nil {
		mask = net.CIDRMask(24, 8*net.IPv4len)
	}
	return dev.SetNetworkAddress(ip, mask, nil)
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
	addr, err := dev.inet4()
	if err != nil {
		return err
	}
	return dev.SetNetworkAddress(addr.IP, addr.Mask, ip)
}

func (dev *NativeDevice) Netmask() (net.IPMask, error) {
	ipnet, err := dev.inet4()
	if err != nil {
		return nil, err
	}
	return ipnet.Mask, nil
}

func (dev *NativeDevice) SetNetmask(mask net.IPMask) error {
	addr, err := dev.inet4()
	if err != nil {
		return err
	}
	return dev.SetNetworkAddress(addr.IP, mask, dev.destination())
}

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
	idx, err := dev.index()
	if err != nil {
		return err
	}
	if err := netshSetAddress(idx, v4, mask, dest); err != nil {
		return err
	}
	dev.addrMx.Lock()
	dev.dest = dest
	dev.addrMx.Unlock()
	return nil
}

func (dev *NativeDevice) AddAddressV6(ip net.IP, prefix int) error {
	ip, err := toIPv6(ip)
	if err != nil {
		return err
	}
	idx, err := dev.index()
	if err != nil {
		return err
	}
	return netshAddAddressV6(idx, ip, prefix)
}

func (dev *NativeDevice) RemoveAddress(ip net.IP) error {
	idx, err := dev.index()
	if err != nil {
		return err
	}
	return netshDeleteAddress(idx, ip)
}

func (dev *NativeDevice) MTU() (int, error) {
	ifi, err := dev.iface()
	if err != nil {
		return 0, err
	}
	return ifi.MTU, nil
}

func (dev *NativeDevice) SetMTU(mtu int) error {
	idx, err := dev.index()
	if err != nil {
		return err
	}
	return netshSetMTU(idx, "ipv4", mtu)
}

// SetMTUv6 sets the IPv6 MTU, which windows keeps separately.
func (dev *NativeDevice) SetMTUv6(mtu int) error {
	idx, err := dev.index()
	if err != nil {
		return err
	}
	return netshSetMTU(idx, "ipv6", mtu)
}

// SetMetric sets the IPv4 interface metric.
func (dev *NativeDevice) SetMetric(metric int) error {
	idx, err := dev.index()
	if err != nil {
		return err
	}
	return netshSetMetric(idx, metric)
}

// SetEnabled brings the interface up or down. Disabling a wintun adapter
// ends its session, like Shutdown.
func (dev *NativeDevice) SetEnabled(enabled bool) error {
	switch dev.kind {
	case kindTun:
		if !enabled {
			return dev.Shutdown()
		}
		return nil
	default:
		name, _ := dev.Name()
		return netshSetAdmin(name, enabled)
	}
}

func (dev *NativeDevice) HardwareAddress() (net.HardwareAddr, error) {
	if dev.kind != kindTap {
		return nil, ErrUnsupportedLayer
	}
	ifi, err := dev.iface()
	if err != nil {
		return nil, err
	}
	return ifi.HardwareAddr, nil
}

// SetHardwareAddress is not supported: tap0901 takes its address from the
// driver's registry parameters.
func (dev *NativeDevice) SetHardwareAddress(mac net.HardwareAddr) error {
	if dev.kind != kindTap {
		return ErrUnsupportedLayer
	}
	return errors.ErrUnsupported
}

func (dev *NativeDevice) AddRoute(dst *net.IPNet) error {
	idx, err := dev.index()
	if err != nil {
		return err
	}
	return netshAddRoute(idx, dst)
}

func (dev *NativeDevice) destination() net.IP {
	dev.addrMx.Lock()
	defer dev.addrMx.Unlock()
	return dev.dest
}

func (dev *NativeDevice) iface() (*net.Interface, error) {
	name, _ := dev.Name()
	return net.InterfaceByName(name)
}

func (dev *NativeDevice) index() (int, error) {
	ifi, err := dev.iface()
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

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
			return &net.IPNet{IP: ipnet.IP.To4(), Mask: net.IPMask(net.IP(ipnet.Mask).To4())}, nil
		}
	}
	return nil, ErrInvalidAddress
}
