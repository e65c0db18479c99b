package tun

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

var errFake = errors.New("fake failure")

// fakeDevice is an in-memory Device. Packets pushed to in are returned by
// Recv (blocking) and, when tryRecv is set, by TryRecv. Sent packets show up
// on out.
type fakeDevice struct {
	mx      sync.Mutex
	calls   []string
	mtu     int
	metric  int
	addr    net.IP
	mask    net.IPMask
	dest    net.IP
	v6      []IPv6Addr
	enabled bool
	mac     net.HardwareAddr
	failOn  string
	failErr error

	in      chan []byte
	out     chan []byte
	tryRecv bool
	trySend bool
	sendErr error

	recvCalls     int64
	activeRecv    int64
	maxActiveRecv int64

	stopOnce sync.Once
	stopped  chan struct{}
	closed   int64
}

var _ Device = (*fakeDevice)(nil)

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		in:      make(chan []byte, 100),
		out:     make(chan []byte, 100),
		stopped: make(chan struct{}),
	}
}

func (d *fakeDevice) record(call string) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.calls = append(d.calls, call)
	if d.failOn == call {
		if d.failErr != nil {
			return d.failErr
		}
		return errFake
	}
	return nil
}

func (d *fakeDevice) callLog() []string {
	d.mx.Lock()
	defer d.mx.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDevice) Recv(b []byte) (int, error) {
	atomic.AddInt64(&d.recvCalls, 1)
	active := atomic.AddInt64(&d.activeRecv, 1)
	defer atomic.AddInt64(&d.activeRecv, -1)
	for {
		peak := atomic.LoadInt64(&d.maxActiveRecv)
		if active <= peak || atomic.CompareAndSwapInt64(&d.maxActiveRecv, peak, active) {
			break
		}
	}
	select {
	case pkt := <-d.in:
		return copy(b, pkt), nil
	case <-d.stopped:
		return 0, ErrAborted
	}
}

func (d *fakeDevice) Send(b []byte) (int, error) {
	select {
	case <-d.stopped:
		return 0, ErrAborted
	default:
	}
	if d.sendErr != nil {
		return 0, d.sendErr
	}
	d.out <- append([]byte(nil), b...)
	return len(b), nil
}

func (d *fakeDevice) TryRecv(b []byte) (int, error) {
	select {
	case <-d.stopped:
		return 0, ErrAborted
	default:
	}
	if !d.tryRecv {
		return 0, ErrWouldBlock
	}
	select {
	case pkt := <-d.in:
		return copy(b, pkt), nil
	default:
		return 0, ErrWouldBlock
	}
}

func (d *fakeDevice) TrySend(b []byte) (int, error) {
	if !d.trySend {
		return 0, ErrWouldBlock
	}
	return d.Send(b)
}

func (d *fakeDevice) Name() (string, error) { return "fake0", nil }

func (d *fakeDevice) SetName(name string) error { return d.record("name") }

func (d *fakeDevice) Address() (net.IP, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.addr, nil
}

func (d *fakeDevice) SetAddress(ip net.IP) error {
	if err := d.record("address"); err != nil {
		return err
	}
	d.mx.Lock()
	d.addr = ip
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) Destination() (net.IP, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.dest, nil
}

func (d *fakeDevice) SetDestination(ip net.IP) error {
	if err := d.record("destination"); err != nil {
		return err
	}
	d.mx.Lock()
	d.dest = ip
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) Netmask() (net.IPMask, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.mask, nil
}

func (d *fakeDevice) SetNetmask(mask net.IPMask) error {
	if err := d.record("netmask"); err != nil {
		return err
	}
	d.mx.Lock()
	d.mask = mask
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) SetNetworkAddress(ip net.IP, mask net.IPMask, dest net.IP) error {
	return setNetworkAddress(d, ip, mask, dest)
}

func (d *fakeDevice) AddAddressV6(ip net.IP, prefix int) error {
	if err := d.record("v6"); err != nil {
		return err
	}
	d.mx.Lock()
	d.v6 = append(d.v6, IPv6Addr{IP: ip, Prefix: prefix})
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) RemoveAddress(ip net.IP) error { return d.record("remove") }

func (d *fakeDevice) MTU() (int, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.mtu, nil
}

func (d *fakeDevice) SetMTU(mtu int) error {
	if err := d.record("mtu"); err != nil {
		return err
	}
	d.mx.Lock()
	d.mtu = mtu
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) SetMetric(metric int) error {
	if err := d.record("metric"); err != nil {
		return err
	}
	d.mx.Lock()
	d.metric = metric
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) SetEnabled(enabled bool) error {
	if err := d.record("enabled"); err != nil {
		return err
	}
	d.mx.Lock()
	d.enabled = enabled
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) HardwareAddress() (net.HardwareAddr, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.mac, nil
}

func (d *fakeDevice) SetHardwareAddress(mac net.HardwareAddr) error {
	if err := d.record("mac"); err != nil {
		return err
	}
	d.mx.Lock()
	d.mac = mac
	d.mx.Unlock()
	return nil
}

func (d *fakeDevice) AddRoute(dst *net.IPNet) error { return d.record("route") }

func (d *fakeDevice) PacketInformation() bool { return false }

func (d *fakeDevice) Shutdown() error {
	d.stopOnce.Do(func() { close(d.stopped) })
	return nil
}

func (d *fakeDevice) Close() error {
	d.Shutdown()
	atomic.StoreInt64(&d.closed, 1)
	return nil
}

func (d *fakeDevice) isClosed() bool {
	return atomic.LoadInt64(&d.closed) == 1
}
