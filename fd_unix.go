//go:build linux || darwin || freebsd

package tun

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/oxtoacart/bpool"
	"golang.org/x/sys/unix"
)

const (
	headerLen = 4

	scratchDepth = 16
	scratchWidth = defaultMTU + headerLen
)

// waker is a descriptor that becomes readable when wake is called, used to
// interrupt poll(2) on shutdown.
type waker interface {
	fd() int
	wake() error
	close() error
}

// tunFD is a TUN/TAP descriptor in non-blocking mode. Blocking Recv and Send
// park in poll(2) on the descriptor and a wake descriptor, so Shutdown can
// release them.
type tunFD struct {
	stopped int64
	closed  int64

	fdMx sync.RWMutex
	fd   int

	// header is set when the kernel prefixes every packet with a 4-byte
	// address family; pi when callers want to see it.
	header bool
	pi     bool

	w       waker
	buffers *bpool.BytePool
}

func newTunFD(fd int, header, pi bool) (*tunFD, error) {
	if fd < 0 {
		return nil, ErrInvalidDescriptor
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		return nil, err
	}
	t := &tunFD{
		fd:     fd,
		header: header,
		pi:     pi,
		w:      w,
	}
	if header && !pi {
		t.buffers = bpool.NewBytePool(scratchDepth, scratchWidth)
	}
	return t, nil
}

// Fd returns the underlying descriptor, or -1 once it has been released by
// IntoRawFd.
func (t *tunFD) Fd() int {
	t.fdMx.RLock()
	defer t.fdMx.RUnlock()
	return t.fd
}

// IntoRawFd hands the descriptor, back in blocking mode, to the caller, who
// becomes responsible for closing it. The device is shut down and no longer
// usable.
func (t *tunFD) IntoRawFd() int {
	t.Shutdown()
	t.fdMx.Lock()
	fd := t.fd
	t.fd = -1
	t.fdMx.Unlock()
	if atomic.CompareAndSwapInt64(&t.closed, 0, 1) {
		t.w.close()
	}
	if fd >= 0 {
		if err := unix.SetNonblock(fd, false); err != nil {
			log.Debugf("Unable to restore blocking mode on fd %d: %v", fd, err)
		}
	}
	return fd
}

// PacketInformation reports whether packets carry the 4-byte header.
func (t *tunFD) PacketInformation() bool {
	return t.pi
}

func (t *tunFD) isStopped() bool {
	return atomic.LoadInt64(&t.stopped) == 1
}

// Recv reads one packet, waiting until one is available.
func (t *tunFD) Recv(b []byte) (int, error) {
	for {
		n, err := t.TryRecv(b)
		if err != ErrWouldBlock {
			return n, err
		}
		if err := t.poll(unix.POLLIN); err != nil {
			return 0, err
		}
	}
}

// Send writes one packet, waiting until the device accepts it.
func (t *tunFD) Send(b []byte) (int, error) {
	for {
		n, err := t.TrySend(b)
		if err != ErrWouldBlock {
			return n, err
		}
		if err := t.poll(unix.POLLOUT); err != nil {
			return 0, err
		}
	}
}

// TryRecv reads one packet if one is queued and returns ErrWouldBlock
// otherwise.
func (t *tunFD) TryRecv(b []byte) (int, error) {
	if !t.header || t.pi {
		return t.read(b)
	}
	scratch := t.scratch(len(b) + headerLen)
	defer t.release(scratch)
	n, err := t.read(scratch[:len(b)+headerLen])
	if err != nil || n <= headerLen {
		return 0, err
	}
	return copy(b, scratch[headerLen:n]), nil
}

// TrySend writes one packet if the device can take it now and returns
// ErrWouldBlock otherwise.
func (t *tunFD) TrySend(b []byte) (int, error) {
	if !t.header || t.pi {
		return t.write(b)
	}
	scratch := t.scratch(len(b) + headerLen)
	defer t.release(scratch)
	family := unix.AF_INET
	if ipVersion(b) == 6 {
		family = unix.AF_INET6
	}
	binary.BigEndian.PutUint32(scratch, uint32(family))
	copy(scratch[headerLen:], b)
	n, err := t.write(scratch[:len(b)+headerLen])
	if err != nil {
		return 0, err
	}
	if n -= headerLen; n < 0 {
		n = 0
	}
	return n, nil
}

// TryRecvVectored reads one packet scattered over bufs, or returns
// ErrWouldBlock if none is queued.
func (t *tunFD) TryRecvVectored(bufs [][]byte) (int, error) {
	if !t.header || t.pi {
		return t.readv(bufs)
	}
	var hdr [headerLen]byte
	n, err := t.readv(append([][]byte{hdr[:]}, bufs...))
	if err != nil || n <= headerLen {
		return 0, err
	}
	return n - headerLen, nil
}

// TrySendVectored writes one packet gathered from bufs, or returns
// ErrWouldBlock if the device cannot take it now.
func (t *tunFD) TrySendVectored(bufs [][]byte) (int, error) {
	if !t.header || t.pi {
		return t.writev(bufs)
	}
	var hdr [headerLen]byte
	family := unix.AF_INET
	for _, b := range bufs {
		if len(b) > 0 {
			if ipVersion(b) == 6 {
				family = unix.AF_INET6
			}
			break
		}
	}
	binary.BigEndian.PutUint32(hdr[:], uint32(family))
	n, err := t.writev(append([][]byte{hdr[:]}, bufs...))
	if err != nil {
		return 0, err
	}
	if n -= headerLen; n < 0 {
		n = 0
	}
	return n, nil
}

// Shutdown makes every blocked and future call fail with ErrAborted.
func (t *tunFD) Shutdown() error {
	if atomic.CompareAndSwapInt64(&t.stopped, 0, 1) {
		return t.w.wake()
	}
	return nil
}

// Close shuts the descriptor down and closes it, unless it was handed off
// with IntoRawFd.
func (t *tunFD) Close() error {
	t.Shutdown()
	if !atomic.CompareAndSwapInt64(&t.closed, 0, 1) {
		return nil
	}
	t.w.close()
	t.fdMx.Lock()
	fd := t.fd
	t.fd = -1
	t.fdMx.Unlock()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func (t *tunFD) read(b []byte) (int, error) {
	for {
		if t.isStopped() {
			return 0, ErrAborted
		}
		n, err := unix.Read(t.Fd(), b)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, t.mapErr(err)
		}
	}
}

func (t *tunFD) write(b []byte) (int, error) {
	for {
		if t.isStopped() {
			return 0, ErrAborted
		}
		n, err := unix.Write(t.Fd(), b)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, t.mapErr(err)
		}
	}
}

func (t *tunFD) readv(bufs [][]byte) (int, error) {
	for {
		if t.isStopped() {
			return 0, ErrAborted
		}
		n, err := readvFd(t.Fd(), bufs)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, t.mapErr(err)
		}
	}
}

func (t *tunFD) writev(bufs [][]byte) (int, error) {
	for {
		if t.isStopped() {
			return 0, ErrAborted
		}
		n, err := writevFd(t.Fd(), bufs)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, ErrWouldBlock
		default:
			return 0, t.mapErr(err)
		}
	}
}

// mapErr reports a descriptor closed under our feet as a shutdown.
func (t *tunFD) mapErr(err error) error {
	if err == unix.EBADF && t.isStopped() {
		return ErrAborted
	}
	return err
}

// poll waits for events on the descriptor or for Shutdown.
func (t *tunFD) poll(events int16) error {
	fds := []unix.PollFd{
		{Fd: int32(t.Fd()), Events: events},
		{Fd: int32(t.w.fd()), Events: unix.POLLIN},
	}
	for {
		if t.isStopped() {
			return ErrAborted
		}
		_, err := unix.Poll(fds, -1)
		if t.isStopped() {
			return ErrAborted
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (t *tunFD) scratch(size int) []byte {
	if size > scratchWidth {
		return make([]byte, size)
	}
	return t.buffers.Get()
}

func (t *tunFD) release(b []byte) {
	if cap(b) == scratchWidth {
		t.buffers.Put(b[:scratchWidth])
	}
}
