//go:build linux || darwin || freebsd

package tun

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpair returns a datagram socket pair. The first end is meant to be
// wrapped in a device, which then owns it. The second end is closed when the
// test ends.
func socketpair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0], fds[1]
}

// socketDevice wraps fd as a device without packet information.
func socketDevice(t *testing.T, fd int) *NativeDevice {
	tfd, err := newTunFD(fd, false, false)
	require.NoError(t, err)
	return &NativeDevice{tunFD: tfd}
}

func TestInvalidDescriptor(t *testing.T) {
	_, err := FromRawFd(-1)
	assert.Equal(t, ErrInvalidDescriptor, err)
}

func TestTryRecvWouldBlock(t *testing.T) {
	fd, _ := socketpair(t)
	dev := socketDevice(t, fd)
	defer dev.Close()

	_, err := dev.TryRecv(make([]byte, 100))
	assert.Equal(t, ErrWouldBlock, err)
	assert.True(t, IsWouldBlock(err))
}

func TestRoundTrip(t *testing.T) {
	fd, peer := socketpair(t)
	dev := socketDevice(t, fd)
	defer dev.Close()

	n, err := dev.Send([]byte("outbound"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	b := make([]byte, 100)
	n, err = unix.Read(peer, b)
	require.NoError(t, err)
	assert.Equal(t, "outbound", string(b[:n]))

	_, err = unix.Write(peer, []byte("inbound"))
	require.NoError(t, err)
	n, err = dev.Recv(b)
	require.NoError(t, err)
	assert.Equal(t, "inbound", string(b[:n]))
}

func TestPacketHeaderHandling(t *testing.T) {
	fd, peer := socketpair(t)
	tfd, err := newTunFD(fd, true, false)
	require.NoError(t, err)
	dev := &NativeDevice{tunFD: tfd}
	defer dev.Close()
	assert.False(t, dev.PacketInformation())

	ipv6 := []byte{0x60, 0, 0, 0}
	n, err := dev.Send(ipv6)
	require.NoError(t, err)
	assert.Equal(t, len(ipv6), n, "the header is not counted")

	b := make([]byte, 100)
	n, err = unix.Read(peer, b)
	require.NoError(t, err)
	require.Equal(t, headerLen+len(ipv6), n)
	assert.EqualValues(t, unix.AF_INET6, binary.BigEndian.Uint32(b))
	assert.Equal(t, ipv6, b[headerLen:n])

	framed := []byte{0, 0, 0, unix.AF_INET, 0x45, 1, 2}
	_, err = unix.Write(peer, framed)
	require.NoError(t, err)
	n, err = dev.Recv(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 1, 2}, b[:n])
}

func TestShutdownUnblocksRecv(t *testing.T) {
	fd, _ := socketpair(t)
	dev := socketDevice(t, fd)
	defer dev.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := dev.Recv(make([]byte, 100))
		errs <- err
	}()

	select {
	case err := <-errs:
		t.Fatalf("Recv returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, dev.Shutdown())
	select {
	case err := <-errs:
		assert.Equal(t, ErrAborted, err)
		assert.True(t, IsAborted(err))
	case <-time.After(waitFor):
		t.Fatal("Recv still blocked after shutdown")
	}

	_, err := dev.TrySend([]byte("x"))
	assert.Equal(t, ErrAborted, err, "a shut down device stays shut down")
}

func TestIntoRawFd(t *testing.T) {
	fd, peer := socketpair(t)
	dev := socketDevice(t, fd)

	raw := dev.IntoRawFd()
	assert.Equal(t, fd, raw)
	assert.Equal(t, -1, dev.Fd())
	flags, err := unix.FcntlInt(uintptr(raw), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK, "the descriptor is handed back in blocking mode")
	require.NoError(t, dev.Close(), "closing after a hand off is a no-op")

	// The descriptor is still open and usable.
	_, err = unix.Write(raw, []byte("still open"))
	require.NoError(t, err)
	b := make([]byte, 100)
	n, err := unix.Read(peer, b)
	require.NoError(t, err)
	assert.Equal(t, "still open", string(b[:n]))
	require.NoError(t, unix.Close(raw))
}

func TestVectoredPacketHeader(t *testing.T) {
	fd, peer := socketpair(t)
	tfd, err := newTunFD(fd, true, false)
	require.NoError(t, err)
	dev := &NativeDevice{tunFD: tfd}
	defer dev.Close()

	n, err := dev.TrySendVectored([][]byte{nil, {0x60, 0}, {1, 2}})
	require.NoError(t, err)
	assert.Equal(t, 4, n, "the header is not counted")
	b := make([]byte, 100)
	n, err = unix.Read(peer, b)
	require.NoError(t, err)
	require.Equal(t, headerLen+4, n)
	assert.EqualValues(t, unix.AF_INET6, binary.BigEndian.Uint32(b))
	assert.Equal(t, []byte{0x60, 0, 1, 2}, b[headerLen:n])

	_, err = unix.Write(peer, []byte{0, 0, 0, unix.AF_INET, 0x45, 1, 2})
	require.NoError(t, err)
	first, second := make([]byte, 1), make([]byte, 8)
	n, err = dev.TryRecvVectored([][]byte{first, second})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{0x45}, first)
	assert.Equal(t, []byte{1, 2}, second[:2])

	_, err = dev.TryRecvVectored([][]byte{first})
	assert.Equal(t, ErrWouldBlock, err)
}
