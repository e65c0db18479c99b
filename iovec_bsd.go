//go:build darwin || freebsd

package tun

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// x/sys only wraps readv(2) and writev(2) on linux, so the BSDs go through
// the raw syscalls.

func readvFd(fd int, bufs [][]byte) (int, error) {
	return iovecSyscall(unix.SYS_READV, fd, bufs)
}

func writevFd(fd int, bufs [][]byte) (int, error) {
	return iovecSyscall(unix.SYS_WRITEV, fd, bufs)
}

func iovecSyscall(trap uintptr, fd int, bufs [][]byte) (int, error) {
	iovs := make([]unix.Iovec, 0, len(bufs))
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		var iov unix.Iovec
		iov.Base = &b[0]
		iov.SetLen(len(b))
		iovs = append(iovs, iov)
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall(trap, uintptr(fd), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}
