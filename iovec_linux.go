package tun

import "golang.org/x/sys/unix"

func readvFd(fd int, bufs [][]byte) (int, error) {
	return unix.Readv(fd, bufs)
}

func writevFd(fd int, bufs [][]byte) (int, error) {
	return unix.Writev(fd, bufs)
}
