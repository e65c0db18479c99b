package tun

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type eventWaker struct {
	efd int
}

func newWaker() (waker, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &eventWaker{efd: efd}, nil
}

func (w *eventWaker) fd() int {
	return w.efd
}

func (w *eventWaker) wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.efd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *eventWaker) close() error {
	return unix.Close(w.efd)
}
