//go:build darwin || freebsd

package tun

import (
	"golang.org/x/sys/unix"
)

// pipeWaker uses a self-pipe since eventfd is linux only.
type pipeWaker struct {
	r, w int
}

func newWaker() (waker, error) {
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &pipeWaker{r: p[0], w: p[1]}, nil
}

func (w *pipeWaker) fd() int {
	return w.r
}

func (w *pipeWaker) wake() error {
	_, err := unix.Write(w.w, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *pipeWaker) close() error {
	unix.Close(w.w)
	return unix.Close(w.r)
}
