//go:build linux

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// EPOLLET as an unsigned event bit.
const epollET = 1 << 31

type epoll struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return &epoll{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (p *epoll) add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | epollET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epoll) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epoll) wait(events []event) (int, bool, error) {
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	n, err := unix.EpollWait(p.epfd, raw, -1)
	if err == unix.EINTR {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	count := 0
	woke := false
	for _, ev := range raw[:n] {
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])
			woke = true
			continue
		}
		failed := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
		events[count] = event{
			fd:    fd,
			read:  failed || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			write: failed || ev.Events&unix.EPOLLOUT != 0,
		}
		count++
	}
	return count, woke, nil
}

func (p *epoll) wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// Counter is already non-zero, a wakeup is pending.
		return nil
	}
	return err
}

func (p *epoll) close() error {
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
