//go:build darwin || freebsd

package reactor

import (
	"golang.org/x/sys/unix"
)

// Identifier of the EVFILT_USER event used to interrupt Kevent.
const wakeIdent = 0

type kqueue struct {
	kq  int
	raw []unix.Kevent_t
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var ev unix.Kevent_t
	unix.SetKevent(&ev, wakeIdent, unix.EVFILT_USER, unix.EV_ADD|unix.EV_CLEAR)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(kq)
		return nil, err
	}
	return &kqueue{kq: kq, raw: make([]unix.Kevent_t, maxEvents)}, nil
}

func (p *kqueue) add(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_CLEAR)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueue) del(fd int) error {
	changes := make([]unix.Kevent_t, 2)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, unix.EV_DELETE)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *kqueue) wait(events []event) (int, bool, error) {
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	n, err := unix.Kevent(p.kq, nil, raw, nil)
	if err == unix.EINTR {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	count := 0
	woke := false
	for _, ev := range raw[:n] {
		if ev.Filter == unix.EVFILT_USER {
			woke = true
			continue
		}
		failed := ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0
		events[count] = event{
			fd:    int(ev.Ident),
			read:  failed || ev.Filter == unix.EVFILT_READ,
			write: failed || ev.Filter == unix.EVFILT_WRITE,
		}
		count++
	}
	return count, woke, nil
}

func (p *kqueue) wake() error {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, wakeIdent, unix.EVFILT_USER, 0)
	ev.Fflags = unix.NOTE_TRIGGER
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (p *kqueue) close() error {
	return unix.Close(p.kq)
}
