//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package reactor

import (
	"errors"

	"golang.org/x/sys/unix"
)

const kqueueBatch = 128

type kqueuePoller struct {
	kq     int
	wakeR  int
	wakeW  int
	events []unix.Kevent_t
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		_ = unix.SetNonblock(fd, true)
	}

	p := &kqueuePoller{
		kq:     kq,
		wakeR:  fds[0],
		wakeW:  fds[1],
		events: make([]unix.Kevent_t, kqueueBatch),
	}
	if err := p.ctl(p.wakeR, unix.EV_ADD); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

func (p *kqueuePoller) ctl(fd, flags int) error {
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, flags)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// add is a no-op: kqueue filters are installed by arm.
func (p *kqueuePoller) add(int) error { return nil }

func (p *kqueuePoller) arm(fd int) error {
	return p.ctl(fd, unix.EV_ADD|unix.EV_ONESHOT)
}

func (p *kqueuePoller) remove(fd int) error {
	err := p.ctl(fd, unix.EV_DELETE)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

func (p *kqueuePoller) wait(ready func(fd int)) error {
	n, err := unix.Kevent(p.kq, nil, p.events, nil)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Ident)
		if fd == p.wakeR {
			var buf [64]byte
			_, _ = unix.Read(p.wakeR, buf[:])
			continue
		}
		ready(fd)
	}
	return nil
}

func (p *kqueuePoller) wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *kqueuePoller) close() error {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
