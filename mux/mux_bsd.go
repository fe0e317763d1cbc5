//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package mux

import (
	"syscall"

	"golang.org/x/sys/unix"
)

type kqueuer struct {
	kq     int
	wakeR  int
	wakeW  int
	events [128]unix.Kevent_t
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			_ = unix.Close(kq)
			return nil, err
		}
	}
	p := &kqueuer{kq: kq, wakeR: fds[0], wakeW: fds[1]}
	if err := p.change(p.wakeR, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE); err != nil {
		_ = p.close()
		return nil, err
	}
	return p, nil
}

func (p *kqueuer) change(fd, filter, flags int) error {
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, filter, flags)
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuer) set(fd int, read, write bool) error {
	readFlags, writeFlags := unix.EV_ADD|unix.EV_DISABLE, unix.EV_ADD|unix.EV_DISABLE
	if read {
		readFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	if write {
		writeFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	if err := p.change(fd, unix.EVFILT_READ, readFlags); err != nil {
		return err
	}
	return p.change(fd, unix.EVFILT_WRITE, writeFlags)
}

func (p *kqueuer) add(fd int, read, write bool) error { return p.set(fd, read, write) }

func (p *kqueuer) mod(fd int, read, write bool) error { return p.set(fd, read, write) }

func (p *kqueuer) del(fd int) error {
	rerr := p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	werr := p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	for _, err := range []error{rerr, werr} {
		if err != nil && err != unix.ENOENT && err != unix.EBADF {
			return err
		}
	}
	return nil
}

func (p *kqueuer) wait(out []readyFD, ms int) (int, error) {
	var ts *unix.Timespec
	if ms >= 0 {
		t := unix.NsecToTimespec(int64(ms) * 1e6)
		ts = &t
	}
	max := len(p.events)
	if len(out) < max {
		max = len(out)
	}
	n, err := unix.Kevent(p.kq, nil, p.events[:max], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	j := 0
	for i := 0; i < n; i++ {
		kev := p.events[i]
		fd := int(kev.Ident)
		if fd == p.wakeR {
			p.drain()
			continue
		}
		out[j] = readyFD{
			fd:       fd,
			readable: kev.Filter == unix.EVFILT_READ || kev.Flags&unix.EV_EOF != 0,
			writable: kev.Filter == unix.EVFILT_WRITE,
			failed:   kev.Flags&unix.EV_ERROR != 0,
		}
		j++
	}
	return j, nil
}

func (p *kqueuer) drain() {
	var buf [64]byte
	for {
		if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (p *kqueuer) wake() error {
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuer) sockErr(fd int) syscall.Errno {
	return socketError(fd)
}

func (p *kqueuer) closeFD(fd int) error {
	return unix.Close(fd)
}

func (p *kqueuer) close() error {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
