//go:build linux

package mux

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

type epoller struct {
	epfd   int
	wakefd int
	events [128]unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return &epoller{epfd: epfd, wakefd: wakefd}, nil
}

func interest(read, write bool) uint32 {
	var ev uint32
	if read {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epoller) add(fd int, read, write bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)})
}

func (p *epoller) mod(fd int, read, write bool) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: interest(read, write), Fd: int32(fd)})
}

func (p *epoller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT || err == unix.EBADF {
		return nil
	}
	return err
}

func (p *epoller) wait(out []readyFD, ms int) (int, error) {
	max := len(p.events)
	if len(out) < max {
		max = len(out)
	}
	n, err := unix.EpollWait(p.epfd, p.events[:max], ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	j := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drain()
			continue
		}
		out[j] = readyFD{
			fd:       fd,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			failed:   ev.Events&unix.EPOLLERR != 0,
		}
		j++
	}
	return j, nil
}

func (p *epoller) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epoller) wake() error {
	var one uint64 = 1
	_, err := unix.Write(p.wakefd, (*[8]byte)(unsafe.Pointer(&one))[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epoller) sockErr(fd int) syscall.Errno {
	return socketError(fd)
}

func (p *epoller) closeFD(fd int) error {
	return unix.Close(fd)
}

func (p *epoller) close() error {
	_ = unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
