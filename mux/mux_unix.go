//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package mux

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketError reads the pending error of a failed socket. Non-sockets and
// sockets without a recorded error report EIO.
func socketError(fd int) syscall.Errno {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || v == 0 {
		return syscall.EIO
	}
	return syscall.Errno(v)
}
