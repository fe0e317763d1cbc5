//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

package mux

func newPoller() (poller, error) {
	return nil, ErrUnsupported
}
