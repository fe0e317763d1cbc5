// Package mux turns descriptor readiness into queued events.
//
// A Multiplexer owns one native readiness primitive (epoll on Linux, kqueue
// on the BSDs and Darwin) plus a wake descriptor, so a goroutine parked in
// the OS wait can be released to handle software-enqueued work. At most one
// goroutine sits in the OS wait at a time; the others park until its round
// ends and then all look for work again.
package mux

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

var (
	ErrUnsupported = errors.New("mux: readiness multiplexing not supported on this platform")
	ErrClosed      = errors.New("mux: closed")
	ErrNotAttached = errors.New("mux: descriptor not attached")
)

var ReadinessTag = event.TagOf("xtreemfs.mux.Readiness")

// Readiness reports that a descriptor became readable or writable, or failed.
type Readiness struct {
	event.Base
	FD       int
	Context  any
	Errno    syscall.Errno
	Readable bool
	Writable bool
}

func (*Readiness) TypeTag() uint32 { return ReadinessTag }

type readyFD struct {
	fd       int
	readable bool
	writable bool
	failed   bool
}

// poller is the per-platform native primitive.
type poller interface {
	add(fd int, read, write bool) error
	mod(fd int, read, write bool) error
	del(fd int) error
	// wait fills out with ready descriptors, excluding the wake descriptor.
	// A negative ms blocks until something is ready or wake is called.
	wait(out []readyFD, ms int) (int, error)
	wake() error
	sockErr(fd int) syscall.Errno
	closeFD(fd int) error
	close() error
}

type Multiplexer struct {
	p poller

	mu       sync.Mutex
	contexts map[int]any
	pending  []*Readiness

	workCheck func() bool

	waitMu  sync.Mutex
	buf     []readyFD
	roundMu sync.Mutex
	round   chan struct{}
	closed  atomic.Bool
}

func New() (*Multiplexer, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &Multiplexer{
		p:        p,
		contexts: make(map[int]any),
		buf:      make([]readyFD, 128),
		round:    make(chan struct{}),
	}, nil
}

// Attach starts watching fd. ctx is returned with every readiness event.
func (m *Multiplexer) Attach(fd int, ctx any, read, write bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[fd]; ok {
		if err := m.p.mod(fd, read, write); err != nil {
			return err
		}
	} else if err := m.p.add(fd, read, write); err != nil {
		return err
	}
	m.contexts[fd] = ctx
	return nil
}

// Toggle changes the interest set of an attached descriptor.
func (m *Multiplexer) Toggle(fd int, ctx any, read, write bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[fd]; !ok {
		return ErrNotAttached
	}
	if err := m.p.mod(fd, read, write); err != nil {
		return err
	}
	m.contexts[fd] = ctx
	return nil
}

// Detach stops watching fd and drops readiness already collected for it.
// Unless keepOpen is set the descriptor is closed.
func (m *Multiplexer) Detach(fd int, ctx any, keepOpen bool) error {
	m.mu.Lock()
	_, ok := m.contexts[fd]
	delete(m.contexts, fd)
	kept := m.pending[:0]
	for _, r := range m.pending {
		if r.FD != fd {
			kept = append(kept, r)
		}
	}
	m.pending = kept
	var err error
	if ok {
		err = m.p.del(fd)
	}
	m.mu.Unlock()

	if !keepOpen {
		if cerr := m.p.closeFD(fd); err == nil {
			err = cerr
		}
	}
	if !ok && err == nil {
		return ErrNotAttached
	}
	return err
}

// Attached reports the number of watched descriptors.
func (m *Multiplexer) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Wake releases a goroutine blocked in the OS wait.
func (m *Multiplexer) Wake() error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.p.wake()
}

func (m *Multiplexer) Dequeue() *Readiness {
	return m.TimedDequeue(-1)
}

func (m *Multiplexer) TryDequeue() *Readiness {
	return m.TimedDequeue(0)
}

// TimedDequeue waits up to timeout for a readiness event. A negative timeout
// blocks. It may return nil before the timeout when Wake is called or when
// another goroutine's OS wait ends empty, so callers can look at other work.
func (m *Multiplexer) TimedDequeue(timeout time.Duration) *Readiness {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		// Taken before looking for work: whoever holds waitMu now
		// finishes its round after this point and closes done.
		done := m.currentRound()
		if r := m.pop(); r != nil {
			return r
		}
		if m.closed.Load() || (timeout != 0 && m.hasWork()) {
			return nil
		}
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
		}
		if m.waitMu.TryLock() {
			woke := true
			// Work queued since the check above may have had its wake
			// consumed by the previous poller.
			if timeout == 0 || !m.hasWork() {
				woke = m.poll(remaining)
			}
			m.waitMu.Unlock()
			m.endRound()
			if r := m.pop(); r != nil {
				return r
			}
			if timeout == 0 || woke {
				return nil
			}
			continue
		}
		if timeout == 0 {
			return nil
		}
		m.await(done, remaining)
		return m.pop()
	}
}

// SetWorkCheck installs a check for work queued outside the multiplexer.
// While it reports true no goroutine blocks in the OS wait.
func (m *Multiplexer) SetWorkCheck(f func() bool) {
	m.mu.Lock()
	m.workCheck = f
	m.mu.Unlock()
}

func (m *Multiplexer) hasWork() bool {
	m.mu.Lock()
	f := m.workCheck
	m.mu.Unlock()
	return f != nil && f()
}

func (m *Multiplexer) currentRound() chan struct{} {
	m.roundMu.Lock()
	defer m.roundMu.Unlock()
	return m.round
}

// endRound releases every goroutine parked on the current round.
func (m *Multiplexer) endRound() {
	m.roundMu.Lock()
	close(m.round)
	m.round = make(chan struct{})
	m.roundMu.Unlock()
}

// await parks a non-polling caller until the poller's round ends.
func (m *Multiplexer) await(done <-chan struct{}, d time.Duration) {
	if d < 0 {
		<-done
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}

// poll performs one OS wait and queues the results. It reports whether the
// wait returned without any descriptor being ready.
func (m *Multiplexer) poll(timeout time.Duration) bool {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := m.p.wait(m.buf, ms)
	if err != nil || n == 0 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rf := range m.buf[:n] {
		ctx, ok := m.contexts[rf.fd]
		if !ok {
			continue
		}
		r := &Readiness{FD: rf.fd, Context: ctx, Readable: rf.readable, Writable: rf.writable}
		if rf.failed {
			r.Errno = m.p.sockErr(rf.fd)
		}
		m.pending = append(m.pending, r)
	}
	return false
}

func (m *Multiplexer) pop() *Readiness {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	r := m.pending[0]
	m.pending[0] = nil
	m.pending = m.pending[1:]
	return r
}

// Close releases the native resources. Attached descriptors stay open.
func (m *Multiplexer) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = m.p.wake()
	m.endRound()
	m.waitMu.Lock()
	defer m.waitMu.Unlock()
	return m.p.close()
}
