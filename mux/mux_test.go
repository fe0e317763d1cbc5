//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package mux

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newMux(t *testing.T) *Multiplexer {
	t.Helper()
	m, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type tick struct {
	event.Base
	N int
}

func (*tick) TypeTag() uint32 { return event.TagOf("xtreemfs.test.Tick") }

func TestReadReadiness(t *testing.T) {
	m := newMux(t)
	r, w := newPipe(t)

	require.NoError(t, m.Attach(r, "pipe", true, false))
	assert.Nil(t, m.TryDequeue())

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	ev := m.TimedDequeue(time.Second)
	require.NotNil(t, ev)
	assert.Equal(t, r, ev.FD)
	assert.Equal(t, "pipe", ev.Context)
	assert.True(t, ev.Readable)
	assert.Zero(t, ev.Errno)
	assert.Equal(t, ReadinessTag, ev.TypeTag())
}

func TestToggleWriteInterest(t *testing.T) {
	m := newMux(t)
	_, w := newPipe(t)

	require.NoError(t, m.Attach(w, 1, false, false))
	assert.Nil(t, m.TimedDequeue(20*time.Millisecond))

	require.NoError(t, m.Toggle(w, 2, false, true))
	ev := m.TimedDequeue(time.Second)
	require.NotNil(t, ev)
	assert.True(t, ev.Writable)
	assert.Equal(t, 2, ev.Context)

	assert.ErrorIs(t, m.Toggle(w+1000, nil, true, false), ErrNotAttached)
}

func TestDetachKeepOpen(t *testing.T) {
	m := newMux(t)
	r, w := newPipe(t)

	require.NoError(t, m.Attach(r, nil, true, false))
	require.NoError(t, m.Detach(r, nil, true))
	assert.Equal(t, 0, m.Attached())

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	assert.Nil(t, m.TimedDequeue(20*time.Millisecond))

	// still open: the byte can be read
	buf := make([]byte, 1)
	n, err := unix.Read(r, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTimedDequeueHonoursTimeout(t *testing.T) {
	m := newMux(t)
	start := time.Now()
	assert.Nil(t, m.TimedDequeue(30*time.Millisecond))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestWakeReleasesBlockedWait(t *testing.T) {
	m := newMux(t)
	done := make(chan struct{})
	go func() {
		m.Dequeue()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Wake())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked wait was not released")
	}
}

func TestHybridQueueWakesOnEnqueue(t *testing.T) {
	q := NewHybridQueue(newMux(t), 16)
	got := make(chan event.Event, 1)
	go func() { got <- q.Dequeue() }()
	time.Sleep(20 * time.Millisecond)
	require.True(t, q.Enqueue(&tick{N: 1}))
	select {
	case ev := <-got:
		assert.Equal(t, 1, ev.(*tick).N)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not release the consumer")
	}
}

func TestHybridQueueInterleavesSources(t *testing.T) {
	m := newMux(t)
	q := NewHybridQueue(m, 64)
	r, w := newPipe(t)
	require.NoError(t, m.Attach(r, nil, true, false))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	for i := 0; i < 3*MaxMemoryBurst; i++ {
		require.True(t, q.Enqueue(&tick{N: i}))
	}

	// the readiness event (level triggered, never drained) must surface
	// before the in-memory backlog is exhausted
	sawReadiness := false
	for i := 0; i <= MaxMemoryBurst; i++ {
		ev := q.TimedDequeue(time.Second)
		require.NotNil(t, ev)
		if _, ok := ev.(*Readiness); ok {
			sawReadiness = true
			break
		}
	}
	assert.True(t, sawReadiness)
	require.NoError(t, m.Detach(r, nil, true))

	// memory events keep their order
	last := -1
	for {
		ev := q.TryDequeue()
		if ev == nil {
			break
		}
		if tk, ok := ev.(*tick); ok {
			assert.Greater(t, tk.N, last)
			last = tk.N
		}
	}
	assert.Equal(t, 3*MaxMemoryBurst-1, last)
}

func TestHybridQueueTimedDequeueEmpty(t *testing.T) {
	q := NewHybridQueue(newMux(t), 4)
	start := time.Now()
	assert.Nil(t, q.TimedDequeue(30*time.Millisecond))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHybridQueueServesEveryParkedConsumer(t *testing.T) {
	q := NewHybridQueue(newMux(t), 16)
	const consumers = 4
	got := make(chan event.Event, consumers)
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got <- q.Dequeue()
		}()
	}
	time.Sleep(30 * time.Millisecond)

	for i := 0; i < consumers; i++ {
		require.True(t, q.Enqueue(&tick{N: i}))
		time.Sleep(2 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("consumers served: %d of %d, left in memory queue: %d", len(got), consumers, q.Len())
	}
	assert.Zero(t, q.Len())
}

func TestParkedWaitersReleasedWhenRoundEnds(t *testing.T) {
	m := newMux(t)
	const waiters = 3
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Dequeue()
		}()
	}
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Wake())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a single wake did not release every parked waiter")
	}
}
