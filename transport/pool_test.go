package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreemfs/xtreemfs-sub001/mux"
	"github.com/xtreemfs/xtreemfs-sub001/protocol"
)

// echoServer answers every record with the same record.
func echoServer(t *testing.T) (addr string, accepted *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted = new(atomic.Int32)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				defer nc.Close()
				for {
					rec, err := protocol.ReadRecord(nc)
					if err != nil {
						return
					}
					if protocol.WriteRecord(nc, rec) != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), accepted
}

func roundTrip(t *testing.T, c *Conn, payload string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	require.NoError(t, c.WriteRecord([]byte(payload), deadline))
	rec, err := c.ReadRecord(deadline)
	require.NoError(t, err)
	assert.Equal(t, payload, string(rec))
}

func TestPoolReusesConnection(t *testing.T) {
	addr, accepted := echoServer(t)
	p := NewPool(addr, PoolOptions{MaxConns: 2})
	defer p.Close()
	ctx := context.Background()

	c, err := p.Get(ctx)
	require.NoError(t, err)
	assert.False(t, c.Connected())
	assert.Equal(t, StateIdle, c.State())
	require.NoError(t, c.Connect(ctx, time.Second))
	assert.True(t, c.Connected())
	assert.NotEmpty(t, c.ID)
	roundTrip(t, c, "one")
	p.Put(c)
	assert.Equal(t, 1, p.Idle())

	c2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, c, c2)
	roundTrip(t, c2, "two")
	p.Put(c2)

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, 1, p.Open())
}

func TestConnXIDsIncrease(t *testing.T) {
	addr, _ := echoServer(t)
	p := NewPool(addr, PoolOptions{})
	defer p.Close()
	c, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.NextXID())
	assert.Equal(t, uint32(2), c.NextXID())
	p.Discard(c)
}

func TestPoolExhaustedWaitsForPut(t *testing.T) {
	addr, _ := echoServer(t)
	p := NewPool(addr, PoolOptions{MaxConns: 1})
	defer p.Close()

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan *Conn, 1)
	go func() {
		c2, err := p.Get(context.Background())
		if err == nil {
			got <- c2
		}
	}()
	time.Sleep(20 * time.Millisecond)
	p.Put(c)
	select {
	case c2 := <-got:
		assert.Same(t, c, c2)
		p.Put(c2)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestUnusableConnIsDiscarded(t *testing.T) {
	addr, _ := echoServer(t)
	p := NewPool(addr, PoolOptions{MaxConns: 1})
	defer p.Close()

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), time.Second))
	c.MarkUnusable()
	p.Put(c)
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, 0, p.Open())
	assert.Equal(t, StateClosed, c.State())

	c2, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	p.Discard(c2)
}

func TestConnectFailureLeavesConnRetryable(t *testing.T) {
	var dials atomic.Int32
	p := NewPool("unreachable:1", PoolOptions{Dial: func(context.Context, string) (net.Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}})
	defer p.Close()

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Error(t, c.Connect(context.Background(), time.Second))
	assert.Error(t, c.Connect(context.Background(), time.Second))
	assert.False(t, c.Connected())
	assert.Equal(t, int32(2), dials.Load())
	p.Put(c)
	assert.Equal(t, 0, p.Open())
}

func TestReadFailureClosesConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			_ = nc.Close()
		}
	}()

	p := NewPool(ln.Addr().String(), PoolOptions{})
	defer p.Close()
	c, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), time.Second))
	_, err = c.ReadRecord(time.Now().Add(time.Second))
	assert.Error(t, err)
	assert.Equal(t, StateClosed, c.State())
	p.Put(c)
	assert.Equal(t, 0, p.Open())
}

func TestCloseIdle(t *testing.T) {
	addr, _ := echoServer(t)
	m := NewManager(PoolOptions{MaxConns: 2})
	defer m.Close()
	p := m.Pool(addr)
	assert.Same(t, p, m.Pool(addr))

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), time.Second))
	p.Put(c)

	assert.Equal(t, 0, m.CloseIdle(time.Hour))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, m.CloseIdle(5*time.Millisecond))
	assert.Equal(t, 0, p.Idle())
	assert.Equal(t, StateClosed, c.State())
}

func TestClosedPool(t *testing.T) {
	p := NewPool("127.0.0.1:1", PoolOptions{})
	require.NoError(t, p.Close())
	_, err := p.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestIdleConnWatchedByMux(t *testing.T) {
	m, err := mux.New()
	if errors.Is(err, mux.ErrUnsupported) {
		t.Skip(err)
	}
	require.NoError(t, err)
	defer m.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	peer := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			peer <- nc
		}
	}()

	p := NewPool(ln.Addr().String(), PoolOptions{Mux: m})
	defer p.Close()
	c, err := p.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), time.Second))
	require.GreaterOrEqual(t, c.FD(), 0)
	p.Put(c)
	assert.Equal(t, 1, m.Attached())

	(<-peer).Close()
	ev := m.TimedDequeue(2 * time.Second)
	require.NotNil(t, ev)
	assert.Same(t, c, ev.Context)

	assert.True(t, p.Evict(c))
	assert.False(t, p.Evict(c))
	assert.Equal(t, 0, m.Attached())
	assert.Equal(t, 0, p.Open())
}
