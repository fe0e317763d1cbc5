// Package transport owns the client's connections: one Conn per socket, a
// Pool per destination and a Manager over all pools.
//
// A Conn serves one request at a time and moves through
//
//	idle → connecting → writing → reading → idle
//
// falling back to idle, closed, on any I/O failure. Conns are handed out
// exclusively: whoever holds one from Pool.Get is its only user until Put
// or Discard.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
	"github.com/xtreemfs/xtreemfs-sub001/message"
	"github.com/xtreemfs/xtreemfs-sub001/protocol"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateWriting
	StateReading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateWriting:
		return "writing"
	case StateReading:
		return "reading"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Conn struct {
	ID   string
	Addr string

	nc       net.Conn
	fd       int
	state    atomic.Int32
	lastUsed atomic.Int64
	xid      uint32
	inflight event.Request
	unusable bool
	pool     *Pool
	log      *logging.Logger
}

func newConn(p *Pool) *Conn {
	c := &Conn{
		ID:   uuid.New().String(),
		Addr: p.addr,
		fd:   -1,
		pool: p,
	}
	c.log = logging.With(logging.With(p.log, "conn", c.ID), "addr", p.addr)
	c.touch()
	return c
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

// LastActivity is the time of the last state change or completed I/O.
func (c *Conn) LastActivity() time.Time { return time.Unix(0, c.lastUsed.Load()) }

// Connected reports whether the Conn has a live socket.
func (c *Conn) Connected() bool { return c.nc != nil && c.State() != StateClosed }

// FD is the socket descriptor, or -1 if unknown.
func (c *Conn) FD() int { return c.fd }

// NextXID returns a transaction id unique among this connection's calls.
func (c *Conn) NextXID() uint32 {
	c.xid++
	return c.xid
}

func (c *Conn) InFlight() event.Request { return c.inflight }

func (c *Conn) SetInFlight(r event.Request) { c.inflight = r }

// MarkUnusable makes the pool close the Conn instead of reusing it.
func (c *Conn) MarkUnusable() { c.unusable = true }

// Connect dials the destination within timeout. On failure the Conn stays
// unconnected and may be retried.
func (c *Conn) Connect(ctx context.Context, timeout time.Duration) error {
	c.setState(StateConnecting)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	nc, err := c.pool.dial(ctx, c.Addr)
	if err != nil {
		c.setState(StateIdle)
		c.touch()
		return err
	}
	c.fd = fdOf(nc)
	if c.pool.trace {
		nc = &TraceConn{Conn: nc, log: c.log}
	}
	c.nc = nc
	c.xid = 0
	c.unusable = false
	c.setState(StateIdle)
	c.touch()
	c.log.Debug().Int("fd", c.fd).Log("connected")
	return nil
}

// WriteRecord sends one framed record before deadline.
func (c *Conn) WriteRecord(record []byte, deadline time.Time) error {
	c.setState(StateWriting)
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return c.fail(err)
	}
	if err := protocol.WriteRecord(c.nc, record); err != nil {
		return c.fail(err)
	}
	c.touch()
	return nil
}

// ReadRecord reads one framed record before deadline. A framing violation
// is reported as message.ErrProtocol and leaves the Conn closed.
func (c *Conn) ReadRecord(deadline time.Time) ([]byte, error) {
	c.setState(StateReading)
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, c.fail(err)
	}
	record, err := protocol.ReadRecord(c.nc)
	if errors.Is(err, protocol.ErrRecordTooLarge) {
		// The stream is out of sync; nothing after this marker can be trusted.
		err = fmt.Errorf("%w: %w", message.ErrProtocol, err)
	}
	if err != nil {
		return nil, c.fail(err)
	}
	c.setState(StateIdle)
	c.touch()
	return record, nil
}

func (c *Conn) fail(err error) error {
	c.unusable = true
	c.closeSocket()
	return err
}

func (c *Conn) closeSocket() {
	if c.nc != nil {
		_ = c.nc.Close()
	}
	c.setState(StateClosed)
	c.touch()
}

func fdOf(nc net.Conn) int {
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}

// TraceConn logs every read and write at debug level.
type TraceConn struct {
	net.Conn
	log *logging.Logger
}

func (t *TraceConn) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	t.log.Debug().Int("bytes", n).Err(err).Log("read")
	return n, err
}

func (t *TraceConn) Write(p []byte) (int, error) {
	n, err := t.Conn.Write(p)
	t.log.Debug().Int("bytes", n).Err(err).Log("write")
	return n, err
}
