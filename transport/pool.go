package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/logging"
	"github.com/xtreemfs/xtreemfs-sub001/mux"
)

var (
	ErrPoolClosed    = errors.New("transport: pool closed")
	ErrPoolExhausted = errors.New("transport: connection pool exhausted")
)

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func DefaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type PoolOptions struct {
	// MaxConns bounds the Conns open to one destination. Default 4.
	MaxConns int
	Dial     Dialer
	// Mux, if set, watches idle sockets so a peer close or unsolicited data
	// is noticed before the Conn is reused. Readiness events carry the
	// *Conn as context.
	Mux     *mux.Multiplexer
	TraceIO bool
	Logger  *logging.Logger
}

// Pool manages the Conns to a single destination. Conns are created lazily
// and reused most-recently-idle first.
type Pool struct {
	mu       sync.Mutex
	addr     string
	idle     []*Conn
	maxConns int
	curConns int
	closed   bool
	released chan struct{}

	dial  Dialer
	mux   *mux.Multiplexer
	trace bool
	log   *logging.Logger
}

func NewPool(addr string, opts PoolOptions) *Pool {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	if opts.Dial == nil {
		opts.Dial = DefaultDialer
	}
	return &Pool{
		addr:     addr,
		maxConns: opts.MaxConns,
		released: make(chan struct{}, opts.MaxConns),
		dial:     opts.Dial,
		mux:      opts.Mux,
		trace:    opts.TraceIO,
		log:      opts.Logger,
	}
}

func (p *Pool) Addr() string { return p.addr }

// Get returns an idle Conn, or a new unconnected one if the pool is below
// its limit. At the limit it waits for a Conn to be returned until ctx is
// done.
func (p *Pool) Get(ctx context.Context) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			p.unwatch(c)
			return c, nil
		}
		if p.curConns < p.maxConns {
			p.curConns++
			p.mu.Unlock()
			return newConn(p), nil
		}
		p.mu.Unlock()

		select {
		case <-p.released:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrPoolExhausted, p.addr, ctx.Err())
		}
	}
}

// Put returns c after a successful call. Unusable or unconnected Conns are
// discarded instead.
func (p *Pool) Put(c *Conn) {
	if c.unusable || !c.Connected() {
		p.Discard(c)
		return
	}
	c.inflight = nil
	c.setState(StateIdle)
	c.touch()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.Discard(c)
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.watch(c)
	p.signal()
}

// Discard closes c and frees its slot.
func (p *Pool) Discard(c *Conn) {
	c.inflight = nil
	c.closeSocket()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
	p.signal()
}

// Evict closes c if it is still idle in the pool. It reports whether c was
// found.
func (p *Pool) Evict(c *Conn) bool {
	p.mu.Lock()
	found := false
	for i, ic := range p.idle {
		if ic == c {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			found = true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return false
	}
	p.unwatch(c)
	p.Discard(c)
	c.log.Debug().Log("evicted idle connection")
	return true
}

// CloseIdle closes idle Conns unused for longer than olderThan and returns
// how many were closed.
func (p *Pool) CloseIdle(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	p.mu.Lock()
	var stale []*Conn
	kept := p.idle[:0]
	for _, c := range p.idle {
		if c.LastActivity().Before(cutoff) {
			stale = append(stale, c)
		} else {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range stale {
		p.unwatch(c)
		p.Discard(c)
		c.log.Debug().Log("closed idle connection")
	}
	return len(stale)
}

// Idle counts Conns parked in the pool, connected and unused.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Open counts Conns handed out or idle.
func (p *Pool) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.curConns
}

// Close closes every idle Conn and refuses further Gets with ErrPoolClosed.
//
// Conns handed out before Close are not interrupted: their holders finish
// the call in progress, and Put then discards them instead of returning
// them to the idle list. Close is idempotent and always returns nil.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		p.unwatch(c)
		p.Discard(c)
	}
	return nil
}

func (p *Pool) signal() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}

func (p *Pool) watch(c *Conn) {
	if p.mux == nil || c.fd < 0 {
		return
	}
	if err := p.mux.Attach(c.fd, c, true, false); err != nil {
		c.log.Debug().Err(err).Log("cannot watch idle connection")
	}
}

func (p *Pool) unwatch(c *Conn) {
	if p.mux == nil || c.fd < 0 {
		return
	}
	_ = p.mux.Detach(c.fd, c, true)
}
