// Package client sends requests to remote services over pooled
// connections.
//
// A Client is an event target backed by a stage: Send queues a request and
// the stage workers carry it through connect, write and read on a
// connection they hold exclusively, then answer the request with the
// decoded response, the remote exception, or an *event.TransportError.
// Idle sockets are watched by a readiness multiplexer feeding the same
// stage, and a liveness ticker closes connections left idle too long.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xtreemfs/xtreemfs-sub001/config"
	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
	"github.com/xtreemfs/xtreemfs-sub001/message"
	"github.com/xtreemfs/xtreemfs-sub001/metrics"
	"github.com/xtreemfs/xtreemfs-sub001/mux"
	"github.com/xtreemfs/xtreemfs-sub001/queue"
	"github.com/xtreemfs/xtreemfs-sub001/stage"
	"github.com/xtreemfs/xtreemfs-sub001/transport"
)

var (
	ErrClosed    = errors.New("client: closed")
	ErrNoAddress = errors.New("client: no destination address")
)

type Options struct {
	Config config.Client
	// Types resolves response and exception tags. Required.
	Types *event.Registry
	// Addr is the destination of requests passed to Send.
	Addr string
	// Resolver picks a destination when Addr is empty.
	Resolver   *Resolver
	Credential message.Credential
	Dial       transport.Dialer
	Logger     *logging.Logger
	Metrics    metrics.Recorder
}

type Client struct {
	id       string
	cfg      config.Client
	types    *event.Registry
	addr     string
	resolver *Resolver
	cred     message.Credential
	pools    *transport.Manager
	mux      *mux.Multiplexer
	stage    *stage.Stage
	log      *logging.Logger
	metrics  metrics.Recorder

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// call is one request on its way to addr. A handler failure is answered
// through the embedded request like any other.
type call struct {
	event.Base
	event.Request
	addr     string
	deadline time.Time
	start    time.Time
}

func New(opts Options) (*Client, error) {
	if opts.Types == nil {
		return nil, errors.New("client: Options.Types is required")
	}
	opts.Config.Normalize()
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	c := &Client{
		id:       uuid.New().String(),
		cfg:      opts.Config,
		types:    opts.Types,
		addr:     opts.Addr,
		resolver: opts.Resolver,
		cred:     opts.Credential,
		metrics:  opts.Metrics,
		stop:     make(chan struct{}),
	}
	c.log = logging.With(opts.Logger, "client", c.id)

	var q queue.Queue
	m, err := mux.New()
	switch {
	case err == nil:
		c.mux = m
		q = mux.NewHybridQueue(m, c.cfg.QueueCapacity)
	case errors.Is(err, mux.ErrUnsupported):
		c.log.Info().Log("readiness multiplexer unavailable, idle connections are not watched")
		q = queue.NewBounded(c.cfg.QueueCapacity)
	default:
		return nil, fmt.Errorf("client: %w", err)
	}

	c.pools = transport.NewManager(transport.PoolOptions{
		MaxConns: c.cfg.PoolSize,
		Dial:     opts.Dial,
		Mux:      c.mux,
		TraceIO:  c.cfg.TraceIO,
		Logger:   c.log,
	})
	c.stage = stage.New("client", c,
		stage.WithThreads(c.cfg.Threads),
		stage.WithQueue(q),
		stage.WithLogger(opts.Logger),
		stage.WithMetrics(opts.Metrics),
	)
	return c, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) Stage() *stage.Stage { return c.stage }

// Start runs the client stage and the liveness ticker.
func (c *Client) Start() {
	c.stage.Start()
	c.wg.Add(1)
	go c.liveness()
}

// Send queues a request for the default destination. It returns false if
// ev is not a request, no destination is known, or the queue is full.
func (c *Client) Send(ev event.Event) bool {
	req, ok := ev.(event.Request)
	if !ok {
		c.log.Warning().Str("type", fmt.Sprintf("%T", ev)).Log("client only sends requests")
		return false
	}
	addr := c.addr
	if addr == "" {
		var err error
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		addr, err = c.resolve(ctx, req)
		cancel()
		if err != nil {
			c.log.Warning().Err(err).Log("cannot resolve destination")
			return false
		}
	}
	return c.SendTo(addr, req)
}

// SendTo queues req for addr. The outcome is delivered through
// req.Respond before the request's timeout plus one I/O phase.
func (c *Client) SendTo(addr string, req event.Request) bool {
	return c.stage.Send(c.newCall(addr, req, time.Time{}))
}

func (c *Client) newCall(addr string, req event.Request, deadline time.Time) *call {
	now := time.Now()
	timeout := req.ResponseTimeout()
	if timeout <= 0 {
		timeout = c.cfg.OperationTimeout
	}
	if d := now.Add(timeout); deadline.IsZero() || d.Before(deadline) {
		deadline = d
	}
	return &call{Request: req, addr: addr, deadline: deadline, start: now}
}

type responder interface {
	Responses() <-chan event.Response
}

// Call sends req to addr and waits for its outcome: the default response,
// the remote exception as an error, or a timeout or transport error. The
// wait ends at the earlier of ctx's deadline and the request timeout.
func (c *Client) Call(ctx context.Context, addr string, req event.Request) (event.Response, error) {
	r, ok := req.(responder)
	if !ok {
		return nil, event.ErrNoResponsePath
	}
	select {
	case <-c.stop:
		return nil, ErrClosed
	default:
	}
	if addr == "" {
		var err error
		if addr, err = c.resolve(ctx, req); err != nil {
			return nil, err
		}
	}
	deadline, _ := ctx.Deadline()
	cl := c.newCall(addr, req, deadline)
	if err := c.stage.Offer(cl); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(cl.deadline))
	defer timer.Stop()
	select {
	case resp := <-r.Responses():
		return event.Expect(resp, req.DefaultResponseTag())
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", event.ErrTimeout, addr, time.Since(cl.start))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallService is Call with the destination picked by the resolver.
func (c *Client) CallService(ctx context.Context, req event.Request) (event.Response, error) {
	addr, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, addr, req)
}

func (c *Client) resolve(ctx context.Context, req event.Request) (string, error) {
	if c.resolver == nil {
		return "", ErrNoAddress
	}
	return c.resolver.Resolve(ctx, req)
}

// Shutdown stops the stage, then closes every connection.
func (c *Client) Shutdown(timeout time.Duration) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		err = c.stage.Shutdown(timeout)
		_ = c.pools.Close()
		if c.mux != nil {
			_ = c.mux.Close()
		}
	})
	return err
}

func (c *Client) liveness() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.pools.CloseIdle(c.cfg.IdleTimeout); n > 0 {
				c.log.Debug().Int("closed", n).Log("closed idle connections")
			}
		case <-c.stop:
			return
		}
	}
}

// ThreadSafe lets every client worker serve its own connection.
func (c *Client) ThreadSafe() bool { return true }

func (c *Client) Handle(ev event.Event) error {
	switch ev := ev.(type) {
	case *call:
		c.process(ev)
		return nil
	case *mux.Readiness:
		conn, ok := ev.Context.(*transport.Conn)
		if !ok {
			return fmt.Errorf("%w: readiness for fd %d", event.ErrUnknownEvent, ev.FD)
		}
		// An idle connection must stay silent: data or hangup means the
		// peer closed it or is out of sync.
		if c.pools.Pool(conn.Addr).Evict(conn) {
			c.log.Debug().Str("conn", conn.ID).Int("errno", int(ev.Errno)).Log("idle connection became ready")
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", event.ErrUnknownEvent, ev)
	}
}

func (c *Client) process(cl *call) {
	ctx, cancel := context.WithDeadline(context.Background(), cl.deadline)
	defer cancel()
	pool := c.pools.Pool(cl.addr)

	conn, err := pool.Get(ctx)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", event.ErrTimeout, err)
		}
		c.fail(cl, 0, err)
		return
	}
	attempts := 0
	var lastErr error
	for ctx.Err() == nil {
		if !conn.Connected() {
			if attempts >= c.cfg.ReconnectMax {
				break
			}
			attempts++
			if attempts > 1 {
				c.metrics.Reconnect(ctx, cl.addr)
				c.log.Info().Str("addr", cl.addr).Int("attempt", attempts).Err(lastErr).Log("reconnecting")
			}
			if err := conn.Connect(ctx, c.cfg.ConnectTimeout); err != nil {
				lastErr = err
				continue
			}
		}

		resp, err := c.exchange(conn, cl)
		if err == nil {
			pool.Put(conn)
			c.finish(cl, resp)
			return
		}
		if errors.Is(err, message.ErrProtocol) {
			c.metrics.ProtocolError(ctx, cl.addr)
			c.log.Err().Str("addr", cl.addr).Str("conn", conn.ID).Err(err).Log("protocol error, closing connection")
			pool.Discard(conn)
			c.fail(cl, attempts, err)
			return
		}
		lastErr = err
	}
	pool.Discard(conn)
	if ctx.Err() != nil {
		lastErr = fmt.Errorf("%w: %w", event.ErrTimeout, errors.Join(ctx.Err(), lastErr))
	}
	c.fail(cl, attempts, lastErr)
}

// exchange writes the request and reads its response on conn.
func (c *Client) exchange(conn *transport.Conn, cl *call) (event.Response, error) {
	xid := conn.NextXID()
	conn.SetInFlight(cl.Request)
	if err := conn.WriteRecord(message.EncodeRequest(xid, c.cred, cl.Request), cl.deadline); err != nil {
		return nil, err
	}
	data, err := conn.ReadRecord(cl.deadline)
	if err != nil {
		return nil, err
	}
	got, resp, err := message.DecodeResponse(c.types, data)
	if err != nil {
		return nil, err
	}
	if got != xid {
		return nil, fmt.Errorf("%w: response xid %d, outstanding %d", message.ErrMismatch, got, xid)
	}
	return resp, nil
}

func (c *Client) fail(cl *call, attempts int, err error) {
	c.finish(cl, &event.TransportError{Addr: cl.addr, Attempts: attempts, Err: err})
}

func (c *Client) finish(cl *call, resp event.Response) {
	outcome := metrics.OutcomeResponse
	switch r := resp.(type) {
	case *event.TransportError:
		outcome = metrics.OutcomeTransport
		if errors.Is(r, event.ErrTimeout) {
			outcome = metrics.OutcomeTimeout
		}
	case event.Exception:
		outcome = metrics.OutcomeException
	}
	elapsed := time.Since(cl.start)
	c.metrics.CallCompleted(context.Background(), cl.addr, outcome, elapsed)
	if c.cfg.TraceOperations {
		c.log.Info().
			Str("addr", cl.addr).
			Uint64("interface", uint64(cl.Request.InterfaceNumber())).
			Uint64("operation", uint64(cl.Request.OperationNumber())).
			Str("outcome", outcome).
			Dur("elapsed", elapsed).
			Log("call completed")
	}
	if !cl.Request.Respond(resp) {
		c.log.Debug().Str("outcome", outcome).Log("request already answered, dropping outcome")
	}
}
