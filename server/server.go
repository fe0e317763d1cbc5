// Package server accepts RPC connections and runs procedures on a stage.
//
// Request processing:
//
//	Accept conn → serve (one goroutine reads records in order)
//	  → decode header, check interface and operation → decode body
//	  → server stage → middleware chain → procedure (reflect.Call)
//	  → response or exception written back by xid
//
// Records that cannot be answered are fatal to their connection; requests
// that can be answered but not served get an exception with an ONC-RPC
// style code.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtreemfs/xtreemfs-sub001/config"
	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
	"github.com/xtreemfs/xtreemfs-sub001/message"
	"github.com/xtreemfs/xtreemfs-sub001/metrics"
	"github.com/xtreemfs/xtreemfs-sub001/middleware"
	"github.com/xtreemfs/xtreemfs-sub001/protocol"
	"github.com/xtreemfs/xtreemfs-sub001/registry"
	"github.com/xtreemfs/xtreemfs-sub001/stage"
)

var ErrServerClosed = errors.New("server: closed")

type Options struct {
	Config config.Server
	// Types decodes request bodies. Required.
	Types *event.Registry
	// Registry, if set, announces every service under the advertise
	// address while serving.
	Registry registry.Registry
	Logger   *logging.Logger
	Metrics  metrics.Recorder
}

type Server struct {
	cfg      config.Server
	types    *event.Registry
	services map[uint32]*service
	mws      []middleware.Middleware
	handler  middleware.HandlerFunc
	stage    *stage.Stage
	registry registry.Registry
	log      *logging.Logger
	metrics  metrics.Recorder

	mu            sync.Mutex
	listener      net.Listener
	advertiseAddr string
	conns         map[*serverConn]struct{}
	connWG        sync.WaitGroup
	shutdown      atomic.Bool
	started       atomic.Bool
}

func New(opts Options) (*Server, error) {
	if opts.Types == nil {
		return nil, errors.New("server: Options.Types is required")
	}
	opts.Config.Normalize()
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	s := &Server{
		cfg:      opts.Config,
		types:    opts.Types,
		services: make(map[uint32]*service),
		registry: opts.Registry,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		conns:    make(map[*serverConn]struct{}),
	}
	s.stage = stage.New("server", s,
		stage.WithThreads(s.cfg.Threads),
		stage.WithQueueCapacity(s.cfg.QueueCapacity),
		stage.WithLogger(opts.Logger),
		stage.WithMetrics(opts.Metrics),
	)
	return s, nil
}

// Register adds the procedures of rcvr, e.g. &testsvc.Service{}.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.services[svc.iface]; ok {
		return fmt.Errorf("%w: %d by %s and %s", ErrDuplicateInterface, svc.iface, prev.name, svc.name)
	}
	s.services[svc.iface] = svc
	return nil
}

// Use adds a middleware. Middlewares run in the order added, outside the
// ones built from the configuration.
func (s *Server) Use(mw middleware.Middleware) {
	s.mws = append(s.mws, mw)
}

func (s *Server) Stage() *stage.Stage { return s.stage }

// Addr is the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after
// Shutdown and the accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: already serving")
	}
	if s.shutdown.Load() {
		_ = ln.Close()
		return ErrServerClosed
	}

	mws := append([]middleware.Middleware{middleware.Logging(s.log)}, s.mws...)
	if s.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(s.cfg.RateLimit, max(s.cfg.RateBurst, 1)))
	}
	if s.cfg.HandlerRetries > 0 {
		mws = append(mws, middleware.Retry(s.cfg.HandlerRetries, s.cfg.HandlerRetryDelay, s.log))
	}
	if s.cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(s.cfg.HandlerTimeout))
	}
	s.handler = middleware.Chain(mws...)(s.invoke)

	s.mu.Lock()
	s.listener = ln
	s.advertiseAddr = s.cfg.AdvertiseAddr
	if s.advertiseAddr == "" || s.advertiseAddr == s.cfg.Address {
		s.advertiseAddr = ln.Addr().String()
	}
	s.mu.Unlock()

	s.stage.Start()
	if err := s.announce(); err != nil {
		s.log.Err().Err(err).Log("cannot register with the service registry")
	}
	s.log.Info().Str("addr", ln.Addr().String()).Int("services", len(s.services)).Log("serving")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		c := s.track(nc)
		if c == nil {
			_ = nc.Close()
			continue
		}
		go s.serve(c)
	}
}

func (s *Server) announce() error {
	if s.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	var errs []error
	for iface := range s.services {
		inst := registry.ServiceInstance{Addr: s.advertiseAddr, Weight: 1}
		errs = append(errs, s.registry.Register(ctx, registry.ServiceName(iface), inst, s.cfg.RegistryTTL))
	}
	return errors.Join(errs...)
}

func (s *Server) track(nc net.Conn) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return nil
	}
	c := &serverConn{nc: nc, id: uuid.New().String()}
	c.log = logging.With(logging.With(s.log, "conn", c.id), "remote", nc.RemoteAddr().String())
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return c
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.nc.Close()
	s.connWG.Done()
}

// serve reads records off one connection in order. Each decodable request
// is handed to the stage; its response is written whenever it is ready.
func (s *Server) serve(c *serverConn) {
	defer s.untrack(c)
	c.log.Debug().Log("connection accepted")
	for {
		data, err := protocol.ReadRecord(c.nc)
		if err != nil {
			if !s.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Log("connection closed")
			}
			return
		}
		if !s.dispatch(c, data) {
			return
		}
	}
}

// dispatch decodes one request record. It returns false if the connection
// can no longer be trusted.
func (s *Server) dispatch(c *serverConn, data []byte) bool {
	h, req, err := message.DecodeRequest(s.types, data)
	if errors.Is(err, message.ErrMalformed) {
		s.metrics.ProtocolError(context.Background(), c.nc.RemoteAddr().String())
		c.log.Err().Err(err).Log("malformed request, closing connection")
		return false
	}

	svc, ok := s.lookup(h.Interface)
	if !ok {
		return c.reply(h.XID, event.NewException(event.CodeProgramUnavailable,
			"interface %d is not served here", h.Interface))
	}
	if _, ok := svc.procs[h.Operation]; !ok {
		return c.reply(h.XID, event.NewException(event.CodeProcedureUnavailable,
			"interface %d has no operation %d", h.Interface, h.Operation))
	}
	switch {
	case errors.Is(err, message.ErrUnknownType), errors.Is(err, message.ErrWrongKind):
		return c.reply(h.XID, event.NewException(event.CodeProcedureUnavailable, "%v", err))
	case err != nil:
		return c.reply(h.XID, event.NewException(event.CodeGarbageArguments, "%v", err))
	}

	req.SetResponseTarget(responder{conn: c, xid: h.XID})
	in := &inbound{Request: req, cred: h.Credential, conn: c}
	if !s.stage.Send(in) {
		return c.reply(h.XID, event.NewException(event.CodeSystemError, "server busy"))
	}
	return true
}

func (s *Server) lookup(iface uint32) (*service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[iface]
	return svc, ok
}

// inbound is a decoded request queued on the server stage.
type inbound struct {
	event.Base
	event.Request
	cred message.Credential
	conn *serverConn
}

// ThreadSafe lets procedures run concurrently; they must guard their own
// state.
func (s *Server) ThreadSafe() bool { return true }

func (s *Server) Handle(ev event.Event) error {
	in, ok := ev.(*inbound)
	if !ok {
		return fmt.Errorf("%w: %T", event.ErrUnknownEvent, ev)
	}
	ctx := context.WithValue(context.Background(), credentialKey{}, in.cred)
	resp, err := s.handler(ctx, in.Request)
	if err != nil {
		return err
	}
	if !in.Respond(resp) {
		in.conn.log.Debug().Log("request already answered")
	}
	return nil
}

// invoke is the innermost handler: it runs the procedure for req.
func (s *Server) invoke(ctx context.Context, req event.Request) (event.Response, error) {
	svc, ok := s.lookup(req.InterfaceNumber())
	if !ok {
		return nil, event.NewException(event.CodeProgramUnavailable, "interface %d is not served here", req.InterfaceNumber())
	}
	p, ok := svc.procs[req.OperationNumber()]
	if !ok {
		return nil, event.NewException(event.CodeProcedureUnavailable, "interface %d has no operation %d",
			req.InterfaceNumber(), req.OperationNumber())
	}
	if got := reflect.TypeOf(req); got != p.argType {
		return nil, event.NewException(event.CodeGarbageArguments, "%s.%s takes %s, got %s",
			svc.name, p.method.Name, p.argType, got)
	}
	return svc.call(ctx, p, req)
}

type credentialKey struct{}

// CredentialFrom returns the credential the caller attached to the
// request being served.
func CredentialFrom(ctx context.Context) (message.Credential, bool) {
	c, ok := ctx.Value(credentialKey{}).(message.Credential)
	return c, ok
}

// Shutdown withdraws the services from the registry, stops accepting,
// finishes queued requests and closes every connection.
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.mu.Lock()
	ln, addr := s.listener, s.advertiseAddr
	s.mu.Unlock()
	if s.registry != nil && ln != nil {
		for iface := range s.services {
			errs = append(errs, s.registry.Deregister(ctx, registry.ServiceName(iface), addr))
		}
	}
	if ln != nil {
		errs = append(errs, ln.Close())
	}

	errs = append(errs, s.stage.Shutdown(timeout))

	s.mu.Lock()
	for c := range s.conns {
		_ = c.nc.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: connections still open: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// serverConn is one accepted connection. Responses may complete in any
// order, so writes are serialized.
type serverConn struct {
	nc      net.Conn
	id      string
	writeMu sync.Mutex
	log     *logging.Logger
}

func (c *serverConn) write(record []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteRecord(c.nc, record)
}

// reply writes resp for xid and reports whether the connection is still
// usable.
func (c *serverConn) reply(xid uint32, resp event.Response) bool {
	if err := c.write(message.EncodeResponse(xid, resp)); err != nil {
		c.log.Debug().Err(err).Log("cannot write response")
		return false
	}
	return true
}

// responder routes a request's response back to its connection.
type responder struct {
	conn *serverConn
	xid  uint32
}

func (r responder) Send(ev event.Event) bool {
	resp, ok := ev.(event.Response)
	if !ok {
		r.conn.log.Err().Str("type", fmt.Sprintf("%T", ev)).Log("response is not a response event")
		return false
	}
	return r.conn.reply(r.xid, resp)
}
