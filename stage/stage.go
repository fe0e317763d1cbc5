// Package stage runs event handlers on fixed pools of workers (SEDA stages).
//
// A Stage binds one Handler, one queue and N workers. Each worker loops
// dequeue, handle, repeat, until it takes a shutdown event off the queue.
// Handlers that are not thread-safe run under a stage-wide lock, taken only
// around the handler call.
package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
	"github.com/xtreemfs/xtreemfs-sub001/metrics"
	"github.com/xtreemfs/xtreemfs-sub001/queue"
)

var ErrShutdownTimeout = errors.New("stage: workers did not stop in time")

const (
	stateCreated int32 = iota
	stateRunning
	stateStopped
)

// joinAttempts is how many times Shutdown re-broadcasts and re-waits before
// giving up.
const joinAttempts = 5

type options struct {
	threads  int
	queue    queue.Queue
	capacity int
	affinity []int
	log      *logging.Logger
	metrics  metrics.Recorder
}

type Option func(*options)

// WithThreads sets the worker count. Zero or less uses runtime.NumCPU.
func WithThreads(n int) Option { return func(o *options) { o.threads = n } }

// WithQueue replaces the default bounded queue, e.g. with a hybrid queue.
func WithQueue(q queue.Queue) Option { return func(o *options) { o.queue = q } }

func WithQueueCapacity(n int) Option { return func(o *options) { o.capacity = n } }

// WithAffinity pins workers to the given logical processors.
func WithAffinity(cpus []int) Option { return func(o *options) { o.affinity = cpus } }

func WithLogger(l *logging.Logger) Option { return func(o *options) { o.log = l } }

func WithMetrics(m metrics.Recorder) Option { return func(o *options) { o.metrics = m } }

type Stage struct {
	name     string
	handler  Handler
	q        queue.Queue
	threads  int
	affinity []int
	serial   bool
	handleMu sync.Mutex
	log      *logging.Logger
	metrics  metrics.Recorder

	queueDelay *Sampler
	processing *Sampler
	arrivals   atomic.Uint64
	rejected   atomic.Uint64

	state atomic.Int32
	wg    sync.WaitGroup
}

func New(name string, h Handler, opts ...Option) *Stage {
	o := options{metrics: metrics.Noop{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.threads <= 0 {
		o.threads = runtime.NumCPU()
	}
	if o.queue == nil {
		o.queue = queue.NewBounded(o.capacity)
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop{}
	}
	return &Stage{
		name:       name,
		handler:    h,
		q:          o.queue,
		threads:    o.threads,
		affinity:   o.affinity,
		serial:     !isThreadSafe(h),
		log:        logging.With(o.log, "stage", name),
		metrics:    o.metrics,
		queueDelay: new(Sampler),
		processing: new(Sampler),
	}
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) Threads() int { return s.threads }

func (s *Stage) Queue() queue.Queue { return s.q }

// QueueDelay samples the time events wait before a worker takes them.
func (s *Stage) QueueDelay() *Sampler { return s.queueDelay }

// Processing samples handler execution time.
func (s *Stage) Processing() *Sampler { return s.processing }

func (s *Stage) Arrivals() uint64 { return s.arrivals.Load() }

func (s *Stage) Rejected() uint64 { return s.rejected.Load() }

// Start launches the workers and queues a StartupEvent for the handler.
func (s *Stage) Start() {
	if !s.state.CompareAndSwap(stateCreated, stateRunning) {
		return
	}
	s.q.Enqueue(new(event.StartupEvent))
	for i := 0; i < s.threads; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Debug().Int("threads", s.threads).Log("stage started")
}

// Send queues ev. It returns false, without queueing, when the queue is
// full; the sender decides whether to retry, block or drop.
func (s *Stage) Send(ev event.Event) bool {
	if st, ok := ev.(event.Stamped); ok {
		st.MarkEnqueued(time.Now())
	}
	s.arrivals.Add(1)
	if s.q.Enqueue(ev) {
		return true
	}
	s.rejected.Add(1)
	s.metrics.StageRejected(context.Background(), s.name)
	s.log.Warning().Str("type", fmt.Sprintf("%T", ev)).Log("event queue full, rejecting event")
	return false
}

// Offer is Send reporting backpressure as queue.ErrQueueFull.
func (s *Stage) Offer(ev event.Event) error {
	if !s.Send(ev) {
		return fmt.Errorf("stage %s: %w", s.name, queue.ErrQueueFull)
	}
	return nil
}

func (s *Stage) worker(id int) {
	defer s.wg.Done()
	if len(s.affinity) > 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := setAffinity(s.affinity); err != nil {
			s.log.Warning().Err(err).Int("worker", id).Log("cannot pin worker")
		}
	}
	for {
		ev := s.q.Dequeue()
		if ev == nil {
			continue
		}
		s.visit(ev)
		if _, ok := ev.(*event.ShutdownEvent); ok {
			return
		}
	}
}

func (s *Stage) visit(ev event.Event) {
	start := time.Now()
	var delay time.Duration
	if st, ok := ev.(event.Stamped); ok {
		if at := st.EnqueuedAt(); !at.IsZero() {
			delay = start.Sub(at)
		}
	}
	if s.serial {
		s.handleMu.Lock()
	}
	Contain(s.handler, ev, s.log)
	if s.serial {
		s.handleMu.Unlock()
	}
	processing := time.Since(start)
	s.queueDelay.Sample(delay)
	s.processing.Sample(processing)
	s.metrics.StageEvent(context.Background(), s.name, delay, processing)
}

// Shutdown broadcasts one shutdown event per worker and waits for them to
// exit. Events queued ahead of the broadcast are still handled.
func (s *Stage) Shutdown(timeout time.Duration) error {
	if !s.state.CompareAndSwap(stateRunning, stateStopped) {
		s.state.CompareAndSwap(stateCreated, stateStopped)
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	pending := s.threads
	step := timeout / joinAttempts
	if step <= 0 {
		step = time.Millisecond
	}
	for attempt := 0; attempt < joinAttempts; attempt++ {
		for pending > 0 && s.q.Enqueue(new(event.ShutdownEvent)) {
			pending--
		}
		timer := time.NewTimer(step)
		select {
		case <-done:
			timer.Stop()
			s.log.Debug().Log("stage stopped")
			return nil
		case <-timer.C:
			s.log.Info().Int("attempt", attempt+1).Int("unsent", pending).Log("waiting for stage workers")
		}
	}
	return fmt.Errorf("stage %s: %w", s.name, ErrShutdownTimeout)
}
