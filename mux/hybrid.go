package mux

import (
	"sync/atomic"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/queue"
)

// MaxMemoryBurst is how many in-memory events a HybridQueue hands out in a
// row before it checks the multiplexer.
const MaxMemoryBurst = 8

// HybridQueue merges software-enqueued events with descriptor readiness.
// Enqueue wakes a consumer parked in the OS wait. In-memory events are
// preferred, but readiness is looked at after every MaxMemoryBurst of them,
// so neither source starves.
type HybridQueue struct {
	mem *queue.Bounded
	mux *Multiplexer

	// streak is advisory; races only shift when the next readiness check
	// happens.
	streak atomic.Int32
}

// NewHybridQueue takes over m's work check; m should feed only this queue.
func NewHybridQueue(m *Multiplexer, capacity int) *HybridQueue {
	q := &HybridQueue{mem: queue.NewBounded(capacity), mux: m}
	m.SetWorkCheck(func() bool { return q.mem.Len() > 0 })
	return q
}

func (q *HybridQueue) Multiplexer() *Multiplexer { return q.mux }

func (q *HybridQueue) Enqueue(ev event.Event) bool {
	if !q.mem.Enqueue(ev) {
		return false
	}
	_ = q.mux.Wake()
	return true
}

func (q *HybridQueue) Send(ev event.Event) bool {
	return q.Enqueue(ev)
}

func (q *HybridQueue) Dequeue() event.Event {
	return q.next(-1)
}

func (q *HybridQueue) TimedDequeue(timeout time.Duration) event.Event {
	if timeout <= 0 {
		return q.next(0)
	}
	return q.next(timeout)
}

func (q *HybridQueue) TryDequeue() event.Event {
	return q.next(0)
}

func (q *HybridQueue) Len() int { return q.mem.Len() }

func (q *HybridQueue) next(timeout time.Duration) event.Event {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if ev := q.tryNext(); ev != nil {
			return ev
		}
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
		}
		if timeout == 0 {
			return nil
		}
		if r := q.mux.TimedDequeue(remaining); r != nil {
			return r
		}
		if q.mux.closed.Load() {
			if timeout < 0 {
				return q.mem.Dequeue()
			}
			return q.mem.TimedDequeue(time.Until(deadline))
		}
	}
}

func (q *HybridQueue) tryNext() event.Event {
	if q.streak.Load() >= MaxMemoryBurst {
		q.streak.Store(0)
		if r := q.mux.TryDequeue(); r != nil {
			return r
		}
	}
	if ev := q.mem.TryDequeue(); ev != nil {
		q.streak.Add(1)
		return ev
	}
	q.streak.Store(0)
	if r := q.mux.TryDequeue(); r != nil {
		return r
	}
	return nil
}
