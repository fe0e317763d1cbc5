// Package queue provides the thread-safe event queues stages consume from.
package queue

import (
	"errors"
	"time"

	"github.com/xtreemfs/xtreemfs-sub001/event"
)

const DefaultCapacity = 1024

var ErrQueueFull = errors.New("queue: full")

// Queue is a multi-producer, multi-consumer event queue. Events from one
// producer are dequeued in the order that producer enqueued them.
type Queue interface {
	// Enqueue fails only when the queue is at capacity.
	Enqueue(ev event.Event) bool
	// Dequeue blocks until an event is available.
	Dequeue() event.Event
	// TimedDequeue returns nil once timeout elapses with the queue empty.
	TimedDequeue(timeout time.Duration) event.Event
	TryDequeue() event.Event
}

// Bounded is a Queue backed by a buffered channel.
type Bounded struct {
	ch chan event.Event
}

func NewBounded(capacity int) *Bounded {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bounded{ch: make(chan event.Event, capacity)}
}

func (q *Bounded) Enqueue(ev event.Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Send makes the queue usable as a response target.
func (q *Bounded) Send(ev event.Event) bool {
	return q.Enqueue(ev)
}

func (q *Bounded) Dequeue() event.Event {
	return <-q.ch
}

func (q *Bounded) TimedDequeue(timeout time.Duration) event.Event {
	if timeout <= 0 {
		return q.TryDequeue()
	}
	select {
	case ev := <-q.ch:
		return ev
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-q.ch:
		return ev
	case <-timer.C:
		return nil
	}
}

func (q *Bounded) TryDequeue() event.Event {
	select {
	case ev := <-q.ch:
		return ev
	default:
		return nil
	}
}

func (q *Bounded) Len() int { return len(q.ch) }

func (q *Bounded) Cap() int { return cap(q.ch) }

// Chan exposes the receive side for select loops.
func (q *Bounded) Chan() <-chan event.Event { return q.ch }

// Await dequeues one event and classifies it against the expected tag. A
// matching response is returned as T; an exception response is returned as
// the error itself; any other event is event.ErrUnexpectedEvent. A
// non-positive timeout blocks.
func Await[T event.Response](q Queue, tag uint32, timeout time.Duration) (T, error) {
	var zero T
	var ev event.Event
	if timeout > 0 {
		ev = q.TimedDequeue(timeout)
	} else {
		ev = q.Dequeue()
	}
	resp, err := event.Expect(ev, tag)
	if err != nil {
		return zero, err
	}
	t, ok := resp.(T)
	if !ok {
		return zero, event.ErrUnexpectedEvent
	}
	return t, nil
}
