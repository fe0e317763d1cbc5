package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreemfs/xtreemfs-sub001/codec"
	"github.com/xtreemfs/xtreemfs-sub001/event"
)

var (
	numberTag = event.TagOf("xtreemfs.test.Number")
	otherTag  = event.TagOf("xtreemfs.test.Other")
)

type number struct {
	event.Base
	Producer int
	N        int
}

func (*number) TypeTag() uint32 { return numberTag }

func (*number) MarshalFields(*codec.Encoder) {}

func (*number) UnmarshalFields(*codec.Decoder) error { return nil }

type other struct{ event.Base }

func (*other) TypeTag() uint32 { return otherTag }

func TestFIFOPerProducer(t *testing.T) {
	const producers, perProducer = 4, 500
	q := NewBounded(producers * perProducer)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.True(t, q.Enqueue(&number{Producer: p, N: i}))
			}
		}(p)
	}
	wg.Wait()

	next := make([]int, producers)
	for i := 0; i < producers*perProducer; i++ {
		n := q.Dequeue().(*number)
		require.Equal(t, next[n.Producer], n.N, "producer %d out of order", n.Producer)
		next[n.Producer]++
	}
	assert.Nil(t, q.TryDequeue())
}

func TestEnqueueFull(t *testing.T) {
	q := NewBounded(2)
	assert.True(t, q.Enqueue(&other{}))
	assert.True(t, q.Enqueue(&other{}))
	assert.False(t, q.Enqueue(&other{}))
	assert.Equal(t, 2, q.Len())
}

func TestTimedDequeueReturnsWithinTimeout(t *testing.T) {
	q := NewBounded(1)
	for _, timeout := range []time.Duration{time.Millisecond, 20 * time.Millisecond, 50 * time.Millisecond} {
		start := time.Now()
		assert.Nil(t, q.TimedDequeue(timeout))
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, timeout)
		assert.Less(t, elapsed, timeout+100*time.Millisecond)
	}
}

func TestTimedDequeueWakesOnEnqueue(t *testing.T) {
	q := NewBounded(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(&other{})
	}()
	assert.NotNil(t, q.TimedDequeue(time.Second))
}

func TestAwait(t *testing.T) {
	q := NewBounded(4)

	q.Enqueue(&number{N: 5})
	n, err := Await[*number](q, numberTag, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, n.N)

	q.Enqueue(event.NewException(event.CodeSystemError, "not found"))
	_, err = Await[*number](q, numberTag, time.Second)
	var ex event.Exception
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, event.CodeSystemError, ex.Exception().Code)

	q.Enqueue(&other{})
	_, err = Await[*number](q, numberTag, time.Second)
	assert.ErrorIs(t, err, event.ErrUnexpectedEvent)

	_, err = Await[*number](q, numberTag, 5*time.Millisecond)
	assert.ErrorIs(t, err, event.ErrTimeout)
}
