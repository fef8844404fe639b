package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject_ReplaysCurrentThenFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSubject("idle")
	s.Publish("busy")

	ch := s.Subscribe(ctx)
	assert.Equal(t, "busy", <-ch)

	s.Publish("done")
	assert.Equal(t, "done", <-ch)
	assert.Equal(t, "done", s.Value())
}

func TestSubject_SlowSubscriberNeverBlocksPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSubject(0)
	ch := s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 1000; i++ {
			s.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a subscriber that never reads")
	}

	// Oldest values were dropped; the newest is retained.
	var last int
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, 1000, last)
}

func TestSubject_UnsubscribeOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSubject(1)
	ch := s.Subscribe(ctx)
	<-ch
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSubject_CloseEndsSubscriptions(t *testing.T) {
	s := NewSubject("a")
	ch := s.Subscribe(context.Background())
	<-ch
	s.Close()
	_, ok := <-ch
	assert.False(t, ok)

	s.Publish("b")
	assert.Equal(t, "a", s.Value())

	_, ok = <-s.Subscribe(context.Background())
	assert.False(t, ok)
}

func TestWaitFor(t *testing.T) {
	s := NewSubject(0)
	go func() {
		for i := 1; i <= 5; i++ {
			time.Sleep(time.Millisecond)
			s.Publish(i)
		}
	}()

	v, err := WaitFor(context.Background(), s, func(v int) bool { return v >= 3 })
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = WaitFor(ctx, s, func(v int) bool { return v > 100 })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Close()
	_, err = WaitFor(context.Background(), s, func(v int) bool { return false })
	assert.ErrorIs(t, err, ErrSubjectClosed)
}

func TestQueue_FIFOAcrossProducers(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 100; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.Equal(t, 100, q.Len())

	for i := 0; i < 100; i++ {
		v, ok := q.Next(context.Background())
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueue_NextWaitsForEnqueue(t *testing.T) {
	q := NewQueue[string]()
	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	go func() {
		defer wg.Done()
		got, _ = q.Next(context.Background())
	}()
	time.Sleep(5 * time.Millisecond)
	q.Enqueue("hello")
	wg.Wait()
	assert.Equal(t, "hello", got)
}

func TestQueue_CloseDrainsThenStops(t *testing.T) {
	q := NewQueue[int]()
	q.Enqueue(1)
	q.Close()
	q.Close()
	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(2))

	v, ok := q.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = q.Next(context.Background())
	assert.False(t, ok)
}

func TestQueue_NextHonoursContext(t *testing.T) {
	q := NewQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := q.Next(ctx)
	assert.False(t, ok)
}
