// Package events holds the in-process plumbing the state machines are built
// on: an observable current value and an unbounded FIFO.
package events

import (
	"context"
	"errors"
	"sync"
)

const defaultSubscriberBuffer = 16

var ErrSubjectClosed = errors.New("events: subject closed")

// Subject holds a current value and multicasts every change. A new
// subscriber receives the current value first. Publishing never blocks: a
// subscriber that falls behind loses its oldest undelivered values.
type Subject[T any] struct {
	mu      sync.RWMutex
	current T
	subs    map[*subscription[T]]struct{}
	buffer  int
	closed  bool
}

type subscription[T any] struct {
	ch chan T
}

func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{
		current: initial,
		subs:    make(map[*subscription[T]]struct{}),
		buffer:  defaultSubscriberBuffer,
	}
}

func (s *Subject[T]) Value() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Publish sets the current value and fans it out.
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.current = v
	for sub := range s.subs {
		deliver(sub.ch, v)
	}
}

// deliver pushes v, evicting the oldest buffered value when full.
func deliver[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel that yields the current value and then every
// later one. The channel closes when ctx is done or the subject is closed.
func (s *Subject[T]) Subscribe(ctx context.Context) <-chan T {
	sub := &subscription[T]{ch: make(chan T, s.buffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	sub.ch <- s.current
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.unsubscribe(sub)
	}()
	return sub.ch
}

func (s *Subject[T]) unsubscribe(sub *subscription[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// WaitFor blocks until match accepts a value (the current one included) and
// returns it. It fails with ctx's error, or ErrSubjectClosed.
func WaitFor[T any](ctx context.Context, s *Subject[T], match func(T) bool) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var zero T
	ch := s.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case v, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return zero, err
				}
				return zero, ErrSubjectClosed
			}
			if match(v) {
				return v, nil
			}
		}
	}
}
