// Package events carries order state changes and fills from the
// reconciliation engine to its consumers.
package events

import (
	"sync"
)

// Topic is a typed fan-out stream. Publish never blocks and never runs
// subscriber code: every subscription owns an unbounded FIFO queue drained
// by its own goroutine into the subscription channel.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewTopic creates an open topic
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber. Values published after this call are
// delivered in publish order on the subscription channel.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		topic:  t,
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		s.draining = true
	} else {
		t.subs[s] = struct{}{}
	}
	t.mu.Unlock()

	go s.pump()
	return s
}

// Publish enqueues v for every current subscriber. Publishing on a closed
// topic is a no-op.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for s := range t.subs {
		s.enqueue(v)
	}
}

// Subscribers returns the number of active subscriptions
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close stops accepting values. Subscribers receive what was already queued
// and then see their channel closed.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		s.drain()
	}
	t.subs = make(map[*Subscription[T]]struct{})
}

// Subscription is one consumer of a Topic
type Subscription[T any] struct {
	topic *Topic[T]
	out   chan T

	mu       sync.Mutex
	queue    []T
	draining bool

	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// C returns the delivery channel. It is closed after Unsubscribe or after
// the topic is closed and the queue drained.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Unsubscribe detaches the subscription and discards undelivered values
func (s *Subscription[T]) Unsubscribe() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })
}

// Pending returns the number of queued, undelivered values
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription[T]) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	var zero T
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.draining {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
