package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, s *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

// TestTopicDeliversInOrder tests FIFO delivery to every subscriber
func TestTopicDeliversInOrder(t *testing.T) {
	topic := NewTopic[int]()
	defer topic.Close()

	a := topic.Subscribe()
	b := topic.Subscribe()
	assert.Equal(t, 2, topic.Subscribers())

	for i := 0; i < 100; i++ {
		topic.Publish(i)
	}

	for i := 0; i < 100; i++ {
		assert.Equal(t, i, receive(t, a))
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, receive(t, b))
	}
}

// TestTopicPublishDoesNotBlock tests that a slow subscriber never blocks the publisher
func TestTopicPublishDoesNotBlock(t *testing.T) {
	topic := NewTopic[int]()
	defer topic.Close()
	sub := topic.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			topic.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
	assert.Equal(t, 0, receive(t, sub))
}

// TestTopicCloseDrainsQueue tests that queued values survive Close
func TestTopicCloseDrainsQueue(t *testing.T) {
	topic := NewTopic[string]()
	sub := topic.Subscribe()

	topic.Publish("a")
	topic.Publish("b")
	topic.Close()
	topic.Publish("dropped")

	var got []string
	for v := range sub.C() {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 0, topic.Subscribers())

	late := topic.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok)
}

// TestUnsubscribe tests detaching a subscriber
func TestUnsubscribe(t *testing.T) {
	topic := NewTopic[int]()
	defer topic.Close()

	sub := topic.Subscribe()
	topic.Publish(1)
	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, topic.Subscribers())

	topic.Publish(2)
	for v := range sub.C() {
		assert.Equal(t, 1, v)
	}
}

// TestTopicConcurrentPublishers tests that concurrent publishers lose nothing
func TestTopicConcurrentPublishers(t *testing.T) {
	topic := NewTopic[int]()
	sub := topic.Subscribe()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				topic.Publish(i)
			}
		}()
	}
	wg.Wait()
	topic.Close()

	count := 0
	for range sub.C() {
		count++
	}
	assert.Equal(t, 1000, count)
}
