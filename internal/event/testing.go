package event

import (
	"sync"
	"testing"
	"time"
)

// EventCollector stores events received from callbacks or subscriptions.
type EventCollector[T any] struct {
	mu     sync.Mutex
	events []T
	signal chan struct{}
}

func NewEventCollector[T any]() *EventCollector[T] {
	return &EventCollector[T]{signal: make(chan struct{}, 1)}
}

func (collector *EventCollector[T]) Collect(event T) {
	if collector == nil {
		return
	}
	collector.mu.Lock()
	collector.events = append(collector.events, event)
	collector.mu.Unlock()
	select {
	case collector.signal <- struct{}{}:
	default:
	}
}

// CollectErr is Collect shaped as an error-returning callback.
func (collector *EventCollector[T]) CollectErr(event T) error {
	collector.Collect(event)
	return nil
}

func (collector *EventCollector[T]) Events() []T {
	if collector == nil {
		return nil
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	copyEvents := make([]T, len(collector.events))
	copy(copyEvents, collector.events)
	return copyEvents
}

func (collector *EventCollector[T]) Len() int {
	if collector == nil {
		return 0
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	return len(collector.events)
}

// WaitFor blocks until at least count events were collected, or fails the
// test after timeout.
func (collector *EventCollector[T]) WaitFor(t *testing.T, count int, timeout time.Duration) []T {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if events := collector.Events(); len(events) >= count {
			return events
		}
		select {
		case <-collector.signal:
		case <-deadline.C:
			t.Fatalf("timed out after %s waiting for %d events, got %d", timeout, count, collector.Len())
			return nil
		}
	}
}

// ReceiveWithTimeout waits for a single event or fails the test.
func ReceiveWithTimeout[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return event
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event after %s", timeout)
	}
	var zero T
	return zero
}
