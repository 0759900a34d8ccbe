package watcher

import (
	"sync"

	"dirwatch/internal/buffer"
	"dirwatch/internal/metrics"
)

const initialQueueCapacity = 64

// EventQueue buffers semantic events between the debounce engine and the
// dispatcher. Push never blocks. With a positive limit the queue keeps only
// the newest limit events.
type EventQueue struct {
	mutex   sync.Mutex
	ring    *buffer.Ring[SemanticEvent]
	notify  chan struct{}
	metrics *metrics.Registry
}

func NewEventQueue(limit int, registry *metrics.Registry) *EventQueue {
	ring := buffer.NewUnboundedRing[SemanticEvent](initialQueueCapacity)
	if limit > 0 {
		ring = buffer.NewRing[SemanticEvent](limit)
	}
	return &EventQueue{
		ring:    ring,
		notify:  make(chan struct{}, 1),
		metrics: registry,
	}
}

func (queue *EventQueue) Push(event SemanticEvent) {
	queue.PushBatch([]SemanticEvent{event})
}

// PushBatch appends events in order and pulses Notify once.
func (queue *EventQueue) PushBatch(events []SemanticEvent) {
	if len(events) == 0 {
		return
	}
	queue.mutex.Lock()
	for _, event := range events {
		if queue.ring.Add(event) {
			queue.metrics.IncQueueDropped()
		}
	}
	queue.mutex.Unlock()

	select {
	case queue.notify <- struct{}{}:
	default:
	}
}

// DrainAll removes and returns exactly the events present at call time, or
// nil when the queue is empty.
func (queue *EventQueue) DrainAll() []SemanticEvent {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return queue.ring.Drain()
}

func (queue *EventQueue) Len() int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return queue.ring.Len()
}

// Notify is signalled after events are pushed. Signals coalesce, so a receive
// may cover several batches.
func (queue *EventQueue) Notify() <-chan struct{} {
	return queue.notify
}

// Reset discards pending events.
func (queue *EventQueue) Reset() {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	queue.ring.Reset()
}
