package watcher

import (
	"context"
	"sync"

	"dirwatch/internal/event"
	"dirwatch/internal/metrics"
)

const (
	semanticEventsBus       = "semantic_events"
	defaultHubHistorySize   = 256
	defaultHubSubscriberBuf = 256
)

type HubOptions struct {
	HistorySize int
	Metrics     *metrics.Registry
}

// EventHub fans dispatched semantic events out on an event bus so that
// consumers outside the dispatch goroutine, such as websocket streams, can
// follow them without blocking delivery. It is itself a Subscriber.
type EventHub struct {
	mutex     sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	bus       *event.Bus[SemanticEvent]

	watcher      *Watcher
	subscriberID SubscriberID
}

// NewEventHub creates an EventHub tied to the provided context.
func NewEventHub(ctx context.Context, options HubOptions) *EventHub {
	if ctx == nil {
		ctx = context.Background()
	}
	if options.HistorySize <= 0 {
		options.HistorySize = defaultHubHistorySize
	}
	derived, cancel := context.WithCancel(ctx)
	hub := &EventHub{
		ctx:    derived,
		cancel: cancel,
		bus: event.NewBus[SemanticEvent](derived, event.BusOptions{
			Name:                 semanticEventsBus,
			SubscriberBufferSize: defaultHubSubscriberBuf,
			HistorySize:          options.HistorySize,
			Registry:             options.Metrics,
		}),
	}
	go func() {
		<-derived.Done()
		_ = hub.Close()
	}()
	return hub
}

// Attach registers the hub as a subscriber of watcher. A hub follows at most
// one watcher; attaching again replaces the previous registration.
func (hub *EventHub) Attach(watcher *Watcher) SubscriberID {
	if hub == nil || watcher == nil {
		return 0
	}
	id := watcher.Register(hub)

	hub.mutex.Lock()
	previous, previousID := hub.watcher, hub.subscriberID
	hub.watcher = watcher
	hub.subscriberID = id
	hub.mutex.Unlock()

	if previous != nil {
		_ = previous.UnregisterCallback(previousID)
	}
	return id
}

// Invoke publishes a dispatched event on the bus. Slow bus subscribers lose
// events; dispatch is never held up.
func (hub *EventHub) Invoke(event SemanticEvent) error {
	if hub.ctx.Err() != nil {
		return ErrClosed
	}
	hub.bus.Publish(event)
	return nil
}

// Bus exposes the underlying bus for streaming consumers.
func (hub *EventHub) Bus() *event.Bus[SemanticEvent] {
	if hub == nil {
		return nil
	}
	return hub.bus
}

// Close detaches from the watcher and closes the bus.
func (hub *EventHub) Close() error {
	if hub == nil {
		return nil
	}

	var closeErr error
	hub.closeOnce.Do(func() {
		hub.mutex.Lock()
		watcher, id := hub.watcher, hub.subscriberID
		hub.watcher = nil
		hub.mutex.Unlock()

		if watcher != nil {
			closeErr = watcher.UnregisterCallback(id)
		}
		if hub.cancel != nil {
			hub.cancel()
		}
		if hub.bus != nil {
			hub.bus.Close()
		}
	})
	return closeErr
}
