package watcher

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const (
	processEventsSpanName = "watcher.process_events"
	failureLogInterval    = time.Second
	failureLogBurst       = 5
)

type subscriberEntry struct {
	id         SubscriberID
	subscriber Subscriber
}

// Dispatcher drains the queue and invokes subscribers in registration order.
// Subscriber failures never stop delivery; they are reported through the
// logger, the metrics registry and the error handler.
type Dispatcher struct {
	mutex       sync.Mutex
	subscribers []subscriberEntry
	nextID      SubscriberID

	processing sync.Mutex
	queue      *EventQueue
	tracer     trace.Tracer

	errorHandler atomic.Pointer[func(error)]
	failureLog   *rate.Limiter
	suppressed   atomic.Int64

	logger  *logging.Logger
	metrics *metrics.Registry
}

func NewDispatcher(queue *EventQueue, tracer trace.Tracer, logger *logging.Logger, registry *metrics.Registry) *Dispatcher {
	return &Dispatcher{
		queue:      queue,
		tracer:     tracer,
		failureLog: rate.NewLimiter(rate.Every(failureLogInterval), failureLogBurst),
		logger:     logger,
		metrics:    registry,
	}
}

func (dispatcher *Dispatcher) Register(subscriber Subscriber) SubscriberID {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	dispatcher.nextID++
	id := dispatcher.nextID
	dispatcher.subscribers = append(dispatcher.subscribers, subscriberEntry{id: id, subscriber: subscriber})
	return id
}

func (dispatcher *Dispatcher) Unregister(id SubscriberID) error {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	for index, entry := range dispatcher.subscribers {
		if entry.id != id {
			continue
		}
		// Copy so snapshots taken by a running pass stay intact.
		next := make([]subscriberEntry, 0, len(dispatcher.subscribers)-1)
		next = append(next, dispatcher.subscribers[:index]...)
		next = append(next, dispatcher.subscribers[index+1:]...)
		dispatcher.subscribers = next
		return nil
	}
	return &NotFoundError{Kind: "subscriber", ID: uint64(id)}
}

func (dispatcher *Dispatcher) SetErrorHandler(handler func(error)) {
	if handler == nil {
		dispatcher.errorHandler.Store(nil)
		return
	}
	dispatcher.errorHandler.Store(&handler)
}

// ProcessEvents delivers everything queued at call time and returns the
// number of events dispatched. A call made while another pass is running
// returns zero immediately; the remaining events go out on the next pass.
func (dispatcher *Dispatcher) ProcessEvents(ctx context.Context) int {
	if !dispatcher.processing.TryLock() {
		return 0
	}
	defer dispatcher.processing.Unlock()

	events := dispatcher.queue.DrainAll()
	if len(events) == 0 {
		return 0
	}

	_, span := dispatcher.tracer.Start(ctx, processEventsSpanName,
		trace.WithAttributes(attribute.Int("dirwatch.events", len(events))),
	)
	defer span.End()

	dispatcher.mutex.Lock()
	subscribers := dispatcher.subscribers
	dispatcher.mutex.Unlock()

	failures := 0
	for _, event := range events {
		for _, entry := range subscribers {
			if err := invokeSubscriber(entry, event); err != nil {
				failures++
				dispatcher.reportFailure(err)
				continue
			}
			dispatcher.metrics.IncDelivered()
		}
	}

	span.SetAttributes(
		attribute.Int("dirwatch.subscribers", len(subscribers)),
		attribute.Int("dirwatch.subscriber_failures", failures),
	)
	if failures > 0 {
		span.SetStatus(codes.Error, "subscriber failures")
	}
	return len(events)
}

func invokeSubscriber(entry subscriberEntry, event SemanticEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &SubscriberError{Subscriber: entry.id, Event: event, Err: fmt.Errorf("panic: %v", recovered)}
		}
	}()
	if invokeErr := entry.subscriber.Invoke(event); invokeErr != nil {
		return &SubscriberError{Subscriber: entry.id, Event: event, Err: invokeErr}
	}
	return nil
}

func (dispatcher *Dispatcher) reportFailure(err error) {
	dispatcher.metrics.IncSubscriberFailure()

	if dispatcher.failureLog.Allow() {
		fields := logging.Fields{"error": err.Error()}
		if suppressed := dispatcher.suppressed.Swap(0); suppressed > 0 {
			fields["suppressed"] = strconv.FormatInt(suppressed, 10)
		}
		dispatcher.logger.Warn("subscriber failed", fields)
	} else {
		dispatcher.suppressed.Add(1)
	}

	dispatcher.notifyError(err)
}

// notifyError passes err to the error handler, if one is set.
func (dispatcher *Dispatcher) notifyError(err error) {
	if handler := dispatcher.errorHandler.Load(); handler != nil {
		(*handler)(err)
	}
}

func (dispatcher *Dispatcher) Len() int {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	return len(dispatcher.subscribers)
}
