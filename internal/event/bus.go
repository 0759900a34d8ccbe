// Package event implements a generic in-process publish/subscribe bus with
// bounded per-subscriber channels and a replayable history.
package event

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dirwatch/internal/buffer"
	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const (
	defaultSubscriberBufferSize = 128
	dropWarningInterval         = 30 * time.Second
)

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// HistorySize bounds the replay history. Zero disables history.
	HistorySize int
	Registry    *metrics.Registry
	Logger      *logging.Logger
}

// Bus fans published values out to subscribers. Publish never blocks: a
// subscriber whose channel is full misses the value and the drop is counted.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   atomic.Uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	registry    *metrics.Registry
	logger      *logging.Logger
	published   atomic.Int64
	dropped     atomic.Int64
	dropWarning *rate.Limiter
	history     *buffer.Ring[T]
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

// NewBus creates a bus that closes itself when ctx is done.
func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.Name == "" {
		opts.Name = "event_bus"
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		registry:    opts.Registry,
		logger:      opts.Logger.With(logging.Fields{"bus": opts.Name}),
		dropWarning: rate.NewLimiter(rate.Every(dropWarningInterval), 1),
	}
	if opts.HistorySize > 0 {
		bus.history = buffer.NewRing[T](opts.HistorySize)
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeWithReplay(0, nil)
}

// SubscribeFiltered delivers only values for which filter returns true. A
// filter that panics ends the subscription.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	return b.SubscribeWithReplay(0, filter)
}

// SubscribeWithReplay subscribes and preloads the channel with up to count
// of the most recent history entries that pass filter. A nil filter accepts
// everything. count is capped at the subscriber buffer size.
func (b *Bus[T]) SubscribeWithReplay(count int, filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		return closedChannel[T](), func() {}
	}
	if count > b.options.SubscriberBufferSize {
		count = b.options.SubscriberBufferSize
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	sub := subscription[T]{id: b.nextSubID.Add(1), ch: ch, filter: filter}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if count > 0 && b.history != nil {
		for _, event := range b.replayLocked(sub, count) {
			ch <- event
		}
	}
	b.subscribers[sub.id] = sub
	total := len(b.subscribers)
	b.mu.Unlock()

	b.registry.SetEventSubscribers(b.options.Name, total)
	return ch, func() {
		b.removeSubscriber(sub.id)
	}
}

// replayLocked picks the newest count history entries accepted by sub.
func (b *Bus[T]) replayLocked(sub subscription[T], count int) []T {
	history := b.history.Last(0)
	selected := make([]T, 0, count)
	for index := len(history) - 1; index >= 0 && len(selected) < count; index-- {
		if sub.filter == nil || safeMatch(sub.filter, history[index]) {
			selected = append(selected, history[index])
		}
	}
	for left, right := 0, len(selected)-1; left < right; left, right = left+1, right-1 {
		selected[left], selected[right] = selected[right], selected[left]
	}
	return selected
}

func (b *Bus[T]) Publish(event T) {
	if b == nil || isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.history != nil {
		b.history.Add(event)
	}
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := eventTypeOf(event)
	b.published.Add(1)
	b.registry.IncEventPublished(b.options.Name, eventType)

	for _, sub := range subscribers {
		if !b.filterAllows(sub, event) {
			continue
		}
		if !b.trySend(sub, event) {
			b.recordDrop(eventType)
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
		b.registry.SetEventSubscribers(b.options.Name, 0)
	})
}

// DumpHistory returns a copy of the stored history, oldest first.
func (b *Bus[T]) DumpHistory() []T {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.history == nil {
		return nil
	}
	return b.history.Last(0)
}

func (b *Bus[T]) Name() string {
	if b == nil {
		return ""
	}
	return b.options.Name
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Stats reports lifetime published and dropped counts.
func (b *Bus[T]) Stats() (published, dropped int64) {
	if b == nil {
		return 0, 0
	}
	return b.published.Load(), b.dropped.Load()
}

// trySend guards against a channel closed by a concurrent cancel.
func (b *Bus[T]) trySend(sub subscription[T], event T) (delivered bool) {
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case sub.ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	if b == nil {
		return
	}
	b.mu.Lock()
	existing, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	close(existing.ch)
	b.registry.SetEventSubscribers(b.options.Name, count)
}

func (b *Bus[T]) filterAllows(sub subscription[T], event T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("subscriber filter panicked", logging.Fields{
				"panic": fmt.Sprint(recovered),
			})
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(event)
}

func (b *Bus[T]) recordDrop(eventType string) {
	dropped := b.dropped.Add(1)
	b.registry.IncEventDropped(b.options.Name, eventType)
	if !b.dropWarning.Allow() {
		return
	}
	b.logger.Warn("slow subscriber dropped events", logging.Fields{
		"dropped":   strconv.FormatInt(dropped, 10),
		"published": strconv.FormatInt(b.published.Load(), 10),
	})
}

// safeMatch treats a panicking filter as a rejection.
func safeMatch[T any](filter func(T) bool, event T) (matched bool) {
	defer func() {
		if recover() != nil {
			matched = false
		}
	}()
	return filter(event)
}

func eventTypeOf[T any](event T) string {
	typed, ok := any(event).(Event)
	if !ok {
		return "unknown"
	}
	if value := typed.Type(); value != "" {
		return value
	}
	return "unknown"
}

func closedChannel[T any]() chan T {
	ch := make(chan T)
	close(ch)
	return ch
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
