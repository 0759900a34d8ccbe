package watcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const tracerName = "dirwatch/watcher"

// Options configures a Watcher. Zero values select defaults.
type Options struct {
	Logger *logging.Logger
	// Source replaces the backend-selected event source. The Watcher takes
	// ownership and closes it.
	Source  RawEventSource
	Backend Backend

	// SettlingWindow defaults to 10ms for native sources and 1s for polling.
	SettlingWindow time.Duration
	// MaxSettlingDelay caps how long a continuously busy tree can defer a
	// flush, and how long a rename half waits for its partner. Defaults to
	// ten settling windows.
	MaxSettlingDelay time.Duration
	MaxPendingEvents int

	PollInterval time.Duration
	MaxWatches   int

	// Ignore holds doublestar patterns matched against root-relative paths.
	Ignore []string
	// CancelTransient drops entries created and deleted within one batch.
	CancelTransient bool
	// QueueLimit bounds pending semantic events; the oldest are dropped.
	QueueLimit int

	Metrics        *metrics.Registry
	TracerProvider trace.TracerProvider
	ErrorHandler   func(error)
}

// Watcher turns raw filesystem notifications under a set of watch roots into
// coalesced semantic events and hands them to subscribers when the host calls
// ProcessEvents or Run.
type Watcher struct {
	id         string
	source     RawEventSource
	registry   *WatchRegistry
	engine     *debounceEngine
	queue      *EventQueue
	dispatcher *Dispatcher
	ignore     *ignoreSet

	ctx    context.Context
	cancel context.CancelFunc
	wait   sync.WaitGroup

	mutex  sync.Mutex
	closed bool

	logger  *logging.Logger
	metrics *metrics.Registry
}

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher and starts its ingestion and debounce
// goroutines.
func NewWithOptions(options Options) (*Watcher, error) {
	id := uuid.NewString()

	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	logger = logger.With(logging.Fields{
		"dirwatch.category": "watcher",
		"watcher_id":        id,
	})

	registry := options.Metrics
	if registry == nil {
		registry = metrics.Default
	}

	ignore, err := newIgnoreSet(options.Ignore)
	if err != nil {
		return nil, err
	}

	source := options.Source
	if source == nil {
		backend := options.Backend
		if backend == "" {
			backend = BackendAuto
		}
		source, err = newSource(backend, sourceOptions{
			logger:       logger,
			metrics:      registry,
			pollInterval: options.PollInterval,
			maxWatches:   options.MaxWatches,
		})
		if err != nil {
			return nil, err
		}
	}

	window := options.SettlingWindow
	if window <= 0 {
		window = DefaultSettlingWindow(source.Kind())
	}

	provider := options.TracerProvider
	if provider == nil {
		provider = otelapi.GetTracerProvider()
	}

	queue := NewEventQueue(options.QueueLimit, registry)
	dispatcher := NewDispatcher(queue, provider.Tracer(tracerName), logger.Named("dispatcher"), registry)
	if options.ErrorHandler != nil {
		dispatcher.SetErrorHandler(options.ErrorHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	instance := &Watcher{
		id:       id,
		source:   source,
		registry: NewWatchRegistry(source, logger.Named("registry"), registry),
		engine: newDebounceEngine(debounceConfig{
			window:     window,
			maxDelay:   options.MaxSettlingDelay,
			maxPending: options.MaxPendingEvents,
			coalesce:   coalesceOptions{cancelTransient: options.CancelTransient},
		}, queue, logger.Named("debounce"), registry),
		queue:      queue,
		dispatcher: dispatcher,
		ignore:     ignore,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		metrics:    registry,
	}

	instance.wait.Add(2)
	go func() {
		defer instance.wait.Done()
		instance.ingest()
	}()
	go func() {
		defer instance.wait.Done()
		instance.engine.run(ctx)
	}()

	logger.Info("watcher started", logging.Fields{
		"source":          string(source.Kind()),
		"settling_window": window.String(),
	})
	return instance, nil
}

// ID returns the random instance identifier carried in log fields.
func (watcher *Watcher) ID() string {
	return watcher.id
}

// SourceKind reports which notification mechanism the watcher runs on.
func (watcher *Watcher) SourceKind() SourceKind {
	return watcher.source.Kind()
}

// AddWatch registers a directory root.
func (watcher *Watcher) AddWatch(path string, recursive bool) (WatchID, error) {
	if watcher.isClosed() {
		return 0, ErrClosed
	}
	return watcher.registry.Add(path, recursive)
}

// Watch registers a directory root recursively.
func (watcher *Watcher) Watch(path string) (WatchID, error) {
	return watcher.AddWatch(path, true)
}

// RemoveWatch stops watching a root. Raw events for it that were already
// accepted are still delivered.
func (watcher *Watcher) RemoveWatch(id WatchID) error {
	if watcher.isClosed() {
		return ErrClosed
	}
	return watcher.registry.Remove(id)
}

func (watcher *Watcher) Targets() []WatchTarget {
	return watcher.registry.Targets()
}

// RegisterCallback subscribes a function to semantic events.
func (watcher *Watcher) RegisterCallback(callback func(SemanticEvent) error) SubscriberID {
	return watcher.dispatcher.Register(SubscriberFunc(callback))
}

func (watcher *Watcher) Register(subscriber Subscriber) SubscriberID {
	return watcher.dispatcher.Register(subscriber)
}

func (watcher *Watcher) UnregisterCallback(id SubscriberID) error {
	return watcher.dispatcher.Unregister(id)
}

// SetErrorHandler installs the side channel for subscriber and source
// failures. Passing nil removes it.
func (watcher *Watcher) SetErrorHandler(handler func(error)) {
	watcher.dispatcher.SetErrorHandler(handler)
}

// ProcessEvents delivers all pending semantic events on the calling
// goroutine and returns how many were dispatched. It never blocks waiting
// for filesystem activity.
func (watcher *Watcher) ProcessEvents() int {
	return watcher.dispatcher.ProcessEvents(watcher.ctx)
}

// Run dispatches events as they become available until ctx is done or the
// watcher is closed.
func (watcher *Watcher) Run(ctx context.Context) error {
	if watcher.isClosed() {
		return ErrClosed
	}
	watcher.ProcessEvents()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-watcher.ctx.Done():
			return ErrClosed
		case <-watcher.queue.Notify():
			watcher.dispatcher.ProcessEvents(ctx)
		}
	}
}

func (watcher *Watcher) Metrics() metrics.Snapshot {
	return watcher.metrics.Snapshot()
}

// Pending reports how many semantic events wait for the next ProcessEvents.
func (watcher *Watcher) Pending() int {
	return watcher.queue.Len()
}

// Close stops both goroutines, unsubscribes every root and releases the
// event source. Pending events are discarded. It is safe to call more than
// once.
func (watcher *Watcher) Close() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	watcher.mutex.Unlock()

	watcher.cancel()
	watcher.wait.Wait()

	var errs []error
	if err := watcher.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := watcher.source.Close(); err != nil {
		errs = append(errs, &PlatformError{Op: "close source", Err: err})
	}
	watcher.queue.Reset()

	err := errors.Join(errs...)
	if err != nil {
		watcher.logger.Warn("watcher closed with errors", logging.Fields{"error": err.Error()})
	} else {
		watcher.logger.Info("watcher closed", nil)
	}
	return err
}

func (watcher *Watcher) isClosed() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.closed
}

// ingest routes raw events to the debounce engine and forwards source
// failures to the error handler.
func (watcher *Watcher) ingest() {
	events := watcher.source.Events()
	failures := watcher.source.Errors()
	for events != nil || failures != nil {
		select {
		case <-watcher.ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !watcher.accept(raw) {
				continue
			}
			if !watcher.engine.submit(watcher.ctx, raw) {
				return
			}
		case err, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			watcher.logger.Error("event source failed", logging.Fields{
				"source": string(watcher.source.Kind()),
				"error":  err.Error(),
			})
			watcher.dispatcher.notifyError(err)
		}
	}
}

func (watcher *Watcher) accept(raw RawEvent) bool {
	watcher.metrics.IncRawReceived()

	target, ok := watcher.registry.route(raw.Path)
	if !ok {
		watcher.metrics.IncRawUnrouted()
		return false
	}
	if watcher.ignore.matches(target.Root, raw.Path) {
		watcher.metrics.IncRawIgnored()
		return false
	}
	if watcher.logger.Enabled(logging.LevelDebug) {
		watcher.logger.Debug("raw event", logging.Fields{
			"kind":     raw.Kind.String(),
			"path":     raw.Path,
			"watch_id": strconv.FormatUint(uint64(target.ID), 10),
		})
	}
	return true
}
