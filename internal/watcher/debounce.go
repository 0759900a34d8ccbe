package watcher

import (
	"context"
	"strconv"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const (
	defaultMaxPendingEvents      = 4096
	defaultSettlingDelayMultiple = 10
	engineInputBuffer            = 256
)

type debounceConfig struct {
	window     time.Duration
	maxDelay   time.Duration
	maxPending int
	coalesce   coalesceOptions
}

// debounceEngine accumulates raw events until the tree settles, then
// coalesces the batch into the queue. The window is trailing: every accepted
// event restarts it. maxPending and maxDelay bound how long a busy tree can
// hold back delivery.
//
// A rename half whose partner has not arrived yet is carried into the next
// batches for up to maxDelay, so that halves split across batches still come
// out as Delete then Create.
type debounceEngine struct {
	config  debounceConfig
	input   chan RawEvent
	queue   *EventQueue
	logger  *logging.Logger
	metrics *metrics.Registry

	// held is owned by the run goroutine.
	held []heldHalf
}

type heldHalf struct {
	event RawEvent
	until time.Time
}

func newDebounceEngine(config debounceConfig, queue *EventQueue, logger *logging.Logger, registry *metrics.Registry) *debounceEngine {
	if config.window <= 0 {
		config.window = nativeSettlingWindow
	}
	if config.maxDelay <= 0 {
		config.maxDelay = config.window * defaultSettlingDelayMultiple
	}
	if config.maxDelay < config.window {
		config.maxDelay = config.window
	}
	if config.maxPending <= 0 {
		config.maxPending = defaultMaxPendingEvents
	}
	return &debounceEngine{
		config:  config,
		input:   make(chan RawEvent, engineInputBuffer),
		queue:   queue,
		logger:  logger,
		metrics: registry,
	}
}

// submit hands a raw event to the engine. It blocks while the engine is
// flushing and returns false once ctx is done.
func (engine *debounceEngine) submit(ctx context.Context, event RawEvent) bool {
	select {
	case engine.input <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// run owns the pending batch. Pending raw events are discarded when ctx ends.
func (engine *debounceEngine) run(ctx context.Context) {
	timer := time.NewTimer(engine.config.window)
	timer.Stop()
	defer timer.Stop()

	pending := make([]RawEvent, 0, engineInputBuffer)
	var firstPending time.Time

	flush := func(reason string) {
		timer.Stop()
		if len(pending) == 0 && len(engine.held) == 0 {
			return
		}
		engine.flush(pending, reason)
		pending = pending[:0]
		if len(engine.held) > 0 {
			timer.Reset(time.Until(engine.nextRelease()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if discarded := len(pending) + len(engine.held); discarded > 0 {
				engine.logger.Debug("pending raw events discarded", logging.Fields{
					"count": strconv.Itoa(discarded),
				})
			}
			return
		case event := <-engine.input:
			if len(pending) == 0 {
				firstPending = time.Now()
			}
			pending = append(pending, event)
			if len(pending) >= engine.config.maxPending {
				flush("max_pending")
				continue
			}
			delay := engine.config.window
			if remaining := engine.config.maxDelay - time.Since(firstPending); remaining < delay {
				delay = remaining
			}
			if delay <= 0 {
				flush("max_delay")
				continue
			}
			timer.Reset(delay)
		case <-timer.C:
			flush("settled")
		}
	}
}

// flush coalesces the held halves followed by pending. Held halves whose
// time is up are emitted on their own.
func (engine *debounceEngine) flush(pending []RawEvent, reason string) {
	now := time.Now()
	carried := engine.held
	raw := make([]RawEvent, 0, len(carried)+len(pending))
	for _, half := range carried {
		raw = append(raw, half.event)
	}
	raw = append(raw, pending...)

	options := engine.config.coalesce
	options.holdable = func(index int) bool {
		return index >= len(carried) || now.Before(carried[index].until)
	}
	events, stats := coalesceBatch(raw, options)

	engine.held = make([]heldHalf, 0, len(stats.held))
	for _, index := range stats.held {
		if index < len(carried) {
			engine.held = append(engine.held, carried[index])
			continue
		}
		engine.held = append(engine.held, heldHalf{event: raw[index], until: now.Add(engine.config.maxDelay)})
	}

	engine.metrics.AddCoalesced(stats.absorbed)
	for i := 0; i < stats.unknown; i++ {
		engine.metrics.IncRawUnknown()
	}
	for _, event := range events {
		engine.metrics.IncEmitted(event.Kind.String())
	}

	if engine.logger.Enabled(logging.LevelDebug) {
		engine.logger.Debug("batch flushed", logging.Fields{
			"reason":   reason,
			"raw":      strconv.Itoa(len(raw)),
			"semantic": strconv.Itoa(len(events)),
			"held":     strconv.Itoa(len(engine.held)),
		})
	}
	engine.queue.PushBatch(events)
}

func (engine *debounceEngine) nextRelease() time.Time {
	next := engine.held[0].until
	for _, half := range engine.held[1:] {
		if half.until.Before(next) {
			next = half.until
		}
	}
	return next
}
