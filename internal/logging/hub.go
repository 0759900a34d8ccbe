package logging

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 100

type hubSubscriber struct {
	ch       chan LogEntry
	minLevel Level
}

// LogHub fans entries out to live subscribers, each with its own minimum
// level. Slow subscribers miss entries rather than stalling the logger.
type LogHub struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]hubSubscriber
	closed  bool
	dropped atomic.Uint64
}

func NewLogHub() *LogHub {
	return &LogHub{
		subs: make(map[uint64]hubSubscriber),
	}
}

// Subscribe returns entries at or above minLevel. An empty level selects
// debug.
func (h *LogHub) Subscribe(minLevel Level, buffer int) (<-chan LogEntry, func()) {
	if h == nil {
		ch := make(chan LogEntry)
		close(ch)
		return ch, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if minLevel == "" {
		minLevel = LevelDebug
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan LogEntry, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = hubSubscriber{ch: ch, minLevel: normalizeLevel(minLevel)}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing.ch)
		}
	}
}

func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	rank := levelRank(entry.Level)
	for _, sub := range h.subs {
		if rank < levelRank(sub.minLevel) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many entries were skipped for full subscribers.
func (h *LogHub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *LogHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
