package logging

import (
	"sync"

	"dirwatch/internal/buffer"
)

// LogBuffer retains the most recent entries so hosts can show what happened
// before they attached.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	return b.Recent("", 0)
}

// Recent returns up to limit of the newest entries at or above minLevel,
// oldest first. A limit of zero returns every match.
func (b *LogBuffer) Recent(minLevel Level, limit int) []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	entries := b.entries.List()
	b.mu.Unlock()

	threshold := 0
	if minLevel != "" {
		threshold = levelRank(normalizeLevel(minLevel))
	}
	matched := entries[:0]
	for _, entry := range entries {
		if levelRank(entry.Level) >= threshold {
			matched = append(matched, entry)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}
