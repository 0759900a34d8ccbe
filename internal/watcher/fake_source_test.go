package watcher

import (
	"errors"
	"sync"
	"testing"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

// fakeSource is a RawEventSource driven entirely by the test.
type fakeSource struct {
	mutex     sync.Mutex
	roots     map[string]bool
	watchErr  error
	unwatched []string
	closed    bool
	events    chan RawEvent
	errors    chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		roots:  make(map[string]bool),
		events: make(chan RawEvent, 64),
		errors: make(chan error, 4),
	}
}

func (source *fakeSource) Kind() SourceKind {
	return SourceNative
}

func (source *fakeSource) Watch(root string, recursive bool) error {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if source.watchErr != nil {
		return source.watchErr
	}
	source.roots[root] = recursive
	return nil
}

func (source *fakeSource) Unwatch(root string) error {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if _, ok := source.roots[root]; !ok {
		return &PathError{Op: "unwatch", Path: root, Err: ErrNotFound}
	}
	delete(source.roots, root)
	source.unwatched = append(source.unwatched, root)
	return nil
}

func (source *fakeSource) Events() <-chan RawEvent {
	return source.events
}

func (source *fakeSource) Errors() <-chan error {
	return source.errors
}

func (source *fakeSource) Close() error {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if source.closed {
		return errors.New("closed twice")
	}
	source.closed = true
	return nil
}

func (source *fakeSource) watching(root string) bool {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	_, ok := source.roots[root]
	return ok
}

func (source *fakeSource) emit(kind RawKind, path string) {
	source.events <- RawEvent{Kind: kind, Path: path, ObservedAt: time.Now()}
}

func (source *fakeSource) emitCookie(kind RawKind, path string, cookie uint32) {
	source.events <- RawEvent{Kind: kind, Path: path, Cookie: cookie, ObservedAt: time.Now()}
}

const testSettlingWindow = 50 * time.Millisecond

func newTestWatcher(t *testing.T, source *fakeSource, configure func(*Options)) *Watcher {
	t.Helper()
	options := Options{
		Logger:         logging.Discard(),
		Source:         source,
		SettlingWindow: testSettlingWindow,
		Metrics:        &metrics.Registry{},
	}
	if configure != nil {
		configure(&options)
	}
	watcher, err := NewWithOptions(options)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	t.Cleanup(func() {
		_ = watcher.Close()
	})
	return watcher
}

// waitForPending polls until the queue holds at least count events.
func waitForPending(t *testing.T, watcher *Watcher, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for watcher.Pending() < count {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending events, have %d", count, watcher.Pending())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// processUntil calls ProcessEvents until collect reports count events.
func processUntil(t *testing.T, watcher *Watcher, count func() int, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, got %d", want, count())
		}
		watcher.ProcessEvents()
		time.Sleep(10 * time.Millisecond)
	}
}

func raw(kind RawKind, path string) RawEvent {
	return RawEvent{Kind: kind, Path: path}
}

func rawCookie(kind RawKind, path string, cookie uint32) RawEvent {
	return RawEvent{Kind: kind, Path: path, Cookie: cookie}
}

func assertEvents(t *testing.T, got []SemanticEvent, want []SemanticEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("event %d: expected %v, got %v (all: %v)", index, want[index], got[index], got)
		}
	}
}
