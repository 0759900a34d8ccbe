package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const defaultInitialContentMapCapacity = 1024

// pollSource implements RawEventSource by periodically snapshotting every
// root and diffing against the previous snapshot. It works on any filesystem,
// including network mounts where kernel notifications are unavailable.
type pollSource struct {
	mutex    sync.Mutex
	roots    map[string]*pollRoot
	closed   bool
	interval time.Duration
	cookie   uint32

	events chan RawEvent
	errors chan error
	done   chan struct{}
	wait   sync.WaitGroup

	logger  *logging.Logger
	metrics *metrics.Registry
}

type pollRoot struct {
	recursive bool
	contents  map[string]os.FileInfo
}

func newPollSource(options sourceOptions) *pollSource {
	interval := options.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	source := &pollSource{
		roots:    make(map[string]*pollRoot),
		interval: interval,
		events:   make(chan RawEvent, sourceEventsBuffer),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
		logger:   options.logger.Named("poll_source"),
		metrics:  options.metrics,
	}
	source.wait.Add(1)
	go func() {
		defer source.wait.Done()
		source.run()
	}()
	return source
}

func (source *pollSource) Kind() SourceKind {
	return SourcePoll
}

func (source *pollSource) Events() <-chan RawEvent {
	return source.events
}

func (source *pollSource) Errors() <-chan error {
	return source.errors
}

// Watch takes the baseline snapshot synchronously, so every change made after
// Watch returns is reported by a later pass.
func (source *pollSource) Watch(root string, recursive bool) error {
	info, err := os.Stat(root)
	if err != nil {
		return classifyWatchError("watch", root, err)
	}
	if !info.IsDir() {
		return &PathError{Op: "watch", Path: root, Err: ErrNotDirectory}
	}
	contents, _, err := snapshot(root, recursive, nil)
	if err != nil {
		return classifyWatchError("watch", root, err)
	}

	source.mutex.Lock()
	defer source.mutex.Unlock()
	if source.closed {
		return ErrClosed
	}
	source.roots[root] = &pollRoot{recursive: recursive, contents: contents}
	source.logger.Debug("root polled", logging.Fields{
		"root":    root,
		"entries": strconv.Itoa(len(contents)),
	})
	return nil
}

func (source *pollSource) Unwatch(root string) error {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	if _, ok := source.roots[root]; !ok {
		return &PathError{Op: "unwatch", Path: root, Err: ErrNotFound}
	}
	delete(source.roots, root)
	return nil
}

func (source *pollSource) Close() error {
	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return nil
	}
	source.closed = true
	source.roots = make(map[string]*pollRoot)
	source.mutex.Unlock()

	close(source.done)
	source.wait.Wait()
	return nil
}

func (source *pollSource) run() {
	timer := time.NewTimer(source.interval)
	defer timer.Stop()

	for {
		select {
		case <-source.done:
			return
		case <-timer.C:
			source.pollOnce()
			timer.Reset(source.interval)
		}
	}
}

// pollOnce rescans every root and emits the differences.
func (source *pollSource) pollOnce() {
	source.mutex.Lock()
	roots := make(map[string]*pollRoot, len(source.roots))
	for root, state := range source.roots {
		roots[root] = state
	}
	source.mutex.Unlock()

	ordered := make([]string, 0, len(roots))
	for root := range roots {
		ordered = append(ordered, root)
	}
	sort.Strings(ordered)

	for _, root := range ordered {
		state := roots[root]
		contents, rootMissing, err := snapshot(root, state.recursive, state.contents)
		if err != nil {
			// Walk failures are almost always concurrent modification; the
			// next pass sees a consistent tree.
			source.logger.Debug("poll scan failed", logging.Fields{
				"root":  root,
				"error": err.Error(),
			})
			continue
		}
		if rootMissing && len(state.contents) > 0 {
			source.logger.Warn("watched root disappeared", logging.Fields{"root": root})
		}

		events := source.diff(state.contents, contents)

		source.mutex.Lock()
		current, ok := source.roots[root]
		if ok && current == state {
			current.contents = contents
		}
		source.mutex.Unlock()
		if !ok || current != state {
			continue
		}

		for _, event := range events {
			select {
			case source.events <- event:
			case <-source.done:
				return
			}
		}
	}
}

// diff compares two snapshots. Removed and created entries that refer to the
// same file are reported as a rename pair sharing a cookie. Output order is
// renames, removals, creations, then modifications, each sorted by path.
//
// A renamed directory yields one pair for itself. Its old descendants are
// dropped and its new descendants are reported as created, which is what the
// native source reports for the same rename.
func (source *pollSource) diff(previous, current map[string]os.FileInfo) []RawEvent {
	var removed, created, modified []string
	for path := range previous {
		if _, ok := current[path]; !ok {
			removed = append(removed, path)
		}
	}
	for path, info := range current {
		before, ok := previous[path]
		if !ok {
			created = append(created, path)
			continue
		}
		if !fileInfoEqual(before, info) {
			modified = append(modified, path)
		}
	}
	sort.Strings(removed)
	sort.Strings(created)
	sort.Strings(modified)

	now := time.Now()
	events := make([]RawEvent, 0, len(removed)+len(created)+len(modified))

	claimed := make(map[string]bool)
	var unpairedRemoved, movedDirs []string
	for _, oldPath := range removed {
		if underAny(movedDirs, oldPath) {
			continue
		}
		target := ""
		for _, newPath := range created {
			if claimed[newPath] {
				continue
			}
			if os.SameFile(previous[oldPath], current[newPath]) {
				target = newPath
				break
			}
		}
		if target == "" {
			unpairedRemoved = append(unpairedRemoved, oldPath)
			continue
		}
		claimed[target] = true
		if previous[oldPath].IsDir() {
			movedDirs = append(movedDirs, oldPath)
		}
		cookie := source.nextCookie()
		events = append(events,
			RawEvent{Kind: RawRenamedFrom, Path: oldPath, Cookie: cookie, ObservedAt: now},
			RawEvent{Kind: RawRenamedTo, Path: target, Cookie: cookie, ObservedAt: now},
		)
	}
	for _, path := range unpairedRemoved {
		events = append(events, RawEvent{Kind: RawRemoved, Path: path, ObservedAt: now})
	}
	for _, path := range created {
		if claimed[path] {
			continue
		}
		events = append(events, RawEvent{Kind: RawCreated, Path: path, ObservedAt: now})
	}
	for _, path := range modified {
		kind := RawWritten
		if metadataOnly(previous[path], current[path]) {
			kind = RawMetadataChanged
		}
		events = append(events, RawEvent{Kind: kind, Path: path, ObservedAt: now})
	}
	return events
}

func underAny(dirs []string, path string) bool {
	for _, dir := range dirs {
		if isDescendant(dir, path) {
			return true
		}
	}
	return false
}

func (source *pollSource) nextCookie() uint32 {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.cookie++
	if source.cookie == 0 {
		source.cookie = 1
	}
	return source.cookie
}

// snapshot walks root and records every entry below it. Non-recursive roots
// record only direct children. A missing root yields an empty snapshot.
func snapshot(root string, recursive bool, existing map[string]os.FileInfo) (map[string]os.FileInfo, bool, error) {
	capacity := len(existing)
	if capacity == 0 {
		capacity = defaultInitialContentMapCapacity
	}
	contents := make(map[string]os.FileInfo, capacity)

	rootMissing := false
	visitor := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				rootMissing = true
				return err
			}
			// Seen in the listing but gone before the stat.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root {
			return nil
		}
		contents[path] = info
		if !recursive && info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}

	if err := filepath.Walk(root, visitor); err != nil && !rootMissing {
		return nil, false, err
	}
	return contents, rootMissing, nil
}

// fileInfoEqual reports whether two observations of an entry are
// indistinguishable. Directory size and mtime change with their contents,
// which are reported separately, so only the mode is compared for them.
func fileInfoEqual(first, second os.FileInfo) bool {
	if first.Mode() != second.Mode() {
		return false
	}
	if first.IsDir() {
		return true
	}
	return first.Size() == second.Size() &&
		first.ModTime().Equal(second.ModTime())
}

func metadataOnly(first, second os.FileInfo) bool {
	return first.Mode() != second.Mode() &&
		first.Size() == second.Size() &&
		first.ModTime().Equal(second.ModTime())
}
