package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

// WatchRegistry owns the set of active watch roots and keeps the raw event
// source subscribed to exactly those roots. Roots are unique.
type WatchRegistry struct {
	mutation sync.Mutex
	mutex    sync.RWMutex
	source   RawEventSource
	targets  map[WatchID]WatchTarget
	byRoot   map[string]WatchID
	nextID   WatchID
	closed   bool

	logger  *logging.Logger
	metrics *metrics.Registry
}

func NewWatchRegistry(source RawEventSource, logger *logging.Logger, registry *metrics.Registry) *WatchRegistry {
	return &WatchRegistry{
		source:  source,
		targets: make(map[WatchID]WatchTarget),
		byRoot:  make(map[string]WatchID),
		logger:  logger,
		metrics: registry,
	}
}

// Add validates path and subscribes the source to it.
func (registry *WatchRegistry) Add(path string, recursive bool) (WatchID, error) {
	if path == "" {
		return 0, &PathError{Op: "watch", Path: path, Err: ErrPathNotFound}
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return 0, &PathError{Op: "watch", Path: path, Err: err}
	}
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &PathError{Op: "watch", Path: root, Err: ErrPathNotFound}
		}
		return 0, classifyWatchError("watch", root, err)
	}
	if !info.IsDir() {
		return 0, &PathError{Op: "watch", Path: root, Err: ErrNotDirectory}
	}

	registry.mutation.Lock()
	defer registry.mutation.Unlock()

	registry.mutex.RLock()
	closed := registry.closed
	_, exists := registry.byRoot[root]
	registry.mutex.RUnlock()
	if closed {
		return 0, ErrClosed
	}
	if exists {
		return 0, fmt.Errorf("watch %s: %w", root, ErrAlreadyWatched)
	}

	if err := registry.source.Watch(root, recursive); err != nil {
		registry.logger.Warn("watch add failed", logging.Fields{
			"root":  root,
			"error": err.Error(),
		})
		return 0, classifyWatchError("watch", root, err)
	}

	registry.mutex.Lock()
	registry.nextID++
	id := registry.nextID
	registry.targets[id] = WatchTarget{ID: id, Root: root, Recursive: recursive}
	registry.byRoot[root] = id
	active := len(registry.targets)
	registry.mutex.Unlock()

	registry.metrics.AddActiveWatches(1)
	registry.logger.Info("watch added", logging.Fields{
		"watch_id":       strconv.FormatUint(uint64(id), 10),
		"root":           root,
		"recursive":      strconv.FormatBool(recursive),
		"active_watches": strconv.Itoa(active),
	})
	return id, nil
}

// Remove unsubscribes the source from the target's root and forgets it.
// The target is dropped even when the source fails to unsubscribe.
func (registry *WatchRegistry) Remove(id WatchID) error {
	registry.mutation.Lock()
	defer registry.mutation.Unlock()

	registry.mutex.Lock()
	if registry.closed {
		registry.mutex.Unlock()
		return ErrClosed
	}
	target, ok := registry.targets[id]
	if !ok {
		registry.mutex.Unlock()
		return &NotFoundError{Kind: "watch", ID: uint64(id)}
	}
	delete(registry.targets, id)
	delete(registry.byRoot, target.Root)
	registry.mutex.Unlock()
	registry.metrics.AddActiveWatches(-1)

	if err := registry.source.Unwatch(target.Root); err != nil {
		registry.logger.Warn("watch remove failed", logging.Fields{
			"watch_id": strconv.FormatUint(uint64(id), 10),
			"root":     target.Root,
			"error":    err.Error(),
		})
		return classifyWatchError("unwatch", target.Root, err)
	}
	registry.logger.Info("watch removed", logging.Fields{
		"watch_id": strconv.FormatUint(uint64(id), 10),
		"root":     target.Root,
	})
	return nil
}

// Match returns the watch that path routes to. When roots nest, the deepest
// matching root wins.
func (registry *WatchRegistry) Match(path string) (WatchID, bool) {
	target, ok := registry.route(path)
	return target.ID, ok
}

func (registry *WatchRegistry) route(path string) (WatchTarget, bool) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()

	var best WatchTarget
	found := false
	for _, target := range registry.targets {
		if !targetCovers(target, path) {
			continue
		}
		if !found || len(target.Root) > len(best.Root) {
			best = target
			found = true
		}
	}
	return best, found
}

func targetCovers(target WatchTarget, path string) bool {
	if path == target.Root {
		return true
	}
	if target.Recursive {
		return isDescendant(target.Root, path)
	}
	return filepath.Dir(path) == target.Root
}

// Targets returns the active targets sorted by ID.
func (registry *WatchRegistry) Targets() []WatchTarget {
	registry.mutex.RLock()
	targets := make([]WatchTarget, 0, len(registry.targets))
	for _, target := range registry.targets {
		targets = append(targets, target)
	}
	registry.mutex.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].ID < targets[j].ID
	})
	return targets
}

func (registry *WatchRegistry) Len() int {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	return len(registry.targets)
}

// Close unsubscribes every target. Later mutations return ErrClosed.
func (registry *WatchRegistry) Close() error {
	registry.mutation.Lock()
	defer registry.mutation.Unlock()

	registry.mutex.Lock()
	if registry.closed {
		registry.mutex.Unlock()
		return nil
	}
	registry.closed = true
	targets := registry.targets
	registry.targets = make(map[WatchID]WatchTarget)
	registry.byRoot = make(map[string]WatchID)
	registry.mutex.Unlock()

	var errs []error
	for _, target := range targets {
		registry.metrics.AddActiveWatches(-1)
		if err := registry.source.Unwatch(target.Root); err != nil {
			errs = append(errs, classifyWatchError("unwatch", target.Root, err))
		}
	}
	return errors.Join(errs...)
}
