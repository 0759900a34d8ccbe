package watcher

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

const (
	defaultMaxWatches      = 8192
	defaultCleanupInterval = time.Minute
)

// nativeSource implements RawEventSource on fsnotify. fsnotify watches single
// directories, so recursive roots are expanded into one watch per directory
// and each directory watch is reference counted across overlapping roots.
type nativeSource struct {
	mutex    sync.Mutex
	watcher  *fsnotify.Watcher
	roots    map[string]bool
	rootDirs map[string]map[string]struct{}
	dirs     map[string]int
	closed   bool

	maxWatches      int
	cleanupInterval time.Duration

	events chan RawEvent
	errors chan error
	done   chan struct{}
	wait   sync.WaitGroup

	// afterRename is set while the previous fsnotify event was a Rename.
	afterRename atomic.Bool

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int
	restartBackOff  *backoff.ExponentialBackOff

	logger  *logging.Logger
	metrics *metrics.Registry
}

func newNativeSource(options sourceOptions) (*nativeSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	maxWatches := options.maxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	source := &nativeSource{
		watcher:         watcher,
		roots:           make(map[string]bool),
		rootDirs:        make(map[string]map[string]struct{}),
		dirs:            make(map[string]int),
		maxWatches:      maxWatches,
		cleanupInterval: defaultCleanupInterval,
		events:          make(chan RawEvent, sourceEventsBuffer),
		errors:          make(chan error, 1),
		done:            make(chan struct{}),
		restartBackOff:  newRestartBackOff(),
		logger:          options.logger.Named("native_source"),
		metrics:         options.metrics,
	}

	source.startForwarder(watcher)
	source.wait.Add(1)
	go func() {
		defer source.wait.Done()
		source.cleanupLoop()
	}()
	return source, nil
}

func (source *nativeSource) Kind() SourceKind {
	return SourceNative
}

func (source *nativeSource) Events() <-chan RawEvent {
	return source.events
}

func (source *nativeSource) Errors() <-chan error {
	return source.errors
}

// Watch adds a root. For recursive roots every existing subdirectory is
// watched too; on failure all directories added for this call are released.
func (source *nativeSource) Watch(root string, recursive bool) error {
	dirs := []string{root}
	if recursive {
		nested, err := collectRecursiveDirs(root)
		if err != nil {
			return classifyWatchError("watch", root, err)
		}
		dirs = append(dirs, nested...)
	}

	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return ErrClosed
	}
	source.roots[root] = recursive
	source.rootDirs[root] = make(map[string]struct{}, len(dirs))
	source.mutex.Unlock()

	for index, dir := range dirs {
		if err := source.addDir(root, dir); err != nil {
			if index == 0 {
				source.dropRoot(root)
				return classifyWatchError("watch", root, err)
			}
			// Subdirectories can vanish between the walk and the add.
			if os.IsNotExist(err) {
				continue
			}
			source.dropRoot(root)
			return classifyWatchError("watch", dir, err)
		}
	}

	source.logger.Debug("root watched", logging.Fields{
		"root":        root,
		"directories": strconv.Itoa(len(dirs)),
	})
	return nil
}

// Unwatch releases every directory watch held on behalf of root.
func (source *nativeSource) Unwatch(root string) error {
	source.mutex.Lock()
	if _, ok := source.roots[root]; !ok {
		source.mutex.Unlock()
		return &PathError{Op: "unwatch", Path: root, Err: ErrNotFound}
	}
	source.mutex.Unlock()

	return source.dropRoot(root)
}

func (source *nativeSource) dropRoot(root string) error {
	source.mutex.Lock()
	owned := make([]string, 0, len(source.rootDirs[root]))
	for dir := range source.rootDirs[root] {
		owned = append(owned, dir)
	}
	delete(source.rootDirs, root)
	delete(source.roots, root)
	source.mutex.Unlock()

	var firstErr error
	for _, dir := range owned {
		if err := source.releaseDir(dir); err != nil && firstErr == nil {
			firstErr = &PlatformError{Op: "unwatch", Path: dir, Err: err}
		}
	}
	return firstErr
}

// Close stops the forwarder and cleanup goroutines and releases the fsnotify
// watcher. It is safe to call more than once.
func (source *nativeSource) Close() error {
	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return nil
	}
	source.closed = true
	watcher := source.watcher
	source.roots = make(map[string]bool)
	source.rootDirs = make(map[string]map[string]struct{})
	source.dirs = make(map[string]int)
	source.mutex.Unlock()

	source.restartMutex.Lock()
	if source.restartTimer != nil {
		source.restartTimer.Stop()
		source.restartTimer = nil
	}
	source.restartMutex.Unlock()

	close(source.done)
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	source.wait.Wait()
	return err
}

func (source *nativeSource) startForwarder(watcher *fsnotify.Watcher) {
	if watcher == nil {
		return
	}

	source.wait.Add(1)
	go func() {
		defer source.wait.Done()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				source.handleEvent(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				source.handleError(err)
			case <-source.done:
				return
			}
		}
	}()
}

// handleEvent translates one fsnotify event into raw events. Ops are expanded
// in a fixed order when fsnotify combines several bits.
//
// fsnotify reports a rename as Rename on the old name followed by Create on
// the new one, without a cookie. A Create that directly follows a Rename is
// emitted as the RenamedTo half. kqueue may deliver the Create first, in which
// case the two come out as an unpaired Create and RenamedFrom.
func (source *nativeSource) handleEvent(event fsnotify.Event) {
	now := time.Now()
	emitted := false
	renamed := source.afterRename.Swap(false)

	if event.Has(fsnotify.Create) {
		kind := RawCreated
		if renamed {
			kind = RawRenamedTo
		}
		source.emit(RawEvent{Kind: kind, Path: event.Name, ObservedAt: now})
		source.handleCreatedDir(event.Name)
		emitted = true
	}
	if event.Has(fsnotify.Write) {
		source.emit(RawEvent{Kind: RawWritten, Path: event.Name, ObservedAt: now})
		emitted = true
	}
	if event.Has(fsnotify.Chmod) {
		source.emit(RawEvent{Kind: RawMetadataChanged, Path: event.Name, ObservedAt: now})
		emitted = true
	}
	if event.Has(fsnotify.Rename) {
		source.forgetDirTree(event.Name)
		source.emit(RawEvent{Kind: RawRenamedFrom, Path: event.Name, ObservedAt: now})
		emitted = true
		source.afterRename.Store(true)
	}
	if event.Has(fsnotify.Remove) {
		source.forgetDirTree(event.Name)
		source.emit(RawEvent{Kind: RawRemoved, Path: event.Name, ObservedAt: now})
		emitted = true
	}
	if !emitted {
		source.emit(RawEvent{Kind: RawUnknown, Path: event.Name, ObservedAt: now})
	}
}

func (source *nativeSource) emit(event RawEvent) {
	select {
	case source.events <- event:
	case <-source.done:
	}
}

func (source *nativeSource) currentWatcher() *fsnotify.Watcher {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.watcher
}
