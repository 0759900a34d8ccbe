package watcher

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"dirwatch/internal/logging"
)

func collectRecursiveDirs(root string) ([]string, error) {
	dirs := []string{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

// isDescendant reports whether path lies strictly below root.
func isDescendant(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// addDir takes a reference on dir's fsnotify watch on behalf of root.
func (source *nativeSource) addDir(root, dir string) error {
	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return ErrClosed
	}
	owned := source.rootDirs[root]
	if owned == nil {
		source.mutex.Unlock()
		return nil
	}
	if _, ok := owned[dir]; ok {
		source.mutex.Unlock()
		return nil
	}
	if source.dirs[dir] > 0 {
		source.dirs[dir]++
		owned[dir] = struct{}{}
		source.mutex.Unlock()
		return nil
	}
	if len(source.dirs) >= source.maxWatches {
		source.mutex.Unlock()
		return ErrPlatformLimitExceeded
	}
	source.dirs[dir] = 1
	owned[dir] = struct{}{}
	watcher := source.watcher
	activeCount := len(source.dirs)
	source.mutex.Unlock()

	if err := watcher.Add(dir); err != nil {
		source.mutex.Lock()
		if owned := source.rootDirs[root]; owned != nil {
			delete(owned, dir)
		}
		source.decrementLocked(dir)
		source.mutex.Unlock()
		return err
	}
	source.logger.Debug("directory watch added", logging.Fields{
		"path":           dir,
		"active_watches": strconv.Itoa(activeCount),
	})
	return nil
}

// releaseDir drops one reference and removes the fsnotify watch when the last
// reference goes away.
func (source *nativeSource) releaseDir(dir string) error {
	source.mutex.Lock()
	if !source.decrementLocked(dir) {
		source.mutex.Unlock()
		return nil
	}
	watcher := source.watcher
	source.mutex.Unlock()

	if watcher == nil {
		return nil
	}
	if err := watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		source.logger.Warn("directory watch remove failed", logging.Fields{
			"path":  dir,
			"error": err.Error(),
		})
		return err
	}
	return nil
}

func (source *nativeSource) decrementLocked(dir string) bool {
	count := source.dirs[dir]
	if count > 1 {
		source.dirs[dir] = count - 1
		return false
	}
	if count == 1 {
		delete(source.dirs, dir)
		return true
	}
	return false
}

// handleCreatedDir extends recursive roots over a directory that appeared
// after the root was registered. Entries that already exist inside it are
// reported as created, because they were written before any watch could see
// them.
func (source *nativeSource) handleCreatedDir(path string) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return
	}

	source.mutex.Lock()
	var owners []string
	for root, recursive := range source.roots {
		if recursive && isDescendant(root, path) {
			owners = append(owners, root)
		}
	}
	source.mutex.Unlock()
	if len(owners) == 0 {
		return
	}

	nested, _ := collectRecursiveDirs(path)
	dirs := append([]string{path}, nested...)
	for _, root := range owners {
		for _, dir := range dirs {
			if err := source.addDir(root, dir); err != nil && !os.IsNotExist(err) {
				source.logger.Warn("recursive watch add failed", logging.Fields{
					"root":  root,
					"path":  dir,
					"error": err.Error(),
				})
				if errors.Is(err, ErrPlatformLimitExceeded) {
					source.reportError(classifyWatchError("watch", dir, err))
					return
				}
			}
		}
	}

	now := time.Now()
	_ = filepath.WalkDir(path, func(entryPath string, _ fs.DirEntry, err error) error {
		if err != nil || entryPath == path {
			return nil
		}
		source.emit(RawEvent{Kind: RawCreated, Path: entryPath, ObservedAt: now})
		return nil
	})
}

// forgetDirTree drops bookkeeping for a directory that was removed or moved
// away, together with everything below it. The kernel has usually released
// these watches already, so remove failures are ignored.
func (source *nativeSource) forgetDirTree(path string) {
	source.mutex.Lock()
	var stale []string
	for dir := range source.dirs {
		if dir == path || isDescendant(path, dir) {
			stale = append(stale, dir)
		}
	}
	if len(stale) == 0 {
		source.mutex.Unlock()
		return
	}
	for _, dir := range stale {
		delete(source.dirs, dir)
		for _, owned := range source.rootDirs {
			delete(owned, dir)
		}
	}
	watcher := source.watcher
	source.mutex.Unlock()

	if watcher == nil {
		return
	}
	for _, dir := range stale {
		_ = watcher.Remove(dir)
	}
}
