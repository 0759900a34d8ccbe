package watcher

import (
	"os"
	"strconv"
	"time"

	"dirwatch/internal/logging"
)

func (source *nativeSource) cleanupLoop() {
	ticker := time.NewTicker(source.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			source.cleanup()
		case <-source.done:
			return
		}
	}
}

// cleanup prunes directory watches whose directories disappeared without a
// notification, which happens when the kernel drops events on overflow.
func (source *nativeSource) cleanup() {
	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return
	}
	dirs := make([]string, 0, len(source.dirs))
	for dir := range source.dirs {
		dirs = append(dirs, dir)
	}
	source.mutex.Unlock()

	pruned := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil && os.IsNotExist(err) {
			source.forgetDirTree(dir)
			pruned++
		}
	}
	if pruned > 0 {
		source.logger.Debug("stale directory watches pruned", logging.Fields{
			"count": strconv.Itoa(pruned),
		})
	}
}
