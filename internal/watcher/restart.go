package watcher

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"dirwatch/internal/logging"
)

const (
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

func newRestartBackOff() *backoff.ExponentialBackOff {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     restartBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         restartBaseDelay * (1 << maxRestartAttempts),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()
	return policy
}

func (source *nativeSource) handleError(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		source.logger.Warn("native event queue overflowed", logging.Fields{
			"error": err.Error(),
		})
	} else {
		source.logger.Warn("native source error", logging.Fields{
			"error": err.Error(),
		})
	}
	source.scheduleRestart(err)
}

// scheduleRestart replaces the fsnotify watcher after a backoff delay. After
// maxRestartAttempts consecutive failures the error is surfaced on Errors.
func (source *nativeSource) scheduleRestart(err error) {
	source.restartMutex.Lock()
	if source.isClosed() || source.restartTimer != nil {
		source.restartMutex.Unlock()
		return
	}
	if source.restartAttempts >= maxRestartAttempts {
		source.restartMutex.Unlock()
		source.reportError(&PlatformError{Op: "restart native source", Err: fmt.Errorf("%w: %w", ErrSourceFailed, err)})
		return
	}
	delay := source.restartBackOff.NextBackOff()
	source.restartAttempts++
	attempt := source.restartAttempts
	source.restartTimer = time.AfterFunc(delay, source.performRestart)
	source.restartMutex.Unlock()

	source.logger.Info("native source restart scheduled", logging.Fields{
		"attempt": strconv.Itoa(attempt),
		"delay":   delay.String(),
	})
}

func (source *nativeSource) performRestart() {
	restartErr := source.restart()

	source.restartMutex.Lock()
	source.restartTimer = nil
	if restartErr == nil {
		source.restartAttempts = 0
		source.restartBackOff.Reset()
		source.restartMutex.Unlock()
		source.metrics.IncSourceRestart()
		return
	}
	source.restartMutex.Unlock()

	source.logger.Warn("native source restart failed", logging.Fields{
		"error": restartErr.Error(),
	})
	source.scheduleRestart(restartErr)
}

// restart swaps in a fresh fsnotify watcher carrying every tracked directory.
func (source *nativeSource) restart() error {
	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		return nil
	}
	dirs := make([]string, 0, len(source.dirs))
	for dir := range source.dirs {
		dirs = append(dirs, dir)
	}
	source.mutex.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, dir := range dirs {
		if err := replacement.Add(dir); err != nil {
			source.logger.Warn("directory watch re-add failed", logging.Fields{
				"path":  dir,
				"error": err.Error(),
			})
			source.forgetDirTree(dir)
		}
	}

	source.mutex.Lock()
	if source.closed {
		source.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := source.watcher
	source.watcher = replacement
	// Close waits on the forwarders only after it has seen closed, so the
	// new one must be counted before the mutex is released.
	source.startForwarder(replacement)
	source.mutex.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// reportError hands a terminal source failure to the consumer without
// blocking; a pending unread error is kept.
func (source *nativeSource) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case source.errors <- err:
	default:
	}
}

func (source *nativeSource) isClosed() bool {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	return source.closed
}
