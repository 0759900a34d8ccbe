package watcher

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"dirwatch/internal/logging"
	"dirwatch/internal/metrics"
)

// SourceKind names a RawEventSource mechanism.
type SourceKind string

const (
	// SourceNative uses kernel notifications (inotify, FSEvents/kqueue,
	// ReadDirectoryChangesW) through fsnotify.
	SourceNative SourceKind = "native"
	// SourcePoll rescans watched trees on an interval.
	SourcePoll SourceKind = "poll"
)

// Backend selects how a Watcher obtains raw notifications.
type Backend string

const (
	// BackendAuto prefers native notifications and falls back to polling if
	// they cannot be initialized.
	BackendAuto   Backend = "auto"
	BackendNative Backend = "native"
	BackendPoll   Backend = "poll"
)

// ParseBackend validates a backend name. An empty name selects BackendAuto.
func ParseBackend(value string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(value))) {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendNative:
		return BackendNative, nil
	case BackendPoll:
		return BackendPoll, nil
	default:
		return "", fmt.Errorf("unknown backend %q", value)
	}
}

const (
	nativeSettlingWindow = 10 * time.Millisecond
	pollSettlingWindow   = time.Second

	defaultPollInterval = time.Second
	sourceEventsBuffer  = 256
)

// DefaultSettlingWindow returns the debounce window suited to a source kind.
// Polling sources batch less reliably, so they settle over a longer window.
func DefaultSettlingWindow(kind SourceKind) time.Duration {
	if kind == SourcePoll {
		return pollSettlingWindow
	}
	return nativeSettlingWindow
}

// RawEventSource is the platform notification capability. Watch and Unwatch
// are keyed by root path; the registry guarantees roots are unique. Events
// and Errors may be read concurrently with Watch and Unwatch.
type RawEventSource interface {
	Kind() SourceKind
	Watch(root string, recursive bool) error
	Unwatch(root string) error
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

type sourceOptions struct {
	logger       *logging.Logger
	metrics      *metrics.Registry
	pollInterval time.Duration
	maxWatches   int
}

func newSource(backend Backend, options sourceOptions) (RawEventSource, error) {
	switch backend {
	case BackendPoll:
		return newPollSource(options), nil
	case BackendNative:
		source, err := newNativeSource(options)
		if err != nil {
			return nil, &PlatformError{Op: "initialize native source", Err: err}
		}
		return source, nil
	default:
		source, err := newNativeSource(options)
		if err == nil {
			return source, nil
		}
		options.logger.Warn("native notifications unavailable, falling back to polling", logging.Fields{
			"error": err.Error(),
		})
		return newPollSource(options), nil
	}
}

// classifyWatchError maps a platform failure to the error taxonomy.
func classifyWatchError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var pathErr *PathError
	var platformErr *PlatformError
	if errors.As(err, &pathErr) || errors.As(err, &platformErr) {
		return err
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return &PathError{Op: op, Path: path, Err: ErrPathNotFound}
	case isLimitError(err):
		return &PlatformError{Op: op, Path: path, Err: fmt.Errorf("%w: %v", ErrPlatformLimitExceeded, err)}
	default:
		return &PlatformError{Op: op, Path: path, Err: err}
	}
}

func isLimitError(err error) bool {
	return errors.Is(err, ErrPlatformLimitExceeded) ||
		errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}
