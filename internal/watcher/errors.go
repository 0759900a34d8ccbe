package watcher

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrPathNotFound indicates that a watch root does not exist.
	ErrPathNotFound = errors.New("path not found")
	// ErrNotDirectory indicates that a watch root is not a directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrAlreadyWatched indicates that a root is already registered.
	ErrAlreadyWatched = errors.New("already watched")
	// ErrPlatformLimitExceeded indicates that the notification backend ran
	// out of watch descriptors or handles.
	ErrPlatformLimitExceeded = errors.New("platform watch limit exceeded")
	// ErrNotFound indicates an unknown watch or subscriber id.
	ErrNotFound = errors.New("not found")
	// ErrClosed indicates that the watcher has been shut down.
	ErrClosed = errors.New("watcher is closed")
	// ErrSourceFailed marks a source that stopped delivering events after
	// exhausting its restart attempts.
	ErrSourceFailed = errors.New("event source failed")
)

// PathError reports a registration path that is missing or not a directory.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// PlatformError wraps a failure of the underlying notification capability.
type PlatformError struct {
	Op   string
	Path string
	Err  error
}

func (e *PlatformError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// SubscriberError captures a failed subscriber invocation. It is reported
// through the dispatcher's side channel and never returned to callers.
type SubscriberError struct {
	Subscriber SubscriberID
	Event      SemanticEvent
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %d failed on %s: %v", e.Subscriber, e.Event, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an unknown watch or subscriber id.
type NotFoundError struct {
	Kind string
	ID   uint64
}

func (e *NotFoundError) Error() string {
	return e.Kind + " " + strconv.FormatUint(e.ID, 10) + ": " + ErrNotFound.Error()
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
