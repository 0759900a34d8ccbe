// Package watcher turns raw filesystem notifications into coalesced create,
// update and delete events for a set of registered directory roots.
//
// Raw events arrive from a RawEventSource (fsnotify, or periodic snapshots
// when kernel notifications are unavailable), are routed to the deepest
// matching root, filtered through ignore patterns and held by a trailing
// debounce window until the tree settles. Each settled batch is coalesced and
// queued. Nothing reaches subscribers until the host calls ProcessEvents or
// Run, and delivery happens on that goroutine in registration order.
//
// A Watcher is safe for concurrent use.
package watcher
