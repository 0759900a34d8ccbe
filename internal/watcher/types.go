package watcher

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawKind classifies an unprocessed notification from a RawEventSource.
type RawKind uint8

const (
	RawUnknown RawKind = iota
	RawCreated
	RawRemoved
	RawWritten
	RawMetadataChanged
	RawRenamedFrom
	RawRenamedTo
)

func (k RawKind) String() string {
	switch k {
	case RawCreated:
		return "created"
	case RawRemoved:
		return "removed"
	case RawWritten:
		return "written"
	case RawMetadataChanged:
		return "metadata_changed"
	case RawRenamedFrom:
		return "renamed_from"
	case RawRenamedTo:
		return "renamed_to"
	default:
		return "unknown"
	}
}

// RawEvent is a single platform notification. Cookie links the two halves of
// a rename when the source can tell them apart; zero means unknown.
type RawEvent struct {
	Kind       RawKind
	Path       string
	Cookie     uint32
	ObservedAt time.Time
}

// Kind is the semantic classification delivered to subscribers.
type Kind uint8

const (
	Create Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseKind converts a wire type name back into a Kind.
func ParseKind(value string) (Kind, error) {
	switch value {
	case "create":
		return Create, nil
	case "update":
		return Update, nil
	case "delete":
		return Delete, nil
	default:
		return 0, fmt.Errorf("unknown event type %q", value)
	}
}

// SemanticEvent is one logical filesystem change.
type SemanticEvent struct {
	Kind Kind
	Path string
}

// WireEvent is the JSON shape handed to hosts.
type WireEvent struct {
	Type string `json:"type" jsonschema:"enum=create,enum=update,enum=delete"`
	Path string `json:"path" jsonschema:"description=Absolute path of the changed entry"`
}

// Type returns the wire type name, which lets semantic events travel on a
// typed event bus.
func (e SemanticEvent) Type() string {
	return e.Kind.String()
}

func (e SemanticEvent) Wire() WireEvent {
	return WireEvent{Type: e.Kind.String(), Path: e.Path}
}

func (e SemanticEvent) String() string {
	return e.Kind.String() + " " + e.Path
}

func (e SemanticEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

func (e *SemanticEvent) UnmarshalJSON(data []byte) error {
	var wire WireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	kind, err := ParseKind(wire.Type)
	if err != nil {
		return err
	}
	e.Kind = kind
	e.Path = wire.Path
	return nil
}

// WatchID identifies a registered watch root.
type WatchID uint64

// SubscriberID identifies a registered subscriber.
type SubscriberID uint64

// WatchTarget is an active watch root.
type WatchTarget struct {
	ID        WatchID `json:"id"`
	Root      string  `json:"root"`
	Recursive bool    `json:"recursive"`
}

// Subscriber receives semantic events during dispatch.
type Subscriber interface {
	Invoke(SemanticEvent) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(SemanticEvent) error

func (f SubscriberFunc) Invoke(event SemanticEvent) error {
	return f(event)
}
