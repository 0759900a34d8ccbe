package watcher

import (
	"github.com/invopop/jsonschema"

	"dirwatch/internal/schema"
)

const (
	SchemaWireEvent   = "wire-event"
	SchemaWatchTarget = "watch-target"
)

func init() {
	_ = schema.Register(SchemaWireEvent, func() *jsonschema.Schema {
		return schema.Generate(WireEvent{})
	})
	_ = schema.Register(SchemaWatchTarget, func() *jsonschema.Schema {
		return schema.Generate(WatchTarget{})
	})
}
