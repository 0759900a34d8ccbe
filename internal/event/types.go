package event

// Event is implemented by payloads that carry a type name. Buses use it for
// type filters and per-type metrics; other payloads are counted as "unknown".
type Event interface {
	Type() string
}
