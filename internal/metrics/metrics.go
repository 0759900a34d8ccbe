package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects watcher pipeline counters. All methods are safe on a nil
// receiver and for concurrent use.
type Registry struct {
	rawReceived        atomic.Int64
	rawIgnored         atomic.Int64
	rawUnrouted        atomic.Int64
	rawUnknown         atomic.Int64
	coalesced          atomic.Int64
	queueDropped       atomic.Int64
	deliveries         atomic.Int64
	subscriberFailures atomic.Int64
	sourceRestarts     atomic.Int64
	activeWatches      atomic.Int64
	emitted            sync.Map
	buses              sync.Map
}

type busStats struct {
	published   sync.Map
	dropped     sync.Map
	subscribers atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncRawReceived() {
	if r == nil {
		return
	}
	r.rawReceived.Add(1)
}

func (r *Registry) IncRawIgnored() {
	if r == nil {
		return
	}
	r.rawIgnored.Add(1)
}

func (r *Registry) IncRawUnrouted() {
	if r == nil {
		return
	}
	r.rawUnrouted.Add(1)
}

func (r *Registry) IncRawUnknown() {
	if r == nil {
		return
	}
	r.rawUnknown.Add(1)
}

// AddCoalesced records raw events absorbed into an earlier semantic event.
func (r *Registry) AddCoalesced(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.coalesced.Add(int64(count))
}

func (r *Registry) IncEmitted(kind string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	counter(&r.emitted, kind).Add(1)
}

func (r *Registry) IncQueueDropped() {
	if r == nil {
		return
	}
	r.queueDropped.Add(1)
}

func (r *Registry) IncDelivered() {
	if r == nil {
		return
	}
	r.deliveries.Add(1)
}

func (r *Registry) IncSubscriberFailure() {
	if r == nil {
		return
	}
	r.subscriberFailures.Add(1)
}

func (r *Registry) IncSourceRestart() {
	if r == nil {
		return
	}
	r.sourceRestarts.Add(1)
}

func (r *Registry) AddActiveWatches(delta int) {
	if r == nil {
		return
	}
	r.activeWatches.Add(int64(delta))
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.bus(bus).published, eventType).Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	counter(&r.bus(bus).dropped, eventType).Add(1)
}

func (r *Registry) SetEventSubscribers(bus string, count int) {
	if r == nil {
		return
	}
	r.bus(bus).subscribers.Store(int64(count))
}

// Snapshot is a point-in-time copy of the unlabeled counters.
type Snapshot struct {
	RawReceived        int64
	RawIgnored         int64
	RawUnrouted        int64
	RawUnknown         int64
	Coalesced          int64
	QueueDropped       int64
	Deliveries         int64
	SubscriberFailures int64
	SourceRestarts     int64
	ActiveWatches      int64
	Emitted            map[string]int64
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		RawReceived:        r.rawReceived.Load(),
		RawIgnored:         r.rawIgnored.Load(),
		RawUnrouted:        r.rawUnrouted.Load(),
		RawUnknown:         r.rawUnknown.Load(),
		Coalesced:          r.coalesced.Load(),
		QueueDropped:       r.queueDropped.Load(),
		Deliveries:         r.deliveries.Load(),
		SubscriberFailures: r.subscriberFailures.Load(),
		SourceRestarts:     r.sourceRestarts.Load(),
		ActiveWatches:      r.activeWatches.Load(),
		Emitted:            make(map[string]int64),
	}
	r.emitted.Range(func(key, value interface{}) bool {
		snapshot.Emitted[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return snapshot
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "dirwatch_raw_events_total", "Raw notifications received from the event source", r.rawReceived.Load())
	writeCounter(writer, "dirwatch_raw_events_ignored_total", "Raw notifications excluded by ignore patterns", r.rawIgnored.Load())
	writeCounter(writer, "dirwatch_raw_events_unrouted_total", "Raw notifications outside every active watch root", r.rawUnrouted.Load())
	writeCounter(writer, "dirwatch_raw_events_unknown_total", "Raw notifications with an unrecognized kind", r.rawUnknown.Load())
	writeCounter(writer, "dirwatch_raw_events_coalesced_total", "Raw notifications absorbed by coalescing", r.coalesced.Load())
	writeCounter(writer, "dirwatch_queue_dropped_total", "Semantic events dropped by a bounded queue", r.queueDropped.Load())
	writeCounter(writer, "dirwatch_deliveries_total", "Successful subscriber deliveries", r.deliveries.Load())
	writeCounter(writer, "dirwatch_subscriber_failures_total", "Subscriber invocations that failed", r.subscriberFailures.Load())
	writeCounter(writer, "dirwatch_source_restarts_total", "Event source restarts after errors", r.sourceRestarts.Load())
	writeGauge(writer, "dirwatch_active_watches", "Active watch roots", r.activeWatches.Load())

	writeHelp(writer, "dirwatch_semantic_events_total", "Semantic events emitted by kind")
	fmt.Fprintln(writer, "# TYPE dirwatch_semantic_events_total counter")
	for _, kind := range sortedKeys(&r.emitted) {
		fmt.Fprintf(writer, "dirwatch_semantic_events_total{kind=%s} %d\n", formatLabel(kind), counter(&r.emitted, kind).Load())
	}

	busNames := sortedKeys(&r.buses)
	if len(busNames) == 0 {
		return nil
	}
	writeHelp(writer, "dirwatch_bus_events_published_total", "Events published on a bus")
	fmt.Fprintln(writer, "# TYPE dirwatch_bus_events_published_total counter")
	writeHelp(writer, "dirwatch_bus_events_dropped_total", "Events dropped for slow bus subscribers")
	fmt.Fprintln(writer, "# TYPE dirwatch_bus_events_dropped_total counter")
	writeHelp(writer, "dirwatch_bus_subscribers", "Active bus subscribers")
	fmt.Fprintln(writer, "# TYPE dirwatch_bus_subscribers gauge")
	for _, name := range busNames {
		stats := r.bus(name)
		busLabel := formatLabel(name)
		for _, eventType := range sortedKeys(&stats.published) {
			fmt.Fprintf(writer, "dirwatch_bus_events_published_total{bus=%s,type=%s} %d\n", busLabel, formatLabel(eventType), counter(&stats.published, eventType).Load())
		}
		for _, eventType := range sortedKeys(&stats.dropped) {
			fmt.Fprintf(writer, "dirwatch_bus_events_dropped_total{bus=%s,type=%s} %d\n", busLabel, formatLabel(eventType), counter(&stats.dropped, eventType).Load())
		}
		fmt.Fprintf(writer, "dirwatch_bus_subscribers{bus=%s} %d\n", busLabel, stats.subscribers.Load())
	}

	return nil
}

func (r *Registry) bus(name string) *busStats {
	if strings.TrimSpace(name) == "" {
		name = "event_bus"
	}
	value, _ := r.buses.LoadOrStore(name, &busStats{})
	return value.(*busStats)
}

func counter(values *sync.Map, key string) *atomic.Int64 {
	value, _ := values.LoadOrStore(key, &atomic.Int64{})
	return value.(*atomic.Int64)
}

func sortedKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func writeGauge(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s gauge\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
