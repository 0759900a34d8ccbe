package watcher

type coalesceOptions struct {
	// cancelTransient drops a Create and the Delete that follows it for the
	// same path within one batch.
	cancelTransient bool
	// holdable reports whether the unpaired rename half at index may wait
	// for its partner in a later batch. Nil never holds.
	holdable func(index int) bool
}

// coalesceStats counts raw events that produced no semantic event of their
// own.
type coalesceStats struct {
	absorbed int
	unknown  int
	// held lists the indices of unpaired rename halves left out of the
	// output, in arrival order.
	held []int
}

// coalesce converts one settled batch of raw events into semantic events.
// It keeps no state between batches.
func coalesce(raw []RawEvent, options coalesceOptions) []SemanticEvent {
	events, _ := coalesceBatch(raw, options)
	return events
}

func coalesceBatch(raw []RawEvent, options coalesceOptions) ([]SemanticEvent, coalesceStats) {
	partner, secondHalf := pairRenames(raw)
	lastSeen := make(map[string]int, len(raw))
	for index, event := range raw {
		lastSeen[event.Path] = index
	}

	batch := &coalescer{
		options: options,
		last:    make(map[string]Kind),
		created: make(map[string]int),
		output:  make([]coalescedEvent, 0, len(raw)),
	}
	for index, event := range raw {
		if secondHalf[index] {
			continue
		}
		switch event.Kind {
		case RawCreated:
			batch.create(event.Path)
		case RawRemoved:
			batch.remove(event.Path)
		case RawWritten, RawMetadataChanged:
			batch.update(event.Path)
		case RawRenamedFrom, RawRenamedTo:
			other, paired := partner[index]
			if !paired {
				if batch.hold(event, index, lastSeen[event.Path]) {
					continue
				}
				if event.Kind == RawRenamedFrom {
					batch.remove(event.Path)
				} else {
					batch.create(event.Path)
				}
				continue
			}
			from, to := event, raw[other]
			if event.Kind == RawRenamedTo {
				from, to = to, event
			}
			batch.remove(from.Path)
			batch.create(to.Path)
		default:
			batch.stats.unknown++
		}
	}

	events := make([]SemanticEvent, 0, len(batch.output))
	for _, entry := range batch.output {
		if entry.cancelled {
			continue
		}
		events = append(events, entry.event)
	}
	return events, batch.stats
}

// pairRenames links RenamedFrom and RenamedTo halves. Halves with equal
// non-zero cookies pair first; otherwise a half pairs with the oldest
// compatible unpaired opposite half. partner maps the first-arriving half to
// the second, and secondHalf marks the indices that are emitted through their
// partner.
func pairRenames(raw []RawEvent) (map[int]int, map[int]bool) {
	partner := make(map[int]int)
	secondHalf := make(map[int]bool)
	var openFrom, openTo []int

	take := func(open []int, cookie uint32) ([]int, int, bool) {
		if cookie != 0 {
			for position, candidate := range open {
				if raw[candidate].Cookie == cookie {
					return append(open[:position:position], open[position+1:]...), candidate, true
				}
			}
		}
		for position, candidate := range open {
			if raw[candidate].Cookie == 0 || cookie == 0 {
				return append(open[:position:position], open[position+1:]...), candidate, true
			}
		}
		return open, 0, false
	}

	for index, event := range raw {
		switch event.Kind {
		case RawRenamedFrom:
			var candidate int
			var ok bool
			openTo, candidate, ok = take(openTo, event.Cookie)
			if ok {
				partner[candidate] = index
				secondHalf[index] = true
				continue
			}
			openFrom = append(openFrom, index)
		case RawRenamedTo:
			var candidate int
			var ok bool
			openFrom, candidate, ok = take(openFrom, event.Cookie)
			if ok {
				partner[candidate] = index
				secondHalf[index] = true
				continue
			}
			openTo = append(openTo, index)
		}
	}
	return partner, secondHalf
}

// hold keeps back an unpaired half that carries a cookie, since its partner
// can still arrive. Halves without a cookie are only ever emitted right after
// their partner. A half is never held past a later event on the same path,
// which would otherwise overtake it.
func (batch *coalescer) hold(event RawEvent, index, lastSeen int) bool {
	if batch.options.holdable == nil || lastSeen > index || event.Cookie == 0 {
		return false
	}
	if !batch.options.holdable(index) {
		return false
	}
	batch.stats.held = append(batch.stats.held, index)
	return true
}

type coalescedEvent struct {
	event     SemanticEvent
	cancelled bool
}

type coalescer struct {
	options coalesceOptions
	last    map[string]Kind
	created map[string]int
	output  []coalescedEvent
	stats   coalesceStats
}

func (batch *coalescer) append(kind Kind, path string) {
	if kind == Create {
		batch.created[path] = len(batch.output)
	}
	batch.output = append(batch.output, coalescedEvent{event: SemanticEvent{Kind: kind, Path: path}})
	batch.last[path] = kind
}

func (batch *coalescer) create(path string) {
	if batch.last[path] == Create {
		batch.stats.absorbed++
		return
	}
	batch.append(Create, path)
}

func (batch *coalescer) update(path string) {
	switch batch.last[path] {
	case Create, Update:
		batch.stats.absorbed++
		return
	}
	batch.append(Update, path)
}

func (batch *coalescer) remove(path string) {
	last := batch.last[path]
	if last == Delete {
		batch.stats.absorbed++
		return
	}
	if batch.options.cancelTransient && last == Create {
		if position, ok := batch.created[path]; ok {
			batch.output[position].cancelled = true
			delete(batch.created, path)
			delete(batch.last, path)
			batch.stats.absorbed += 2
			return
		}
	}
	batch.append(Delete, path)
}
