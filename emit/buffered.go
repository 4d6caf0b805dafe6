package emit

import "sync"

// BufferedEmitter stores events in memory, organized by pipeline run, and
// provides query access for post-run inspection.
//
// Use cases:
//   - Tests asserting on the event stream of a run
//   - Development and debugging
//   - Dashboards polling recent run history
//
// Warning: all events are held in memory. Long-lived processes running many
// pipelines should Clear finished runs.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // pipelineID -> events
}

// HistoryFilter selects events from a run's history. All set fields must
// match (AND logic); zero values mean "no filter".
type HistoryFilter struct {
	Component string // registered component / node name
	Status    string // execution status
	Msg       string // event kind
}

// NewBufferedEmitter creates an empty BufferedEmitter. Safe for concurrent
// use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its run's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.PipelineID] = append(b.events[event.PipelineID], event)
}

// History returns all events for a pipeline run in emission order. The
// returned slice is a copy; it is never nil.
func (b *BufferedEmitter) History(pipelineID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[pipelineID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the events of a run that match the filter, in
// emission order. The returned slice is never nil.
func (b *BufferedEmitter) HistoryWithFilter(pipelineID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[pipelineID] {
		if filter.Component != "" && event.Component != filter.Component {
			continue
		}
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes stored events. A non-empty pipelineID clears one run; an
// empty pipelineID clears everything.
func (b *BufferedEmitter) Clear(pipelineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pipelineID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, pipelineID)
	}
}
