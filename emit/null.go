package emit

// NullEmitter discards all events.
//
// Use it when status reporting is not wanted: benchmark runs, tests that do
// not assert on events, or deployments where all observability goes through
// metrics instead.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter. Safe for concurrent use, zero
// overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {
}
