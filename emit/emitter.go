package emit

// Emitter receives execution status events.
//
// Implementations should be:
//   - Non-blocking: never stall the runner that emits
//   - Thread-safe: the runner emits concurrently from worker goroutines
//   - Resilient: a failing backend must not fail the run
//
// Emit must not panic. Backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}
