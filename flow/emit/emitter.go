// Package emit delivers engine lifecycle events to logging and tracing backends.
package emit

// Emitter receives lifecycle events from the engine.
//
// Implementations must not block the workflow loop and must not panic.
// Backend failures are the emitter's own concern.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans an event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards the event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
