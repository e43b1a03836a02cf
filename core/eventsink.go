package core

import "pkt.systems/codeyard/schema"

// EventSink receives workspace events. Implementations must not block.
type EventSink interface {
	OnEvent(event schema.Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(event schema.Event)

// OnEvent calls f(event).
func (f EventSinkFunc) OnEvent(event schema.Event) {
	f(event)
}
