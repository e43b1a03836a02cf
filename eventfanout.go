package codeyard

import (
	"pkt.systems/codeyard/core"
	"pkt.systems/codeyard/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnEvent(event schema.Event) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnEvent(event)
	}
}

// FanOut combines sinks into one, skipping nils.
func FanOut(sinks ...core.EventSink) core.EventSink {
	kept := make([]core.EventSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return eventFanout{sinks: kept}
}
