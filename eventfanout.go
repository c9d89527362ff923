package termlink

import (
	"pkt.systems/termlink/core"
	"pkt.systems/termlink/schema"
)

type stateFanout struct {
	sinks []core.StateSink
}

func (f stateFanout) OnSessionState(snapshot schema.SessionSnapshot) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionState(snapshot)
	}
}
