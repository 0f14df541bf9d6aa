package forwarder

import "github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"

// MultiSink publishes every event to each of its sinks in order.
type MultiSink []sdk.Sink

func (m MultiSink) Publish(ev sdk.Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}
