package sdk

import (
	"encoding/json"
	"errors"
)

// EventKey is the discriminator injected into every outbound payload.
const EventKey = "event"

// Event is one outbound notification on the message channel.
type Event struct {
	Name   string
	Fields map[string]any
}

// Payload flattens the event into the map sent to the host: every field plus
// the event name under EventKey.
func (e Event) Payload() map[string]any {
	p := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		p[k] = v
	}
	p[EventKey] = e.Name
	return p
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Payload())
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var p map[string]any
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	name, ok := p[EventKey].(string)
	if !ok {
		return errors.New("event payload without name")
	}
	delete(p, EventKey)
	e.Name = name
	e.Fields = p
	return nil
}

// Sink receives outbound events. Publish must not block on slow consumers.
type Sink interface {
	Publish(ev Event)
}

// Bus is the in-process fan-out used by the transports.
type Bus interface {
	Sink
	Subscribe() chan Event
	Unsubscribe(ch chan Event)
}
