package types

// Event is the wire shape of a typed event emitted during a state mutation.
// Attribute values are already rendered as strings so the payload is stable
// across JSON-RPC, websocket, and webhook consumers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Copy returns a detached clone so subscribers can hold events without
// aliasing the emitter's map.
func (e *Event) Copy() *Event {
	if e == nil {
		return nil
	}
	clone := &Event{Type: e.Type}
	if e.Attributes != nil {
		clone.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			clone.Attributes[k] = v
		}
	}
	return clone
}
