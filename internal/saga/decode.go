package saga

import (
	"encoding/json"

	"fulfillment/pkg/queue"
)

// Payload is implemented by pointers to the event payload structs
type Payload[T any] interface {
	*T
	Validate() error
}

// Decode checks the event name, unmarshals msg.Data into T and validates it.
// Every failure wraps queue.ErrMalformedMessage so the bus discards the message.
func Decode[T any, PT Payload[T]](msg *queue.Message, event string) (*T, error) {
	if msg.Event != event {
		return nil, queue.Malformed("unexpected event %q, want %q", msg.Event, event)
	}

	var payload T
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return nil, queue.Malformed("decode %s: %v", event, err)
	}
	if err := PT(&payload).Validate(); err != nil {
		return nil, queue.Malformed("invalid %s: %v", event, err)
	}
	return &payload, nil
}
