package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type envelope struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	ID         string          `json:"id,omitempty"`
	OccurredAt *time.Time      `json:"occurredAt,omitempty"`
}

func encodeEnvelope(event string, payload any, now time.Time) (string, []byte, error) {
	if event == "" {
		return "", nil, fmt.Errorf("%w: empty event name", ErrPublishFailure)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: encode %s payload: %v", ErrPublishFailure, event, err)
	}

	id := uuid.NewString()
	ts := now.UTC()
	body, err := json.Marshal(envelope{
		Event:      event,
		Data:       data,
		ID:         id,
		OccurredAt: &ts,
	})
	if err != nil {
		return "", nil, fmt.Errorf("%w: encode envelope: %v", ErrPublishFailure, err)
	}
	return id, body, nil
}

// decodeEnvelope only requires event and data; id and occurredAt are optional.
func decodeEnvelope(body []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data for %s", ErrMalformedMessage, env.Event)
	}

	msg := &Message{
		ID:    env.ID,
		Event: env.Event,
		Data:  env.Data,
	}
	if env.OccurredAt != nil {
		msg.OccurredAt = *env.OccurredAt
	}
	return msg, nil
}
