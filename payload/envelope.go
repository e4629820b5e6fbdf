package payload

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the wire form of an observed event used by forwarding sinks.
// The payload is pre-encoded with a Codec; the envelope itself is always
// JSON so consumers can route on metadata without knowing the payload
// codec.
type Envelope struct {
	EventID     string            `json:"event_id"`
	SessionID   string            `json:"session_id"`
	Type        string            `json:"type"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentType string            `json:"content_type"`
	Data        []byte            `json:"data"`
}

// Pack encodes a payload value with the codec and wraps it in an envelope.
func Pack(codec Codec, eventID, sessionID, eventType string, createdAt time.Time, metadata map[string]string, v any) (*Envelope, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return &Envelope{
		EventID:     eventID,
		SessionID:   sessionID,
		Type:        eventType,
		CreatedAt:   createdAt,
		Metadata:    metadata,
		ContentType: codec.ContentType(),
		Data:        data,
	}, nil
}

// Marshal serializes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an envelope from JSON.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// DecodePayload decodes the enclosed payload into the target using the
// codec registered for the envelope's content type.
func (e *Envelope) DecodePayload(v any) error {
	return MustGet(e.ContentType).Decode(e.Data, v)
}
