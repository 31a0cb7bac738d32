package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps every control message with its kind. Payload stays raw
// until the dispatcher knows what to decode it into.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Marshal encodes a message under its kind.
func Marshal(kind Kind, v any) ([]byte, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}

// Unmarshal decodes an envelope from the wire.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope without type")
	}
	return env, nil
}

// Decode fills v with the envelope payload.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
