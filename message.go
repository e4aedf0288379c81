package redelivery

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// Message is one inbound delivery handed to a Policy.
type Message struct {
	ID      string            `json:"id,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Payload any               `json:"payload"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PayloadBytes renders the message payload to bytes. Only payloads with a
// well-defined byte form are accepted; anything else returns ErrNotEncodable.
func (m *Message) PayloadBytes() ([]byte, error) {
	switch p := m.Payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return []byte(p), nil
	case encoding.BinaryMarshaler:
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotEncodable, err)
		}
		return b, nil
	case encoding.TextMarshaler:
		b, err := p.MarshalText()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotEncodable, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotEncodable, m.Payload)
	}
}
