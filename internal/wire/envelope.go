package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMissingEvent is returned when an inbound message has no event name.
// Such messages are dropped by the caller; they are never fatal to the
// connection.
var ErrMissingEvent = errors.New("envelope missing event name")

// Envelope is the unit of one application-level message.
//
// SenderID and OriginServerID carry the two independent echo-suppression
// keys: SenderID identifies the originating connection, OriginServerID the
// originating server process. OriginServerID must survive the round trip
// through the broker unchanged so every receiving process can recognize its
// own copy.
type Envelope struct {
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	OriginServerID string          `json:"originServerId,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// NewEnvelope builds an envelope for an event, marshaling the payload and
// stamping the current time in milliseconds.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	env := &Envelope{
		Event:     event,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode parses raw bytes into an Envelope. Malformed JSON and messages
// without an event name are both decode errors; callers log and drop them.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return &env, nil
}

// Encode serializes the envelope for the wire and the broker.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}
