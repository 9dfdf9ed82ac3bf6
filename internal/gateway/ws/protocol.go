// Package ws fans bus events out to topic-subscribed WebSocket
// clients.
package ws

import (
	"encoding/json"
	"time"

	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/ident"
)

// ProtocolVersion is the envelope version this hub speaks.
const ProtocolVersion = 1

// Control message types, alongside the event kinds from the bus.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Error codes carried in error envelopes.
const (
	CodeInvalidPayload = "INVALID_PAYLOAD"
	CodeUnknownType    = "UNKNOWN_TYPE"
	CodeQueueOverflow  = "QUEUE_OVERFLOW"
)

// Envelope is the wire format, both directions.
type Envelope struct {
	V     int             `json:"v"`
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	TS    int64           `json:"ts"` // unix millis
	Data  json.RawMessage `json:"data,omitempty"`
}

// topicPayload is the data of subscribe/unsubscribe envelopes.
type topicPayload struct {
	Topic string `json:"topic"`
}

// errorPayload is the data of error envelopes.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope builds an outbound envelope with a fresh id and
// timestamp.
func NewEnvelope(typ, topic string, data any) (Envelope, error) {
	env := Envelope{
		V:     ProtocolVersion,
		ID:    ident.NewID(),
		Type:  typ,
		Topic: topic,
		TS:    time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// EventEnvelope wraps a bus event for delivery.
func EventEnvelope(e events.Event) (Envelope, error) {
	return NewEnvelope(string(e.Type), e.Topic, e.Payload)
}

// ErrorEnvelope builds an error control message.
func ErrorEnvelope(code, message string) Envelope {
	env, _ := NewEnvelope(TypeError, "", errorPayload{Code: code, Message: message})
	return env
}

// ParseEnvelope decodes an inbound client message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
