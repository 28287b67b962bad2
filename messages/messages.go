package messages

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Frame types handled by the connection itself. Anything else is an
// application message.
const (
	TypeAck  = "ack"
	TypePing = "ping"
	TypePong = "pong"
)

// Wire field names
const (
	FieldID          = "id"
	FieldType        = "type"
	FieldAckRequired = "ack_required"
	FieldTimestamp   = "timestamp"
)

// Message is a JSON object exchanged over the socket:
// {"id": "...", "type": "...", "ack_required": true, ...domain fields}
type Message map[string]interface{}

// ID returns the message id, or "" if absent or not a string
func (m Message) ID() string {
	id, _ := m[FieldID].(string)
	return id
}

// Type returns the type discriminator, or "" if absent
func (m Message) Type() string {
	typ, _ := m[FieldType].(string)
	return typ
}

// AckRequired reports whether the sender asked for an acknowledgement
func (m Message) AckRequired() bool {
	ack, _ := m[FieldAckRequired].(bool)
	return ack
}

// Clone returns a shallow copy
func (m Message) Clone() Message {
	if m == nil {
		return Message{}
	}
	return maps.Clone(m)
}

// AckMessage acknowledges receipt of the message with the same ID
type AckMessage struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`
}

// NewAck builds the reply for an inbound message that requested one
func NewAck(id string) AckMessage {
	return AckMessage{Type: TypeAck, ID: id}
}

// PingMessage is the heartbeat ping; the peer answers with {"type":"pong"}
type PingMessage struct {
	Type      string `json:"type"`      // "ping"
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// NewPing builds a heartbeat ping stamped with at
func NewPing(at time.Time) PingMessage {
	return PingMessage{Type: TypePing, Timestamp: at.UnixMilli()}
}

// Decode parses one text frame. Frames that are not a JSON object are rejected.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("frame is not a JSON object")
	}
	return msg, nil
}

// Encode serializes any outbound frame
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
