package connection

import (
	"time"

	"tether/messages"
)

// MessageState tracks delivery of one outbound message. It lives either in
// the pending queue (not yet transmitted) or, when AckRequired, in the
// sent-awaiting-ack table until the peer acknowledges it.
type MessageState struct {
	ID           string
	Content      messages.Message
	Timestamp    time.Time
	AckRequired  bool
	Acknowledged bool
}

func newMessageState(content messages.Message, ackRequired bool, now time.Time) *MessageState {
	return &MessageState{
		ID:          content.ID(),
		Content:     content,
		Timestamp:   now,
		AckRequired: ackRequired,
	}
}

// expired reports whether the message was created before cutoff
func (m *MessageState) expired(cutoff time.Time) bool {
	return m.Timestamp.Before(cutoff)
}
