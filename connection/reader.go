package connection

import (
	"time"

	"tether/errors"
	"tether/messages"
	"tether/protocol"
)

// readLoop reads frames from ws until it fails. Closing ws is how other
// goroutines stop it.
func (c *Connection) readLoop(ws protocol.WebSocketConn, session uint64) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleConnectionError(session, errors.Transport("receive", err), ReasonConnectionLost)
			return
		}

		msg, err := messages.Decode(data)
		if err != nil {
			c.handleConnectionError(session, errors.Protocol("decode", err), ReasonProtocolError)
			return
		}

		if err := c.dispatch(ws, msg); err != nil {
			c.handleConnectionError(session, err, ReasonSendFailure)
			return
		}
	}
}

// dispatch routes one inbound message by its type
func (c *Connection) dispatch(ws protocol.WebSocketConn, msg messages.Message) error {
	switch msg.Type() {
	case messages.TypeAck:
		c.handleAck(msg.ID())
		return nil
	case messages.TypePong:
		c.metrics.recordPong(time.Now())
		c.logger.Debug().Msg("Received pong")
		return nil
	default:
		return c.handleInbound(ws, msg)
	}
}

func (c *Connection) handleAck(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	ms, ok := c.sent[id]
	if ok {
		ms.Acknowledged = true
		delete(c.sent, id)
	}
	c.mu.Unlock()

	if ok {
		c.logger.Debug().Str("messageID", id).Msg("Message acknowledged")
	}
}

// handleInbound delivers an application message once per id. Messages
// without an id are always delivered. A duplicate that asks for an ack is
// acked again, since the peer evidently lost the first one.
func (c *Connection) handleInbound(ws protocol.WebSocketConn, msg messages.Message) error {
	id := msg.ID()
	fresh := true
	if id != "" {
		c.mu.Lock()
		fresh = c.seen.Add(id)
		c.mu.Unlock()
	}

	if msg.AckRequired() && id != "" {
		data, err := messages.Encode(messages.NewAck(id))
		if err != nil {
			return errors.Protocol("encode ack", err)
		}
		if err := c.write(ws, data); err != nil {
			return errors.Transport("ack", err)
		}
	}

	if !fresh {
		c.logger.Debug().Str("messageID", id).Msg("Dropping duplicate message")
		return nil
	}

	hooks := c.getHooks()
	c.invoke("OnMessage", func() {
		if hooks.OnMessage != nil {
			hooks.OnMessage(c.id, msg)
		}
	})
	return nil
}
