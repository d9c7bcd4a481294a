package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buildroom-dev/buildroom/internal/apperr"
	"github.com/buildroom-dev/buildroom/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound queue depth per connection.
	sendQueueSize = 256
)

// Client is one websocket connection joined to a room.
type Client struct {
	gw       *Gateway
	conn     *websocket.Conn
	room     *Room
	identity model.UserRef

	send   chan []byte
	closed chan struct{}
}

func newClient(gw *Gateway, conn *websocket.Conn, room *Room, identity model.UserRef) *Client {
	return &Client{
		gw:       gw,
		conn:     conn,
		room:     room,
		identity: identity,
		send:     make(chan []byte, sendQueueSize),
		closed:   make(chan struct{}),
	}
}

// trySend queues data without blocking. A client that cannot keep up has
// its queue closed, which makes the write pump drop the connection.
func (c *Client) trySend(data []byte) {
	select {
	case <-c.closed:
	case c.send <- data:
	default:
		c.gw.log.Warn("client send queue full, dropping connection",
			"room", c.room.ID(), "user", c.identity.Email)
		c.shutdown()
	}
}

// sendEvent encodes and queues a single event for this client only.
func (c *Client) sendEvent(event EventType, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		c.gw.log.Error("failed to encode event", "event", event, "error", err)
		return
	}
	c.trySend(data)
}

func (c *Client) shutdown() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// readPump reads envelopes off the socket and dispatches them until the
// peer disconnects. Runs on its own goroutine per connection.
func (c *Client) readPump() {
	defer func() {
		c.gw.disconnect(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.log.Debug("websocket read error", "user", c.identity.Email, "error", err)
			}
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.sendEvent(EventMessageError, ErrorPayload{Error: "malformed event payload"})
			continue
		}
		c.dispatch(envelope)
	}
}

// dispatch handles one inbound event. Message events run synchronously so
// a single connection's messages keep their order; the pipeline takes care
// of anything long-running.
func (c *Client) dispatch(envelope Envelope) {
	ctx := context.Background()

	switch envelope.Event {
	case EventProjectMessage:
		var payload IncomingMessage
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || payload.Message.Text == "" {
			c.sendEvent(EventMessageError, ErrorPayload{Error: "message text is required"})
			return
		}
		if err := c.gw.sink.UserMessage(ctx, c.room.ID(), c.identity, payload.Message.Text); err != nil {
			c.sendEvent(EventMessageError, ErrorPayload{Error: pipelineErrorText(err)})
		}

	case EventTyping:
		c.room.StartTyping(c)

	case EventStopTyping:
		c.room.StopTyping(c)

	case EventDeleteMessages:
		var payload DeleteRequest
		if err := json.Unmarshal(envelope.Data, &payload); err != nil || len(payload.MessageIDs) == 0 {
			c.sendEvent(EventMessageError, ErrorPayload{Error: "messageIds are required"})
			return
		}
		if err := c.gw.sink.DeleteMessages(ctx, c.room.ID(), payload.MessageIDs, c.identity.ID); err != nil {
			c.sendEvent(EventMessageError, ErrorPayload{Error: pipelineErrorText(err)})
		}

	default:
		c.sendEvent(EventMessageError, ErrorPayload{Error: "unknown event: " + string(envelope.Event)})
	}
}

// pipelineErrorText maps pipeline failures to client-safe text.
func pipelineErrorText(err error) string {
	var permErr *apperr.PermissionError
	if errors.As(err, &permErr) {
		return "you can only delete your own messages"
	}
	var valErr *apperr.ValidationError
	if errors.As(err, &valErr) {
		return valErr.Error()
	}
	var persistErr *apperr.PersistenceError
	if errors.As(err, &persistErr) {
		return "failed to save message, please retry"
	}
	return "request failed"
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. Runs on its own goroutine per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
