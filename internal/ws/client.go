package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"soulchat/internal/models"
	"soulchat/internal/relay"
	"soulchat/internal/service/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundSize = 64 * 1024
	sendBufferSize = 32
)

// envelope is the inbound frame shape. The body carries either text or
// an attachment, mirroring the send-message contract over HTTP.
type envelope struct {
	Event     string `json:"event"`
	To        string `json:"to"`
	MessageID int64  `json:"messageId"`
	Body      struct {
		Text      string `json:"text"`
		URL       string `json:"url"`
		Filename  string `json:"filename"`
		MediaType string `json:"mediaType"`
	} `json:"body"`
}

// errorFrame is pushed back to the sender when an inbound event is
// rejected. Relay-level drops are silent; only validation and store
// failures are reported.
type errorFrame struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// Client couples one websocket connection to its user. It implements
// relay.Conn, so the registry hands out the same handle the pumps use.
type Client struct {
	userID   string
	conn     *websocket.Conn
	registry *relay.Registry
	relay    *relay.Relay
	chats    *chat.Service

	send chan any
	done chan struct{}
}

func newClient(userID string, conn *websocket.Conn, h *Handler) *Client {
	return &Client{
		userID:   userID,
		conn:     conn,
		registry: h.registry,
		relay:    h.relay,
		chats:    h.chats,
		send:     make(chan any, sendBufferSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.userID }

// Enqueue offers an event to the outbound buffer without blocking. When
// the buffer is full the oldest queued event is dropped to make room;
// the connection stays up and fresher events win.
func (c *Client) Enqueue(ev relay.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// readPump owns all reads. It exits on any read error, unregisters the
// client, and signals writePump through done.
func (c *Client) readPump() {
	defer func() {
		c.registry.Unregister(c)
		close(c.done)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read error for %s: %v", c.userID, err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.pushError("malformed frame")
			continue
		}
		c.handleEvent(env)
	}
}

// writePump owns all writes: queued events, error frames, and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleEvent(env envelope) {
	switch env.Event {
	case "send-message":
		c.handleSend(env)
	case "typing":
		c.relay.DeliverIfOnline(env.To, relay.Event{Kind: relay.EventTyping, From: c.userID})
	case "stop-typing":
		c.relay.DeliverIfOnline(env.To, relay.Event{Kind: relay.EventStopTyping, From: c.userID})
	case "seen":
		c.handleSeen(env)
	default:
		c.pushError("unknown event")
	}
}

// handleSend persists first, then relays. Persistence deliberately uses
// a background context: a message the store accepted must survive the
// sender disconnecting right after.
func (c *Client) handleSend(env envelope) {
	var att *models.Attachment
	if env.Body.URL != "" {
		att = &models.Attachment{
			URL:       env.Body.URL,
			Filename:  env.Body.Filename,
			MediaType: env.Body.MediaType,
		}
	}
	msg, err := c.chats.Send(context.Background(), c.userID, env.To, env.Body.Text, att)
	if err != nil {
		c.pushError(err.Error())
		return
	}
	c.relay.DeliverIfOnline(env.To, relay.Event{
		Kind:    relay.EventMessageReceived,
		From:    c.userID,
		Message: msg,
	})
	c.push(relay.Event{Kind: relay.EventMessageSent, Message: msg})
}

func (c *Client) handleSeen(env envelope) {
	if err := c.chats.MarkSeen(context.Background(), c.userID, env.To); err != nil {
		c.pushError(err.Error())
		return
	}
	c.relay.DeliverIfOnline(env.To, relay.Event{
		Kind:      relay.EventSeen,
		From:      c.userID,
		MessageID: env.MessageID,
	})
}

func (c *Client) push(ev relay.Event) {
	c.Enqueue(ev)
}

func (c *Client) pushError(reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- errorFrame{Event: relay.EventError, Reason: reason}:
	default:
	}
}
