package relay

import "soulchat/internal/models"

// Outbound event kinds pushed to live connections. The last two are
// sender-facing: message-sent acknowledges an accepted send, error
// reports a rejected inbound frame.
const (
	EventMessageReceived = "message-received"
	EventTyping          = "typing"
	EventStopTyping      = "stop-typing"
	EventSeen            = "seen"
	EventMessageSent     = "message-sent"
	EventError           = "error"
)

// Event is one ephemeral signal addressed to a single recipient. Only
// the fields relevant to the kind are set; Message is populated for
// message-received, MessageID for read receipts.
type Event struct {
	Kind      string          `json:"event"`
	From      string          `json:"from,omitempty"`
	MessageID int64           `json:"messageId,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
}
