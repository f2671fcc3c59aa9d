package models

import "time"

// TurnKind classifies how a message entered a conversation.
type TurnKind string

const (
	// TurnText is a plain direct-chat message or an ungrouped bot exchange.
	TurnText TurnKind = "text"
	// TurnUser is the human side of a threaded bot conversation.
	TurnUser TurnKind = "user-turn"
	// TurnBot is the generated side of a threaded bot conversation.
	TurnBot TurnKind = "bot-turn"
)

// BotRecipientID is the sentinel recipient that addresses the bot.
// Messages sent to it are persisted as an ungrouped bot exchange; the
// bot itself has no user identity and its messages carry an empty sender.
const BotRecipientID = "SOUL_BOT"

// Reaction is a single emoji reaction. Reactions are append-only and
// duplicates are preserved in insertion order.
type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// Attachment is the durable reference an upload produces. The message
// body stores only the URL; file bytes are never inspected here.
type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
}

// Message is the atomic unit of conversation. Participants hold exactly
// two user ids for direct chat and one (the human) for bot messages.
type Message struct {
	ID             int64      `json:"id"`
	Body           string     `json:"body"`
	Participants   []string   `json:"participants"`
	Sender         string     `json:"sender,omitempty"`
	SentAt         time.Time  `json:"sentAt"`
	SeenBy         []string   `json:"seenBy"`
	Reactions      []Reaction `json:"reactions"`
	IsBot          bool       `json:"isBot"`
	ConversationID string     `json:"conversationId,omitempty"`
	Kind           TurnKind   `json:"turnKind"`
}
