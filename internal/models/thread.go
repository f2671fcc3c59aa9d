package models

import "time"

// ThreadSummary previews one bot conversation by its earliest message.
type ThreadSummary struct {
	ConversationID string    `json:"conversationId"`
	StartedAt      time.Time `json:"startedAt"`
	Preview        string    `json:"firstMessagePreview"`
}
