package chat

import (
	"context"
	"fmt"
	"strings"

	"soulchat/internal/models"
)

// AppendThreadMessage persists one turn of a threaded bot conversation.
// User turns carry the human sender; bot turns carry no sender at all.
// The human is the sole participant since the bot has no user identity.
func (s *Service) AppendThreadMessage(ctx context.Context, userID, conversationID, text string, kind models.TurnKind) (*models.Message, error) {
	if !validIdentity(userID) {
		return nil, &ValidationError{Field: "from", Reason: "malformed user id"}
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, &ValidationError{Field: "conversationId", Reason: "conversation id is required"}
	}
	if kind != models.TurnUser && kind != models.TurnBot {
		return nil, &ValidationError{Field: "turnKind", Reason: "must be a thread turn"}
	}
	body, err := normalizeBody(text, nil)
	if err != nil {
		return nil, err
	}

	isBot := kind == models.TurnBot
	var sender any
	if !isBot {
		sender = userID
	}
	sentAt := s.nextSentAt("conv:" + conversationID)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (participant_key, sender, content, is_bot, conversation_id, turn_kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, sender, body, isBot, conversationID, kind, sentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert thread message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	m := &models.Message{
		ID:             id,
		Body:           body,
		Participants:   []string{userID},
		SentAt:         sentAt,
		SeenBy:         []string{},
		Reactions:      []models.Reaction{},
		IsBot:          isBot,
		ConversationID: conversationID,
		Kind:           kind,
	}
	if !isBot {
		m.Sender = userID
	}
	return m, nil
}

// AppendExchangeMessage persists one side of an ungrouped bot exchange:
// a message addressed to the bot sentinel outside any thread. These stay
// distinct from threaded conversations on purpose.
func (s *Service) AppendExchangeMessage(ctx context.Context, userID, text string, fromBot bool) (*models.Message, error) {
	if !validIdentity(userID) {
		return nil, &ValidationError{Field: "from", Reason: "malformed user id"}
	}
	body, err := normalizeBody(text, nil)
	if err != nil {
		return nil, err
	}

	var sender any
	if !fromBot {
		sender = userID
	}
	sentAt := s.nextSentAt("exchange:" + userID)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (participant_key, sender, content, is_bot, conversation_id, turn_kind, created_at)
		 VALUES (?, ?, ?, ?, NULL, ?, ?)`,
		userID, sender, body, fromBot, models.TurnText, sentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert exchange message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	m := &models.Message{
		ID:           id,
		Body:         body,
		Participants: []string{userID},
		SentAt:       sentAt,
		SeenBy:       []string{},
		Reactions:    []models.Reaction{},
		IsBot:        fromBot,
		Kind:         models.TurnText,
	}
	if !fromBot {
		m.Sender = userID
	}
	return m, nil
}

// ThreadHistory returns the ordered transcript of one bot conversation.
func (s *Service) ThreadHistory(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, &ValidationError{Field: "conversationId", Reason: "conversation id is required"}
	}
	return s.queryMessages(ctx,
		`SELECT id, participant_key, sender, content, is_bot, conversation_id, turn_kind, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
}

// ExchangeHistory returns the user's ungrouped bot exchange, oldest first.
func (s *Service) ExchangeHistory(ctx context.Context, userID string) ([]*models.Message, error) {
	if !validIdentity(userID) {
		return nil, &ValidationError{Field: "from", Reason: "malformed user id"}
	}
	return s.queryMessages(ctx,
		`SELECT id, participant_key, sender, content, is_bot, conversation_id, turn_kind, created_at
		 FROM messages WHERE participant_key = ? AND conversation_id IS NULL
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
}

// ListThreads summarizes each bot conversation the user has touched by
// its earliest message, newest conversation first.
func (s *Service) ListThreads(ctx context.Context, userID string) ([]models.ThreadSummary, error) {
	if !validIdentity(userID) {
		return nil, &ValidationError{Field: "userId", Reason: "malformed user id"}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.conversation_id, m.created_at, m.content
		 FROM messages m
		 JOIN (
			SELECT conversation_id, MIN(id) AS first_id
			FROM messages
			WHERE participant_key = ? AND conversation_id IS NOT NULL
			GROUP BY conversation_id
		 ) f ON m.id = f.first_id
		 ORDER BY m.created_at DESC, m.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.ThreadSummary, 0)
	for rows.Next() {
		var ts models.ThreadSummary
		if err := rows.Scan(&ts.ConversationID, &ts.StartedAt, &ts.Preview); err != nil {
			return nil, fmt.Errorf("scan thread summary: %w", err)
		}
		summaries = append(summaries, ts)
	}
	return summaries, rows.Err()
}
