package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"soulchat/internal/models"
)

// Send persists a direct user-to-user message. The sender is seeded into
// seenBy immediately; relay delivery is the caller's concern and never a
// condition for persistence.
func (s *Service) Send(ctx context.Context, sender, recipient, text string, att *models.Attachment) (*models.Message, error) {
	if !validIdentity(sender) {
		return nil, &ValidationError{Field: "sender", Reason: "malformed user id"}
	}
	if !validIdentity(recipient) || recipient == models.BotRecipientID {
		return nil, &ValidationError{Field: "recipient", Reason: "malformed user id"}
	}
	if sender == recipient {
		return nil, &ValidationError{Field: "recipient", Reason: "cannot message yourself"}
	}
	body, err := normalizeBody(text, att)
	if err != nil {
		return nil, err
	}

	key := pairKey(sender, recipient)
	sentAt := s.nextSentAt(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (participant_key, sender, content, is_bot, conversation_id, turn_kind, created_at)
		 VALUES (?, ?, ?, 0, NULL, ?, ?)`,
		key, sender, body, models.TurnText, sentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		s.insertIgnore+` INTO message_seen (message_id, user_id) VALUES (?, ?)`,
		id, sender,
	); err != nil {
		return nil, fmt.Errorf("seed seen state: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}

	return &models.Message{
		ID:           id,
		Body:         body,
		Participants: sortedPair(sender, recipient),
		Sender:       sender,
		SentAt:       sentAt,
		SeenBy:       []string{sender},
		Reactions:    []models.Reaction{},
		Kind:         models.TurnText,
	}, nil
}

// History returns every message whose participant set is exactly the
// given pair, ascending by send time. Restartable query, not a stream.
func (s *Service) History(ctx context.Context, userA, userB string) ([]*models.Message, error) {
	if !validIdentity(userA) {
		return nil, &ValidationError{Field: "from", Reason: "malformed user id"}
	}
	if !validIdentity(userB) {
		return nil, &ValidationError{Field: "to", Reason: "malformed user id"}
	}
	return s.queryMessages(ctx,
		`SELECT id, participant_key, sender, content, is_bot, conversation_id, turn_kind, created_at
		 FROM messages WHERE participant_key = ? AND conversation_id IS NULL
		 ORDER BY created_at ASC, id ASC`,
		pairKey(userA, userB),
	)
}

// MarkSeen adds the viewer to the seen set of every message in the pair
// conversation. The set-insert makes this idempotent and free of lost
// updates under concurrent calls.
func (s *Service) MarkSeen(ctx context.Context, viewer, other string) error {
	if !validIdentity(viewer) {
		return &ValidationError{Field: "viewer", Reason: "malformed user id"}
	}
	if !validIdentity(other) {
		return &ValidationError{Field: "other", Reason: "malformed user id"}
	}
	_, err := s.db.ExecContext(ctx,
		s.insertIgnore+` INTO message_seen (message_id, user_id)
		 SELECT id, ? FROM messages WHERE participant_key = ? AND conversation_id IS NULL`,
		viewer, pairKey(viewer, other),
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// React appends a reaction. Repeats from the same user are preserved.
func (s *Service) React(ctx context.Context, messageID int64, userID, emoji string) error {
	if !validIdentity(userID) {
		return &ValidationError{Field: "userId", Reason: "malformed user id"}
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return &ValidationError{Field: "emoji", Reason: "emoji is required"}
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
		messageID, userID, emoji, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// Delete removes a message, permitted only for its original sender. Bot
// messages carry no sender and cannot be deleted by anyone.
func (s *Service) Delete(ctx context.Context, messageID int64, requester string) error {
	if !validIdentity(requester) {
		return &ValidationError{Field: "userId", Reason: "malformed user id"}
	}
	var sender sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT sender FROM messages WHERE id = ?`, messageID).Scan(&sender)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup message: %w", err)
	}
	if !sender.Valid || sender.String != requester {
		return ErrPermissionDenied
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND sender = ?`, messageID, requester)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// queryMessages runs a message select and attaches seen-state and
// reactions for the returned rows.
func (s *Service) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		var (
			m       models.Message
			key     string
			sender  sql.NullString
			convID  sql.NullString
			rawKind string
		)
		if err := rows.Scan(&m.ID, &key, &sender, &m.Body, &m.IsBot, &convID, &rawKind, &m.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Participants = strings.Split(key, "|")
		if sender.Valid {
			m.Sender = sender.String
		}
		if convID.Valid {
			m.ConversationID = convID.String
		}
		m.Kind = models.TurnKind(rawKind)
		m.SeenBy = []string{}
		m.Reactions = []models.Reaction{}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachDetails(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// attachDetails loads seen-state and reactions for the given messages in
// two batched queries.
func (s *Service) attachDetails(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[int64]*models.Message, len(messages))
	args := make([]any, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messages)), ",")

	seenRows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id FROM message_seen WHERE message_id IN (`+placeholders+`) ORDER BY message_id, user_id`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("list seen state: %w", err)
	}
	defer seenRows.Close()
	for seenRows.Next() {
		var msgID int64
		var userID string
		if err := seenRows.Scan(&msgID, &userID); err != nil {
			return fmt.Errorf("scan seen state: %w", err)
		}
		if m, ok := byID[msgID]; ok {
			m.SeenBy = append(m.SeenBy, userID)
		}
	}
	if err := seenRows.Err(); err != nil {
		return err
	}

	reactionRows, err := s.db.QueryContext(ctx,
		`SELECT message_id, user_id, emoji FROM message_reactions WHERE message_id IN (`+placeholders+`) ORDER BY id ASC`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("list reactions: %w", err)
	}
	defer reactionRows.Close()
	for reactionRows.Next() {
		var msgID int64
		var r models.Reaction
		if err := reactionRows.Scan(&msgID, &r.User, &r.Emoji); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		if m, ok := byID[msgID]; ok {
			m.Reactions = append(m.Reactions, r)
		}
	}
	return reactionRows.Err()
}
