package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/harborworks/relayserver/internal/protocol"
)

// SaveMessage persists a chat message and returns a copy carrying its durable
// id. Sequence numbers are per-session delivery state and are not stored.
func (db *DB) SaveMessage(ctx context.Context, msg *protocol.ChatMessage) (*protocol.ChatMessage, error) {
	query := `
		INSERT INTO messages (id, user_id, client_id, channel, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	stored := *msg
	stored.ID = uuid.New().String()

	_, err := db.ExecContext(
		ctx,
		query,
		stored.ID,
		stored.UserID,
		stored.ClientID,
		stored.Channel,
		stored.Content,
		stored.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return &stored, nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (db *DB) RecentMessages(ctx context.Context, limit int) ([]*protocol.ChatMessage, error) {
	query := `
		SELECT id, user_id, client_id, channel, content, created_at
		FROM messages
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	defer rows.Close()

	var messages []*protocol.ChatMessage
	for rows.Next() {
		msg := &protocol.ChatMessage{Type: protocol.FrameMessage}
		if err := rows.Scan(
			&msg.ID,
			&msg.UserID,
			&msg.ClientID,
			&msg.Channel,
			&msg.Content,
			&msg.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}

	// Newest-first from the query, chronological for the client.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
