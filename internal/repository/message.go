package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/portal/internal/logger"
	"github.com/portal/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Append inserts a message and bumps the chat's updated_at in one
// transaction, so concurrent senders serialize at the store and the chat
// list ordering always reflects the committed log.
func (r *MessageRepository) Append(ctx context.Context, m *model.ChatMessage) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_messages (id, chat_id, sender_id, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.SentAt,
	); err != nil {
		return fmt.Errorf("msgRepo.Append insert: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE chats SET updated_at = $1 WHERE id = $2`, m.SentAt, m.ChatID,
	); err != nil {
		return fmt.Errorf("msgRepo.Append touch chat: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return nil
}

// GetChatMessages returns one page of the chat's log, oldest first. The
// (sent_at, id) order breaks ties for messages with identical timestamps.
func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, skip, take int) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.sent_at,
		        u.display_name, COALESCE(u.avatar_url,'')
		 FROM chat_messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = $1
		 ORDER BY m.sent_at, m.id
		 LIMIT $2 OFFSET $3`, chatID, take, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.ChatMessage, 0, take)
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.SentAt,
			&m.SenderName, &m.SenderAvatarURL); err != nil {
			return nil, fmt.Errorf("msgRepo.GetChatMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.GetChatMessages rows: %w", err)
	}
	return messages, nil
}

// GetLastMessage returns the newest message of a chat, or nil if the chat
// has no messages yet.
func (r *MessageRepository) GetLastMessage(ctx context.Context, chatID string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	m := &model.ChatMessage{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, m.content, m.sent_at,
		        u.display_name, COALESCE(u.avatar_url,'')
		 FROM chat_messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.chat_id = $1
		 ORDER BY m.sent_at DESC, m.id DESC
		 LIMIT 1`, chatID,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.SentAt,
		&m.SenderName, &m.SenderAvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetLastMessage: %w", err)
	}
	return m, nil
}
