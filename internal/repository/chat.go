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

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// CreateWithParticipants inserts the chat and its initial membership rows
// in one transaction. A failure rolls everything back, so a half-created
// chat can never claim a direct_key without its participants.
func (r *ChatRepository) CreateWithParticipants(ctx context.Context, c *model.Chat, parts []model.ChatParticipant) error {
	defer logger.DeferLogDuration("chat.CreateWithParticipants", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("chatRepo.CreateWithParticipants begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO chats (id, is_group, name, avatar_url, direct_key, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), $6, $7, $8)`,
		c.ID, c.IsGroup, c.Name, c.AvatarURL, c.DirectKey, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("chatRepo.CreateWithParticipants chat: %w", err)
	}
	for _, p := range parts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, is_admin, is_muted, is_deleted, last_read_at, joined_at)
			 VALUES ($1, $2, $3, false, false, $4, $5)`,
			p.ChatID, p.UserID, p.IsAdmin, p.LastReadAt, p.JoinedAt,
		); err != nil {
			return fmt.Errorf("chatRepo.CreateWithParticipants participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.CreateWithParticipants commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, is_group, name, COALESCE(avatar_url,''), COALESCE(direct_key,''), created_by, created_at, updated_at
		 FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.IsGroup, &c.Name, &c.AvatarURL, &c.DirectKey, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

// FindDirectChat looks up the direct chat for a sorted user pair key.
func (r *ChatRepository) FindDirectChat(ctx context.Context, directKey string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindDirectChat", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, is_group, name, COALESCE(avatar_url,''), COALESCE(direct_key,''), created_by, created_at, updated_at
		 FROM chats WHERE direct_key = $1`, directKey,
	).Scan(&c.ID, &c.IsGroup, &c.Name, &c.AvatarURL, &c.DirectKey, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindDirectChat: %w", err)
	}
	return c, nil
}

// AddParticipant inserts a membership row. If the user was previously a
// participant (including soft-deleted), the existing row is reinstated
// instead of inserting a duplicate: the composite key forbids duplicates.
func (r *ChatRepository) AddParticipant(ctx context.Context, p *model.ChatParticipant) error {
	defer logger.DeferLogDuration("chat.AddParticipant", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_participants (chat_id, user_id, is_admin, is_muted, is_deleted, last_read_at, joined_at)
		 VALUES ($1, $2, $3, false, false, $4, $5)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET is_deleted = false`,
		p.ChatID, p.UserID, p.IsAdmin, p.LastReadAt, p.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.AddParticipant: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetParticipant(ctx context.Context, chatID, userID string) (*model.ChatParticipant, error) {
	defer logger.DeferLogDuration("chat.GetParticipant", time.Now())()
	p := &model.ChatParticipant{}
	err := r.pool.QueryRow(ctx,
		`SELECT chat_id, user_id, is_admin, is_muted, is_deleted, last_read_at, joined_at
		 FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	).Scan(&p.ChatID, &p.UserID, &p.IsAdmin, &p.IsMuted, &p.IsDeleted, &p.LastReadAt, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipant: %w", err)
	}
	return p, nil
}

// GetParticipants returns membership rows with directory info attached.
// Soft-deleted rows are filtered here, in one place, unless includeDeleted
// is set (direct-chat naming needs the other side even after they left).
func (r *ChatRepository) GetParticipants(ctx context.Context, chatID string, includeDeleted bool) ([]model.ChatParticipant, error) {
	defer logger.DeferLogDuration("chat.GetParticipants", time.Now())()
	q := `SELECT cp.chat_id, cp.user_id, cp.is_admin, cp.is_muted, cp.is_deleted, cp.last_read_at, cp.joined_at,
	             u.display_name, COALESCE(u.avatar_url,'')
	      FROM chat_participants cp
	      JOIN users u ON u.id = cp.user_id
	      WHERE cp.chat_id = $1`
	if !includeDeleted {
		q += ` AND NOT cp.is_deleted`
	}
	q += ` ORDER BY cp.joined_at`
	rows, err := r.pool.Query(ctx, q, chatID)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipants query: %w", err)
	}
	defer rows.Close()

	parts := make([]model.ChatParticipant, 0, 8)
	for rows.Next() {
		var p model.ChatParticipant
		if err := rows.Scan(&p.ChatID, &p.UserID, &p.IsAdmin, &p.IsMuted, &p.IsDeleted, &p.LastReadAt, &p.JoinedAt,
			&p.DisplayName, &p.AvatarURL); err != nil {
			return nil, fmt.Errorf("chatRepo.GetParticipants scan: %w", err)
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetParticipants rows: %w", err)
	}
	return parts, nil
}

// IsParticipant reports whether the user has a non-deleted membership row.
func (r *ChatRepository) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsParticipant", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants
		 WHERE chat_id = $1 AND user_id = $2 AND NOT is_deleted)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsParticipant: %w", err)
	}
	return exists, nil
}

func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.is_group, c.name, COALESCE(c.avatar_url,''), COALESCE(c.direct_key,''), c.created_by, c.created_at, c.updated_at
		 FROM chats c
		 JOIN chat_participants cp ON cp.chat_id = c.id
		 WHERE cp.user_id = $1 AND NOT cp.is_deleted
		 ORDER BY c.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.IsGroup, &c.Name, &c.AvatarURL, &c.DirectKey, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}

// SetLastRead moves the participant's read watermark.
func (r *ChatRepository) SetLastRead(ctx context.Context, chatID, userID string, t time.Time) error {
	defer logger.DeferLogDuration("chat.SetLastRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_participants SET last_read_at = $1 WHERE chat_id = $2 AND user_id = $3`,
		t, chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SetLastRead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteParticipant hides the chat for one user. The row stays: history
// must remain for the other party, and re-adding reinstates it.
func (r *ChatRepository) SoftDeleteParticipant(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.SoftDeleteParticipant", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_participants SET is_deleted = true WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.SoftDeleteParticipant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchUpdatedAt bumps the chat's activity timestamp (membership changes).
func (r *ChatRepository) TouchUpdatedAt(ctx context.Context, chatID string, t time.Time) error {
	defer logger.DeferLogDuration("chat.TouchUpdatedAt", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET updated_at = $1 WHERE id = $2`, t, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.TouchUpdatedAt: %w", err)
	}
	return nil
}

func (r *ChatRepository) UpdateAvatar(ctx context.Context, chatID, avatarURL string, t time.Time) error {
	defer logger.DeferLogDuration("chat.UpdateAvatar", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chats SET avatar_url = $1, updated_at = $2 WHERE id = $3`,
		avatarURL, t, chatID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.UpdateAvatar: %w", err)
	}
	return nil
}

// UnreadCount counts messages in a chat newer than the user's watermark,
// excluding the user's own messages.
func (r *ChatRepository) UnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.UnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages m
		 JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = $2
		 WHERE m.chat_id = $1 AND m.sender_id != $2 AND m.sent_at > cp.last_read_at`,
		chatID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.UnreadCount: %w", err)
	}
	return count, nil
}

// CountUnreadChats counts chats where the user is a non-deleted participant
// and at least one message is newer than their watermark. Always derived
// from the tables; there is no counter column to drift.
func (r *ChatRepository) CountUnreadChats(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.CountUnreadChats", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_participants cp
		 WHERE cp.user_id = $1 AND NOT cp.is_deleted
		   AND EXISTS (
		     SELECT 1 FROM chat_messages m
		     WHERE m.chat_id = cp.chat_id AND m.sender_id != cp.user_id AND m.sent_at > cp.last_read_at
		   )`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.CountUnreadChats: %w", err)
	}
	return count, nil
}
