package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/portal/internal/logger"
	"github.com/portal/internal/model"
	"github.com/portal/internal/repository"
)

// watermarkEpoch is the read watermark of a participant who has read
// nothing: every message in the chat counts as unread.
var watermarkEpoch = time.Unix(0, 0).UTC()

const uniqueViolation = "23505"

// ConversationService owns all mutations and durable reads of chats,
// participants and messages. No other component writes these tables.
type ConversationService struct {
	chats *repository.ChatRepository
	msgs  *repository.MessageRepository
	users *repository.UserRepository
}

func NewConversationService(chats *repository.ChatRepository, msgs *repository.MessageRepository, users *repository.UserRepository) *ConversationService {
	return &ConversationService{chats: chats, msgs: msgs, users: users}
}

// DirectKey is the canonical sorted pair key for a direct chat. A unique
// index on chats.direct_key makes the pair unique for the lifetime of the
// system regardless of argument order or concurrent creation.
func DirectKey(userA, userB string) string {
	if userA < userB {
		return userA + ":" + userB
	}
	return userB + ":" + userA
}

// StartDirectChat returns the direct chat between the two users, creating it
// if it does not exist yet. Idempotent: calling twice, in either argument
// order, never creates a second chat. The returned summary is rendered for
// userID; created reports whether a new chat was made.
func (s *ConversationService) StartDirectChat(ctx context.Context, userID, targetID string) (*model.ChatSummary, bool, error) {
	defer logger.DeferLogDuration("conv.StartDirectChat", time.Now())()
	if targetID == "" || targetID == userID {
		return nil, false, fmt.Errorf("%w: target user", ErrInvalidArgument)
	}
	if _, err := s.users.GetByID(ctx, targetID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: user %s", ErrNotFound, targetID)
		}
		return nil, false, err
	}

	key := DirectKey(userID, targetID)
	if existing, err := s.chats.FindDirectChat(ctx, key); err == nil {
		return s.reopenDirectChat(ctx, existing, userID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        uuid.New().String(),
		IsGroup:   false,
		DirectKey: key,
		CreatedBy: userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	parts := []model.ChatParticipant{
		{ChatID: chat.ID, UserID: userID, LastReadAt: watermarkEpoch, JoinedAt: now},
		{ChatID: chat.ID, UserID: targetID, LastReadAt: watermarkEpoch, JoinedAt: now},
	}
	if err := s.chats.CreateWithParticipants(ctx, chat, parts); err != nil {
		// Lost a race with a concurrent StartDirectChat for the same pair:
		// the unique index rejected our row, so the winner's chat exists
		// with its participant rows already committed.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, ferr := s.chats.FindDirectChat(ctx, key)
			if ferr != nil {
				return nil, false, ferr
			}
			return s.reopenDirectChat(ctx, existing, userID)
		}
		return nil, false, err
	}

	summary, err := s.buildSummary(ctx, chat, userID)
	return summary, true, err
}

// reopenDirectChat returns an existing direct chat for the caller,
// reinstating their participant row if they had hidden the chat. Direct
// chats never go through AddMembers, so restarting the chat is the only
// way back in after a soft delete.
func (s *ConversationService) reopenDirectChat(ctx context.Context, chat *model.Chat, userID string) (*model.ChatSummary, bool, error) {
	p := &model.ChatParticipant{
		ChatID:     chat.ID,
		UserID:     userID,
		LastReadAt: watermarkEpoch,
		JoinedAt:   time.Now().UTC(),
	}
	if err := s.chats.AddParticipant(ctx, p); err != nil {
		return nil, false, err
	}
	summary, err := s.buildSummary(ctx, chat, userID)
	return summary, false, err
}

// CreateGroupChat creates a group with the given name and members. The
// creator is always a member and the only admin at creation. Member ids are
// deduplicated.
func (s *ConversationService) CreateGroupChat(ctx context.Context, creatorID, name string, memberIDs []string) (*model.ChatSummary, error) {
	defer logger.DeferLogDuration("conv.CreateGroupChat", time.Now())()
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name is empty", ErrInvalidArgument)
	}

	members := dedupe(append([]string{creatorID}, memberIDs...))
	for _, uid := range members {
		if _, err := s.users.GetByID(ctx, uid); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: user %s", ErrNotFound, uid)
			}
			return nil, err
		}
	}

	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        uuid.New().String(),
		IsGroup:   true,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	parts := make([]model.ChatParticipant, 0, len(members))
	for _, uid := range members {
		parts = append(parts, model.ChatParticipant{
			ChatID:     chat.ID,
			UserID:     uid,
			IsAdmin:    uid == creatorID,
			LastReadAt: watermarkEpoch,
			JoinedAt:   now,
		})
	}
	if err := s.chats.CreateWithParticipants(ctx, chat, parts); err != nil {
		return nil, err
	}
	return s.buildSummary(ctx, chat, creatorID)
}

// AddMembers adds users to a group chat. Ids already present as non-deleted
// participants are skipped; previously soft-deleted rows are reinstated (the
// composite key forbids duplicates). Returns the ids actually added or
// reinstated and bumps the chat's updated_at when membership changed.
func (s *ConversationService) AddMembers(ctx context.Context, chatID, actorID string, memberIDs []string) ([]string, error) {
	defer logger.DeferLogDuration("conv.AddMembers", time.Now())()
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil, err
	}
	if !chat.IsGroup {
		return nil, fmt.Errorf("%w: cannot add members to a direct chat", ErrInvalidArgument)
	}
	isMember, err := s.chats.IsParticipant(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
	}

	existing, err := s.chats.GetParticipants(ctx, chatID, true)
	if err != nil {
		return nil, err
	}
	active := make(map[string]bool, len(existing))
	for _, p := range existing {
		if !p.IsDeleted {
			active[p.UserID] = true
		}
	}

	now := time.Now().UTC()
	added := make([]string, 0, len(memberIDs))
	for _, uid := range dedupe(memberIDs) {
		if active[uid] {
			continue
		}
		if _, err := s.users.GetByID(ctx, uid); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: user %s", ErrNotFound, uid)
			}
			return nil, err
		}
		p := &model.ChatParticipant{
			ChatID:     chatID,
			UserID:     uid,
			LastReadAt: watermarkEpoch,
			JoinedAt:   now,
		}
		if err := s.chats.AddParticipant(ctx, p); err != nil {
			return nil, err
		}
		added = append(added, uid)
	}
	if len(added) > 0 {
		if err := s.chats.TouchUpdatedAt(ctx, chatID, now); err != nil {
			return nil, err
		}
	}
	return added, nil
}

// SendMessage appends a message to the chat log. The sender must be a
// non-deleted participant; content must not be empty. The returned message
// carries the denormalized sender name and avatar for presentation.
func (s *ConversationService) SendMessage(ctx context.Context, chatID, senderID, content string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("conv.SendMessage", time.Now())()
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidArgument)
	}
	p, err := s.chats.GetParticipant(ctx, chatID, senderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: chat %s or sender participation", ErrNotFound, chatID)
		}
		return nil, err
	}
	if p.IsDeleted {
		return nil, fmt.Errorf("%w: chat %s or sender participation", ErrNotFound, chatID)
	}

	sender, err := s.users.GetByID(ctx, senderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, senderID)
		}
		return nil, err
	}

	m := &model.ChatMessage{
		ID:              uuid.New().String(),
		ChatID:          chatID,
		SenderID:        senderID,
		Content:         content,
		SentAt:          time.Now().UTC(),
		SenderName:      sender.DisplayName,
		SenderAvatarURL: sender.AvatarURL,
	}
	if err := s.msgs.Append(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetUserChats returns the caller's chat list, most recently active first,
// each annotated with the last message preview and the caller's unread count.
func (s *ConversationService) GetUserChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	defer logger.DeferLogDuration("conv.GetUserChats", time.Now())()
	chats, err := s.chats.GetUserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	result := make([]model.ChatSummary, 0, len(chats))
	for i := range chats {
		summary, err := s.buildSummary(ctx, &chats[i], userID)
		if err != nil {
			logger.Errorf("getUserChats summary chat=%s: %v", chats[i].ID, err)
			continue
		}
		result = append(result, *summary)
	}
	return result, nil
}

// GetChatSummary renders one chat for a given viewer (used for NewChat and
// ChatUpdated pushes, whose payloads are viewer-specific).
func (s *ConversationService) GetChatSummary(ctx context.Context, chatID, viewerID string) (*model.ChatSummary, error) {
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return nil, err
	}
	return s.buildSummary(ctx, chat, viewerID)
}

// GetChatMessages returns a page of messages, oldest to newest. Any
// participant row, including a soft-deleted one, grants read access: the
// history remains visible to a user who hid the chat.
func (s *ConversationService) GetChatMessages(ctx context.Context, chatID, userID string, skip, take int) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("conv.GetChatMessages", time.Now())()
	if _, err := s.chats.GetParticipant(ctx, chatID, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: not a member of chat %s", ErrForbidden, chatID)
		}
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 50
	}
	if take > 100 {
		take = 100
	}
	return s.msgs.GetChatMessages(ctx, chatID, skip, take)
}

// MarkChatAsRead moves the caller's read watermark to now.
func (s *ConversationService) MarkChatAsRead(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("conv.MarkChatAsRead", time.Now())()
	err := s.chats.SetLastRead(ctx, chatID, userID, time.Now().UTC())
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: no participation in chat %s", ErrNotFound, chatID)
	}
	return err
}

// MarkChatAsUnread resets the caller's read watermark to the epoch, making
// every message from others count as unread again.
func (s *ConversationService) MarkChatAsUnread(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("conv.MarkChatAsUnread", time.Now())()
	err := s.chats.SetLastRead(ctx, chatID, userID, watermarkEpoch)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: no participation in chat %s", ErrNotFound, chatID)
	}
	return err
}

// DeleteChatForUser hides the chat from the caller's list. Other
// participants and the message history are unaffected, and the caller can
// be re-added later via AddMembers.
func (s *ConversationService) DeleteChatForUser(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("conv.DeleteChatForUser", time.Now())()
	err := s.chats.SoftDeleteParticipant(ctx, chatID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: no participation in chat %s", ErrNotFound, chatID)
	}
	return err
}

// UpdateGroupAvatar sets the avatar reference for a group chat and bumps
// updated_at. Direct chats derive avatars from the other participant.
func (s *ConversationService) UpdateGroupAvatar(ctx context.Context, chatID, avatarURL string) error {
	defer logger.DeferLogDuration("conv.UpdateGroupAvatar", time.Now())()
	chat, err := s.chats.GetByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
		}
		return err
	}
	if !chat.IsGroup {
		return fmt.Errorf("%w: direct chats have no stored avatar", ErrInvalidArgument)
	}
	return s.chats.UpdateAvatar(ctx, chatID, avatarURL, time.Now().UTC())
}

// Participants returns the chat's non-deleted membership rows with
// directory info; used by the gateway for event and push fan-out.
func (s *ConversationService) Participants(ctx context.Context, chatID string) ([]model.ChatParticipant, error) {
	return s.chats.GetParticipants(ctx, chatID, false)
}

// IsMember reports whether the user is a non-deleted participant. A user
// who soft-deleted the chat is not a member until reinstated.
func (s *ConversationService) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	return s.chats.IsParticipant(ctx, chatID, userID)
}

// buildSummary renders a chat for one viewer: direct chats take name and
// avatar from the other participant at read time, never from the chat row.
func (s *ConversationService) buildSummary(ctx context.Context, chat *model.Chat, viewerID string) (*model.ChatSummary, error) {
	all, err := s.chats.GetParticipants(ctx, chat.ID, true)
	if err != nil {
		return nil, err
	}
	visible := make([]model.ChatParticipant, 0, len(all))
	for _, p := range all {
		if !p.IsDeleted {
			visible = append(visible, p)
		}
	}

	name, avatarURL := chat.Name, chat.AvatarURL
	if !chat.IsGroup {
		if other := otherParticipant(all, viewerID); other != nil {
			name, avatarURL = other.DisplayName, other.AvatarURL
		}
	}

	lastMsg, err := s.msgs.GetLastMessage(ctx, chat.ID)
	if err != nil {
		logger.Errorf("buildSummary last message chat=%s: %v", chat.ID, err)
	}
	unread, err := s.chats.UnreadCount(ctx, chat.ID, viewerID)
	if err != nil {
		logger.Errorf("buildSummary unread count chat=%s: %v", chat.ID, err)
	}

	return &model.ChatSummary{
		ID:           chat.ID,
		Name:         name,
		AvatarURL:    avatarURL,
		IsGroup:      chat.IsGroup,
		CreatedAt:    chat.CreatedAt,
		UpdatedAt:    chat.UpdatedAt,
		LastMessage:  lastMsg,
		UnreadCount:  unread,
		Participants: visible,
	}, nil
}

// otherParticipant picks the direct-chat counterpart for naming, preferring
// a non-deleted row but falling back to a deleted one so the chat keeps its
// name after the other side leaves.
func otherParticipant(parts []model.ChatParticipant, viewerID string) *model.ChatParticipant {
	var fallback *model.ChatParticipant
	for i := range parts {
		if parts[i].UserID == viewerID {
			continue
		}
		if !parts[i].IsDeleted {
			return &parts[i]
		}
		if fallback == nil {
			fallback = &parts[i]
		}
	}
	return fallback
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
