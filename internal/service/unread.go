package service

import (
	"context"
	"time"

	"github.com/portal/internal/logger"
	"github.com/portal/internal/repository"
)

// UnreadAggregator derives the per-user total of chats with unread messages.
// The total is recomputed from the participant and message tables on every
// call; there is no cached counter that could drift from the store.
type UnreadAggregator struct {
	chats *repository.ChatRepository
}

func NewUnreadAggregator(chats *repository.ChatRepository) *UnreadAggregator {
	return &UnreadAggregator{chats: chats}
}

// ComputeTotalUnread counts the chats where the user is a non-deleted
// participant and at least one message from someone else is newer than
// their read watermark.
func (a *UnreadAggregator) ComputeTotalUnread(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("unread.ComputeTotalUnread", time.Now())()
	return a.chats.CountUnreadChats(ctx, userID)
}
