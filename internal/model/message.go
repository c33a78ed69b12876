package model

import "time"

// ChatMessage is an immutable, append-only message. Messages are never
// edited or deleted; total order is (SentAt, ID).
type ChatMessage struct {
	ID       string    `json:"id"`
	ChatID   string    `json:"chatId"`
	SenderID string    `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`

	// Denormalized sender fields for presentation; the User record stays
	// the source of truth.
	SenderName      string `json:"senderName"`
	SenderAvatarURL string `json:"senderAvatarUrl"`
}
