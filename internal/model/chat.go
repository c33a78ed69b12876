package model

import "time"

type Chat struct {
	ID        string    `json:"id"`
	IsGroup   bool      `json:"isGroup"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// DirectKey is the sorted "userA:userB" pair for direct chats, empty for
	// groups. A unique index on it makes direct-chat dedup a storage
	// invariant rather than a best-effort query.
	DirectKey string `json:"-"`
}

// ChatParticipant is a user's membership record in a chat, carrying per-user
// read state and soft-delete status. Composite key (ChatID, UserID).
type ChatParticipant struct {
	ChatID     string    `json:"chatId"`
	UserID     string    `json:"userId"`
	IsAdmin    bool      `json:"isAdmin"`
	IsMuted    bool      `json:"isMuted"`
	IsDeleted  bool      `json:"-"`
	LastReadAt time.Time `json:"lastReadAt"`
	JoinedAt   time.Time `json:"joinedAt"`

	// Denormalized from the user directory for presentation.
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// ChatSummary is a chat as rendered for one viewer: for direct chats the
// name and avatar are those of the other participant, and the unread count
// is the viewer's own.
type ChatSummary struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	AvatarURL    string            `json:"avatarUrl"`
	IsGroup      bool              `json:"isGroup"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	LastMessage  *ChatMessage      `json:"lastMessage,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
	Participants []ChatParticipant `json:"participants"`
}
