package model

import "time"

// User is a read-only mirror of the portal's staff directory. Account
// management lives in the portal backend; this service only resolves display
// names and avatars for chat presentation.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}
