// Package domain contains core domain types for the spotter chat core.
package domain

import (
	"time"
)

// User is the slice of a profile the chat core reads and writes.
// Profile fields are owned by the profile subsystem; only presence is mutated here.
type User struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Name returns the display name, or a neutral placeholder when none is set.
func (u *User) Name() string {
	if u.DisplayName == "" {
		return "User"
	}
	return u.DisplayName
}

// Summary returns the public display fields attached to messages and listings.
func (u *User) Summary() UserSummary {
	return UserSummary{
		UserID:     u.UserID,
		Name:       u.Name(),
		AvatarURL:  u.AvatarURL,
		IsOnline:   u.IsOnline,
		LastSeenAt: u.LastSeenAt,
	}
}

// UserSummary is the display projection of a user.
type UserSummary struct {
	UserID     string    `json:"id"`
	Name       string    `json:"name"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	IsOnline   bool      `json:"is_online"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
