// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/spotter/internal/domain"
)

// Repository persists users, conversations and messages.
// Lookups of a missing row return nil and a nil error.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user's profile fields. Presence fields are left untouched on update.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdatePresence writes is_online and last_seen_at only if seq is newer than the stored one.
	// It reports whether the write was applied.
	UpdatePresence(ctx context.Context, userID string, online bool, lastSeen time.Time, seq int64) (bool, error)

	// ListCounterparts returns the ids of every user sharing a conversation with userID.
	ListCounterparts(ctx context.Context, userID string) ([]string, error)

	// CreateConversation inserts a conversation. A duplicate pair key fails with domain.ErrStorageConflict.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error

	// GetConversation retrieves a conversation by id.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// FindConversationByPair retrieves the conversation of a canonical pair key.
	FindConversationByPair(ctx context.Context, pairKey string) (*domain.Conversation, error)

	// SetConversationActive flips the active flag.
	SetConversationActive(ctx context.Context, conversationID string, active bool, at time.Time) error

	// ListConversations returns the user's active conversations, most recently updated first,
	// each with its last message and the user's unread count.
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationListing, error)

	// InsertMessage stores msg and advances the conversation's last message pointer atomically.
	InsertMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves a message by id.
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)

	// DeleteMessage removes a message and recomputes the conversation's last message pointer atomically.
	// A missing message fails with domain.ErrNotFound.
	DeleteMessage(ctx context.Context, messageID string) error

	// ListMessages returns up to limit messages of a conversation, newest first, skipping offset.
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]*domain.Message, error)

	// MarkRead marks every unread message addressed to readerID as read and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string
	DSN      string
	Database string
}

// Backend names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)
