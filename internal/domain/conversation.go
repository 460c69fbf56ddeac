package domain

import (
	"fmt"
	"strings"
	"time"
)

// pairSeparator joins the two canonical participant ids into a pair key.
const pairSeparator = ":"

// Conversation is the durable thread between exactly two users.
// Participants are always stored in canonical (lexicographic) order.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	LastMessageID string    `json:"last_message_id,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastMessage   *Message  `json:"last_message,omitempty"`
}

// CanonicalPair orders two user ids deterministically.
// It fails with ErrInvalidParticipants when an id is empty or both are equal.
func CanonicalPair(a, b string) ([2]string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return [2]string{}, fmt.Errorf("%w: participant id is empty", ErrInvalidParticipants)
	}
	if a == b {
		return [2]string{}, fmt.Errorf("%w: a conversation needs two distinct users", ErrInvalidParticipants)
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

// PairKey returns the key the store keeps unique for a participant pair.
func PairKey(pair [2]string) string {
	return pair[0] + pairSeparator + pair[1]
}

// PairKey returns the canonical pair key of the conversation.
func (c *Conversation) PairKey() string {
	return PairKey(c.Participants)
}

// HasParticipant reports whether userID takes part in the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) (string, bool) {
	switch userID {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	default:
		return "", false
	}
}

// ConversationView is a conversation as listed for one of its participants.
type ConversationView struct {
	ID          string       `json:"id"`
	OtherUser   UserSummary  `json:"other_user"`
	LastMessage *MessageView `json:"last_message,omitempty"`
	UnreadCount int          `json:"unread_count"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ConversationListing is the raw store row behind a ConversationView.
type ConversationListing struct {
	Conversation *Conversation
	UnreadCount  int
}
