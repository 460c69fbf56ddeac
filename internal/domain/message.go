package domain

import (
	"time"
)

// MessageType enumerates the kinds of message a conversation carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageAudio MessageType = "audio"
	MessageFile  MessageType = "file"
)

// MaxContentLength is the maximum number of characters in message content.
const MaxContentLength = 5000

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageFile:
		return true
	}
	return false
}

// IsMedia reports whether the type carries a media reference.
func (t MessageType) IsMedia() bool {
	return t.Valid() && t != MessageText
}

// Label is the human readable stand-in for a media message without content.
func (t MessageType) Label() string {
	switch t {
	case MessageImage:
		return "Sent a photo"
	case MessageVideo:
		return "Sent a video"
	case MessageAudio:
		return "Sent a voice message"
	case MessageFile:
		return "Sent a file"
	default:
		return "Sent a message"
	}
}

// Message is a single persisted chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	RecipientID    string      `json:"recipient_id"`
	Content        string      `json:"content,omitempty"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"media_url,omitempty"`
	IsDelivered    bool        `json:"is_delivered"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	IsRead         bool        `json:"is_read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Preview returns the content, or the media label when content is empty.
func (m *Message) Preview() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Type.Label()
}

// View attaches sender display fields to the message.
func (m *Message) View(sender UserSummary) MessageView {
	return MessageView{Message: *m, Sender: sender}
}

// MessageView is a message enriched with its sender's display fields.
type MessageView struct {
	Message
	Sender UserSummary `json:"sender"`
}

// Page is one page of conversation history, oldest first.
type Page struct {
	Messages []MessageView `json:"messages"`
	Page     int           `json:"page"`
	Limit    int           `json:"limit"`
	HasMore  bool          `json:"has_more"`
}

// ReadReceipt describes one read transition over a conversation.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	ReadBy         string    `json:"read_by"`
	ReadAt         time.Time `json:"read_at"`
	Count          int       `json:"count"`
}
