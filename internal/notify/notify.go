// Package notify hands offline message notifications to a push transport.
package notify

//go:generate mockgen -destination=../mocks/mock_notifier.go -package=mocks github.com/ashureev/spotter/internal/notify Notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashureev/spotter/internal/domain"
)

// KindNewMessage is the data.type of a new message notification.
const KindNewMessage = "new_message"

// Notifier delivers a notification to a recipient with no live connection.
type Notifier interface {
	NotifyOffline(ctx context.Context, recipientID string, n Notification) error
}

// Notification is the transport-neutral notification payload.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// NewMessage builds the notification for msg sent by sender.
func NewMessage(msg *domain.Message, sender domain.UserSummary) Notification {
	return Notification{
		Title: sender.Name,
		Body:  msg.Preview(),
		Data: map[string]string{
			"type":           KindNewMessage,
			"conversationId": msg.ConversationID,
			"senderId":       msg.SenderID,
			"messageId":      msg.ID,
			"content":        msg.Content,
		},
	}
}

// envelope is the JSON document published by the broker drivers.
type envelope struct {
	RecipientID string `json:"recipient_id"`
	Notification
}

func encode(recipientID string, n Notification) ([]byte, error) {
	data, err := json.Marshal(envelope{RecipientID: recipientID, Notification: n})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return data, nil
}
