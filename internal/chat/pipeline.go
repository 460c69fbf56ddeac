package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/notify"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// maxcontent bounds content by domain.MaxContentLength, counted in characters.
	if err := v.RegisterValidation("maxcontent", func(fl validator.FieldLevel) bool {
		return utf8.RuneCountInString(fl.Field().String()) <= domain.MaxContentLength
	}); err != nil {
		panic(err)
	}
	return v
}

// SendRequest targets either an existing conversation or a recipient, never both.
type SendRequest struct {
	ConversationID string             `json:"conversation_id" validate:"required_without=RecipientID,excluded_with=RecipientID"`
	RecipientID    string             `json:"recipient_id" validate:"required_without=ConversationID"`
	Content        string             `json:"content" validate:"required_if=Type text,maxcontent"`
	Type           domain.MessageType `json:"type" validate:"required,oneof=text image video audio file"`
	MediaURL       string             `json:"media_url" validate:"required_unless=Type text,excluded_if=Type text"`
}

func (r *SendRequest) normalize() {
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	r.RecipientID = strings.TrimSpace(r.RecipientID)
	r.Content = strings.TrimSpace(r.Content)
	r.MediaURL = strings.TrimSpace(r.MediaURL)
	if r.Type == "" {
		r.Type = domain.MessageText
	}
}

// Validate normalizes the request and checks it.
func (r *SendRequest) Validate() error {
	r.normalize()
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %s", domain.ErrInvalidMessage, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	return nil
}

// Send validates, persists and broadcasts a message, then notifies an unreachable recipient.
func (s *Service) Send(ctx context.Context, senderID string, req SendRequest) (*domain.MessageView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := s.detached(ctx)
	defer cancel()

	var conv *domain.Conversation
	var err error
	if req.ConversationID != "" {
		conv, err = s.Get(ctx, req.ConversationID, senderID)
		if err == nil {
			conv, err = s.reactivate(ctx, conv)
		}
	} else {
		conv, err = s.ResolveOrCreate(ctx, senderID, req.RecipientID)
	}
	if err != nil {
		return nil, err
	}

	recipientID, _ := conv.Other(senderID)
	now := s.stamp()
	msg := &domain.Message{
		ID:             newID(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        req.Content,
		Type:           req.Type,
		MediaURL:       req.MediaURL,
		IsDelivered:    true,
		DeliveredAt:    &now,
		CreatedAt:      now,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.metrics.MessagePersisted(string(msg.Type))

	sender := s.summary(ctx, senderID)
	view := msg.View(sender)
	s.hub.Broadcast(event.New(event.NewMessage, view), participantRooms(conv)...)

	if !s.reachable(ctx, recipientID) && s.notifier != nil {
		s.notifier.Dispatch(recipientID, notify.NewMessage(msg, sender))
	}

	slog.Debug("Message sent", "message_id", msg.ID, "conversation_id", conv.ID, "user_id", senderID)
	return &view, nil
}

// Delete removes a message owned by requesterID and tells both participants.
func (s *Service) Delete(ctx context.Context, messageID, requesterID string) error {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	if msg.SenderID != requesterID {
		return fmt.Errorf("message %s: %w", messageID, domain.ErrAccessDenied)
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}

	if msg.Type.IsMedia() && msg.MediaURL != "" {
		if err := s.media.Release(ctx, msg.MediaURL); err != nil {
			slog.Warn("Failed to release media", "message_id", messageID, "error", err)
		}
	}

	conv := &domain.Conversation{ID: msg.ConversationID}
	conv.Participants, _ = domain.CanonicalPair(msg.SenderID, msg.RecipientID)
	s.hub.Broadcast(event.New(event.MessageDeleted, event.Deleted{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
	}), participantRooms(conv)...)
	return nil
}
