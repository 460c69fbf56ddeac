package chat

import (
	"context"
	"fmt"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
)

// MarkRead moves every unread message addressed to userID in the conversation to read.
// messages-read is broadcast only when at least one message changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (domain.ReadReceipt, error) {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	conv, err := s.Get(ctx, conversationID, userID)
	if err != nil {
		return domain.ReadReceipt{}, err
	}
	return s.markRead(ctx, conv, userID)
}

func (s *Service) markRead(ctx context.Context, conv *domain.Conversation, userID string) (domain.ReadReceipt, error) {
	now := s.stamp()
	n, err := s.store.MarkRead(ctx, conv.ID, userID, now)
	if err != nil {
		return domain.ReadReceipt{}, fmt.Errorf("mark read: %w", err)
	}

	receipt := domain.ReadReceipt{
		ConversationID: conv.ID,
		ReadBy:         userID,
		ReadAt:         now,
		Count:          int(n),
	}
	if n > 0 {
		s.hub.Broadcast(event.New(event.MessagesRead, receipt), participantRooms(conv)...)
	}
	return receipt, nil
}
