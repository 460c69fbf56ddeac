package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/ashureev/spotter/internal/domain"
)

// History returns one page of a conversation, oldest first, and marks it read for userID.
// Page numbers start at 1; limit is clamped to the configured maximum.
func (s *Service) History(ctx context.Context, conversationID, userID string, page, limit int) (*domain.Page, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}

	conv, err := s.Get(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.ListMessages(ctx, conv.ID, (page-1)*limit, limit+1)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	rows = lo.Reverse(rows)

	senders := make(map[string]domain.UserSummary, 2)
	for _, id := range conv.Participants {
		senders[id] = s.summary(ctx, id)
	}
	views := lo.Map(rows, func(m *domain.Message, _ int) domain.MessageView {
		return m.View(senders[m.SenderID])
	})

	markCtx, cancel := s.detached(ctx)
	defer cancel()
	if _, err := s.markRead(markCtx, conv, userID); err != nil {
		slog.Warn("Failed to mark history read", "conversation_id", conv.ID, "user_id", userID, "error", err)
	}

	return &domain.Page{Messages: views, Page: page, Limit: limit, HasMore: hasMore}, nil
}

// ListConversations returns the user's active conversations, most recently updated first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]domain.ConversationView, error) {
	listings, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	me := s.summary(ctx, userID)
	views := make([]domain.ConversationView, 0, len(listings))
	for _, l := range listings {
		conv := l.Conversation
		otherID, ok := conv.Other(userID)
		if !ok {
			continue
		}
		other := s.summary(ctx, otherID)

		view := domain.ConversationView{
			ID:          conv.ID,
			OtherUser:   other,
			UnreadCount: l.UnreadCount,
			UpdatedAt:   conv.UpdatedAt,
		}
		if last := conv.LastMessage; last != nil {
			sender := other
			if last.SenderID == userID {
				sender = me
			}
			v := last.View(sender)
			view.LastMessage = &v
		}
		views = append(views, view)
	}
	return views, nil
}
