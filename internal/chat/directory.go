package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/spotter/internal/domain"
)

// ResolveOrCreate returns the conversation between two users, creating it on first contact.
// A concurrent creator losing the unique pair race re-reads and returns the winner's row.
func (s *Service) ResolveOrCreate(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	pair, err := domain.CanonicalPair(userA, userB)
	if err != nil {
		return nil, err
	}
	for _, id := range pair {
		user, err := s.store.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve conversation: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("%w: user %s does not exist", domain.ErrInvalidParticipants, id)
		}
	}

	key := domain.PairKey(pair)
	existing, err := s.store.FindConversationByPair(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if existing != nil {
		return s.reactivate(ctx, existing)
	}

	now := s.stamp()
	conv := &domain.Conversation{
		ID:           newID(),
		Participants: pair,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.CreateConversation(ctx, conv)
	if errors.Is(err, domain.ErrStorageConflict) {
		winner, findErr := s.store.FindConversationByPair(ctx, key)
		if findErr != nil {
			return nil, fmt.Errorf("resolve conversation after conflict: %w", findErr)
		}
		if winner == nil {
			return nil, fmt.Errorf("resolve conversation %s: conflicting row vanished", key)
		}
		slog.Debug("Conversation create lost race", "pair_key", key, "conversation_id", winner.ID)
		return s.reactivate(ctx, winner)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	slog.Info("Conversation created", "conversation_id", conv.ID, "pair_key", key)
	return conv, nil
}

// reactivate flips an inactive conversation back on instead of creating a duplicate.
func (s *Service) reactivate(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.IsActive {
		return conv, nil
	}
	now := s.stamp()
	if err := s.store.SetConversationActive(ctx, conv.ID, true, now); err != nil {
		return nil, fmt.Errorf("reactivate conversation: %w", err)
	}
	conv.IsActive = true
	conv.UpdatedAt = now
	return conv, nil
}

// Get loads a conversation and verifies userID participates in it.
func (s *Service) Get(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	if !conv.HasParticipant(userID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrAccessDenied)
	}
	return conv, nil
}
