package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/hub"
	"github.com/ashureev/spotter/internal/presence"
)

// JoinConversation verifies membership and subscribes conn to the conversation room.
func (s *Service) JoinConversation(ctx context.Context, conn presence.Conn, conversationID string) (*domain.Conversation, error) {
	conv, err := s.Get(ctx, conversationID, conn.UserID())
	if err != nil {
		return nil, err
	}
	if err := s.hub.JoinConversation(conn, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// LeaveConversation unsubscribes conn from the conversation room.
func (s *Service) LeaveConversation(conn presence.Conn, conversationID string) {
	s.hub.Leave(conn, conversationID)
}

// Typing relays a typing indicator to the conversation room and the peer's devices.
// It never touches storage; conn must have joined the conversation.
func (s *Service) Typing(conn presence.Conn, conversationID string, typing bool) error {
	if !s.hub.IsMember(conn, hub.ConversationRoom(conversationID)) {
		return fmt.Errorf("typing in %s: %w", conversationID, domain.ErrAccessDenied)
	}
	pair, ok := s.hub.Participants(conversationID)
	if !ok {
		return fmt.Errorf("typing in %s: %w", conversationID, domain.ErrAccessDenied)
	}
	conv := &domain.Conversation{ID: conversationID, Participants: pair}
	peer, _ := conv.Other(conn.UserID())

	s.hub.BroadcastExcept(conn.ID(), event.New(event.UserTyping, event.TypingNotice{
		ConversationID: conversationID,
		UserID:         conn.UserID(),
		IsTyping:       typing,
	}), hub.ConversationRoom(conversationID), hub.PersonalRoom(peer))
	return nil
}

// Signal relays a call signaling event to the target's devices.
// It is dropped when the target has no live connection anywhere and reports whether it was sent.
func (s *Service) Signal(ctx context.Context, conn presence.Conn, name event.Name, call event.Call) (bool, error) {
	target := call.Target()
	if target == "" || target == conn.UserID() {
		return false, fmt.Errorf("%w: invalid call target", domain.ErrInvalidParticipants)
	}

	var out event.Name
	switch name {
	case event.InitiateCall:
		out = event.IncomingCall
	case event.CallResponse:
		out = event.CallResponse
	case event.EndCall:
		out = event.CallEnded
	default:
		return false, fmt.Errorf("%w: %s is not a call event", domain.ErrInvalidMessage, name)
	}

	if !s.reachable(ctx, target) {
		slog.Debug("Dropping call signal for offline user", "event", name, "user_id", conn.UserID(), "target_id", target)
		return false, nil
	}

	s.hub.Broadcast(event.New(out, event.CallNotice{
		FromUserID: conn.UserID(),
		CallType:   call.CallType,
		Accepted:   call.Accepted,
		Signal:     call.Signal,
	}), hub.PersonalRoom(target))
	return true, nil
}
