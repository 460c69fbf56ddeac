package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/hub"
	"github.com/ashureev/spotter/internal/presence"
)

// Connect registers a live connection and applies the presence side effects outside the registry lock.
func (s *Service) Connect(ctx context.Context, conn presence.Conn) presence.Transition {
	t := s.registry.Register(conn)
	s.metrics.ConnectionOpened()
	s.afterTransition(ctx, conn, t)
	return t
}

// Disconnect leaves every room, unregisters the connection and applies the presence side effects.
func (s *Service) Disconnect(ctx context.Context, conn presence.Conn) presence.Transition {
	s.hub.LeaveAll(conn)
	t := s.registry.Unregister(conn)
	if t.Applied {
		s.metrics.ConnectionClosed()
		s.afterTransition(ctx, conn, t)
	}
	return t
}

// presenceGate serialises the side effects of one user's transitions.
// online is the state last announced to peers and the mirror.
type presenceGate struct {
	mu     sync.Mutex
	online bool
	refs   int
}

func (s *Service) lockPresence(userID string) *presenceGate {
	s.gatesMu.Lock()
	g, ok := s.gates[userID]
	if !ok {
		g = &presenceGate{}
		s.gates[userID] = g
	}
	g.refs++
	s.gatesMu.Unlock()

	g.mu.Lock()
	return g
}

func (s *Service) unlockPresence(userID string, g *presenceGate) {
	s.gatesMu.Lock()
	g.refs--
	if g.refs == 0 && !g.online {
		delete(s.gates, userID)
	}
	s.gatesMu.Unlock()
	g.mu.Unlock()
}

// afterTransition persists t, then announces the registry's current state rather than t's,
// so side effects of racing transitions for one user cannot land out of order.
func (s *Service) afterTransition(ctx context.Context, conn presence.Conn, t presence.Transition) {
	ctx, cancel := s.detached(ctx)
	defer cancel()

	g := s.lockPresence(t.UserID)
	defer s.unlockPresence(t.UserID, g)

	// Registrations that do not flip state still refresh lastSeen; disconnects only persist the flip.
	if t.Seq != 0 {
		if _, err := s.store.UpdatePresence(ctx, t.UserID, t.Online, t.LastSeen, t.Seq); err != nil {
			slog.Warn("Failed to persist presence", "user_id", t.UserID, "online", t.Online, "error", err)
		}
	}

	connections, lastSeen := s.registry.State(t.UserID)
	online := connections > 0
	s.metrics.SetOnlineUsers(len(s.registry.OnlineUsers()))

	if s.remote != nil {
		if err := s.remote.Record(ctx, t.UserID, connections); err != nil {
			slog.Warn("Failed to mirror presence", "user_id", t.UserID, "error", err)
		}
	}

	if online == g.online {
		return
	}
	g.online = online

	counterparts, err := s.store.ListCounterparts(ctx, t.UserID)
	if err != nil {
		slog.Warn("Failed to load counterparts for presence broadcast", "user_id", t.UserID, "error", err)
	}
	rooms := append(hub.PersonalRooms(counterparts...), hub.PersonalRoom(t.UserID))
	s.hub.BroadcastExcept(conn.ID(), event.New(event.UserStatusChanged, event.Status{
		UserID:   t.UserID,
		IsOnline: online,
		LastSeen: lastSeen,
	}), rooms...)

	slog.Info("User presence changed", "user_id", t.UserID, "online", online)
}

// Presence reports whether a user is online anywhere and when they were last seen.
func (s *Service) Presence(ctx context.Context, userID string) (event.Status, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return event.Status{}, fmt.Errorf("presence: %w", err)
	}
	if user == nil {
		return event.Status{}, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}

	lastSeen := user.LastSeenAt
	if seen, ok := s.registry.LastSeen(userID); ok && seen.After(lastSeen) {
		lastSeen = seen
	}
	return event.Status{
		UserID:   userID,
		IsOnline: s.reachable(ctx, userID),
		LastSeen: lastSeen.UTC().Truncate(time.Millisecond),
	}, nil
}

// Shutdown marks every still-registered user offline. It runs once the listeners are closed.
func (s *Service) Shutdown(ctx context.Context) {
	conns := s.registry.Close()
	users := make([]string, 0, len(conns))
	for _, conn := range conns {
		s.hub.LeaveAll(conn)
		s.metrics.ConnectionClosed()
		users = append(users, conn.UserID())
	}
	users = lo.Uniq(users)

	now := s.stamp()
	for _, userID := range users {
		// A fresh nanosecond sequence is always newer than what this instance persisted.
		if _, err := s.store.UpdatePresence(ctx, userID, false, now, time.Now().UnixNano()); err != nil {
			slog.Warn("Failed to persist offline state at shutdown", "user_id", userID, "error", err)
		}
	}
	if s.remote != nil {
		if err := s.remote.Clear(ctx, users); err != nil {
			slog.Warn("Failed to clear mirrored presence", "users", len(users), "error", err)
		}
	}
	s.metrics.SetOnlineUsers(0)
	slog.Info("Presence shut down", "users", len(users))
}
