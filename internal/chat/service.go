// Package chat implements conversation resolution, the message pipeline,
// read receipts, history and the live presence side effects.
package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/hub"
	"github.com/ashureev/spotter/internal/media"
	"github.com/ashureev/spotter/internal/metrics"
	"github.com/ashureev/spotter/internal/notify"
	"github.com/ashureev/spotter/internal/presence"
	"github.com/ashureev/spotter/internal/store"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100
	defaultOpTimeout   = 10 * time.Second
)

// Broadcaster fans events out to rooms. *hub.Hub satisfies it.
type Broadcaster interface {
	Broadcast(env event.Envelope, rooms ...hub.Room) int
	BroadcastExcept(exceptConnID string, env event.Envelope, rooms ...hub.Room) int
	JoinConversation(conn presence.Conn, conv *domain.Conversation) error
	Leave(conn presence.Conn, conversationID string)
	LeaveAll(conn presence.Conn)
	IsMember(conn presence.Conn, room hub.Room) bool
	Participants(conversationID string) ([2]string, bool)
}

// Dispatcher hands offline notifications to the push transport. *notify.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(recipientID string, n notify.Notification)
}

// RemotePresence shares connection counts across instances. *cluster.PresenceMirror satisfies it.
type RemotePresence interface {
	Record(ctx context.Context, userID string, connections int) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	Clear(ctx context.Context, userIDs []string) error
}

// Config tunes the service.
type Config struct {
	PageSize    int
	MaxPageSize int
	// OpTimeout bounds persistence that outlives the caller's context.
	OpTimeout time.Duration
}

// Deps are the collaborators of the service. Remote, Media and Metrics are optional.
type Deps struct {
	Store    store.Repository
	Registry *presence.Registry
	Hub      Broadcaster
	Notifier Dispatcher
	Remote   RemotePresence
	Media    media.Releaser
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Service is the chat core shared by the live channel and the REST surface.
type Service struct {
	store    store.Repository
	registry *presence.Registry
	hub      Broadcaster
	notifier Dispatcher
	remote   RemotePresence
	media    media.Releaser
	metrics  *metrics.Metrics
	now      func() time.Time
	cfg      Config

	gatesMu sync.Mutex
	gates   map[string]*presenceGate
}

// NewService wires the chat core.
func NewService(deps Deps, cfg Config) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	if cfg.PageSize > cfg.MaxPageSize {
		cfg.PageSize = cfg.MaxPageSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if deps.Media == nil {
		deps.Media = media.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		store:    deps.Store,
		registry: deps.Registry,
		hub:      deps.Hub,
		notifier: deps.Notifier,
		remote:   deps.Remote,
		media:    deps.Media,
		metrics:  deps.Metrics,
		now:      deps.Clock,
		cfg:      cfg,
		gates:    make(map[string]*presenceGate),
	}
}

// detached returns a context that survives the caller's cancellation, bounded by OpTimeout.
// Writes started for a connection complete even if the connection drops mid-flight.
func (s *Service) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
}

// stamp returns the current time truncated to the millisecond precision every backend keeps.
func (s *Service) stamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// reachable reports whether the user holds a live connection here or on another instance.
func (s *Service) reachable(ctx context.Context, userID string) bool {
	if s.registry.IsOnline(userID) {
		return true
	}
	if s.remote == nil {
		return false
	}
	online, err := s.remote.IsOnline(ctx, userID)
	if err != nil {
		slog.Warn("Remote presence lookup failed", "user_id", userID, "error", err)
		return false
	}
	return online
}

// summary returns the display fields of a user, with the live online flag overlaid.
func (s *Service) summary(ctx context.Context, userID string) domain.UserSummary {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		slog.Warn("Failed to load user summary", "user_id", userID, "error", err)
	}
	if user == nil {
		user = &domain.User{UserID: userID}
	}
	sum := user.Summary()
	if s.registry.IsOnline(userID) {
		sum.IsOnline = true
	}
	if seen, ok := s.registry.LastSeen(userID); ok && seen.After(sum.LastSeenAt) {
		sum.LastSeenAt = seen
	}
	return sum
}

// participantRooms addresses a conversation room and the personal rooms of both participants.
func participantRooms(conv *domain.Conversation) []hub.Room {
	return []hub.Room{
		hub.ConversationRoom(conv.ID),
		hub.PersonalRoom(conv.Participants[0]),
		hub.PersonalRoom(conv.Participants[1]),
	}
}
