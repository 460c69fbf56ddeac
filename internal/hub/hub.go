package hub

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ashureev/spotter/internal/domain"
	"github.com/ashureev/spotter/internal/event"
	"github.com/ashureev/spotter/internal/metrics"
	"github.com/ashureev/spotter/internal/presence"
)

const defaultShards = 64

// Directory resolves a user's live connections. *presence.Registry satisfies it.
type Directory interface {
	ConnectionsFor(userID string) []presence.Conn
}

// Emission is one broadcast call: an event, its rooms and an optional excluded connection.
type Emission struct {
	Envelope event.Envelope `json:"envelope"`
	Rooms    []Room         `json:"rooms"`
	Except   string         `json:"except,omitempty"`
}

// Relay forwards local emissions to other instances. Publish must not block.
type Relay interface {
	Publish(em Emission)
}

// Hub tracks conversation room membership and delivers emissions.
// Emission for a room is serialised by a shard lock chosen by hashing the room.
type Hub struct {
	directory Directory
	shards    []sync.Mutex

	mu           sync.RWMutex
	rooms        map[string]map[string]presence.Conn // conversation id -> conn id -> conn
	byConn       map[string]map[string]struct{}      // conn id -> conversation ids
	participants map[string][2]string                // conversation id -> canonical pair, while the room is open
	relay        Relay
	metrics      *metrics.Metrics
}

// Option configures a Hub.
type Option func(*Hub)

// WithRelay publishes every local emission through r.
func WithRelay(r Relay) Option {
	return func(h *Hub) { h.relay = r }
}

// WithMetrics records emissions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithShards sets the number of room shard locks.
func WithShards(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.shards = make([]sync.Mutex, n)
		}
	}
}

// New creates a hub whose personal rooms are derived from directory.
func New(directory Directory, opts ...Option) *Hub {
	h := &Hub{
		directory:    directory,
		shards:       make([]sync.Mutex, defaultShards),
		rooms:        make(map[string]map[string]presence.Conn),
		byConn:       make(map[string]map[string]struct{}),
		participants: make(map[string][2]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetRelay attaches a relay after construction. It must be called before traffic starts.
func (h *Hub) SetRelay(r Relay) {
	h.relay = r
}

// JoinConversation adds conn to the conversation room. Non-participants are rejected.
func (h *Hub) JoinConversation(conn presence.Conn, conv *domain.Conversation) error {
	if conv == nil || !conv.HasParticipant(conn.UserID()) {
		return fmt.Errorf("join conversation: %w", domain.ErrAccessDenied)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[conv.ID]
	if !ok {
		members = make(map[string]presence.Conn)
		h.rooms[conv.ID] = members
	}
	members[conn.ID()] = conn
	h.participants[conv.ID] = conv.Participants

	joined, ok := h.byConn[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.byConn[conn.ID()] = joined
	}
	joined[conv.ID] = struct{}{}

	slog.Debug("Joined conversation room", "conn_id", conn.ID(), "user_id", conn.UserID(), "conversation_id", conv.ID)
	return nil
}

// Leave removes conn from one conversation room.
func (h *Hub) Leave(conn presence.Conn, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn.ID(), conversationID)
}

// LeaveAll removes conn from every conversation room it joined.
func (h *Hub) LeaveAll(conn presence.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conversationID := range h.byConn[conn.ID()] {
		h.leaveLocked(conn.ID(), conversationID)
	}
	delete(h.byConn, conn.ID())
}

func (h *Hub) leaveLocked(connID, conversationID string) {
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
			delete(h.participants, conversationID)
		}
	}
	if joined, ok := h.byConn[connID]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(h.byConn, connID)
		}
	}
}

// IsMember reports whether the connection belongs to the room.
func (h *Hub) IsMember(conn presence.Conn, room Room) bool {
	switch room.Kind {
	case Personal:
		return conn.UserID() == room.ID
	case Conversation:
		h.mu.RLock()
		defer h.mu.RUnlock()
		_, ok := h.rooms[room.ID][conn.ID()]
		return ok
	default:
		return false
	}
}

// Participants returns the participant pair of an open conversation room.
func (h *Hub) Participants(conversationID string) ([2]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pair, ok := h.participants[conversationID]
	return pair, ok
}

// Members returns a snapshot of the room's live connections, ordered by id.
func (h *Hub) Members(room Room) []presence.Conn {
	var out []presence.Conn
	switch room.Kind {
	case Personal:
		out = h.directory.ConnectionsFor(room.ID)
	case Conversation:
		h.mu.RLock()
		for _, c := range h.rooms[room.ID] {
			out = append(out, c)
		}
		h.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Broadcast delivers env to every live member of rooms, once per connection.
// It returns the number of connections the frame was enqueued on.
func (h *Hub) Broadcast(env event.Envelope, rooms ...Room) int {
	return h.emit(Emission{Envelope: env, Rooms: rooms}, true)
}

// BroadcastExcept is Broadcast skipping the connection with id exceptConnID.
func (h *Hub) BroadcastExcept(exceptConnID string, env event.Envelope, rooms ...Room) int {
	return h.emit(Emission{Envelope: env, Rooms: rooms, Except: exceptConnID}, true)
}

// DeliverLocal delivers an emission that originated on another instance.
func (h *Hub) DeliverLocal(em Emission) int {
	return h.emit(em, false)
}

func (h *Hub) emit(em Emission, local bool) int {
	if len(em.Rooms) == 0 {
		return 0
	}

	for _, idx := range h.shardsFor(em.Rooms) {
		h.shards[idx].Lock()
		defer h.shards[idx].Unlock()
	}

	seen := make(map[string]struct{})
	delivered, dropped := 0, 0
	for _, room := range em.Rooms {
		for _, conn := range h.Members(room) {
			id := conn.ID()
			if id == em.Except {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if conn.Send(em.Envelope) {
				delivered++
			} else {
				dropped++
				slog.Warn("Dropped frame for slow consumer", "conn_id", id, "user_id", conn.UserID(), "event", em.Envelope.Event)
			}
		}
	}

	h.metrics.Emitted(string(em.Envelope.Event), delivered, dropped)

	if local && h.relay != nil {
		h.relay.Publish(em)
	}
	return delivered
}

// shardsFor returns the distinct shard indices of rooms in ascending order.
func (h *Hub) shardsFor(rooms []Room) []int {
	n := uint64(len(h.shards))
	set := make(map[int]struct{}, len(rooms))
	for _, r := range rooms {
		set[int(xxhash.Sum64String(r.String())%n)] = struct{}{}
	}
	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}
