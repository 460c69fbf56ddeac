// Package presence tracks which users hold live connections on this instance.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/spotter/internal/event"
)

// Conn is a live connection handle as seen by the registry and the broadcaster.
type Conn interface {
	ID() string
	UserID() string
	// Send enqueues env without blocking and reports whether it was accepted.
	Send(env event.Envelope) bool
}

// Transition is the outcome of a Register or Unregister call.
type Transition struct {
	UserID string
	// Online is the user's state after the call.
	Online bool
	// Changed is true only for a real offline/online flip.
	Changed bool
	// Applied is false when an unknown or stale handle was unregistered.
	Applied     bool
	LastSeen    time.Time
	Seq         int64
	Connections int
}

// Registry maps user ids to their live connections.
// All mutations are serialised by one mutex and never perform I/O.
type Registry struct {
	mu       sync.Mutex
	active   map[string]map[string]Conn
	lastSeen map[string]time.Time
	seq      int64
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		active:   make(map[string]map[string]Conn),
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// nextSeq must be called with mu held.
func (r *Registry) nextSeq(now time.Time) int64 {
	seq := now.UnixNano()
	if seq <= r.seq {
		seq = r.seq + 1
	}
	r.seq = seq
	return seq
}

// Register records conn as live for its user and stamps lastSeen.
func (r *Registry) Register(conn Conn) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	now := r.now()

	conns, exists := r.active[userID]
	if !exists {
		conns = make(map[string]Conn)
		r.active[userID] = conns
	}
	conns[conn.ID()] = conn
	r.lastSeen[userID] = now

	slog.Debug("Connection registered", "user_id", userID, "conn_id", conn.ID(), "connections", len(conns))

	return Transition{
		UserID:      userID,
		Online:      true,
		Changed:     !exists,
		Applied:     true,
		LastSeen:    now,
		Seq:         r.nextSeq(now),
		Connections: len(conns),
	}
}

// Unregister removes conn. Removing an unknown or replaced handle is a no-op.
func (r *Registry) Unregister(conn Conn) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := conn.UserID()
	conns, ok := r.active[userID]
	current, exists := conns[conn.ID()]
	if !ok || !exists || current != conn {
		return Transition{
			UserID:      userID,
			Online:      len(conns) > 0,
			LastSeen:    r.lastSeen[userID],
			Connections: len(conns),
		}
	}

	delete(conns, conn.ID())
	t := Transition{
		UserID:      userID,
		Online:      len(conns) > 0,
		Applied:     true,
		LastSeen:    r.lastSeen[userID],
		Connections: len(conns),
	}
	if len(conns) == 0 {
		delete(r.active, userID)
		now := r.now()
		r.lastSeen[userID] = now
		t.Changed = true
		t.LastSeen = now
		t.Seq = r.nextSeq(now)
	}

	slog.Debug("Connection unregistered", "user_id", userID, "conn_id", conn.ID(), "connections", len(conns))
	return t
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[userID]) > 0
}

// State returns the user's live connection count and last seen time as one snapshot.
func (r *Registry) State(userID string) (connections int, lastSeen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[userID]), r.lastSeen[userID]
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.active[userID]
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// LastSeen returns the last time the user connected or went offline here.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.lastSeen[userID]
	return ts, ok
}

// OnlineUsers returns the sorted ids of every user with a live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.active))
	for id := range r.active {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Close empties the registry and returns every connection that was still live.
func (r *Registry) Close() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conn
	for userID, conns := range r.active {
		for _, c := range conns {
			out = append(out, c)
		}
		delete(r.active, userID)
	}
	return out
}
