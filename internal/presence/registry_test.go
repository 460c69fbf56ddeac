package presence

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/spotter/internal/event"
)

type fakeConn struct {
	id     string
	userID string
}

func (c *fakeConn) ID() string                 { return c.id }
func (c *fakeConn) UserID() string             { return c.userID }
func (c *fakeConn) Send(_ event.Envelope) bool { return true }

func TestRegistry_RegisterTransitions(t *testing.T) {
	r := NewRegistry()
	tab1 := &fakeConn{id: "c1", userID: "alice"}
	tab2 := &fakeConn{id: "c2", userID: "alice"}

	first := r.Register(tab1)
	require.True(t, first.Changed)
	require.True(t, first.Online)
	require.Equal(t, 1, first.Connections)

	second := r.Register(tab2)
	require.False(t, second.Changed)
	require.True(t, second.Online)
	require.Equal(t, 2, second.Connections)
	require.Greater(t, second.Seq, first.Seq)

	require.True(t, r.IsOnline("alice"))
	require.Len(t, r.ConnectionsFor("alice"), 2)
	require.Equal(t, []string{"alice"}, r.OnlineUsers())
}

func TestRegistry_UnregisterLastConnectionGoesOffline(t *testing.T) {
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return clock }))
	tab1 := &fakeConn{id: "c1", userID: "alice"}
	tab2 := &fakeConn{id: "c2", userID: "alice"}
	r.Register(tab1)
	r.Register(tab2)

	clock = clock.Add(time.Minute)
	partial := r.Unregister(tab1)
	require.True(t, partial.Applied)
	require.False(t, partial.Changed)
	require.True(t, partial.Online)
	require.True(t, r.IsOnline("alice"))

	clock = clock.Add(time.Minute)
	last := r.Unregister(tab2)
	require.True(t, last.Changed)
	require.False(t, last.Online)
	require.Equal(t, clock, last.LastSeen)
	require.False(t, r.IsOnline("alice"))

	seen, ok := r.LastSeen("alice")
	require.True(t, ok)
	require.Equal(t, clock, seen)
	require.Empty(t, r.OnlineUsers())
}

func TestRegistry_UnregisterStaleIsNoop(t *testing.T) {
	r := NewRegistry()
	live := &fakeConn{id: "c1", userID: "alice"}
	r.Register(live)

	unknown := r.Unregister(&fakeConn{id: "c9", userID: "alice"})
	require.False(t, unknown.Applied)
	require.False(t, unknown.Changed)
	require.True(t, unknown.Online)

	// Same id, different handle: a replaced connection must not evict the live one.
	stale := r.Unregister(&fakeConn{id: "c1", userID: "alice"})
	require.False(t, stale.Applied)
	require.True(t, r.IsOnline("alice"))

	never := r.Unregister(&fakeConn{id: "c1", userID: "bob"})
	require.False(t, never.Applied)
	require.False(t, never.Online)
}

func TestRegistry_SeqStrictlyIncreasesUnderFrozenClock(t *testing.T) {
	frozen := time.Unix(0, 100)
	r := NewRegistry(WithClock(func() time.Time { return frozen }))
	c := &fakeConn{id: "c1", userID: "alice"}

	var last int64
	for i := 0; i < 5; i++ {
		on := r.Register(c)
		require.Greater(t, on.Seq, last)
		last = on.Seq
		off := r.Unregister(c)
		require.Greater(t, off.Seq, last)
		last = off.Seq
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeConn{id: "c1", userID: "alice"})
	r.Register(&fakeConn{id: "c2", userID: "bob"})

	closed := r.Close()
	require.Len(t, closed, 2)
	require.Empty(t, r.OnlineUsers())
	require.False(t, r.IsOnline("alice"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := &fakeConn{id: strconv.Itoa(w) + "-" + strconv.Itoa(i), userID: "user" + strconv.Itoa(i%5)}
				r.Register(c)
				r.IsOnline(c.userID)
				r.ConnectionsFor(c.userID)
				r.Unregister(c)
			}
		}(w)
	}
	wg.Wait()
	require.Empty(t, r.OnlineUsers())
}

func TestRegistry_OnlineIffConnectionsNonEmpty(t *testing.T) {
	r := NewRegistry()
	conns := make([]*fakeConn, 4)
	for i := range conns {
		conns[i] = &fakeConn{id: "c" + strconv.Itoa(i), userID: "alice"}
	}

	flips := 0
	for _, c := range conns {
		if r.Register(c).Changed {
			flips++
		}
	}
	for _, c := range conns {
		tr := r.Unregister(c)
		require.Equal(t, len(r.ConnectionsFor("alice")) > 0, tr.Online)
		if tr.Changed {
			flips++
		}
	}
	require.Equal(t, 2, flips)
}

func TestRegistry_State(t *testing.T) {
	r := NewRegistry()
	n, _ := r.State("alice")
	require.Zero(t, n)

	a1 := &fakeConn{id: "a1", userID: "alice"}
	a2 := &fakeConn{id: "a2", userID: "alice"}
	reg := r.Register(a1)
	r.Register(a2)
	n, seen := r.State("alice")
	require.Equal(t, 2, n)
	require.False(t, seen.Before(reg.LastSeen))

	r.Unregister(a1)
	r.Unregister(a2)
	n, _ = r.State("alice")
	require.Zero(t, n)
}
