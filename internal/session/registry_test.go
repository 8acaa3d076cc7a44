package session

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/adred-codev/cipherbase/internal/auth"
)

func newTestConn(t *testing.T, r *Registry, userID, clientID string) *Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	identity := &auth.Identity{UserID: userID, AppID: "app1"}
	return NewConn(r.NextID(), clientID, identity, server, rate.NewLimiter(rate.Inf, 1), zerolog.Nop())
}

func TestRegistryRegisterAndRemove(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	a := newTestConn(t, r, "user1", "")
	b := newTestConn(t, r, "user1", "")
	c := newTestConn(t, r, "user2", "")
	r.Register(a)
	r.Register(b)
	r.Register(c)

	require.Equal(t, 3, r.Len())
	require.Len(t, r.ForUser("user1"), 2)
	require.Len(t, r.ForUser("user2"), 1)

	r.Remove(a)
	require.Equal(t, 2, r.Len())
	require.Len(t, r.ForUser("user1"), 1)

	// Idempotent.
	r.Remove(a)
	require.Equal(t, 2, r.Len())
}

func TestRegistrySupersedesClientID(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	old := newTestConn(t, r, "user1", "device-1")
	r.Register(old)

	replacement := newTestConn(t, r, "user1", "device-1")
	r.Register(replacement)

	require.Equal(t, 1, r.Len())
	require.Equal(t, ReasonSuperseded, old.Reason())

	got, ok := r.Get(replacement.ID)
	require.True(t, ok)
	require.Equal(t, replacement, got)
	_, ok = r.Get(old.ID)
	require.False(t, ok)
}

func TestRegistryDistinctClientIDsCoexist(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	a := newTestConn(t, r, "user1", "device-1")
	b := newTestConn(t, r, "user1", "device-2")
	anon := newTestConn(t, r, "user1", "")
	r.Register(a)
	r.Register(b)
	r.Register(anon)

	require.Equal(t, 3, r.Len())
	require.Equal(t, CloseReason(""), a.Reason())
	require.Equal(t, CloseReason(""), b.Reason())
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	acting := newTestConn(t, r, "user1", "")
	other := newTestConn(t, r, "user1", "")
	stranger := newTestConn(t, r, "user2", "")
	r.Register(acting)
	r.Register(other)
	r.Register(stranger)

	r.Broadcast("user1", acting.ID, map[string]string{"route": "SessionRevoked"})

	select {
	case frame := <-other.Outbox():
		require.Contains(t, string(frame), "SessionRevoked")
	default:
		t.Fatal("no frame queued for the other connection")
	}
	select {
	case <-acting.Outbox():
		t.Fatal("excluded connection received the broadcast")
	default:
	}
	select {
	case <-stranger.Outbox():
		t.Fatal("broadcast leaked to another user")
	default:
	}
}

func TestRegistryBroadcastShedsSlowConsumer(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	slow := newTestConn(t, r, "user1", "")
	r.Register(slow)

	for slow.TrySend([]byte("filler")) {
	}
	r.Broadcast("user1", 0, map[string]string{"route": "SessionRevoked"})
	require.Equal(t, ReasonSlowConsumer, slow.Reason())
}

func TestConnStateNeverRegresses(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := newTestConn(t, r, "user1", "")

	require.Equal(t, StateAwaitingKeyValidation, c.State())
	c.SetState(StateActive)
	require.Equal(t, StateActive, c.State())

	c.Close(ReasonSignOut)
	require.Equal(t, StateClosing, c.State())
	c.SetState(StateActive)
	require.Equal(t, StateClosing, c.State())

	// The first close reason wins.
	c.Close(ReasonSlowConsumer)
	require.Equal(t, ReasonSignOut, c.Reason())
}

func TestConnTrySendOverflow(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := newTestConn(t, r, "user1", "")

	for i := 0; i < sendQueueSize; i++ {
		require.True(t, c.TrySend([]byte("frame")))
	}
	require.False(t, c.TrySend([]byte("overflow")))

	// After close, sends are swallowed instead of reported as overflow.
	c.Close(ReasonSignOut)
	require.True(t, c.TrySend([]byte("ignored")))
}

func TestConnSubscriptions(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := newTestConn(t, r, "user1", "")

	require.True(t, c.AddSubscription("db1"))
	require.False(t, c.AddSubscription("db1"))
	require.True(t, c.AddSubscription("db2"))
	require.ElementsMatch(t, []string{"db1", "db2"}, c.Subscriptions())

	c.RemoveSubscription("db1")
	require.ElementsMatch(t, []string{"db2"}, c.Subscriptions())
}
