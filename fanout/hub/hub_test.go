package hub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/jrsteele09/go-sso-sync/fanout/hub"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, bp hub.Backplane) *hub.Hub {
	t.Helper()
	h := hub.New(bp)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Close)
	return h
}

func receiveLogout(t *testing.T, m *hub.Member) contract.UserLoggedOut {
	t.Helper()
	select {
	case env := <-m.Send:
		require.Equal(t, contract.TypeEvent, env.Type)
		var ep contract.EventPayload
		require.NoError(t, env.DecodePayload(&ep))
		require.Equal(t, contract.EventUserLoggedOut, ep.Name)
		var ev contract.UserLoggedOut
		require.NoError(t, json.Unmarshal(ep.Payload, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return contract.UserLoggedOut{}
	}
}

func TestHub_Membership(t *testing.T) {
	h := startHub(t, nil)
	a := hub.NewMember("a", 4)
	b := hub.NewMember("b", 4)

	h.Join(a, "alice")
	h.Join(b, "alice")
	require.Equal(t, 2, h.GroupSize("alice"))

	t.Run("rejoin same group is a no-op", func(t *testing.T) {
		h.Join(a, "alice")
		require.Equal(t, 2, h.GroupSize("alice"))
	})

	t.Run("joining another group leaves the first", func(t *testing.T) {
		h.Join(b, "bob")
		require.Equal(t, 1, h.GroupSize("alice"))
		require.Equal(t, 1, h.GroupSize("bob"))
		u, ok := h.GroupOf("b")
		require.True(t, ok)
		require.Equal(t, "bob", u)
	})

	t.Run("leave of a group not joined", func(t *testing.T) {
		require.False(t, h.Leave(a, "bob"))
		require.True(t, h.Leave(a, "alice"))
		require.Equal(t, 0, h.GroupSize("alice"))
	})

	t.Run("remove", func(t *testing.T) {
		h.Remove(b)
		require.Equal(t, 0, h.GroupSize("bob"))
		_, ok := h.GroupOf("b")
		require.False(t, ok)
	})
}

func TestHub_NotifyDeliversToGroupOnly(t *testing.T) {
	h := startHub(t, nil)
	alice1 := hub.NewMember("a1", 4)
	alice2 := hub.NewMember("a2", 4)
	bob := hub.NewMember("b1", 4)
	h.Join(alice1, "alice")
	h.Join(alice2, "alice")
	h.Join(bob, "bob")

	require.NoError(t, h.Notify(context.Background(), contract.UserLoggedOut{UserID: "alice", Timestamp: 42}))

	for _, m := range []*hub.Member{alice1, alice2} {
		ev := receiveLogout(t, m)
		require.Equal(t, "alice", ev.UserID)
		require.Equal(t, int64(42), ev.Timestamp)
	}
	require.Len(t, bob.Send, 0)
}

func TestHub_NotifyWithoutUser(t *testing.T) {
	h := startHub(t, nil)
	require.Error(t, h.Notify(context.Background(), contract.UserLoggedOut{}))
}

func TestHub_SlowMemberDoesNotBlock(t *testing.T) {
	h := startHub(t, nil)
	slow := hub.NewMember("slow", 1)
	h.Join(slow, "alice")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Notify(context.Background(), contract.UserLoggedOut{UserID: "alice"}))
	}
	require.Len(t, slow.Send, 1)
}

func TestHub_ClosedMemberSkipped(t *testing.T) {
	h := startHub(t, nil)
	m := hub.NewMember("m", 4)
	h.Join(m, "alice")
	m.Close()

	require.NoError(t, h.Notify(context.Background(), contract.UserLoggedOut{UserID: "alice"}))
	require.Len(t, m.Send, 0)
}

func TestRedisBackplane_AcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	replicaA := startHub(t, hub.NewRedisBackplane(newClient(), "test"))
	replicaB := startHub(t, hub.NewRedisBackplane(newClient(), "test"))

	m := hub.NewMember("m", 4)
	replicaB.Join(m, "alice")

	require.NoError(t, replicaA.Notify(context.Background(), contract.UserLoggedOut{UserID: "alice", SessionID: "sid-1"}))
	ev := receiveLogout(t, m)
	require.Equal(t, "sid-1", ev.SessionID)
}
