package contract_test

import (
	"encoding/json"
	"testing"

	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("Invoke round trips through the wire", func(t *testing.T) {
		env, id, err := contract.NewInvoke(contract.MethodJoinLogoutGroup, "user-1")
		require.NoError(t, err)
		b, err := json.Marshal(env)
		require.NoError(t, err)

		got, err := contract.Decode(b)
		require.NoError(t, err)
		require.Equal(t, contract.TypeInvoke, got.Type)

		var p contract.InvokePayload
		require.NoError(t, got.DecodePayload(&p))
		require.Equal(t, id, p.InvocationID)
		require.Equal(t, contract.MethodJoinLogoutGroup, p.Method)
		require.Equal(t, []string{"user-1"}, p.Args)
	})

	t.Run("Event carries the logout payload with wire field names", func(t *testing.T) {
		env, err := contract.NewEvent(contract.EventUserLoggedOut, contract.UserLoggedOut{UserID: "user-1", Timestamp: 42})
		require.NoError(t, err)

		var ev contract.EventPayload
		require.NoError(t, env.DecodePayload(&ev))
		require.Equal(t, contract.EventUserLoggedOut, ev.Name)
		require.JSONEq(t, `{"userId":"user-1","timestamp":42}`, string(ev.Payload))
	})

	testCases := []struct {
		name string
		raw  string
	}{
		{"bad json", `{`},
		{"wrong version", `{"v":2,"type":"event","id":"1","payload":{}}`},
		{"unknown type", `{"v":1,"type":"hello","id":"1","payload":{}}`},
		{"missing id", `{"v":1,"type":"event","payload":{}}`},
		{"missing payload", `{"v":1,"type":"event","id":"1"}`},
	}
	for _, tc := range testCases {
		t.Run("Rejects "+tc.name, func(t *testing.T) {
			_, err := contract.Decode([]byte(tc.raw))
			require.Error(t, err)
		})
	}
}
