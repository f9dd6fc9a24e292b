package prober_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/prober"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/provider/providerfake"
	"github.com/stretchr/testify/require"
)

// hangingClient never answers a login request
type hangingClient struct {
	*providerfake.Client
}

func (hangingClient) LoginWithRedirect(ctx context.Context, _ provider.LoginOptions) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestAttemptSilent(t *testing.T) {
	ctx := context.Background()

	t.Run("Returns a prompt none redirect", func(t *testing.T) {
		fake := providerfake.New()
		p := prober.New(fake)

		u, err := p.AttemptSilent(ctx, "/dashboard")
		require.NoError(t, err)

		parsed, err := url.Parse(u)
		require.NoError(t, err)
		require.Equal(t, "none", parsed.Query().Get("prompt"))
		require.Equal(t, "/dashboard", parsed.Query().Get("return_to"))

		login, _, _ := fake.Calls()
		require.Len(t, login, 1)
		require.True(t, login[0].Silent)
	})

	t.Run("Provider rejection is no active session", func(t *testing.T) {
		fake := providerfake.New()
		fake.FailLogin(&provider.Error{Code: provider.CodeInteractionRequired})
		p := prober.New(fake)

		_, err := p.AttemptSilent(ctx, "/")
		require.ErrorIs(t, err, ssoerrors.ErrNoActiveSession)
		require.Equal(t, provider.CodeInteractionRequired, provider.CodeOf(err))
	})

	t.Run("Network failure is no active session", func(t *testing.T) {
		fake := providerfake.New()
		fake.FailLogin(errors.New("dial tcp: connection refused"))
		p := prober.New(fake)

		_, err := p.AttemptSilent(ctx, "/")
		require.ErrorIs(t, err, ssoerrors.ErrNoActiveSession)
	})

	t.Run("Times out within the bound", func(t *testing.T) {
		p := prober.New(hangingClient{providerfake.New()}, prober.WithTimeout(50*time.Millisecond))

		start := time.Now()
		_, err := p.AttemptSilent(ctx, "/")
		require.ErrorIs(t, err, ssoerrors.ErrNoActiveSession)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Less(t, time.Since(start), time.Second)
	})
}
