package validator_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/provider/providerfake"
	"github.com/jrsteele09/go-sso-sync/signal"
	"github.com/jrsteele09/go-sso-sync/validator"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type testFixture struct {
	kv      *localstore.MemoryStore
	signals *signal.RedundantStore
	client  *providerfake.Client
	v       *validator.Validator
}

func setupTestFixture(t *testing.T, opts ...validator.Option) *testFixture {
	t.Helper()
	kv := localstore.NewMemoryStore()
	signals := signal.NewRedundantStore(kv, nil)
	client := providerfake.New()
	client.SignIn("user-1")
	return &testFixture{
		kv:      kv,
		signals: signals,
		client:  client,
		v:       validator.New(client, signals, kv, opts...),
	}
}

func TestCheck_Valid(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := setupTestFixture(t, validator.WithClock(func() time.Time { return now }))

	outcome, err := f.v.Check(ctx, validator.TriggerFocus)
	require.NoError(t, err)
	require.Equal(t, validator.Valid, outcome)

	last, err := f.v.LastSessionCheck(ctx)
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), last.UnixMilli())

	_, tokens, _ := f.client.Calls()
	require.Len(t, tokens, 1)
	require.True(t, tokens[0].BypassCache)
	require.Equal(t, validator.DefaultRefreshTimeout, tokens[0].Timeout)
}

func TestCheck_FresherSignalSkipsProvider(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)

	now := time.Now()
	require.NoError(t, f.v.MarkChecked(ctx, now.Add(-time.Minute)))
	_, err := f.signals.Write(ctx, signal.At(now))
	require.NoError(t, err)

	outcome, err := f.v.Check(ctx, validator.TriggerVisible)
	require.NoError(t, err)
	require.Equal(t, validator.SignalLogout, outcome)

	_, tokens, _ := f.client.Calls()
	require.Empty(t, tokens)
}

func TestCheck_OlderSignalIsIgnored(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t)

	now := time.Now()
	_, err := f.signals.Write(ctx, signal.At(now.Add(-time.Minute)))
	require.NoError(t, err)
	require.NoError(t, f.v.MarkChecked(ctx, now))

	outcome, err := f.v.Check(ctx, validator.TriggerFocus)
	require.NoError(t, err)
	require.Equal(t, validator.Valid, outcome)
}

func TestCheck_Classification(t *testing.T) {
	testCases := []struct {
		name    string
		err     error
		outcome validator.Outcome
		class   error
	}{
		{"login_required", &provider.Error{Code: provider.CodeLoginRequired}, validator.Invalidated, ssoerrors.ErrSessionInvalidated},
		{"invalid_grant from token endpoint", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, validator.Invalidated, ssoerrors.ErrSessionInvalidated},
		{"unauthorized", &provider.Error{Code: provider.CodeUnauthorized}, validator.Invalidated, ssoerrors.ErrSessionInvalidated},
		{"consent_required", &provider.Error{Code: provider.CodeConsentRequired}, validator.Invalidated, ssoerrors.ErrSessionInvalidated},
		{"missing_refresh_token", &provider.Error{Code: provider.CodeMissingRefreshToken}, validator.Invalidated, ssoerrors.ErrSessionInvalidated},
		{"timeout", context.DeadlineExceeded, validator.Transient, ssoerrors.ErrTransient},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, validator.Transient, ssoerrors.ErrTransient},
		{"server error", &oauth2.RetrieveError{ErrorCode: "server_error"}, validator.Transient, ssoerrors.ErrTransient},
		{"unknown", errors.New("boom"), validator.Transient, ssoerrors.ErrTransient},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := setupTestFixture(t)
			f.client.FailTokens(tc.err)

			outcome, err := f.v.Check(context.Background(), validator.TriggerFocus)
			require.Equal(t, tc.outcome, outcome)
			require.ErrorIs(t, err, tc.class)
			require.Equal(t, tc.class, validator.Classify(tc.err))
		})
	}
}

func TestCheck_TimeoutsNeverRequireLogout(t *testing.T) {
	ctx := context.Background()
	f := setupTestFixture(t, validator.WithRefreshTimeout(time.Millisecond))
	release := f.client.BlockTokens()
	defer release()

	for i := 0; i < 100; i++ {
		outcome, err := f.v.Check(ctx, validator.TriggerFocus)
		require.Equal(t, validator.Transient, outcome)
		require.ErrorIs(t, err, ssoerrors.ErrTransient)
		require.False(t, outcome.RequiresLogout())
	}
}

func TestRun(t *testing.T) {
	t.Run("Disabled interval returns immediately", func(t *testing.T) {
		f := setupTestFixture(t)
		done := make(chan struct{})
		go func() {
			f.v.Run(context.Background(), 0, nil)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return")
		}
	})

	t.Run("Checks until cancelled", func(t *testing.T) {
		f := setupTestFixture(t)
		ctx, cancel := context.WithCancel(context.Background())

		var count atomic.Int32
		done := make(chan struct{})
		go func() {
			f.v.Run(ctx, 5*time.Millisecond, func(o validator.Outcome, _ error) {
				if o == validator.Valid {
					count.Add(1)
				}
			})
			close(done)
		}()

		require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, 5*time.Millisecond)
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not stop after cancel")
		}
	})
}
