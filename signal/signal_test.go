package signal_test

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/signal"
	"github.com/stretchr/testify/require"
)

func TestEffectiveTimeIsMaxOfWriters(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		kv := localstore.NewMemoryStore()
		tabA := signal.NewRedundantStore(kv, nil)
		tabB := signal.NewRedundantStore(kv, nil)
		observer := signal.NewRedundantStore(kv, nil)

		var want int64
		for j := 0; j < 5; j++ {
			a := rng.Int63n(1_000_000) + 1
			b := rng.Int63n(1_000_000) + 1
			_, err := tabA.Write(localstore.WithSource(ctx, "a"), signal.Signal{Timestamp: a})
			require.NoError(t, err)
			_, err = tabB.Write(localstore.WithSource(ctx, "b"), signal.Signal{Timestamp: b})
			require.NoError(t, err)
			want = max(want, a, b)
		}

		got, err := observer.ReadLatest(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.Timestamp)
	}
}

func TestRedundantStore_CookieAndStoreMerge(t *testing.T) {
	ctx := context.Background()
	kv := localstore.NewMemoryStore()
	cookie := signal.NewCookieMedium(0)
	s := signal.NewRedundantStore(kv, cookie)

	now := time.Now()
	_, err := kv.Max(ctx, localstore.KeyLogoutTimestamp, now.Add(-time.Minute).UnixMilli())
	require.NoError(t, err)

	// a sibling subdomain wrote a newer signal into the shared cookie
	r := httptest.NewRequest(http.MethodGet, "http://app-b.example.com/", nil)
	r.AddCookie(&http.Cookie{Name: signal.CookieName, Value: signal.At(now).String()})
	cookie.Observe(r)

	got, err := s.ReadLatest(ctx)
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), got.Timestamp)

	// writing an older value never lowers the effective time
	eff, err := s.Write(ctx, signal.At(now.Add(-time.Hour)))
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), eff.Timestamp)
}

func TestRedundantStore_Subscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv := localstore.NewMemoryStore()
	writer := signal.NewRedundantStore(kv, nil)
	reader := signal.NewRedundantStore(kv, nil)

	got := make(chan signal.Signal, 1)
	stop, err := reader.Subscribe(localstore.WithSource(ctx, "reader"), func(s signal.Signal) { got <- s })
	require.NoError(t, err)
	defer stop()

	_, err = writer.Write(localstore.WithSource(ctx, "writer"), signal.Signal{Timestamp: 1234})
	require.NoError(t, err)

	select {
	case s := <-got:
		require.Equal(t, int64(1234), s.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestRedundantStore_Clear(t *testing.T) {
	ctx := context.Background()
	cookie := signal.NewCookieMedium(0)
	s := signal.NewRedundantStore(localstore.NewMemoryStore(), cookie)

	_, err := s.Write(ctx, signal.At(time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))

	got, err := s.ReadLatest(ctx)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	w := httptest.NewRecorder()
	cookie.Apply(w)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, -1, cookies[0].MaxAge)
}

func TestRecent(t *testing.T) {
	now := time.Now()
	require.False(t, signal.Recent(signal.Signal{}, now, time.Minute))
	require.True(t, signal.Recent(signal.At(now.Add(-30*time.Second)), now, time.Minute))
	require.False(t, signal.Recent(signal.At(now.Add(-2*time.Minute)), now, time.Minute))
}

func TestCookieMedium_Apply(t *testing.T) {
	t.Run("https sets SameSite None and Secure on the registrable domain", func(t *testing.T) {
		c := signal.NewCookieMedium(0)
		r := httptest.NewRequest(http.MethodGet, "https://app-a.example.com/", nil)
		r.TLS = &tls.ConnectionState{}
		c.Observe(r)
		c.Write(99)

		w := httptest.NewRecorder()
		c.Apply(w)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		ck := cookies[0]
		require.Equal(t, signal.CookieName, ck.Name)
		require.Equal(t, "99", ck.Value)
		require.Equal(t, "example.com", ck.Domain)
		require.Equal(t, "/", ck.Path)
		require.Equal(t, 600, ck.MaxAge)
		require.True(t, ck.Secure)
		require.Equal(t, http.SameSiteNoneMode, ck.SameSite)
	})

	t.Run("multi-label public suffix keeps the registrable domain", func(t *testing.T) {
		c := signal.NewCookieMedium(0)
		c.Observe(httptest.NewRequest(http.MethodGet, "http://app-a.example.co.uk/", nil))
		c.Write(7)

		w := httptest.NewRecorder()
		c.Apply(w)
		cookies := w.Result().Cookies()
		require.Len(t, cookies, 1)
		require.Equal(t, "example.co.uk", cookies[0].Domain)
	})

	t.Run("http uses Lax and nothing is written when unchanged", func(t *testing.T) {
		c := signal.NewCookieMedium(0)
		r := httptest.NewRequest(http.MethodGet, "http://localhost:8080/", nil)
		c.Observe(r)

		w := httptest.NewRecorder()
		c.Apply(w)
		require.Empty(t, w.Result().Cookies())

		c.Write(5)
		w = httptest.NewRecorder()
		c.Apply(w)
		ck := w.Result().Cookies()[0]
		require.Equal(t, http.SameSiteLaxMode, ck.SameSite)
		require.False(t, ck.Secure)
		require.Empty(t, ck.Domain)
	})

	t.Run("expires after max age", func(t *testing.T) {
		now := time.Now()
		signal.NowTimeFunc = func() time.Time { return now }
		defer func() { signal.NowTimeFunc = time.Now }()

		c := signal.NewCookieMedium(time.Minute)
		c.Write(10)
		require.Equal(t, int64(10), c.Read())
		now = now.Add(2 * time.Minute)
		require.Equal(t, int64(0), c.Read())
	})
}

func TestCookieDomain(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{host: "a.b.example.com:443", want: "example.com"},
		{host: "example.com", want: "example.com"},
		{host: "App-A.Example.com.", want: "example.com"},
		{host: "app-a.example.co.uk", want: "example.co.uk"},
		{host: "a.myapp.github.io", want: "myapp.github.io"},
		{host: "github.io", want: ""},
		{host: "co.uk", want: ""},
		{host: "localhost:3000", want: ""},
		{host: "127.0.0.1:8080", want: ""},
		{host: "[::1]:8080", want: ""},
		{host: "", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			require.Equal(t, tc.want, signal.CookieDomain(tc.host))
		})
	}
}
