// Package prober attempts non-interactive re-authentication against the provider.
package prober

import (
	"context"
	"fmt"
	"time"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 3 * time.Second

// Prober starts silent authentication. A successful attempt yields the provider URL
// the browser must visit; the outcome arrives later on the callback path.
type Prober struct {
	client  provider.Client
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type Option func(*Prober)

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Prober) { p.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Prober) { p.log = l }
}

func New(client provider.Client, opts ...Option) *Prober {
	p := &Prober{
		client:  client,
		timeout: DefaultTimeout,
		log:     log.Logger,
	}
	for _, o := range opts {
		o(p)
	}
	p.metrics = metrics.OrNop(p.metrics)
	return p
}

// AttemptSilent returns the redirect for a prompt=none authorization. Any failure
// is reported as ErrNoActiveSession; the caller falls through to the sign-in view.
func (p *Prober) AttemptSilent(ctx context.Context, returnPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	go func() {
		u, err := p.client.LoginWithRedirect(ctx, provider.LoginOptions{Silent: true, ReturnTo: returnPath})
		done <- result{u, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		p.metrics.SilentAttemptsTotal.WithLabelValues("no_session").Inc()
		p.log.Info().Err(res.err).Str("code", provider.CodeOf(res.err)).Msg("Silent authentication unavailable")
		return "", fmt.Errorf("[prober AttemptSilent] %w: %w", ssoerrors.ErrNoActiveSession, res.err)
	}
	p.metrics.SilentAttemptsTotal.WithLabelValues("redirect").Inc()
	p.log.Debug().Str("return_to", returnPath).Msg("Silent authentication started")
	return res.url, nil
}
