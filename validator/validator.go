// Package validator checks whether the cached session still matches the provider's
// server-side session. It only reports an outcome; acting on it is the caller's job.
package validator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/signal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultRefreshTimeout = 5 * time.Second

type Trigger string

const (
	TriggerVisible  Trigger = "visible"
	TriggerFocus    Trigger = "focus"
	TriggerPeriodic Trigger = "periodic"
)

type Outcome int

const (
	// Valid means the provider issued a fresh token
	Valid Outcome = iota
	// SignalLogout means another context logged out after our last check
	SignalLogout
	// Invalidated means the provider explicitly rejected the session
	Invalidated
	// Transient means the check could not be completed; try again on the next trigger
	Transient
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case SignalLogout:
		return "signal_logout"
	case Invalidated:
		return "invalidated"
	case Transient:
		return "transient"
	}
	return "unknown"
}

// RequiresLogout reports whether the outcome proves the session is gone
func (o Outcome) RequiresLogout() bool {
	return o == SignalLogout || o == Invalidated
}

var invalidatingCodes = map[string]bool{
	provider.CodeLoginRequired:       true,
	provider.CodeInvalidGrant:        true,
	provider.CodeUnauthorized:        true,
	provider.CodeConsentRequired:     true,
	provider.CodeInteractionRequired: true,
	provider.CodeMissingRefreshToken: true,
}

// Classify maps a refresh failure to ErrSessionInvalidated when the provider rejected
// the session, and to ErrTransient for everything else.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if invalidatingCodes[provider.CodeOf(err)] {
		return ssoerrors.ErrSessionInvalidated
	}
	return ssoerrors.ErrTransient
}

type Validator struct {
	client  provider.Client
	signals signal.Store
	kv      localstore.Store
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type Option func(*Validator)

func WithRefreshTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(v *Validator) { v.log = l }
}

func New(client provider.Client, signals signal.Store, kv localstore.Store, opts ...Option) *Validator {
	v := &Validator{
		client:  client,
		signals: signals,
		kv:      kv,
		timeout: DefaultRefreshTimeout,
		now:     time.Now,
		log:     log.Logger,
	}
	for _, o := range opts {
		o(v)
	}
	v.metrics = metrics.OrNop(v.metrics)
	return v
}

// LastSessionCheck returns when the session was last confirmed, or the zero time
func (v *Validator) LastSessionCheck(ctx context.Context) (time.Time, error) {
	s, ok, err := v.kv.Get(ctx, localstore.KeyLastSessionCheck)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// MarkChecked records t as the last confirmation of the session
func (v *Validator) MarkChecked(ctx context.Context, t time.Time) error {
	return v.kv.Set(ctx, localstore.KeyLastSessionCheck, strconv.FormatInt(t.UnixMilli(), 10), 0)
}

// Check runs one validation. The returned error explains Invalidated and Transient outcomes.
func (v *Validator) Check(ctx context.Context, trigger Trigger) (Outcome, error) {
	outcome, err := v.check(ctx)
	v.metrics.ValidationsTotal.WithLabelValues(string(trigger), outcome.String()).Inc()

	ev := v.log.Debug()
	switch outcome {
	case Transient:
		ev = v.log.Warn().Err(err)
	case Invalidated, SignalLogout:
		ev = v.log.Info().Err(err)
	}
	ev.Str("trigger", string(trigger)).Str("outcome", outcome.String()).Msg("Session validated")
	return outcome, err
}

func (v *Validator) check(ctx context.Context) (Outcome, error) {
	last, err := v.LastSessionCheck(ctx)
	if err != nil {
		return Transient, fmt.Errorf("[validator Check] %w: %w", ssoerrors.ErrTransient, err)
	}

	sig, err := v.signals.ReadLatest(ctx)
	if err == nil && sig.NewerThan(last) {
		return SignalLogout, nil
	}

	_, err = v.client.GetAccessTokenSilently(ctx, provider.TokenOptions{BypassCache: true, Timeout: v.timeout})
	if err != nil {
		class := Classify(err)
		if class == ssoerrors.ErrSessionInvalidated {
			return Invalidated, fmt.Errorf("[validator Check] %w: %w", class, err)
		}
		return Transient, fmt.Errorf("[validator Check] %w: %w", class, err)
	}

	if err := v.MarkChecked(ctx, v.now()); err != nil {
		v.log.Warn().Err(err).Msg("Failed to record session check")
	}
	return Valid, nil
}

// Run validates every interval until ctx ends. An interval of zero or less disables polling.
func (v *Validator) Run(ctx context.Context, interval time.Duration, onOutcome func(Outcome, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			outcome, err := v.Check(ctx, TriggerPeriodic)
			if ctx.Err() != nil {
				return
			}
			if onOutcome != nil {
				onOutcome(outcome, err)
			}
		}
	}
}
