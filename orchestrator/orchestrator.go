// Package orchestrator is the per-browser-context session state machine. It decides on
// every page load and lifecycle event whether the local view of the session still
// matches the provider, and drives silent authentication, validation, the logout
// channel and logout itself.
package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-sso-sync/fanout"
	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/localstore"
	"github.com/jrsteele09/go-sso-sync/prober"
	"github.com/jrsteele09/go-sso-sync/provider"
	"github.com/jrsteele09/go-sso-sync/signal"
	"github.com/jrsteele09/go-sso-sync/validator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultLogoutCooldown = 2 * time.Minute
	DefaultMaxSilentWait  = 10 * time.Second

	clearTimeout = 5 * time.Second

	noticeSignedOut      = "You have been signed out."
	noticeSignInFailed   = "Sign in failed. Please try again."
	noticeSessionExpired = "Your session has ended. Please sign in again."
)

// Reason labels a forced logout
type Reason string

const (
	ReasonCrossTabSignal     Reason = "cross_tab_signal"
	ReasonSessionInvalidated Reason = "session_invalidated"
	ReasonRemoteLogout       Reason = "remote_logout"
	ReasonTokenCacheCleared  Reason = "token_cache_cleared"
)

// broadcast reports whether siblings learn about this logout through a new signal
func (r Reason) broadcast() bool {
	return r == ReasonSessionInvalidated || r == ReasonRemoteLogout
}

type Config struct {
	// Origin keys the silent-authentication suppression flag
	Origin         string
	Paths          Paths
	LogoutCooldown time.Duration
	MaxSilentWait  time.Duration
	SilentTimeout  time.Duration
	RefreshTimeout time.Duration
	// ValidatorInterval of zero leaves validation to focus and visibility events.
	ValidatorInterval time.Duration
	// LogoutReturnTo is the absolute URL the provider sends the browser to after logout.
	LogoutReturnTo string
}

func DefaultConfig() Config {
	return Config{
		Paths:          DefaultPaths(),
		LogoutCooldown: DefaultLogoutCooldown,
		MaxSilentWait:  DefaultMaxSilentWait,
		SilentTimeout:  prober.DefaultTimeout,
		RefreshTimeout: validator.DefaultRefreshTimeout,
	}
}

// Channel is the logout push channel as the orchestrator drives it
type Channel interface {
	Start(ctx context.Context)
	Stop()
}

// ChannelFactory builds a channel bound to the live user cell
type ChannelFactory func(user *fanout.UserCell, h fanout.LogoutHandler) Channel

// Announcer tells other applications about a logout performed here
type Announcer interface {
	Notify(ctx context.Context, ev contract.UserLoggedOut) error
}

// session holds what exists only while Authenticated
type session struct {
	cancel      context.CancelFunc
	channel     Channel
	unsubscribe func()
}

type Orchestrator struct {
	cfg        Config
	client     provider.Client
	kv         localstore.Store
	signals    signal.Store
	prober     *prober.Prober
	validator  *validator.Validator
	newChannel ChannelFactory
	announcer  Announcer
	now        func() time.Time
	metrics    *metrics.Metrics
	log        zerolog.Logger
	source     string

	user fanout.UserCell

	mu      sync.Mutex
	state   State
	gen     uint64
	maxWait *time.Timer
	session *session
	notice  string
	closed  bool

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithChannelFactory(f ChannelFactory) Option {
	return func(o *Orchestrator) { o.newChannel = f }
}

func WithAnnouncer(a Announcer) Option {
	return func(o *Orchestrator) { o.announcer = a }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithSource sets the id this context writes shared keys under. Defaults to a random id.
func WithSource(id string) Option {
	return func(o *Orchestrator) { o.source = id }
}

// New creates an orchestrator in Init. kv holds this context's persisted keys.
func New(cfg Config, client provider.Client, kv localstore.Store, signals signal.Store, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Paths.Anonymous == "" {
		cfg.Paths = def.Paths
	}
	if cfg.LogoutCooldown <= 0 {
		cfg.LogoutCooldown = def.LogoutCooldown
	}
	if cfg.MaxSilentWait <= 0 {
		cfg.MaxSilentWait = def.MaxSilentWait
	}

	o := &Orchestrator{
		cfg:     cfg,
		client:  client,
		kv:      kv,
		signals: signals,
		now:     time.Now,
		log:     log.Logger,
		source:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.metrics = metrics.OrNop(o.metrics)
	o.log = o.log.With().Str("source", o.source).Logger()
	o.prober = prober.New(client, prober.WithTimeout(cfg.SilentTimeout), prober.WithMetrics(o.metrics), prober.WithLogger(o.log))
	o.validator = validator.New(client, signals, kv,
		validator.WithRefreshTimeout(cfg.RefreshTimeout),
		validator.WithClock(o.now),
		validator.WithMetrics(o.metrics),
		validator.WithLogger(o.log),
	)
	return o
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// UserID returns the authenticated subject, or ""
func (o *Orchestrator) UserID() string {
	return o.user.Get()
}

// Load handles a page load for path and decides what the browser sees
func (o *Orchestrator) Load(ctx context.Context, path string, query url.Values) Decision {
	if path == o.cfg.Paths.Callback {
		return o.handleCallback(ctx, query)
	}

	switch o.State() {
	case Init, Unauthenticated:
		if d, ok := o.checkSso(ctx, path); ok {
			return d
		}
	case Authenticated:
		o.verifyLocal(ctx)
	}
	return o.route(path)
}

func (o *Orchestrator) route(path string) Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := Route(o.state, path, o.cfg.Paths)
	if d.View == ViewLanding && o.notice != "" {
		d.Notice = o.notice
		o.notice = ""
	}
	return d
}

// checkSso runs the CheckingSso stage. ok is false when another load already owns it.
func (o *Orchestrator) checkSso(ctx context.Context, path string) (Decision, bool) {
	o.mu.Lock()
	if o.closed || o.transitionLocked(EventLoad) != nil {
		o.mu.Unlock()
		return Decision{}, false
	}
	gen := o.gen
	o.mu.Unlock()

	ps := o.client.State(ctx)
	if ps.IsAuthenticated {
		// Cached tokens were never checked by this context; a sibling's later logout wins.
		if o.signalledSinceCheck(ctx) {
			o.discardCachedSession(ctx, gen, ps.UserID())
			return o.route(path), true
		}
		o.enterAuthenticated(ctx, gen, EventSessionFound, ps.UserID())
		return o.route(path), true
	}

	now := o.now()
	sig, err := o.signals.ReadLatest(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to read logout signal")
	}
	if signal.Recent(sig, now, o.cfg.LogoutCooldown) {
		o.log.Info().Time("logout_at", sig.Time()).Msg("Recent logout, silent authentication suppressed")
		o.finish(gen, EventNoSession)
		return o.route(path), true
	}
	if !sig.IsZero() {
		if err := o.signals.Clear(ctx); err != nil {
			o.log.Warn().Err(err).Msg("Failed to purge expired logout signal")
		}
	}

	flagKey := localstore.SilentCheckedKey(o.cfg.Origin)
	if _, set, err := o.kv.Get(ctx, flagKey); err != nil || set {
		if err != nil {
			o.log.Warn().Err(err).Msg("Failed to read silent authentication flag")
		}
		o.log.Debug().Msg("Silent authentication already attempted")
		o.finish(gen, EventNoSession)
		return o.route(path), true
	}
	// The flag is written before the attempt so a concurrent load cannot start a second one.
	if err := o.kv.Set(localstore.WithSource(ctx, o.source), flagKey, strconv.FormatInt(now.UnixMilli(), 10), 0); err != nil {
		o.log.Warn().Err(err).Msg("Failed to set silent authentication flag")
		o.finish(gen, EventNoSession)
		return o.route(path), true
	}

	redirect, err := o.prober.AttemptSilent(ctx, path)
	if err != nil {
		o.clearFlags(ctx)
		o.finish(gen, EventNoSession)
		return o.route(path), true
	}

	o.mu.Lock()
	if o.gen != gen || o.transitionLocked(EventSilentRedirect) != nil {
		o.mu.Unlock()
		return o.route(path), true
	}
	waitGen := o.gen
	o.stopMaxWaitLocked()
	o.maxWait = time.AfterFunc(o.cfg.MaxSilentWait, func() { o.onMaxWait(waitGen) })
	o.mu.Unlock()

	return Decision{View: ViewLoading, Redirect: redirect}, true
}

func (o *Orchestrator) onMaxWait(gen uint64) {
	o.mu.Lock()
	if o.gen != gen || o.transitionLocked(EventMaxWait) != nil {
		o.mu.Unlock()
		return
	}
	o.maxWait = nil
	o.mu.Unlock()

	o.log.Warn().Dur("max_wait", o.cfg.MaxSilentWait).Msg("Silent authentication did not return, showing sign in")
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	o.clearFlags(ctx)
}

func (o *Orchestrator) handleCallback(ctx context.Context, query url.Values) Decision {
	o.mu.Lock()
	if o.state == Authenticated {
		o.mu.Unlock()
		return Decision{Redirect: o.cfg.Paths.Home}
	}
	if o.closed || o.transitionLocked(EventCallbackPath) != nil {
		o.mu.Unlock()
		return Decision{View: ViewCallback}
	}
	o.stopMaxWaitLocked()
	gen := o.gen
	o.mu.Unlock()

	returnTo, err := o.client.HandleRedirectCallback(ctx, query)
	if err != nil {
		// The flag stays set so a provider that answers login_required cannot start a redirect loop.
		if provider.RequiresInteraction(err) {
			o.log.Info().Str("code", provider.CodeOf(err)).Msg("No active session at provider")
			o.finish(gen, EventCallbackFailed)
			return Decision{Redirect: o.cfg.Paths.Anonymous}
		}
		o.log.Warn().Err(err).Str("code", provider.CodeOf(err)).Msg("Sign in callback failed")
		o.mu.Lock()
		o.notice = noticeSignInFailed
		o.mu.Unlock()
		o.finish(gen, EventCallbackFailed)
		return Decision{Redirect: o.cfg.Paths.Anonymous}
	}

	o.clearFlags(ctx)
	ps := o.client.State(ctx)
	if !o.enterAuthenticated(ctx, gen, EventCallbackSucceeded, ps.UserID()) {
		return Decision{Redirect: o.cfg.Paths.Anonymous}
	}
	return Decision{Redirect: o.cfg.Paths.SafeReturn(returnTo)}
}

// verifyLocal catches logouts made by a sibling context between events
func (o *Orchestrator) verifyLocal(ctx context.Context) {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()

	if !o.client.State(ctx).IsAuthenticated {
		o.forceLogout(ctx, gen, ReasonTokenCacheCleared, "")
		return
	}
	if o.signalledSinceCheck(ctx) {
		o.forceLogout(ctx, gen, ReasonCrossTabSignal, "")
	}
}

// signalledSinceCheck reports whether a logout signal is newer than the last server-confirmed check
func (o *Orchestrator) signalledSinceCheck(ctx context.Context) bool {
	last, err := o.validator.LastSessionCheck(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to read last session check")
		return false
	}
	sig, err := o.signals.ReadLatest(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to read logout signal")
		return false
	}
	return sig.NewerThan(last)
}

// discardCachedSession ends a CheckingSso whose cached tokens predate a logout elsewhere
func (o *Orchestrator) discardCachedSession(ctx context.Context, gen uint64, userID string) {
	o.metrics.ForcedLogoutsTotal.WithLabelValues(string(ReasonCrossTabSignal)).Inc()
	o.log.Info().Str("user_id", userID).Msg("Cached session predates a logout signal, discarding it")
	if err := o.clearLocal(ctx); err != nil {
		o.log.Warn().Err(err).Msg("Failed to clear local session")
	}
	o.mu.Lock()
	if o.gen == gen {
		o.notice = noticeSignedOut
	}
	o.mu.Unlock()
	o.finish(gen, EventNoSession)
}

// OnVisibilityChange validates the session when the page becomes visible
func (o *Orchestrator) OnVisibilityChange(ctx context.Context, visible bool) {
	if !visible {
		return
	}
	o.validate(ctx, validator.TriggerVisible)
}

func (o *Orchestrator) OnFocus(ctx context.Context) {
	o.validate(ctx, validator.TriggerFocus)
}

func (o *Orchestrator) validate(ctx context.Context, trigger validator.Trigger) {
	o.mu.Lock()
	if o.closed || o.state != Authenticated {
		o.mu.Unlock()
		return
	}
	gen := o.gen
	o.mu.Unlock()

	outcome, err := o.validator.Check(ctx, trigger)
	o.onValidation(gen, outcome, err)
}

func (o *Orchestrator) onValidation(gen uint64, outcome validator.Outcome, _ error) {
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	switch outcome {
	case validator.SignalLogout:
		o.forceLogout(ctx, gen, ReasonCrossTabSignal, "")
	case validator.Invalidated:
		o.forceLogout(ctx, gen, ReasonSessionInvalidated, noticeSessionExpired)
	}
}

func (o *Orchestrator) onSignal(gen uint64, sig signal.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()

	last, err := o.validator.LastSessionCheck(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to read last session check")
		return
	}
	if !sig.NewerThan(last) {
		o.log.Debug().Time("logout_at", sig.Time()).Msg("Ignoring logout signal older than last session check")
		return
	}
	o.forceLogout(ctx, gen, ReasonCrossTabSignal, "")
}

// BeginInteractiveLogin returns the provider URL for a visible sign in
func (o *Orchestrator) BeginInteractiveLogin(ctx context.Context, returnTo string) (string, error) {
	o.clearFlags(ctx)
	return o.client.LoginWithRedirect(ctx, provider.LoginOptions{ReturnTo: o.cfg.Paths.SafeReturn(returnTo)})
}

// PerformLogout signs the user out everywhere and returns the provider's end-session URL.
// Calling it again leaves the same terminal state.
func (o *Orchestrator) PerformLogout(ctx context.Context, returnTo string) (string, error) {
	if returnTo == "" {
		returnTo = o.cfg.LogoutReturnTo
	}
	userID := o.user.Get()

	// The signal is written before anything is cleared so racing contexts observe it.
	sig, err := o.signals.Write(localstore.WithSource(ctx, o.source), signal.At(o.now()))
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to write logout signal")
	}

	endSession, logoutErr := o.client.Logout(ctx, provider.LogoutOptions{ReturnTo: returnTo, Federated: true})
	if logoutErr != nil {
		o.log.Error().Err(logoutErr).Msg("Provider logout failed")
	}
	o.clearFlags(ctx)

	o.mu.Lock()
	_ = o.transitionLocked(EventLogout)
	o.stopMaxWaitLocked()
	sess := o.session
	o.session = nil
	o.user.Set("")
	o.mu.Unlock()
	o.teardown(sess)

	o.metrics.UserLogoutsTotal.Inc()
	o.log.Info().Str("user_id", userID).Msg("User logged out")

	if o.announcer != nil && userID != "" {
		ev := contract.UserLoggedOut{UserID: userID, Timestamp: sig.Timestamp, Message: "Signed out in another application"}
		if err := o.announcer.Notify(ctx, ev); err != nil {
			o.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to announce logout")
		}
	}
	if logoutErr != nil {
		return "", logoutErr
	}
	return endSession, nil
}

// ForceLogout ends the local session without visiting the provider
func (o *Orchestrator) ForceLogout(ctx context.Context, reason Reason) {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	o.forceLogout(ctx, gen, reason, "")
}

// forceLogout is a no-op unless the session identified by gen is still current
func (o *Orchestrator) forceLogout(ctx context.Context, gen uint64, reason Reason, notice string) {
	o.mu.Lock()
	if o.closed || o.gen != gen || o.state != Authenticated {
		o.mu.Unlock()
		return
	}
	_ = o.transitionLocked(EventLogout)
	sess := o.session
	o.session = nil
	userID := o.user.Get()
	o.user.Set("")
	if notice == "" {
		notice = noticeSignedOut
	}
	o.notice = notice
	o.mu.Unlock()

	o.metrics.ForcedLogoutsTotal.WithLabelValues(string(reason)).Inc()
	o.log.Info().Str("user_id", userID).Str("reason", string(reason)).Msg("Forced logout")

	if reason.broadcast() {
		if _, err := o.signals.Write(localstore.WithSource(ctx, o.source), signal.At(o.now())); err != nil {
			o.log.Warn().Err(err).Msg("Failed to write logout signal")
		}
	}
	if err := o.clearLocal(ctx); err != nil {
		o.log.Warn().Err(err).Msg("Failed to clear local session")
	}
	o.teardown(sess)
}

func (o *Orchestrator) enterAuthenticated(ctx context.Context, gen uint64, ev Event, userID string) bool {
	o.mu.Lock()
	if o.closed || o.gen != gen || o.transitionLocked(ev) != nil {
		o.mu.Unlock()
		return false
	}
	o.user.Set(userID)
	sessGen := o.gen
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{cancel: cancel}
	o.session = sess
	o.mu.Unlock()

	// Only a completed sign in is server truth; a session found in the cache keeps its last check.
	if ev == EventCallbackSucceeded {
		if err := o.validator.MarkChecked(ctx, o.now()); err != nil {
			o.log.Warn().Err(err).Msg("Failed to record session check")
		}
	}

	unsubscribe, err := o.signals.Subscribe(localstore.WithSource(sessCtx, o.source), func(sig signal.Signal) {
		o.onSignal(sessGen, sig)
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to watch for logout signals")
	}

	var ch Channel
	if o.newChannel != nil {
		ch = o.newChannel(&o.user, channelHandler{o: o, gen: sessGen})
		ch.Start(sessCtx)
	}

	if o.cfg.ValidatorInterval > 0 {
		o.mu.Lock()
		if !o.closed {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.validator.Run(sessCtx, o.cfg.ValidatorInterval, func(outcome validator.Outcome, err error) {
					o.onValidation(sessGen, outcome, err)
				})
			}()
		}
		o.mu.Unlock()
	}

	o.mu.Lock()
	if o.session != sess {
		// Logged out while starting; nobody else will stop these.
		o.mu.Unlock()
		o.teardown(&session{cancel: cancel, channel: ch, unsubscribe: unsubscribe})
		return false
	}
	sess.channel = ch
	sess.unsubscribe = unsubscribe
	o.mu.Unlock()

	o.log.Info().Str("user_id", userID).Str("via", ev.String()).Msg("Session established")
	return true
}

// clearLocal drops cached tokens and session flags
func (o *Orchestrator) clearLocal(ctx context.Context) error {
	_, err := o.client.Logout(ctx, provider.LogoutOptions{LocalOnly: true})
	return errors.Join(err, o.clearFlags(ctx))
}

func (o *Orchestrator) clearFlags(ctx context.Context) error {
	err := localstore.DeletePrefix(localstore.WithSource(ctx, o.source), o.kv, localstore.SilentCheckedKeyPrefix)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to clear silent authentication flags")
	}
	return err
}

func (o *Orchestrator) finish(gen uint64, ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	_ = o.transitionLocked(ev)
}

func (o *Orchestrator) teardown(s *session) {
	if s == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.channel != nil {
		s.channel.Stop()
	}
}

func (o *Orchestrator) stopMaxWaitLocked() {
	if o.maxWait != nil {
		o.maxWait.Stop()
		o.maxWait = nil
	}
}

func (o *Orchestrator) transitionLocked(ev Event) error {
	next, err := Transition(o.state, ev)
	if err != nil {
		return err
	}
	prev := o.state
	o.state = next
	o.gen++
	o.metrics.StateTransitionsTotal.WithLabelValues(prev.String(), next.String()).Inc()
	o.log.Debug().Str("from", prev.String()).Str("to", next.String()).Str("event", ev.String()).Msg("Session state")
	return nil
}

// Close tears down the session machinery without logging out
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stopMaxWaitLocked()
	sess := o.session
	o.session = nil
	o.mu.Unlock()

	o.teardown(sess)
	o.wg.Wait()
}

// channelHandler binds push-channel callbacks to the session that started the channel
type channelHandler struct {
	o   *Orchestrator
	gen uint64
}

func (h channelHandler) ClearLocalSession(ctx context.Context) error {
	h.o.mu.Lock()
	current := h.o.gen == h.gen
	h.o.mu.Unlock()
	if !current {
		return nil
	}
	return h.o.clearLocal(ctx)
}

// FinishLogout stops the channel that calls it, so the logout runs on a goroutine Close waits for.
func (h channelHandler) FinishLogout(ctx context.Context, ev contract.UserLoggedOut) {
	h.o.mu.Lock()
	if h.o.closed {
		h.o.mu.Unlock()
		return
	}
	h.o.wg.Add(1)
	h.o.mu.Unlock()

	go func() {
		defer h.o.wg.Done()
		h.o.forceLogout(ctx, h.gen, ReasonRemoteLogout, ev.Message)
	}()
}
