// Package fanout is the client side of the logout push channel: one WebSocket per
// authenticated browser context, joined to the user's logout group.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	ssoerrors "github.com/jrsteele09/go-sso-sync/internal/errors"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxFrameBytes        = 64 << 10
	defaultInvokeTimeout = 5 * time.Second
	leaveTimeout         = time.Second
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// LogoutHandler reacts to a logout pushed for the current user.
// ClearLocalSession runs on the channel's read goroutine before the socket is closed
// and must not call Stop. FinishLogout runs on the channel's goroutine after the socket is
// closed; Stop waits for it, so it must hand anything that stops the channel to its own goroutine.
type LogoutHandler interface {
	ClearLocalSession(ctx context.Context) error
	FinishLogout(ctx context.Context, ev contract.UserLoggedOut)
}

type Config struct {
	URL    string
	Origin string
	// TokenFunc supplies a bearer token for the hub handshake. Optional.
	TokenFunc     func(ctx context.Context) (string, error)
	JoinPolicy    retry.Policy
	ConnectPolicy retry.Policy
	InvokeTimeout time.Duration
	HTTPClient    *http.Client
}

var errLoggedOut = errors.New("logged out by server push")

type Channel struct {
	cfg     Config
	user    *UserCell
	handler LogoutHandler
	metrics *metrics.Metrics
	log     zerolog.Logger
	onState func(State)

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	joined bool
	// joinedAs is the group joined on conn; Stop leaves it even after the cell is cleared.
	joinedAs string
	pending  map[string]chan contract.CompletionPayload
	cancel   context.CancelFunc
	started  bool
	stopped  bool

	wg sync.WaitGroup
}

type Option func(*Channel)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// WithStateObserver is called on every state change, outside the channel lock
func WithStateObserver(fn func(State)) Option {
	return func(c *Channel) { c.onState = fn }
}

func New(cfg Config, user *UserCell, handler LogoutHandler, opts ...Option) *Channel {
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = defaultInvokeTimeout
	}
	if cfg.JoinPolicy.Backoff == nil {
		cfg.JoinPolicy = retry.JoinPolicy(5, time.Second)
	}
	if cfg.ConnectPolicy.Backoff == nil {
		cfg.ConnectPolicy = retry.ConnectPolicy(time.Second, 30*time.Second, 5*time.Minute)
	}
	c := &Channel{
		cfg:     cfg,
		user:    user,
		handler: handler,
		log:     log.Logger,
		pending: make(map[string]chan contract.CompletionPayload),
	}
	for _, o := range opts {
		o(c)
	}
	c.metrics = metrics.OrNop(c.metrics)
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Joined reports whether the group join succeeded on the current connection
func (c *Channel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Start connects in the background. The channel lives until Stop, a matching
// logout push, or the reconnect policy giving up. ctx only supplies values.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
}

// Stop leaves the group (best effort), closes the socket and waits for the channel's goroutines.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn, joined, userID, state, cancel := c.conn, c.joined, c.joinedAs, c.state, c.cancel
	c.mu.Unlock()

	if conn != nil && joined && userID != "" && state == Connected {
		ctx, done := context.WithTimeout(context.Background(), leaveTimeout)
		if err := c.invoke(ctx, conn, contract.MethodLeaveLogoutGroup, userID); err != nil {
			c.log.Debug().Err(err).Msg("Leave logout group failed")
		}
		done()
	}

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "stop")
	}
	c.wg.Wait()
	c.setState(Disconnected)
}

func (c *Channel) run(ctx context.Context) {
	next := Connecting
	for {
		c.setState(next)
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("Logout channel gave up connecting")
			}
			c.setState(Disconnected)
			return
		}

		connCtx, connCancel := context.WithCancel(ctx)
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			connCancel()
			_ = conn.Close(websocket.StatusNormalClosure, "stop")
			return
		}
		c.conn = conn
		c.joined = false
		c.joinedAs = ""
		c.mu.Unlock()
		c.setState(Connected)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.join(connCtx, conn)
		}()

		ev, err := c.readLoop(connCtx, conn)
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")

		c.mu.Lock()
		c.conn = nil
		c.joined = false
		c.joinedAs = ""
		c.mu.Unlock()

		if errors.Is(err, errLoggedOut) {
			c.setState(Disconnected)
			c.handler.FinishLogout(context.WithoutCancel(ctx), ev)
			return
		}
		if ctx.Err() != nil {
			c.setState(Disconnected)
			return
		}
		c.log.Info().Err(err).Msg("Logout channel dropped, reconnecting")
		next = Reconnecting
	}
}

func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := c.cfg.ConnectPolicy.DoNotify(ctx, func(ctx context.Context) error {
		cn, err := c.dial(ctx)
		if err != nil {
			return err
		}
		conn = cn
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		c.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("Logout channel connect failed")
	})
	if err != nil {
		return nil, fmt.Errorf("[fanout connect] %w: %w", ssoerrors.ErrNotConnected, err)
	}
	return conn, nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	if c.cfg.TokenFunc != nil {
		tok, err := c.cfg.TokenFunc(ctx)
		if err != nil {
			return nil, fmt.Errorf("hub token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		HTTPClient:   c.cfg.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{contract.Subprotocol},
	})
	if err != nil {
		return nil, err
	}
	if sp := conn.Subprotocol(); sp != contract.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, retry.Permanent(fmt.Errorf("hub did not accept subprotocol %q", contract.Subprotocol))
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// join issues JoinLogoutGroup with the join policy for as long as this connection lives.
func (c *Channel) join(ctx context.Context, conn *websocket.Conn) {
	userID := c.user.Get()
	if userID == "" {
		c.log.Warn().Msg("Logout channel connected without a known user")
		return
	}

	err := c.cfg.JoinPolicy.DoNotify(ctx, func(ctx context.Context) error {
		if c.State() != Connected {
			return retry.Permanent(ssoerrors.ErrNotConnected)
		}
		return c.invoke(ctx, conn, contract.MethodJoinLogoutGroup, userID)
	}, func(err error, attempt int, wait time.Duration) {
		c.metrics.JoinAttemptsTotal.WithLabelValues("retry").Inc()
		c.log.Warn().Err(err).Str("user_id", userID).Int("attempt", attempt).Dur("wait", wait).Msg("Join logout group failed, retrying")
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.metrics.JoinAttemptsTotal.WithLabelValues("exhausted").Inc()
		c.log.Error().Err(fmt.Errorf("%w: %w", ssoerrors.ErrChannelJoin, err)).Str("user_id", userID).
			Msg("Connected but not joined; relying on session validation")
		return
	}

	c.mu.Lock()
	if c.conn == conn {
		c.joined = true
		c.joinedAs = userID
	}
	c.mu.Unlock()
	c.metrics.JoinAttemptsTotal.WithLabelValues("joined").Inc()
	c.log.Debug().Str("user_id", userID).Msg("Joined logout group")
}

func (c *Channel) invoke(ctx context.Context, conn *websocket.Conn, method string, args ...string) error {
	env, id, err := contract.NewInvoke(method, args...)
	if err != nil {
		return err
	}

	reply := make(chan contract.CompletionPayload, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
	defer cancel()

	if err := writeEnvelope(ctx, conn, env); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case res := <-reply:
		if res.Error != "" {
			return fmt.Errorf("%s: %s", method, res.Error)
		}
		return nil
	}
}

// readLoop dispatches frames until the connection fails or a logout for the current user arrives
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) (contract.UserLoggedOut, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return contract.UserLoggedOut{}, err
		}
		env, err := contract.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Discarding malformed hub frame")
			continue
		}

		switch env.Type {
		case contract.TypeCompletion:
			var p contract.CompletionPayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			c.mu.Lock()
			reply, ok := c.pending[p.InvocationID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- p:
				default:
				}
			}

		case contract.TypeEvent:
			var p contract.EventPayload
			if err := env.DecodePayload(&p); err != nil || p.Name != contract.EventUserLoggedOut {
				continue
			}
			var ev contract.UserLoggedOut
			if err := json.Unmarshal(p.Payload, &ev); err != nil {
				c.log.Warn().Err(err).Msg("Discarding malformed logout event")
				continue
			}
			if c.onLogoutEvent(ctx, ev) {
				return ev, errLoggedOut
			}

		case contract.TypeError:
			var p contract.ErrorPayload
			_ = env.DecodePayload(&p)
			c.log.Warn().Str("code", p.Code).Str("message", p.Message).Msg("Hub reported an error")
		}
	}
}

func (c *Channel) onLogoutEvent(ctx context.Context, ev contract.UserLoggedOut) bool {
	current := c.user.Get()
	if current == "" || ev.UserID != current {
		c.metrics.EventsReceived.WithLabelValues("ignored").Inc()
		c.log.Info().Str("event_user_id", ev.UserID).Str("user_id", current).Msg("Ignoring logout event for another user")
		return false
	}

	c.metrics.EventsReceived.WithLabelValues("matched").Inc()
	c.log.Info().Str("user_id", current).Str("session_id", ev.SessionID).Str("message", ev.Message).Msg("Logout pushed by hub")
	if err := c.handler.ClearLocalSession(ctx); err != nil {
		c.log.Error().Err(err).Msg("Failed to clear local session after logout push")
	}
	return true
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if !changed {
		return
	}
	c.metrics.ChannelStatesTotal.WithLabelValues(s.String()).Inc()
	c.log.Debug().Str("state", s.String()).Msg("Logout channel state")
	if c.onState != nil {
		c.onState(s)
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env contract.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
