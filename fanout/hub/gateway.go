package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TokenVerifier resolves a bearer token to the user it belongs to
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}

type GatewayConfig struct {
	AllowedOrigins []string
	OriginRequired bool
	// Verifier, when set, restricts a connection to its own user's group.
	Verifier     TokenVerifier
	RequireToken bool

	WriteTimeout time.Duration
	// ReadIdleTimeout of zero leaves dead-peer detection to the heartbeat.
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendQueueSize     int
	RateEvents        int
	RateWindow        time.Duration
}

// DefaultGatewayConfig allows only localhost origins
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		OriginRequired:    true,
		WriteTimeout:      defaultWriteTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		SendQueueSize:     defaultSendQueueSize,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// Gateway is the WebSocket endpoint of the hub. It enforces the origin policy,
// subprotocol selection, rate limits and heartbeats, and dispatches invokes to the Hub.
type Gateway struct {
	hub     *Hub
	cfg     GatewayConfig
	metrics *metrics.Metrics
	log     zerolog.Logger

	// Derived for websocket.Accept, which rejects cross-origin requests unless the host matches a pattern.
	originPatterns []string
}

type GatewayOption func(*Gateway)

func WithGatewayMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

func WithGatewayLogger(l zerolog.Logger) GatewayOption {
	return func(g *Gateway) { g.log = l }
}

func NewGateway(h *Hub, cfg GatewayConfig, opts ...GatewayOption) *Gateway {
	def := DefaultGatewayConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}

	g := &Gateway{
		hub:            h,
		cfg:            cfg,
		log:            log.Logger,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
	for _, o := range opts {
		o(g)
	}
	g.metrics = metrics.OrNop(g.metrics)
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info().Err(err).Str("origin", r.Header.Get("Origin")).Str("remote", r.RemoteAddr).Msg("Rejected hub connection")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	verifiedUser, err := g.authenticate(r)
	if err != nil {
		g.log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected hub token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{contract.Subprotocol},
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != contract.Subprotocol {
		g.log.Info().Str("got", sp).Str("want", contract.Subprotocol).Msg("Rejected hub subprotocol")
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.serve(r.Context(), conn, verifiedUser)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, verifiedUser string) {
	member := NewMember(uuid.NewString(), g.cfg.SendQueueSize)
	logger := g.log.With().Str("member_id", member.ID).Logger()

	g.metrics.HubConnections.Inc()
	defer g.metrics.HubConnections.Dec()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	// shutdown removes membership before closing so broadcasters never hold a closing member.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Remove(member)
			member.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-member.Done():
				return
			case env := <-member.Send:
				if err := g.write(ctx, conn, env); err != nil {
					logger.Info().Err(err).Msg("Hub write failed")
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-member.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					logger.Info().Err(err).Int("failures", failures).Msg("Hub ping failed")
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		readCtx, readCancel := ctx, context.CancelFunc(func() {})
		if g.cfg.ReadIdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		}
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if classifyReadErr(err) == readErrUnknown {
				logger.Info().Err(err).Msg("Hub read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now()) {
			g.enqueue(ctx, member, contract.NewError("rate_limited", "too many events"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		env, err := contract.Decode(data)
		if err != nil {
			g.enqueue(ctx, member, contract.NewError("bad_envelope", err.Error()))
			continue
		}
		if env.Type != contract.TypeInvoke {
			g.enqueue(ctx, member, contract.NewError("unsupported", fmt.Sprintf("unsupported type: %s", env.Type)))
			continue
		}

		var p contract.InvokePayload
		if err := env.DecodePayload(&p); err != nil || p.InvocationID == "" {
			g.enqueue(ctx, member, contract.NewError("bad_invoke", "invalid invoke payload"))
			continue
		}
		errMsg := ""
		if err := g.dispatch(member, verifiedUser, p); err != nil {
			errMsg = err.Error()
			logger.Info().Err(err).Str("method", p.Method).Msg("Hub invoke rejected")
		}
		g.enqueue(ctx, member, contract.NewCompletion(p.InvocationID, errMsg))
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (g *Gateway) dispatch(m *Member, verifiedUser string, p contract.InvokePayload) error {
	if len(p.Args) != 1 || strings.TrimSpace(p.Args[0]) == "" {
		return errors.New("expected one user id argument")
	}
	userID := p.Args[0]
	if verifiedUser != "" && userID != verifiedUser {
		return errors.New("forbidden: user does not match token")
	}

	switch p.Method {
	case contract.MethodJoinLogoutGroup:
		g.hub.Join(m, userID)
		return nil
	case contract.MethodLeaveLogoutGroup:
		g.hub.Leave(m, userID)
		return nil
	default:
		return fmt.Errorf("unknown method: %s", p.Method)
	}
}

func (g *Gateway) authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		if g.cfg.RequireToken {
			return "", errors.New("missing token")
		}
		return "", nil
	}
	if g.cfg.Verifier == nil {
		return "", nil
	}
	return g.cfg.Verifier.VerifyToken(r.Context(), token)
}

func (g *Gateway) enqueue(ctx context.Context, m *Member, env contract.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.Done():
		return false
	case m.Send <- env:
		return true
	default:
		return false
	}
}

func (g *Gateway) write(parent context.Context, conn *websocket.Conn, env contract.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, g.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" || origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
