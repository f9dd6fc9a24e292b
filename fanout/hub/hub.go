// Package hub is the server side of the logout push channel. Connections join a
// per-user group; a logout for that user is pushed to every member, on every hub
// replica sharing the backplane.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/jrsteele09/go-sso-sync/fanout/contract"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier announces a logout to every replica
type Notifier interface {
	Notify(ctx context.Context, ev contract.UserLoggedOut) error
}

type Hub struct {
	backplane Backplane
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu          sync.RWMutex
	groups      map[string]*Group
	membership  map[string]string
	unsubscribe func()
}

var _ Notifier = (*Hub)(nil)

type Option func(*Hub)

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// New creates a hub. A nil backplane keeps delivery in-process.
func New(bp Backplane, opts ...Option) *Hub {
	if bp == nil {
		bp = NewMemoryBackplane()
	}
	h := &Hub{
		backplane:  bp,
		log:        log.Logger,
		groups:     make(map[string]*Group),
		membership: make(map[string]string),
	}
	for _, o := range opts {
		o(h)
	}
	h.metrics = metrics.OrNop(h.metrics)
	return h
}

// Start subscribes to the backplane. Events published before Start are not delivered.
func (h *Hub) Start(ctx context.Context) error {
	cancel, err := h.backplane.Subscribe(ctx, h.deliver)
	if err != nil {
		return fmt.Errorf("[hub Start] subscribe: %w", err)
	}
	h.mu.Lock()
	h.unsubscribe = cancel
	h.mu.Unlock()
	return nil
}

// Close stops receiving from the backplane
func (h *Hub) Close() {
	h.mu.Lock()
	cancel := h.unsubscribe
	h.unsubscribe = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Join puts m in userID's group, leaving any group it was in before.
func (h *Hub) Join(m *Member, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if prev, ok := h.membership[m.ID]; ok {
		if prev == userID {
			return
		}
		h.leaveLocked(m.ID, prev)
	}

	g, ok := h.groups[userID]
	if !ok {
		g = newGroup(userID)
		h.groups[userID] = g
	}
	g.join(m)
	h.membership[m.ID] = userID
	h.metrics.HubGroupMembers.Inc()
	h.log.Debug().Str("member_id", m.ID).Str("user_id", userID).Msg("Joined logout group")
}

// Leave removes m from userID's group. It reports false when m was not a member.
func (h *Hub) Leave(m *Member, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.membership[m.ID] != userID {
		return false
	}
	h.leaveLocked(m.ID, userID)
	return true
}

// Remove drops m from whatever group it is in
func (h *Hub) Remove(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if userID, ok := h.membership[m.ID]; ok {
		h.leaveLocked(m.ID, userID)
	}
}

func (h *Hub) leaveLocked(memberID, userID string) {
	delete(h.membership, memberID)
	g, ok := h.groups[userID]
	if !ok {
		return
	}
	if g.leave(memberID) {
		h.metrics.HubGroupMembers.Dec()
	}
	if g.Len() == 0 {
		delete(h.groups, userID)
	}
	h.log.Debug().Str("member_id", memberID).Str("user_id", userID).Msg("Left logout group")
}

// GroupOf returns the user whose group memberID is in
func (h *Hub) GroupOf(memberID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.membership[memberID]
	return u, ok
}

// GroupSize returns the number of local members in userID's group
func (h *Hub) GroupSize(userID string) int {
	h.mu.RLock()
	g, ok := h.groups[userID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	return g.Len()
}

// Notify publishes ev to every hub replica
func (h *Hub) Notify(ctx context.Context, ev contract.UserLoggedOut) error {
	if ev.UserID == "" {
		return fmt.Errorf("[hub Notify] %w", errNoUser)
	}
	if err := h.backplane.Publish(ctx, ev); err != nil {
		return fmt.Errorf("[hub Notify] publish: %w", err)
	}
	return nil
}

func (h *Hub) deliver(ev contract.UserLoggedOut) {
	h.mu.RLock()
	g, ok := h.groups[ev.UserID]
	h.mu.RUnlock()
	if !ok {
		h.metrics.HubEventsPushed.WithLabelValues("no_members").Inc()
		return
	}

	env, err := contract.NewEvent(contract.EventUserLoggedOut, ev)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode logout event")
		return
	}
	delivered, dropped := g.Broadcast(env)
	h.metrics.HubEventsPushed.WithLabelValues("delivered").Add(float64(delivered))
	if dropped > 0 {
		h.metrics.HubEventsPushed.WithLabelValues("dropped").Add(float64(dropped))
		h.log.Warn().Str("user_id", ev.UserID).Int("dropped", dropped).Msg("Logout event dropped for slow members")
	}
	h.log.Info().Str("user_id", ev.UserID).Int("delivered", delivered).Msg("Logout event pushed")
}
