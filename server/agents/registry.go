package agents

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAgents = 10000
	DefaultIdleTTL   = 30 * time.Minute
)

// Registry holds live Agents. An Agent idle for longer than the TTL, or pushed out by
// the size bound, is closed.
type Registry struct {
	factory Factory
	agents  *expirable.LRU[string, *Agent]
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	closed sync.WaitGroup
}

type Option func(*Registry)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func NewRegistry(size int, idleTTL time.Duration, factory Factory, opts ...Option) *Registry {
	if size <= 0 {
		size = DefaultMaxAgents
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	r := &Registry{factory: factory, log: log.Logger}
	for _, o := range opts {
		o(r)
	}
	r.metrics = metrics.OrNop(r.metrics)
	r.agents = expirable.NewLRU[string, *Agent](size, r.onEvict, idleTTL)
	return r
}

// onEvict runs under the cache lock; closing waits on the agent's goroutines so it happens elsewhere.
func (r *Registry) onEvict(id string, a *Agent) {
	r.metrics.AgentsActive.Dec()
	r.log.Debug().Str("browser_id", id).Msg("Agent evicted")
	r.closed.Add(1)
	go func() {
		defer r.closed.Done()
		a.Close()
	}()
}

// Get returns the Agent for id, creating it on first use. Each call restarts the idle TTL.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents.Get(id); ok {
		r.agents.Add(id, a)
		return a, nil
	}
	// An expired entry may not have been reaped yet; Add would replace it without closing it.
	r.agents.Remove(id)

	a, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("[agents Get] %w", err)
	}
	r.agents.Add(id, a)
	r.metrics.AgentsActive.Inc()
	return a, nil
}

// Peek returns the Agent for id without creating it
func (r *Registry) Peek(id string) (*Agent, bool) {
	return r.agents.Peek(id)
}

func (r *Registry) Len() int {
	return r.agents.Len()
}

// Close closes every Agent and waits for them
func (r *Registry) Close() {
	r.mu.Lock()
	r.agents.Purge()
	r.mu.Unlock()
	r.closed.Wait()
}
