// Package metrics holds the Prometheus instruments shared by the session core and the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Orchestrator metrics
	StateTransitionsTotal *prometheus.CounterVec
	SilentAttemptsTotal   *prometheus.CounterVec
	ForcedLogoutsTotal    *prometheus.CounterVec
	UserLogoutsTotal      prometheus.Counter

	// Validator metrics
	ValidationsTotal *prometheus.CounterVec

	// Fan-out channel metrics (client side)
	ChannelStatesTotal *prometheus.CounterVec
	JoinAttemptsTotal  *prometheus.CounterVec
	EventsReceived     *prometheus.CounterVec

	// Hub metrics (server side)
	HubConnections   prometheus.Gauge
	HubGroupMembers  prometheus.Gauge
	HubEventsPushed  *prometheus.CounterVec
	BackchannelTotal *prometheus.CounterVec

	// Agent registry
	AgentsActive prometheus.Gauge
}

// New creates and registers all metrics on a fresh registry
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates and registers all metrics on registry
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		StateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_state_transitions_total",
				Help: "Session orchestrator state transitions",
			},
			[]string{"from", "to"},
		),
		SilentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_silent_attempts_total",
				Help: "Silent authentication attempts by result",
			},
			[]string{"result"},
		),
		ForcedLogoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_forced_logouts_total",
				Help: "Forced logouts by reason",
			},
			[]string{"reason"},
		),
		UserLogoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sso_user_logouts_total",
				Help: "User initiated logouts",
			},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_validations_total",
				Help: "Session validator checks by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),
		ChannelStatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_channel_states_total",
				Help: "Fan-out channel state changes",
			},
			[]string{"state"},
		),
		JoinAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_channel_join_attempts_total",
				Help: "Logout group join attempts by result",
			},
			[]string{"result"},
		),
		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_channel_events_total",
				Help: "Logout events received by the channel",
			},
			[]string{"match"},
		),
		HubConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sso_hub_connections",
				Help: "Open hub connections",
			},
		),
		HubGroupMembers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sso_hub_group_members",
				Help: "Connections joined to a logout group",
			},
		),
		HubEventsPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_hub_events_pushed_total",
				Help: "Logout events pushed to connections",
			},
			[]string{"result"},
		),
		BackchannelTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sso_backchannel_logout_total",
				Help: "Back-channel logout requests by result",
			},
			[]string{"result"},
		),
		AgentsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sso_agents_active",
				Help: "Browser agents held in memory",
			},
		),
	}

	registry.MustRegister(
		m.StateTransitionsTotal,
		m.SilentAttemptsTotal,
		m.ForcedLogoutsTotal,
		m.UserLogoutsTotal,
		m.ValidationsTotal,
		m.ChannelStatesTotal,
		m.JoinAttemptsTotal,
		m.EventsReceived,
		m.HubConnections,
		m.HubGroupMembers,
		m.HubEventsPushed,
		m.BackchannelTotal,
		m.AgentsActive,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// OrNop returns m, or an unregistered instance when m is nil so callers never nil-check
func OrNop(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New()
}
