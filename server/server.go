package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-sso-sync/internal/config"
	"github.com/jrsteele09/go-sso-sync/internal/metrics"
	"github.com/jrsteele09/go-sso-sync/orchestrator"
	"github.com/jrsteele09/go-sso-sync/server/agents"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FlowPurger drops authorization flows that were never completed
type FlowPurger interface {
	PurgeOlderThan(cutoff time.Time) int
}

type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	mux      *http.ServeMux
	routes   []string
	config   config.Config
	paths    orchestrator.Paths
	registry *agents.Registry
	metrics  *metrics.Metrics
	log      zerolog.Logger

	gateway     http.Handler
	backchannel http.Handler

	flows   FlowPurger
	flowTTL time.Duration
	jobs    *cron.Cron
}

type Option func(*Server)

// WithHub serves the logout hub endpoints from this process
func WithHub(gateway, backchannel http.Handler) Option {
	return func(s *Server) {
		s.gateway = gateway
		s.backchannel = backchannel
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithPaths must match the paths the Agents' orchestrators were configured with
func WithPaths(p orchestrator.Paths) Option {
	return func(s *Server) { s.paths = p }
}

// WithFlowPurge schedules removal of authorization flows older than ttl
func WithFlowPurge(flows FlowPurger, ttl time.Duration) Option {
	return func(s *Server) {
		s.flows = flows
		s.flowTTL = ttl
	}
}

func New(cfg config.Config, registry *agents.Registry, opts ...Option) (*Server, error) {
	s := &Server{
		env:      cfg.GetEnv(),
		mux:      http.NewServeMux(),
		config:   cfg,
		paths:    orchestrator.DefaultPaths(),
		registry: registry,
		log:      log.Logger,
	}
	for _, o := range opts {
		o(s)
	}
	s.metrics = metrics.OrNop(s.metrics)

	if err := s.initJobs(); err != nil {
		return nil, fmt.Errorf("[Server New] failed to schedule jobs: %w", err)
	}
	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close stops the scheduled jobs. Agents belong to the registry and are closed by its owner.
func (s *Server) Close() {
	if s.jobs != nil {
		<-s.jobs.Stop().Done()
	}
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	fmt.Printf("[%-19s] %s\n", colourMethod(method), path)
}

func logError(method, path, error string) {
	fmt.Printf("[%-19s] %s %s\n", colourMethod(method), path, Red+error+ResetColor)
}

func colourMethod(method string) string {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		return color + paddedMethod + ResetColor
	}
	return Gray + paddedMethod + ResetColor
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
