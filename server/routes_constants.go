package server

// Route path constants
// All application routes are defined here to ensure consistency and prevent typos
const (
	// Pages
	RouteAnonymous = "/"
	RouteCallback  = "/callback"
	RouteDashboard = "/dashboard"

	// Auth Routes - Login & Logout
	RouteAuthLogin  = "/auth/login"
	RouteAuthLogout = "/auth/logout"

	// Session API Routes
	RouteAPISession       = "/api/session"
	RouteAPISessionEvents = "/api/session/events"

	// Logout hub
	RouteHubLogout         = "/hubs/logout"
	RouteBackchannelLogout = "/backchannel-logout"

	// Operations
	RouteMetrics = "/metrics"
	RouteHealth  = "/healthz"

	// Static Asset Routes (patterns)
	RouteStaticCSS = "/css/{file}"
	RouteStaticJS  = "/js/{file}"
)
