package server

import "net/http"

func (s *Server) initRoutes() {
	page := ChainMiddleware(s.PageHandler(), s.HTMLMiddleWare(s.NoStoreMiddleware)...)

	// PAGES
	s.RegisterRouteHandler("GET "+exact(s.paths.Anonymous), page)
	s.RegisterRouteHandler("GET "+s.paths.Callback, page)
	for _, p := range s.paths.Protected {
		s.RegisterRouteHandler("GET "+p, page)
	}

	// LOGIN / LOGOUT
	s.RegisterRouteHandler("GET "+RouteAuthLogin, ChainMiddleware(s.LoginHandler(), s.HTMLMiddleWare(s.NoStoreMiddleware)...))
	// POST only: the Lax browser cookie is not sent on cross-site POSTs, so other sites cannot sign users out.
	s.RegisterRouteHandler("POST "+RouteAuthLogout, ChainMiddleware(s.LogoutHandler(), s.HTMLMiddleWare(s.NoStoreMiddleware)...))

	// Session API routes
	s.RegisterRouteHandler("GET "+RouteAPISession, ChainMiddleware(s.SessionHandler(), append(s.APIMiddleware(), s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("POST "+RouteAPISessionEvents, ChainMiddleware(s.SessionEventsHandler(), append(s.APIMiddleware(), s.NoStoreMiddleware)...))
	s.RegisterRouteHandler("OPTIONS "+RouteAPISessionEvents, ChainMiddleware(s.SessionEventsHandler(), s.APIMiddleware()...))

	// Logout hub
	if s.gateway != nil {
		s.RegisterRouteHandler("GET "+RouteHubLogout, ChainMiddleware(s.gateway.ServeHTTP, s.HubMiddleware()...))
	}
	if s.backchannel != nil {
		s.RegisterRouteHandler("POST "+RouteBackchannelLogout, ChainMiddleware(s.backchannel.ServeHTTP, s.HubMiddleware()...))
	}

	// Operations
	s.RegisterRouteHandler("GET "+RouteMetrics, s.metrics.Handler())
	s.RegisterRouteFunc("GET "+RouteHealth, s.HealthHandler())

	s.RegisterRouteHandler("GET "+RouteStaticCSS, ChainMiddleware(s.serveFileHandler(), s.staticMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteStaticJS, ChainMiddleware(s.serveFileHandler(), s.staticMiddleware()...))
	s.RegisterRouteFunc("GET /favicon.ico", http.NotFound)

	// Unknown paths never reach an Agent, so stray requests cannot start a silent sign in.
	s.RegisterRouteHandler("GET /", ChainMiddleware(s.NotFoundHandler(), s.HTMLMiddleWare()...))
}

// NotFoundHandler sends unknown paths to the landing page
func (s *Server) NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.paths.Anonymous, http.StatusSeeOther)
	}
}

// exact turns "/" into the pattern that matches only the root
func exact(path string) string {
	if path == "/" {
		return "/{$}"
	}
	return path
}

func (s *Server) staticMiddleware() []func(http.HandlerFunc) http.HandlerFunc {
	return []func(http.HandlerFunc) http.HandlerFunc{
		s.RecoverMiddleware,
		s.CacheMiddleware,
		s.CompressionMiddleware,
	}
}
