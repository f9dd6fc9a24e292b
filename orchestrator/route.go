package orchestrator

import "strings"

type View int

const (
	// ViewNone means only the redirect applies
	ViewNone View = iota
	ViewLoading
	ViewCallback
	ViewLanding
	ViewDashboard
)

func (v View) String() string {
	switch v {
	case ViewNone:
		return "none"
	case ViewLoading:
		return "loading"
	case ViewCallback:
		return "callback"
	case ViewLanding:
		return "landing"
	case ViewDashboard:
		return "dashboard"
	}
	return "unknown"
}

// Decision is what the browser should see for a page load
type Decision struct {
	View     View
	Redirect string
	// Notice is shown once on the landing view after a forced logout or failed sign in.
	Notice string
}

type Paths struct {
	Anonymous string
	Callback  string
	// Home is where authenticated users land
	Home      string
	Protected []string
}

func DefaultPaths() Paths {
	return Paths{
		Anonymous: "/",
		Callback:  "/callback",
		Home:      "/dashboard",
		Protected: []string{"/dashboard"},
	}
}

func (p Paths) IsProtected(path string) bool {
	for _, pp := range p.Protected {
		if path == pp || strings.HasPrefix(path, strings.TrimSuffix(pp, "/")+"/") {
			return true
		}
	}
	return false
}

// SafeReturn maps a resume path to a protected local path, defaulting to Home
func (p Paths) SafeReturn(path string) string {
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") || strings.Contains(path, `\`) {
		return p.Home
	}
	if !p.IsProtected(strings.SplitN(path, "?", 2)[0]) {
		return p.Home
	}
	return path
}

// Route gates path by state. The landing and dashboard views are never both reachable.
func Route(s State, path string, p Paths) Decision {
	switch s {
	case Init, CheckingSso:
		if path == p.Callback {
			return Decision{View: ViewCallback}
		}
		return Decision{View: ViewLoading}
	case CallbackInFlight:
		return Decision{View: ViewCallback}
	case Authenticated:
		switch {
		case p.IsProtected(path):
			return Decision{View: ViewDashboard}
		case path == p.Anonymous, path == p.Callback:
			return Decision{Redirect: p.Home}
		}
	case Unauthenticated:
		if path == p.Anonymous {
			return Decision{View: ViewLanding}
		}
	}
	return Decision{Redirect: p.Anonymous}
}
