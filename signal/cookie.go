package signal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	CookieName          = "sso_logout_ts"
	DefaultCookieMaxAge = 10 * time.Minute
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// CookieMedium is the cross-subdomain copy of the signal for one browser. Observe
// reads the value the browser sent, Apply writes pending changes onto a response.
type CookieMedium struct {
	mu      sync.Mutex
	name    string
	maxAge  time.Duration
	value   int64
	expires time.Time
	dirty   bool
	domain  string
	secure  bool
}

// NewCookieMedium creates a medium with the given lifetime (DefaultCookieMaxAge when zero)
func NewCookieMedium(maxAge time.Duration) *CookieMedium {
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	return &CookieMedium{name: CookieName, maxAge: maxAge}
}

// Observe merges the cookie carried by r and remembers the host for scoping
func (c *CookieMedium) Observe(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.domain = CookieDomain(r.Host)
	c.secure = isSecure(r)

	ck, err := r.Cookie(c.name)
	if err != nil {
		return
	}
	ts, err := strconv.ParseInt(ck.Value, 10, 64)
	if err != nil || ts <= c.current() {
		return
	}
	c.value = ts
	c.expires = NowTimeFunc().Add(c.maxAge)
}

// Write merges ts and marks the cookie for the next response
func (c *CookieMedium) Write(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts < c.current() {
		return
	}
	c.value = ts
	c.expires = NowTimeFunc().Add(c.maxAge)
	c.dirty = true
}

// Read returns the unexpired timestamp, or 0
func (c *CookieMedium) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

// Clear expires the cookie on the next response
func (c *CookieMedium) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = 0
	c.expires = time.Time{}
	c.dirty = true
}

// Apply sets the pending cookie on w
func (c *CookieMedium) Apply(w http.ResponseWriter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return
	}
	c.dirty = false

	ck := &http.Cookie{
		Name:     c.name,
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: false,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if c.secure {
		ck.SameSite = http.SameSiteNoneMode
	}
	if c.value > 0 {
		ck.Value = strconv.FormatInt(c.value, 10)
		ck.MaxAge = int(c.maxAge.Seconds())
	} else {
		ck.MaxAge = -1
	}
	http.SetCookie(w, ck)
}

func (c *CookieMedium) current() int64 {
	if c.value == 0 || NowTimeFunc().After(c.expires) {
		return 0
	}
	return c.value
}

// CookieDomain returns the registrable domain (eTLD+1) of host so the cookie reaches
// sibling sub-domains. It returns "" (a host-only cookie) for IP addresses, single-label
// hosts and public suffixes, where browsers reject a Domain attribute.
func CookieDomain(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" || net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return domain
}

func isSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
