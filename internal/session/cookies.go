package session

import (
	"net/http"
	"time"

	"github.com/iliyamo/otp-session-auth/internal/token"
)

// Cookie names.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// CookieWriter builds the httpOnly, strict same-site session cookies.
// Secure is set in production.
type CookieWriter struct {
	Secure     bool
	Path       string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Pair returns the two cookies carrying p.
func (w CookieWriter) Pair(p token.Pair) []*http.Cookie {
	return []*http.Cookie{
		w.cookie(AccessCookie, p.Access.Token, w.AccessTTL),
		w.cookie(RefreshCookie, p.Refresh.Token, w.RefreshTTL),
	}
}

// Clear returns cookies that make the browser drop both credentials.
func (w CookieWriter) Clear() []*http.Cookie {
	a := w.cookie(AccessCookie, "", 0)
	r := w.cookie(RefreshCookie, "", 0)
	a.MaxAge, r.MaxAge = -1, -1
	a.Expires, r.Expires = time.Unix(0, 0), time.Unix(0, 0)
	return []*http.Cookie{a, r}
}

func (w CookieWriter) cookie(name, value string, ttl time.Duration) *http.Cookie {
	path := w.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   w.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}

// FromRequest reads the cookie pair from r.  Missing cookies are empty.
func FromRequest(r *http.Request) Cookies {
	var c Cookies
	if ck, err := r.Cookie(AccessCookie); err == nil {
		c.Access = ck.Value
	}
	if ck, err := r.Cookie(RefreshCookie); err == nil {
		c.Refresh = ck.Value
	}
	return c
}
