package session

import (
	"net/http"
	"net/url"
	"strings"
)

// CookieName is the cookie that carries the session token.
const CookieName = "session"

// FromCookie returns the URL-decoded session token from the request's
// "session" cookie. A value that fails to decode counts as missing.
func FromCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	token, err := url.PathUnescape(c.Value)
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

// FromRequest returns the session token from the cookie, falling back to an
// "Authorization: Bearer" header for non-browser callers.
func FromRequest(r *http.Request) (string, bool) {
	if token, ok := FromCookie(r); ok {
		return token, true
	}
	const bearerPrefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix))
	return token, token != ""
}
