// Package session holds the browser cookie contract of the session manager.
package session

import (
	"crypto/subtle"
	"net/http"
	"time"

	identity "opaque-idp/internal/identity/domain"
)

// CSRFHeader must echo the CSRF cookie on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// CookieNames are the per-cohort cookie names. Admin and user cookies never collide, so a
// session of one cohort is never presented to the other.
type CookieNames struct {
	Session string
	Refresh string
	CSRF    string
}

// NamesFor returns the cookie names of cohort.
func NamesFor(c identity.Cohort) CookieNames {
	if c == identity.CohortAdmin {
		return CookieNames{Session: "admin_session", Refresh: "admin_refresh_token", CSRF: "admin_csrf_token"}
	}
	return CookieNames{Session: "session", Refresh: "refresh_token", CSRF: "csrf_token"}
}

// Cookies writes and reads the auth cookies of one cohort.
type Cookies struct {
	Names  CookieNames
	Secure bool
}

// NewCookies returns the cookie writer for cohort. secure should only be false for
// local plain-HTTP development.
func NewCookies(c identity.Cohort, secure bool) Cookies {
	return Cookies{Names: NamesFor(c), Secure: secure}
}

// Set writes the session, refresh and CSRF cookies. The session and refresh cookies are
// HttpOnly and host-only; the CSRF cookie is readable by scripts so they can echo it.
func (c Cookies) Set(w http.ResponseWriter, sessionID, refreshToken, csrfToken string, sessionExpires, refreshExpires time.Time) {
	http.SetCookie(w, c.cookie(c.Names.Session, sessionID, sessionExpires, true))
	http.SetCookie(w, c.cookie(c.Names.Refresh, refreshToken, refreshExpires, true))
	http.SetCookie(w, c.cookie(c.Names.CSRF, csrfToken, refreshExpires, false))
}

// Clear expires all three cookies.
func (c Cookies) Clear(w http.ResponseWriter) {
	for _, name := range []string{c.Names.Session, c.Names.Refresh, c.Names.CSRF} {
		ck := c.cookie(name, "", time.Unix(0, 0), name != c.Names.CSRF)
		ck.MaxAge = -1
		http.SetCookie(w, ck)
	}
}

func (c Cookies) cookie(name, value string, expires time.Time, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: httpOnly,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionID returns the session cookie value, or "".
func (c Cookies) SessionID(r *http.Request) string { return cookieValue(r, c.Names.Session) }

// RefreshToken returns the refresh cookie value, or "".
func (c Cookies) RefreshToken(r *http.Request) string { return cookieValue(r, c.Names.Refresh) }

// CheckCSRF reports whether a state-changing request echoes the CSRF cookie in CSRFHeader.
// Safe methods always pass.
func (c Cookies) CheckCSRF(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	cookie := cookieValue(r, c.Names.CSRF)
	header := r.Header.Get(CSRFHeader)
	if cookie == "" || header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie), []byte(header)) == 1
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}
