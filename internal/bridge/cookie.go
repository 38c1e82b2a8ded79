package bridge

import (
	"net/http"
	"strings"
	"time"
)

// expirySkew keeps the cookie from outliving the token under clock drift,
// mirroring the session cache's TTL bound.
const expirySkew = 5 * time.Second

// CookieSpec builds the session cookie for a validated token. MaxAge is
// capped by both the configured limit and the token's remaining validity
// less the skew allowance.
func (b *Bridge) CookieSpec(token string, notAfter time.Time, secure bool) *http.Cookie {
	maxAge := b.cfg.CookieMaxAge
	if remaining := notAfter.Sub(b.now()) - expirySkew; remaining < maxAge {
		maxAge = remaining
	}
	if maxAge < 0 {
		maxAge = 0
	}

	return &http.Cookie{
		Name:     b.cfg.CookieName,
		Value:    token,
		Path:     "/",
		Domain:   b.cfg.CookieDomain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

// ClearCookies deletes every recognized cookie name on the paths and domain
// they were set with, so stale clients cannot loop on an expired token.
func (b *Bridge) ClearCookies(w http.ResponseWriter, secure bool) {
	for _, name := range b.cfg.CookieNames {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   b.cfg.CookieDomain,
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   secure,
		})
	}
}

// IsSecure reports whether the request arrived over HTTPS, directly or via
// a terminating proxy.
func IsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
