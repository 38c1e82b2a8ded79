// Package middleware contains HTTP middleware for the core API.
package middleware

import (
	"context"
	"net/http"

	"hubbridge/internal/bridge"
	"hubbridge/internal/fault"
	"hubbridge/internal/session"
	"hubbridge/pkg/api"
)

// sessionKey is the context key for the authenticated session.
type sessionKey struct{}

// DegradedHeader marks responses admitted from cache while the portal
// authority was unreachable.
const DegradedHeader = "X-Auth-Degraded"

// Responder writes fault-mapped error responses; implemented by handlers.
type Responder interface {
	WriteFault(w http.ResponseWriter, r *http.Request, err error)
}

// Auth authenticates every request through the bridge. Query-parameter
// tokens are never accepted here; only the dedicated bridge path takes
// those, and it does not use this middleware.
func Auth(b *bridge.Bridge, resp Responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out := b.Authenticate(r.Context(), r, false)

			switch out.Decision {
			case bridge.DecisionValid:
				if out.Degraded {
					w.Header().Set(DegradedHeader, "cached")
				}
				ctx := context.WithValue(r.Context(), sessionKey{}, out.Session)
				next.ServeHTTP(w, r.WithContext(ctx))

			case bridge.DecisionUnavailable:
				resp.WriteFault(w, r, out.Err)

			default:
				kind := fault.KindOf(out.Err)
				if kind == fault.Expired || kind == fault.BadSignature || kind == fault.WrongIssuer {
					b.ClearCookies(w, bridge.IsSecure(r))
				}
				resp.WriteFault(w, r, out.Err)
			}
		})
	}
}

// RequireRole gates a handler on a role claim, 403 otherwise.
func RequireRole(role string, resp Responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				resp.WriteFault(w, r, fault.New(fault.Unauthenticated, "no session"))
				return
			}
			if !hasRole(sess, role) {
				resp.WriteFault(w, r, fault.Newf(fault.Forbidden, "role %q required", role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireSubmitter is RequireRole for the jobs write surface.
func RequireSubmitter(resp Responder) func(http.Handler) http.Handler {
	return RequireRole(api.RoleSubmitter, resp)
}

// SessionFromContext extracts the authenticated session from the context.
func SessionFromContext(ctx context.Context) (*session.VerifiedSession, bool) {
	v, ok := ctx.Value(sessionKey{}).(*session.VerifiedSession)
	return v, ok && v != nil
}

func hasRole(sess *session.VerifiedSession, role string) bool {
	for _, r := range sess.Roles {
		if r == role {
			return true
		}
	}
	return false
}
