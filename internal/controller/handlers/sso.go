package handlers

import (
	"net/http"

	"hubbridge/internal/bridge"
	"hubbridge/internal/controller/middleware"
	"hubbridge/internal/fault"
	"hubbridge/pkg/api"
)

// Bridge handles GET /sso/bridge?next=<url>.
// This is the only endpoint that accepts query-parameter tokens; the URL is
// never logged.
func (h *Handlers) Bridge(w http.ResponseWriter, r *http.Request) {
	secure := bridge.IsSecure(r)
	out := h.bridge.Authenticate(r.Context(), r, true)

	switch out.Decision {
	case bridge.DecisionValid:
		http.SetCookie(w, h.bridge.CookieSpec(out.Token, out.Session.NotAfter, secure))
		if out.Degraded {
			w.Header().Set(middleware.DegradedHeader, "cached")
		}
		http.Redirect(w, r, h.bridge.ValidateNext(r.URL.Query().Get("next")), http.StatusFound)

	case bridge.DecisionUnavailable:
		h.WriteFault(w, r, out.Err)

	default:
		// Invalid: clear any stale cookie in the same response so a
		// looping client settles on a single final state.
		h.bridge.ClearCookies(w, secure)
		if login := h.bridge.LoginURL(); login != "" {
			http.Redirect(w, r, login, http.StatusFound)
			return
		}
		h.WriteFault(w, r, out.Err)
	}
}

// VerifySession handles GET /sso/verify.
// Returns the authenticated caller's claims from cookie or header.
func (h *Handlers) VerifySession(w http.ResponseWriter, r *http.Request) {
	out := h.bridge.Authenticate(r.Context(), r, false)

	switch out.Decision {
	case bridge.DecisionValid:
		if out.Degraded {
			w.Header().Set(middleware.DegradedHeader, "cached")
		}
		h.respondJSON(w, http.StatusOK, api.ClaimsResponse{
			Subject:  out.Session.Subject,
			Roles:    out.Session.Roles,
			NotAfter: out.Session.NotAfter,
		})

	case bridge.DecisionUnavailable:
		h.WriteFault(w, r, out.Err)

	default:
		kind := fault.KindOf(out.Err)
		if kind == fault.Expired || kind == fault.BadSignature || kind == fault.WrongIssuer {
			h.bridge.ClearCookies(w, bridge.IsSecure(r))
		}
		h.WriteFault(w, r, out.Err)
	}
}

// Logout handles POST /sso/logout.
// Clears cookies and invalidates the subject's sessions; always 200.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token, _ := h.bridge.ExtractToken(r, false)
	if err := h.bridge.Logout(r.Context(), token); err != nil {
		// Session invalidation failure must not keep the client logged
		// in; cookies are cleared regardless.
		h.logger.Warn("logout invalidation failed", "error", err)
	}
	h.bridge.ClearCookies(w, bridge.IsSecure(r))
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}
