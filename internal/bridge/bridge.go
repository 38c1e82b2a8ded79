// Package bridge implements the per-request SSO authentication decision:
// token extraction, verify path selection, session caching, and the
// degraded-mode policy when the portal backend is unreachable.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hubbridge/internal/auth"
	"hubbridge/internal/config"
	"hubbridge/internal/fault"
	"hubbridge/internal/logger"
	"hubbridge/internal/session"
)

// Portal is the subset of the portal client the bridge depends on.
type Portal interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
	Refresh(ctx context.Context, token string) (string, error)
	Available() bool
}

// Decision is the terminal outcome of an authentication attempt.
type Decision int

const (
	// DecisionValid admits the request; a cookie may be (re)written.
	DecisionValid Decision = iota
	// DecisionInvalid rejects the token; stale cookies must be cleared.
	DecisionInvalid
	// DecisionUnavailable means the authority is down and no cached
	// session can vouch for the caller.
	DecisionUnavailable
)

// Outcome carries everything a handler needs to finish the response.
type Outcome struct {
	Decision Decision
	Session  *session.VerifiedSession
	// Token is the credential to persist in the cookie. It differs from
	// the presented one after a successful refresh.
	Token string
	// Degraded is set when the session was admitted from cache while the
	// portal authority is unreachable.
	Degraded bool
	// Source records which channel carried the token, for the audit log.
	Source string
	Err    error
}

// Bridge orchestrates per-request authentication.
type Bridge struct {
	verifier *auth.Verifier // nil when local verification is disabled
	portal   Portal         // nil when no portal is configured
	sessions session.Store
	cfg      config.SSOConfig
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the bridge. verifier may be nil to force portal verification;
// portal may be nil in local-only deployments (refresh then unavailable).
func New(verifier *auth.Verifier, portal Portal, sessions session.Store, cfg config.SSOConfig, log *slog.Logger) *Bridge {
	return &Bridge{
		verifier: verifier,
		portal:   portal,
		sessions: sessions,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// queryParams recognized on the bridge path, in order.
var queryParams = []string{"auth_token", "token"}

// ExtractToken pulls the credential from the request. Order: Authorization
// header, recognized cookies, then query parameters. The last applies only
// when allowQuery is set (the dedicated bridge path). The returned source names
// the winning channel for the audit entry.
func (b *Bridge) ExtractToken(r *http.Request, allowQuery bool) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Fields(h)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] != "" {
			return parts[1], "header"
		}
	}

	for _, name := range b.cfg.CookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value, "cookie:" + name
		}
	}

	if allowQuery {
		q := r.URL.Query()
		for _, name := range queryParams {
			if v := q.Get(name); v != "" {
				return v, "query:" + name
			}
		}
	}

	return "", ""
}

// Authenticate runs the full decision for the request and emits exactly one
// audit log entry. Token bodies never reach the log.
func (b *Bridge) Authenticate(ctx context.Context, r *http.Request, allowQuery bool) Outcome {
	token, source := b.ExtractToken(r, allowQuery)
	if token == "" {
		return b.audit(ctx, Outcome{
			Decision: DecisionInvalid,
			Source:   source,
			Err:      fault.New(fault.Unauthenticated, "no token presented"),
		})
	}

	out := b.authenticateToken(ctx, token)
	out.Source = source
	return b.audit(ctx, out)
}

// authenticateToken applies verify path selection and the session cache.
// Revocation is checked first: a logged-out token is rejected even while its
// signature still verifies.
func (b *Bridge) authenticateToken(ctx context.Context, token string) Outcome {
	key := auth.HashToken(token)

	revoked, err := b.sessions.IsRevoked(ctx, key)
	if err != nil {
		b.logger.Warn("revocation check failed", "error", err)
	}
	if revoked {
		return Outcome{Decision: DecisionInvalid, Err: fault.New(fault.Unauthenticated, "token revoked by logout")}
	}

	cached, err := b.sessions.Get(ctx, key)
	if err != nil {
		b.logger.Warn("session store read failed", "error", err)
		cached = nil
	}

	if b.verifier != nil {
		return b.verifyLocal(ctx, token, key, cached)
	}
	return b.verifyRemote(ctx, token, key, cached)
}

// verifyLocal runs the in-process signature check. The local verdict is
// authoritative; the portal is only consulted to refresh expired tokens.
func (b *Bridge) verifyLocal(ctx context.Context, token, key string, cached *session.VerifiedSession) Outcome {
	claims, err := b.verifier.Verify(token)
	if err == nil {
		sess := cached
		if sess == nil {
			sess = b.remember(ctx, key, claims, session.SourceLocalSig)
		}
		return Outcome{Decision: DecisionValid, Session: sess, Token: token}
	}

	var ve *auth.VerifyError
	if errors.As(err, &ve) && ve.Kind == auth.Expired {
		return b.tryRefresh(ctx, token)
	}
	return Outcome{Decision: DecisionInvalid, Err: verifyFault(err)}
}

// verifyRemote delegates to the portal, preferring an unexpired cache hit.
func (b *Bridge) verifyRemote(ctx context.Context, token, key string, cached *session.VerifiedSession) Outcome {
	if cached != nil {
		// Cache hit: skip the remote call. Mark the response degraded
		// when the authority could not have been consulted anyway.
		degraded := b.portal == nil || !b.portal.Available()
		return Outcome{Decision: DecisionValid, Session: cached, Token: token, Degraded: degraded}
	}

	if b.portal == nil {
		return Outcome{Decision: DecisionUnavailable, Err: fault.New(fault.BackendUnavailable, "no verification authority configured")}
	}

	claims, err := b.portal.Verify(ctx, token)
	if err == nil {
		sess := b.remember(ctx, key, claims, session.SourcePortalVerify)
		return Outcome{Decision: DecisionValid, Session: sess, Token: token}
	}

	switch fault.KindOf(err) {
	case fault.Expired:
		return b.tryRefresh(ctx, token)
	case fault.BackendUnavailable, fault.Timeout:
		// No cached session to fall back on: never silently admit.
		return Outcome{Decision: DecisionUnavailable, Err: err}
	default:
		return Outcome{Decision: DecisionInvalid, Err: err}
	}
}

// tryRefresh attempts a single refresh of an expired token. Failure falls
// through to Invalid so the caller clears cookies and re-authenticates.
func (b *Bridge) tryRefresh(ctx context.Context, oldToken string) Outcome {
	expired := fault.New(fault.Expired, "token expired")

	if b.portal == nil || !b.portal.Available() {
		return Outcome{Decision: DecisionInvalid, Err: expired}
	}

	newToken, err := b.portal.Refresh(ctx, oldToken)
	if err != nil {
		return Outcome{Decision: DecisionInvalid, Err: expired}
	}

	// Validate the refreshed token through the regular path; a second
	// refresh attempt is never made.
	out := b.verifyRefreshed(ctx, newToken)
	if out.Decision != DecisionValid {
		return Outcome{Decision: DecisionInvalid, Err: expired}
	}
	out.Token = newToken
	return out
}

func (b *Bridge) verifyRefreshed(ctx context.Context, token string) Outcome {
	key := auth.HashToken(token)

	if b.verifier != nil {
		claims, err := b.verifier.Verify(token)
		if err != nil {
			return Outcome{Decision: DecisionInvalid, Err: verifyFault(err)}
		}
		sess := b.remember(ctx, key, claims, session.SourceLocalSig)
		return Outcome{Decision: DecisionValid, Session: sess}
	}

	claims, err := b.portal.Verify(ctx, token)
	if err != nil {
		return Outcome{Decision: DecisionInvalid, Err: err}
	}
	sess := b.remember(ctx, key, claims, session.SourcePortalVerify)
	return Outcome{Decision: DecisionValid, Session: sess}
}

// remember inserts a fresh verification into the session cache.
func (b *Bridge) remember(ctx context.Context, key string, claims *auth.Claims, source string) *session.VerifiedSession {
	sess := &session.VerifiedSession{
		Subject:    claims.Subject,
		Roles:      claims.Roles,
		NotAfter:   claims.NotAfter,
		VerifiedAt: b.now(),
		Source:     source,
	}
	if err := b.sessions.Put(ctx, key, sess); err != nil {
		b.logger.Warn("session store write failed", "error", err)
	}
	return sess
}

// Logout revokes the presented token and clears the caller's sessions.
// Cookie deletion is the handler's job since it owns the response. The
// tombstone outlives the cache entries: a still-valid token must not
// re-verify after its owner logged out.
func (b *Bridge) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	subject := ""
	key := auth.HashToken(token)
	notAfter := b.now().Add(b.cfg.CookieMaxAge)
	if sess, err := b.sessions.Get(ctx, key); err == nil && sess != nil {
		subject = sess.Subject
		notAfter = sess.NotAfter
	} else if b.verifier != nil {
		if claims, err := b.verifier.Verify(token); err == nil {
			subject = claims.Subject
			notAfter = claims.NotAfter
		}
	}

	if err := b.sessions.Revoke(ctx, key, notAfter); err != nil {
		return err
	}
	if subject == "" {
		return nil
	}
	return b.sessions.Invalidate(ctx, subject)
}

// LoginURL returns the portal login page for invalid-token redirects, or
// empty when none is configured.
func (b *Bridge) LoginURL() string {
	return b.cfg.PortalLoginURL
}

// ValidateNext restricts redirect targets to same-origin paths. Anything
// else falls back to the default landing page.
func (b *Bridge) ValidateNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return b.cfg.DefaultLanding
	}
	return next
}

// audit emits the single per-request authentication log entry.
func (b *Bridge) audit(ctx context.Context, out Outcome) Outcome {
	log := logger.FromContext(ctx, b.logger)

	attrs := []any{"decision", decisionString(out.Decision), "source", out.Source, "degraded", out.Degraded}
	if out.Session != nil {
		attrs = append(attrs, "subject", out.Session.Subject, "verify_source", out.Session.Source)
	}
	if out.Err != nil {
		attrs = append(attrs, "reason", fault.KindOf(out.Err).String())
	}
	log.Info("auth decision", attrs...)
	return out
}

func decisionString(d Decision) string {
	switch d {
	case DecisionValid:
		return "valid"
	case DecisionInvalid:
		return "invalid"
	default:
		return "unavailable"
	}
}

// verifyFault maps verifier error kinds onto the transport taxonomy.
func verifyFault(err error) error {
	var ve *auth.VerifyError
	if !errors.As(err, &ve) {
		return fault.Wrap(fault.Internal, "token verification", err)
	}
	switch ve.Kind {
	case auth.Expired:
		return fault.Wrap(fault.Expired, "token expired", err)
	case auth.BadSignature, auth.UnknownKey:
		return fault.Wrap(fault.BadSignature, "token signature rejected", err)
	case auth.WrongIssuer:
		return fault.Wrap(fault.WrongIssuer, "token issuer not recognized", err)
	case auth.ClockSkew:
		return fault.Wrap(fault.Expired, "token timestamps outside tolerance", err)
	default:
		return fault.Wrap(fault.Unauthenticated, "token rejected", err)
	}
}
