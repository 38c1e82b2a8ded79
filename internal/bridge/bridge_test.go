package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"hubbridge/internal/auth"
	"hubbridge/internal/config"
	"hubbridge/internal/fault"
	"hubbridge/internal/logger"
	"hubbridge/internal/session"
)

var bridgeSecret = []byte("bridge-test-secret")

// fakePortal scripts portal verify/refresh outcomes.
type fakePortal struct {
	claims      *auth.Claims
	verifyErr   error
	refreshed   string
	refreshErr  error
	available   bool
	verifyCalls int
}

func (p *fakePortal) Verify(ctx context.Context, token string) (*auth.Claims, error) {
	p.verifyCalls++
	if p.verifyErr != nil {
		return nil, p.verifyErr
	}
	return p.claims, nil
}

func (p *fakePortal) Refresh(ctx context.Context, token string) (string, error) {
	if p.refreshErr != nil {
		return "", p.refreshErr
	}
	return p.refreshed, nil
}

func (p *fakePortal) Available() bool { return p.available }

func ssoConfig() config.SSOConfig {
	return config.SSOConfig{
		CookieName:     "ai_infra_token",
		CookieNames:    []string{"ai_infra_token", "jwt_token", "auth_token"},
		CookieMaxAge:   time.Hour,
		DefaultLanding: "/jupyter/hub/",
	}
}

func localBridge(t *testing.T, portal Portal) (*Bridge, *session.MemoryStore) {
	t.Helper()
	verifier := auth.NewVerifier(auth.NewHMACKeyset(bridgeSecret), nil)
	store := session.NewMemoryStore(5 * time.Minute)
	t.Cleanup(func() { store.Close() })
	return New(verifier, portal, store, ssoConfig(), logger.New("error")), store
}

func portalBridge(t *testing.T, portal Portal) (*Bridge, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore(5 * time.Minute)
	t.Cleanup(func() { store.Close() })
	return New(nil, portal, store, ssoConfig(), logger.New("error")), store
}

func signed(t *testing.T, subject string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now()
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub":   subject,
		"roles": []string{"submitter"},
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	})
	s, err := token.SignedString(bridgeSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestExtractToken_HeaderWinsOverCookie(t *testing.T) {
	b, _ := localBridge(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	r.AddCookie(&http.Cookie{Name: "ai_infra_token", Value: "cookie-token"})

	token, source := b.ExtractToken(r, false)
	if token != "header-token" || source != "header" {
		t.Errorf("got (%q, %q), want header-token from header", token, source)
	}
}

func TestExtractToken_CookieOrder(t *testing.T) {
	b, _ := localBridge(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.AddCookie(&http.Cookie{Name: "jwt_token", Value: "second-choice"})
	r.AddCookie(&http.Cookie{Name: "ai_infra_token", Value: "first-choice"})

	token, source := b.ExtractToken(r, false)
	if token != "first-choice" || source != "cookie:ai_infra_token" {
		t.Errorf("got (%q, %q), want first-choice from ai_infra_token", token, source)
	}
}

func TestExtractToken_QueryOnlyOnBridgePath(t *testing.T) {
	b, _ := localBridge(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/sso/bridge?auth_token=query-token", nil)

	if token, _ := b.ExtractToken(r, false); token != "" {
		t.Errorf("query token must be ignored off the bridge path, got %q", token)
	}
	if token, source := b.ExtractToken(r, true); token != "query-token" || source != "query:auth_token" {
		t.Errorf("got (%q, %q), want query-token", token, source)
	}
}

func TestAuthenticate_LocalValid(t *testing.T) {
	b, store := localBridge(t, nil)

	token := signed(t, "alice", time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionValid {
		t.Fatalf("got decision %v, want Valid (%v)", out.Decision, out.Err)
	}
	if out.Session.Subject != "alice" {
		t.Errorf("got subject %q, want alice", out.Session.Subject)
	}
	if out.Degraded {
		t.Error("local verification must never report degraded")
	}

	// The verification must have been cached.
	cached, _ := store.Get(context.Background(), auth.HashToken(token))
	if cached == nil || cached.Source != session.SourceLocalSig {
		t.Errorf("expected cached local-sig session, got %+v", cached)
	}
}

func TestAuthenticate_NoToken(t *testing.T) {
	b, _ := localBridge(t, nil)

	out := b.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/sso/verify", nil), false)
	if out.Decision != DecisionInvalid {
		t.Errorf("got decision %v, want Invalid", out.Decision)
	}
	if fault.KindOf(out.Err) != fault.Unauthenticated {
		t.Errorf("got %v, want Unauthenticated", out.Err)
	}
}

func TestAuthenticate_LocalBadSignature(t *testing.T) {
	b, _ := localBridge(t, nil)

	other := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "mallory",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	forged, _ := other.SignedString([]byte("wrong-secret"))

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+forged)

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionInvalid {
		t.Fatalf("got decision %v, want Invalid", out.Decision)
	}
	if fault.KindOf(out.Err) != fault.BadSignature {
		t.Errorf("got %v, want BadSignature", out.Err)
	}
}

func TestAuthenticate_ExpiredRefreshSucceeds(t *testing.T) {
	fresh := signed(t, "alice", time.Hour)
	portal := &fakePortal{available: true, refreshed: fresh}
	b, _ := localBridge(t, portal)

	r := httptest.NewRequest(http.MethodGet, "/sso/bridge", nil)
	r.Header.Set("Authorization", "Bearer "+signed(t, "alice", -time.Minute))

	out := b.Authenticate(context.Background(), r, true)
	if out.Decision != DecisionValid {
		t.Fatalf("got decision %v, want Valid (%v)", out.Decision, out.Err)
	}
	// The refreshed token is what goes back into the cookie.
	if out.Token != fresh {
		t.Error("expected the refreshed token in the outcome")
	}
}

func TestAuthenticate_ExpiredRefreshFails(t *testing.T) {
	portal := &fakePortal{available: true, refreshErr: fault.New(fault.Expired, "refresh refused")}
	b, _ := localBridge(t, portal)

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+signed(t, "alice", -time.Minute))

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionInvalid {
		t.Fatalf("got decision %v, want Invalid", out.Decision)
	}
	if fault.KindOf(out.Err) != fault.Expired {
		t.Errorf("got %v, want Expired", out.Err)
	}
}

func TestAuthenticate_ExpiredPortalDownNoRefresh(t *testing.T) {
	portal := &fakePortal{available: false}
	b, _ := localBridge(t, portal)

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+signed(t, "alice", -time.Minute))

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionInvalid || fault.KindOf(out.Err) != fault.Expired {
		t.Errorf("got (%v, %v), want Invalid/Expired", out.Decision, out.Err)
	}
}

func TestAuthenticate_RemoteCacheHitSkipsPortal(t *testing.T) {
	portal := &fakePortal{available: true}
	b, store := portalBridge(t, portal)

	token := "opaque-portal-token"
	store.Put(context.Background(), auth.HashToken(token), &session.VerifiedSession{
		Subject:  "alice",
		NotAfter: time.Now().Add(time.Hour),
		Source:   session.SourcePortalVerify,
	})

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionValid {
		t.Fatalf("got decision %v, want Valid", out.Decision)
	}
	if portal.verifyCalls != 0 {
		t.Errorf("cache hit must skip the portal, got %d calls", portal.verifyCalls)
	}
	if out.Degraded {
		t.Error("healthy portal should not mark the response degraded")
	}
}

func TestAuthenticate_DegradedOnCacheHitWithPortalDown(t *testing.T) {
	portal := &fakePortal{available: false}
	b, store := portalBridge(t, portal)

	token := "opaque-portal-token"
	store.Put(context.Background(), auth.HashToken(token), &session.VerifiedSession{
		Subject:  "alice",
		NotAfter: time.Now().Add(time.Hour),
		Source:   session.SourcePortalVerify,
	})

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionValid {
		t.Fatalf("got decision %v, want Valid", out.Decision)
	}
	if !out.Degraded {
		t.Error("cache hit with the portal down must be marked degraded")
	}
}

func TestAuthenticate_NeverSilentlyAdmitsOnMiss(t *testing.T) {
	portal := &fakePortal{available: false, verifyErr: fault.New(fault.BackendUnavailable, "portal circuit open")}
	b, _ := portalBridge(t, portal)

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer unknown-token")

	out := b.Authenticate(context.Background(), r, false)
	if out.Decision != DecisionUnavailable {
		t.Errorf("got decision %v, want Unavailable", out.Decision)
	}
}

func TestLogout_InvalidatesSubject(t *testing.T) {
	b, store := localBridge(t, nil)
	ctx := context.Background()

	token := signed(t, "alice", time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	b.Authenticate(ctx, r, false)

	if err := b.Logout(ctx, token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if cached, _ := store.Get(ctx, auth.HashToken(token)); cached != nil {
		t.Error("expected session to be invalidated")
	}
}

func TestValidateNext(t *testing.T) {
	b, _ := localBridge(t, nil)

	tests := []struct {
		next string
		want string
	}{
		{"", "/jupyter/hub/"},
		{"/jupyter/user/alice", "/jupyter/user/alice"},
		{"//evil.example.com/", "/jupyter/hub/"},
		{"https://evil.example.com/", "/jupyter/hub/"},
		{"/ok\\..\\evil", "/jupyter/hub/"},
	}
	for _, tt := range tests {
		if got := b.ValidateNext(tt.next); got != tt.want {
			t.Errorf("ValidateNext(%q) = %q, want %q", tt.next, got, tt.want)
		}
	}
}

func TestLogout_RevokesStillValidToken(t *testing.T) {
	b, _ := localBridge(t, nil)
	ctx := context.Background()

	token := signed(t, "alice", time.Hour)
	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.AddCookie(&http.Cookie{Name: "ai_infra_token", Value: token})

	if out := b.Authenticate(ctx, r, false); out.Decision != DecisionValid {
		t.Fatalf("setup auth failed: %v", out.Err)
	}
	if err := b.Logout(ctx, token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	// The same cookie carries a signature that still verifies; it must be
	// rejected anyway for the token's remaining lifetime.
	out := b.Authenticate(ctx, r, false)
	if out.Decision != DecisionInvalid {
		t.Fatalf("got decision %v, want Invalid after logout", out.Decision)
	}
	if fault.KindOf(out.Err) != fault.Unauthenticated {
		t.Errorf("got %v, want Unauthenticated", out.Err)
	}
}

func TestLogout_RevokesUncachedToken(t *testing.T) {
	b, _ := localBridge(t, nil)
	ctx := context.Background()

	// Logout without a prior request: no cache entry exists, the expiry
	// comes from verifying the token itself.
	token := signed(t, "alice", time.Hour)
	if err := b.Logout(ctx, token); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/sso/verify", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	if out := b.Authenticate(ctx, r, false); out.Decision != DecisionInvalid {
		t.Errorf("got decision %v, want Invalid after logout", out.Decision)
	}
}
