package session

import (
	"context"
	"testing"
	"time"
)

func clockedStore(maxTTL time.Duration) (*MemoryStore, *time.Time) {
	current := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(maxTTL)
	s.now = func() time.Time { return current }
	return s, &current
}

func sessionFor(subject string, notAfter time.Time) *VerifiedSession {
	return &VerifiedSession{
		Subject:  subject,
		Roles:    []string{"submitter"},
		NotAfter: notAfter,
		Source:   SourceLocalSig,
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	sess := sessionFor("alice", clock.Add(time.Hour))
	if err := s.Put(ctx, "key1", sess); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Subject != "alice" {
		t.Errorf("got %+v, want alice session", got)
	}
}

func TestMemoryStore_MissReturnsNilNil(t *testing.T) {
	s, _ := clockedStore(5 * time.Minute)
	defer s.Close()

	got, err := s.Get(context.Background(), "absent")
	if err != nil || got != nil {
		t.Errorf("miss should be (nil, nil), got (%v, %v)", got, err)
	}
}

func TestMemoryStore_EntryExpiresAtMaxTTL(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "key1", sessionFor("alice", clock.Add(time.Hour)))

	*clock = clock.Add(5*time.Minute + time.Second)
	if got, _ := s.Get(ctx, "key1"); got != nil {
		t.Error("entry should have expired at maxTTL")
	}
}

func TestMemoryStore_TTLBoundedByTokenLifetime(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	// Token lives 30s; the cache entry must not outlive it.
	s.Put(ctx, "key1", sessionFor("alice", clock.Add(30*time.Second)))

	*clock = clock.Add(26 * time.Second)
	if got, _ := s.Get(ctx, "key1"); got != nil {
		t.Error("entry must expire before the token's notAfter")
	}
}

func TestMemoryStore_ExpiredTokenNeverCached(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "key1", sessionFor("alice", clock.Add(-time.Minute)))
	if got, _ := s.Get(ctx, "key1"); got != nil {
		t.Error("already-expired token must not be cached")
	}
	if s.Len() != 0 {
		t.Errorf("store should be empty, has %d entries", s.Len())
	}
}

func TestMemoryStore_InvalidateRemovesAllSubjectSessions(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "key1", sessionFor("alice", clock.Add(time.Hour)))
	s.Put(ctx, "key2", sessionFor("alice", clock.Add(time.Hour)))
	s.Put(ctx, "key3", sessionFor("bob", clock.Add(time.Hour)))

	if err := s.Invalidate(ctx, "alice"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	if got, _ := s.Get(ctx, "key1"); got != nil {
		t.Error("alice's first session should be gone")
	}
	if got, _ := s.Get(ctx, "key2"); got != nil {
		t.Error("alice's second session should be gone")
	}
	if got, _ := s.Get(ctx, "key3"); got == nil {
		t.Error("bob's session should survive")
	}
}

func TestMemoryStore_OverwriteRebindsSubject(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "key1", sessionFor("alice", clock.Add(time.Hour)))
	s.Put(ctx, "key1", sessionFor("bob", clock.Add(time.Hour)))

	// Invalidating the old subject must not remove the rebound key.
	s.Invalidate(ctx, "alice")
	if got, _ := s.Get(ctx, "key1"); got == nil || got.Subject != "bob" {
		t.Errorf("got %+v, want bob session", got)
	}
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	s, clock := clockedStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "key1", sessionFor("alice", clock.Add(time.Hour)))
	s.Put(ctx, "key2", sessionFor("bob", clock.Add(time.Hour)))
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}

	*clock = clock.Add(2 * time.Minute)
	s.purgeExpired()

	if s.Len() != 0 {
		t.Errorf("expected janitor to purge all entries, %d left", s.Len())
	}
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	s, _ := clockedStore(time.Minute)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestMemoryStore_RevokedUntilTokenExpiry(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	if err := s.Revoke(ctx, "key1", clock.Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if revoked, _ := s.IsRevoked(ctx, "key1"); !revoked {
		t.Error("key should be revoked")
	}
	if revoked, _ := s.IsRevoked(ctx, "other"); revoked {
		t.Error("unrelated key must not be revoked")
	}

	// The tombstone lapses together with the token itself.
	*clock = clock.Add(time.Hour + time.Second)
	if revoked, _ := s.IsRevoked(ctx, "key1"); revoked {
		t.Error("tombstone should have lapsed")
	}
}

func TestMemoryStore_RevokeInPastIsNoOp(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Revoke(ctx, "key1", clock.Add(-time.Minute))
	if revoked, _ := s.IsRevoked(ctx, "key1"); revoked {
		t.Error("an already-expired token needs no tombstone")
	}
}

func TestMemoryStore_PurgeDropsLapsedTombstones(t *testing.T) {
	s, clock := clockedStore(5 * time.Minute)
	defer s.Close()
	ctx := context.Background()

	s.Revoke(ctx, "key1", clock.Add(time.Minute))
	*clock = clock.Add(2 * time.Minute)
	s.purgeExpired()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.revoked) != 0 {
		t.Errorf("purge left %d tombstones", len(s.revoked))
	}
}
