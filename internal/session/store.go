// Package session caches recently verified tokens so hot requests skip
// signature or portal checks.
package session

import (
	"context"
	"sync"
	"time"
)

// Verification sources recorded on each cached session.
const (
	SourceLocalSig     = "local-sig"
	SourcePortalVerify = "portal-verify"
)

// expirySkew is subtracted from a session's remaining token lifetime when
// computing its cache TTL, so entries never outlive the token.
const expirySkew = 5 * time.Second

// VerifiedSession is a cached successful verification.
type VerifiedSession struct {
	Subject    string    `json:"subject"`
	Roles      []string  `json:"roles"`
	NotAfter   time.Time `json:"not_after"`
	VerifiedAt time.Time `json:"verified_at"`
	Source     string    `json:"source"`
}

// Store caches verified sessions keyed by token hash.
type Store interface {
	// Get returns the session for key, or nil when absent or expired.
	Get(ctx context.Context, key string) (*VerifiedSession, error)
	// Put inserts or overwrites the session for key.
	Put(ctx context.Context, key string, s *VerifiedSession) error
	// Invalidate removes all sessions for the subject.
	Invalidate(ctx context.Context, subject string) error
	// Revoke records a tombstone for key until the given time. A revoked
	// key is rejected even while the token itself still verifies.
	Revoke(ctx context.Context, key string, until time.Time) error
	// IsRevoked reports whether key carries an unexpired tombstone.
	IsRevoked(ctx context.Context, key string) (bool, error)
	// Close releases the store's resources.
	Close() error
}

type memoryEntry struct {
	session   VerifiedSession
	expiresAt time.Time
}

// MemoryStore is the default in-process session cache. A janitor goroutine
// purges expired entries; Get never returns one past its effective expiry.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	bySubject map[string]map[string]struct{}
	revoked  map[string]time.Time

	maxTTL time.Duration
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
}

// NewMemoryStore creates a memory store whose entries live at most maxTTL.
func NewMemoryStore(maxTTL time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[string]memoryEntry),
		bySubject: make(map[string]map[string]struct{}),
		revoked:   make(map[string]time.Time),
		maxTTL:    maxTTL,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
	go s.janitor()
	return s
}

// effectiveTTL bounds the cache lifetime by both the configured maximum and
// the token's own remaining validity.
func (s *MemoryStore) effectiveTTL(sess *VerifiedSession) time.Duration {
	ttl := s.maxTTL
	remaining := sess.NotAfter.Sub(s.now()) - expirySkew
	if remaining < ttl {
		ttl = remaining
	}
	return ttl
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (*VerifiedSession, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, nil
	}
	sess := entry.session
	return &sess, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, sess *VerifiedSession) error {
	ttl := s.effectiveTTL(sess)
	if ttl <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.dropFromIndex(old.session.Subject, key)
	}
	s.entries[key] = memoryEntry{session: *sess, expiresAt: s.now().Add(ttl)}

	keys := s.bySubject[sess.Subject]
	if keys == nil {
		keys = make(map[string]struct{})
		s.bySubject[sess.Subject] = keys
	}
	keys[key] = struct{}{}
	return nil
}

// Invalidate implements Store. It takes the subject index lock for the whole
// sweep so a concurrent Put cannot resurrect a removed session.
func (s *MemoryStore) Invalidate(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.bySubject[subject] {
		delete(s.entries, key)
	}
	delete(s.bySubject, subject)
	return nil
}

// Revoke implements Store. The tombstone lives until the token's own expiry,
// so a logged-out cookie stays rejected for the token's remaining lifetime.
func (s *MemoryStore) Revoke(_ context.Context, key string, until time.Time) error {
	if !s.now().Before(until) {
		return nil
	}
	s.mu.Lock()
	s.revoked[key] = until
	s.mu.Unlock()
	return nil
}

// IsRevoked implements Store.
func (s *MemoryStore) IsRevoked(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	until, ok := s.revoked[key]
	s.mu.RUnlock()
	return ok && s.now().Before(until), nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Len reports the number of live entries, expired ones included until the
// janitor's next pass.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) dropFromIndex(subject, key string) {
	if keys, ok := s.bySubject[subject]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.bySubject, subject)
		}
	}
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			s.dropFromIndex(entry.session.Subject, key)
			delete(s.entries, key)
		}
	}
	for key, until := range s.revoked {
		if !now.Before(until) {
			delete(s.revoked, key)
		}
	}
}
