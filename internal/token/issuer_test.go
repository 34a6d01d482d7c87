package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"authcore/internal/bucketing"
	"authcore/internal/config"
	"authcore/internal/keys"
	"authcore/internal/model"
)

// memoryStore is an in-memory RefreshStore with the same compare-and-set
// revoke semantics as the durable one.
type memoryStore struct {
	mu   sync.Mutex
	recs map[string]*model.RefreshTokenRecord
}

func newMemoryStore() *memoryStore {
	return &memoryStore{recs: make(map[string]*model.RefreshTokenRecord)}
}

func (s *memoryStore) Insert(rec *model.RefreshTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.TokenHash] = &cp
	return nil
}

func (s *memoryStore) GetByHash(tokenHash string) (*model.RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[tokenHash]
	if !ok {
		return nil, model.ErrTokenNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) Revoke(tokenHash string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[tokenHash]
	if !ok {
		return false, model.ErrTokenNotFound
	}
	if rec.Revoked {
		return false, nil
	}
	rec.Revoked = true
	rec.LastUsedAt = &usedAt
	return true, nil
}

func (s *memoryStore) RevokeAll(userBucket int, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.recs {
		if rec.UserID == userID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) RevokeFamily(userBucket int, userID, familyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.recs {
		if rec.UserID == userID && rec.FamilyID == familyID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) live(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.recs {
		if rec.UserID == userID && !rec.Revoked {
			n++
		}
	}
	return n
}

func testTokenConfig() config.TokenConfig {
	return config.TokenConfig{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 30 * 24 * time.Hour,
		Issuer:     "authcore-test",
	}
}

func newTestIssuer(t *testing.T) (*Issuer, *memoryStore) {
	t.Helper()
	cfg := &config.Config{
		Environment: "development",
		Keys: config.KeysConfig{
			MasterSecret: "test-master-secret",
			ActiveKeyID:  "k1",
		},
	}
	provider, err := keys.NewProvider(cfg, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	store := newMemoryStore()
	return NewIssuer(store, provider, bucketing.NewManager(64, 16), testTokenConfig()), store
}

func TestIssuePairAndVerifyAccess(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.IssuePair(ctx, "user-1", "+15550001111", "ios/17")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("empty token in pair")
	}

	claims, err := issuer.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("sub = %q, want user-1", claims.Subject)
	}
	if claims.Identity != "+15550001111" {
		t.Fatalf("phn = %q", claims.Identity)
	}
	if claims.Issuer != "authcore-test" {
		t.Fatalf("iss = %q", claims.Issuer)
	}
	if claims.ID == "" {
		t.Fatal("missing jti")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 14*time.Minute || ttl > 15*time.Minute {
		t.Fatalf("access TTL %s, want about 15m", ttl)
	}
}

func TestVerifyAccessRejectsTampering(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	pair, err := issuer.IssuePair(context.Background(), "user-1", "+15550001111", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	if _, err := issuer.VerifyAccess(tampered); err == nil {
		t.Fatal("tampered token verified")
	}

	if _, err := issuer.VerifyAccess("not-a-jwt"); err == nil {
		t.Fatal("garbage token verified")
	}
}

func TestRefreshRotates(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.IssuePair(ctx, "user-1", "+15550001111", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	next, err := issuer.Refresh(ctx, pair.RefreshToken, "+15550001111", "")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if store.live("user-1") != 1 {
		t.Fatalf("%d live tokens after rotation, want 1", store.live("user-1"))
	}

	// The spent token cannot be used again.
	if _, err := issuer.Refresh(ctx, pair.RefreshToken, "+15550001111", ""); err == nil {
		t.Fatal("spent refresh token accepted")
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	var reuseSeen int
	issuer.OnReuse(func(ctx context.Context, rec *model.RefreshTokenRecord) { reuseSeen++ })

	pair, err := issuer.IssuePair(ctx, "user-1", "+15550001111", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if _, err := issuer.Refresh(ctx, pair.RefreshToken, "+15550001111", ""); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Replaying the rotated-out token burns the whole family.
	_, err = issuer.Refresh(ctx, pair.RefreshToken, "+15550001111", "")
	var rejected *RefreshRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("replay error = %v, want RefreshRejectedError", err)
	}
	if rejected.Reason != model.RejectReused {
		t.Fatalf("reject reason = %s, want reused", rejected.Reason)
	}
	if reuseSeen != 1 {
		t.Fatalf("reuse hook fired %d times, want 1", reuseSeen)
	}
	if store.live("user-1") != 0 {
		t.Fatalf("%d live tokens after family revocation, want 0", store.live("user-1"))
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	issuer, _ := newTestIssuer(t)

	_, err := issuer.Refresh(context.Background(), "no-such-token", "", "")
	var rejected *RefreshRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want RefreshRejectedError", err)
	}
	if rejected.Reason != model.RejectNotFound {
		t.Fatalf("reject reason = %s, want not_found", rejected.Reason)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	var reuseSeen int
	issuer.OnReuse(func(ctx context.Context, rec *model.RefreshTokenRecord) { reuseSeen++ })

	pair, err := issuer.IssuePair(ctx, "user-1", "+15550001111", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	// Age the record past its expiry directly in the store.
	store.mu.Lock()
	for _, rec := range store.recs {
		rec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	}
	store.mu.Unlock()

	// An expired token is rejected as expired on every presentation. A client
	// retrying it is not a reuse signal; the token was never rotated out.
	for i := 0; i < 2; i++ {
		_, err = issuer.Refresh(ctx, pair.RefreshToken, "+15550001111", "")
		var rejected *RefreshRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("presentation %d error = %v, want RefreshRejectedError", i+1, err)
		}
		if rejected.Reason != model.RejectExpired {
			t.Fatalf("presentation %d reject reason = %s, want expired", i+1, rejected.Reason)
		}
	}
	if reuseSeen != 0 {
		t.Fatalf("reuse hook fired %d times for an expired token, want 0", reuseSeen)
	}
	if store.live("user-1") != 1 {
		t.Fatal("expired-token presentation revoked records")
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	ctx := context.Background()

	pair, err := issuer.IssuePair(ctx, "user-1", "+15550001111", "")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	wins := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := issuer.Refresh(ctx, pair.RefreshToken, "+15550001111", "")
			wins <- err == nil
		}()
	}
	close(start)
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d concurrent refreshes succeeded, want exactly 1", won)
	}
}

func TestRevokeAll(t *testing.T) {
	issuer, store := newTestIssuer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := issuer.IssuePair(ctx, "user-1", "+15550001111", ""); err != nil {
			t.Fatalf("IssuePair: %v", err)
		}
	}
	if _, err := issuer.IssuePair(ctx, "user-2", "+15550002222", ""); err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	revoked, err := issuer.RevokeAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("RevokeAll: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("revoked %d tokens, want 3", revoked)
	}
	if store.live("user-1") != 0 {
		t.Fatal("user-1 still holds live tokens")
	}
	if store.live("user-2") != 1 {
		t.Fatal("RevokeAll leaked into another user")
	}
}
