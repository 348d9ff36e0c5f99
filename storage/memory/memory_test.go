package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vilanovax/bizbuzz-auth/storage"
)

func newTestStore() *Store {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func pendingCode(value string, expiresAt time.Time) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:        value,
		ClientID:    "client-1",
		SubjectID:   "user-1",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "profile:read",
		Status:      storage.CodeStatusPending,
		IssuedAt:    time.Now(),
		ExpiresAt:   expiresAt,
	}
}

func activeRefreshToken(value, familyID string, generation int) *storage.RefreshToken {
	return &storage.RefreshToken{
		ID:         value + "-id",
		Token:      value,
		FamilyID:   familyID,
		SubjectID:  "user-1",
		ClientID:   "client-1",
		Scope:      "offline_access profile:read",
		Status:     storage.RefreshStatusActive,
		Generation: generation,
		IssuedAt:   time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	}
}

func TestConsumeAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if err := store.SaveAuthorizationCode(ctx, pendingCode("code-1", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	record, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("first ConsumeAuthorizationCode() error = %v", err)
	}
	if record.Status != storage.CodeStatusConsumed {
		t.Errorf("Status = %q, want consumed", record.Status)
	}
	if record.ConsumedAt.IsZero() {
		t.Error("ConsumedAt not set")
	}

	replayed, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if !errors.Is(err, storage.ErrCodeConsumed) {
		t.Fatalf("second ConsumeAuthorizationCode() error = %v, want %v", err, storage.ErrCodeConsumed)
	}
	if replayed == nil || replayed.SubjectID != "user-1" {
		t.Error("replay did not return the consumed record for containment")
	}

	if _, err := store.ConsumeAuthorizationCode(ctx, "missing"); !errors.Is(err, storage.ErrCodeNotFound) {
		t.Errorf("unknown code error = %v, want %v", err, storage.ErrCodeNotFound)
	}
}

func TestConsumeAuthorizationCode_Expired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if err := store.SaveAuthorizationCode(ctx, pendingCode("code-1", time.Now().Add(-time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrCodeExpired) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want %v", err, storage.ErrCodeExpired)
	}
}

func TestConsumeAuthorizationCode_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if err := store.SaveAuthorizationCode(ctx, pendingCode("code-1", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeAuthorizationCode(ctx, "code-1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("%d consumptions succeeded, want exactly 1", successes)
	}
}

func TestRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	first := activeRefreshToken("rt-1", "family-1", 0)
	if err := store.SaveRefreshToken(ctx, first); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	successor := activeRefreshToken("rt-2", "family-1", 1)
	old, err := store.RotateRefreshToken(ctx, "rt-1", successor)
	if err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if old.Token != "rt-1" {
		t.Errorf("rotated token = %q, want rt-1", old.Token)
	}

	stored, err := store.GetRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if stored.Status != storage.RefreshStatusRotated {
		t.Errorf("old token status = %q, want rotated", stored.Status)
	}
	if _, err := store.GetRefreshToken(ctx, "rt-2"); err != nil {
		t.Errorf("successor not stored: %v", err)
	}

	// Replaying the rotated token returns its record with ErrTokenRotated.
	replayed, err := store.RotateRefreshToken(ctx, "rt-1", activeRefreshToken("rt-3", "family-1", 1))
	if !errors.Is(err, storage.ErrTokenRotated) {
		t.Fatalf("replay RotateRefreshToken() error = %v, want %v", err, storage.ErrTokenRotated)
	}
	if replayed == nil || replayed.FamilyID != "family-1" {
		t.Error("replay did not return the stale record for containment")
	}
}

func TestRotateRefreshToken_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	if err := store.SaveRefreshToken(ctx, activeRefreshToken("rt-1", "family-1", 0)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			successor := activeRefreshToken(string(rune('a'+n))+"-succ", "family-1", 1)
			_, err := store.RotateRefreshToken(ctx, "rt-1", successor)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Errorf("%d rotations succeeded, want exactly 1", successes)
	}
}

func TestRotateRefreshToken_RevokedAndExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	revoked := activeRefreshToken("rt-revoked", "family-1", 0)
	revoked.Status = storage.RefreshStatusRevoked
	if err := store.SaveRefreshToken(ctx, revoked); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	record, err := store.RotateRefreshToken(ctx, "rt-revoked", activeRefreshToken("s1", "family-1", 1))
	if !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("revoked rotation error = %v, want %v", err, storage.ErrTokenRevoked)
	}
	if record == nil {
		t.Error("revoked rotation did not return the stale record")
	}

	expired := activeRefreshToken("rt-expired", "family-2", 0)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.SaveRefreshToken(ctx, expired); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if _, err := store.RotateRefreshToken(ctx, "rt-expired", activeRefreshToken("s2", "family-2", 1)); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("expired rotation error = %v, want %v", err, storage.ErrTokenExpired)
	}
}

func TestRevokeRefreshTokenFamily(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	for _, value := range []string{"rt-1", "rt-2", "rt-3"} {
		if err := store.SaveRefreshToken(ctx, activeRefreshToken(value, "family-1", 0)); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}
	if err := store.SaveRefreshToken(ctx, activeRefreshToken("other", "family-2", 0)); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	revoked, err := store.RevokeRefreshTokenFamily(ctx, "family-1")
	if err != nil {
		t.Fatalf("RevokeRefreshTokenFamily() error = %v", err)
	}
	if revoked != 3 {
		t.Errorf("revoked = %d, want 3", revoked)
	}

	untouched, err := store.GetRefreshToken(ctx, "other")
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if untouched.Status != storage.RefreshStatusActive {
		t.Error("unrelated family was revoked")
	}
}

func TestRevokeTokensForCode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	access := &storage.AccessToken{
		Token:     "at-1",
		SubjectID: "user-1",
		ClientID:  "client-1",
		ExpiresAt: time.Now().Add(time.Hour),
		CodeID:    "digest-1",
	}
	if err := store.SaveAccessToken(ctx, access); err != nil {
		t.Fatalf("SaveAccessToken() error = %v", err)
	}
	refresh := activeRefreshToken("rt-1", "family-1", 0)
	refresh.CodeID = "digest-1"
	if err := store.SaveRefreshToken(ctx, refresh); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	revoked, err := store.RevokeTokensForCode(ctx, "digest-1")
	if err != nil {
		t.Fatalf("RevokeTokensForCode() error = %v", err)
	}
	if revoked != 2 {
		t.Errorf("revoked = %d, want 2", revoked)
	}

	at, err := store.GetAccessToken(ctx, "at-1")
	if err != nil {
		t.Fatalf("GetAccessToken() error = %v", err)
	}
	if !at.Revoked {
		t.Error("access token minted from the code was not revoked")
	}
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	now := time.Now()
	if err := store.SaveAuthorizationCode(ctx, pendingCode("old", now.Add(-time.Hour))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if err := store.SaveAuthorizationCode(ctx, pendingCode("fresh", now.Add(time.Hour))); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	removed, err := store.DeleteExpiredCodes(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredCodes() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "fresh"); err != nil {
		t.Errorf("fresh code was pruned: %v", err)
	}

	stale := activeRefreshToken("stale", "family-1", 0)
	stale.ExpiresAt = now.Add(-time.Hour)
	if err := store.SaveRefreshToken(ctx, stale); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	removed, err = store.DeleteExpiredTokens(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredTokens() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestCopySemantics(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()

	client := &storage.Client{ClientID: "client-1", AllowedScopes: []string{"openid"}}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	got, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	got.Name = "mutated"

	again, err := store.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if again.Name == "mutated" {
		t.Error("mutating a returned record leaked into the store")
	}
}
