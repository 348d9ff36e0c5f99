package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

func TestResolveUserInfo(t *testing.T) {
	ctx := context.Background()
	srv, store := setupFlowTestServer(t)

	updatedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	user := &storage.User{
		ID:            testSubjectID,
		Name:          "Sara Ahmadi",
		GivenName:     "Sara",
		FamilyName:    "Ahmadi",
		Picture:       "https://cdn.bizbuzz.example/p/sara.jpg",
		Email:         "sara@example.com",
		EmailVerified: true,
		Phone:         "+989121234567",
		PhoneVerified: false,
		UpdatedAt:     updatedAt,
	}
	if err := store.SaveUser(ctx, user); err != nil {
		t.Fatalf("SaveUser() error = %v", err)
	}

	info := func(granted ...string) *TokenInfo {
		return &TokenInfo{
			SubjectID: testSubjectID,
			ClientID:  "confidential-client",
			Scopes:    scopes.NewSet(granted...),
		}
	}

	t.Run("openid releases the basic profile", func(t *testing.T) {
		claims, err := srv.ResolveUserInfo(ctx, info(scopes.OpenID))
		if err != nil {
			t.Fatalf("ResolveUserInfo() error = %v", err)
		}
		if claims.Subject != testSubjectID {
			t.Errorf("Subject = %q, want %q", claims.Subject, testSubjectID)
		}
		if claims.Name != user.Name || claims.GivenName != user.GivenName ||
			claims.FamilyName != user.FamilyName || claims.Picture != user.Picture {
			t.Errorf("profile claims incomplete: %+v", claims)
		}
		if claims.UpdatedAt != updatedAt.Unix() {
			t.Errorf("UpdatedAt = %d, want %d", claims.UpdatedAt, updatedAt.Unix())
		}
		if claims.Email != "" || claims.PhoneNumber != "" {
			t.Errorf("contact claims leaked without contact scopes: %+v", claims)
		}
		if claims.EmailVerified != nil || claims.PhoneNumberVerified != nil {
			t.Error("verification flags leaked without contact scopes")
		}
	})

	t.Run("contact scopes release contact claims", func(t *testing.T) {
		claims, err := srv.ResolveUserInfo(ctx, info(scopes.OpenID, scopes.ContactEmail, scopes.ContactPhone))
		if err != nil {
			t.Fatalf("ResolveUserInfo() error = %v", err)
		}
		if claims.Email != user.Email || claims.EmailVerified == nil || !*claims.EmailVerified {
			t.Errorf("email claims wrong: %+v", claims)
		}
		if claims.PhoneNumber != user.Phone || claims.PhoneNumberVerified == nil || *claims.PhoneNumberVerified {
			t.Errorf("phone claims wrong: %+v", claims)
		}
		if claims.Name != user.Name {
			t.Error("basic profile claims missing alongside contact claims")
		}
	})

	t.Run("missing openid is rejected", func(t *testing.T) {
		_, err := srv.ResolveUserInfo(ctx, info(scopes.ProfileRead))
		if !errors.Is(err, ErrInvalidScope) {
			t.Errorf("ResolveUserInfo() error = %v, want %v", err, ErrInvalidScope)
		}
	})

	t.Run("unknown subject", func(t *testing.T) {
		_, err := srv.ResolveUserInfo(ctx, &TokenInfo{
			SubjectID: "gone-user",
			Scopes:    scopes.NewSet(scopes.OpenID),
		})
		if !IsUserUnknown(err) {
			t.Errorf("ResolveUserInfo() error = %v, want user-unknown", err)
		}
	})
}
