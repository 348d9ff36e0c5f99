package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// UserInfoClaims is the OIDC userinfo response. Contact fields are gated by
// scope; absent claims are omitted from the JSON entirely rather than sent
// empty.
type UserInfoClaims struct {
	Subject             string `json:"sub"`
	Name                string `json:"name,omitempty"`
	GivenName           string `json:"given_name,omitempty"`
	FamilyName          string `json:"family_name,omitempty"`
	Picture             string `json:"picture,omitempty"`
	Email               string `json:"email,omitempty"`
	EmailVerified       *bool  `json:"email_verified,omitempty"`
	PhoneNumber         string `json:"phone_number,omitempty"`
	PhoneNumberVerified *bool  `json:"phone_number_verified,omitempty"`
	UpdatedAt           int64  `json:"updated_at,omitempty"`
}

// ResolveUserInfo builds the userinfo response for a validated token. The
// openid grant itself releases the basic profile (name, given_name,
// family_name, picture, updated_at); contact claims require their own scope:
// email claims contact:email, phone claims contact:phone.
func (s *Server) ResolveUserInfo(ctx context.Context, info *TokenInfo) (*UserInfoClaims, error) {
	if !info.Scopes.Has(scopes.OpenID) {
		return nil, fmt.Errorf("%w: token was not granted openid", ErrInvalidScope)
	}

	user, err := s.store.GetUser(ctx, info.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", info.SubjectID, err)
	}

	claims := &UserInfoClaims{
		Subject:    user.ID,
		Name:       user.Name,
		GivenName:  user.GivenName,
		FamilyName: user.FamilyName,
		Picture:    user.Picture,
	}
	if !user.UpdatedAt.IsZero() {
		claims.UpdatedAt = user.UpdatedAt.Unix()
	}

	if info.Scopes.Has(scopes.ContactEmail) {
		claims.Email = user.Email
		claims.EmailVerified = boolPtr(user.EmailVerified)
	}
	if info.Scopes.Has(scopes.ContactPhone) {
		claims.PhoneNumber = user.Phone
		claims.PhoneNumberVerified = boolPtr(user.PhoneVerified)
	}

	return claims, nil
}

// IsUserUnknown reports whether err means the subject no longer exists.
func IsUserUnknown(err error) bool {
	return errors.Is(err, storage.ErrUserNotFound)
}

func boolPtr(b bool) *bool { return &b }
