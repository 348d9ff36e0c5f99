package server

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// Grant is the result of a successful token issuance, ready to be serialized
// as an RFC 6749 token response. SubjectID, FamilyID, and Generation are
// issuance metadata for audit and trace attributes; they never go on the wire.
type Grant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string // empty when offline_access was not granted
	IDToken      string // empty when openid was not granted
	Scope        string

	SubjectID  string
	FamilyID   string // empty when no refresh token was issued
	Generation int
}

// mintAccessGrant issues an access token, and an id_token when openid was
// granted. Refresh token handling differs between code exchange (new family)
// and rotation (atomic successor insert), so it stays with the flows.
func (s *Server) mintAccessGrant(
	ctx context.Context,
	client *storage.Client,
	subjectID string,
	granted scopes.Set,
	codeID string,
) (*Grant, error) {
	now := time.Now()

	accessToken := &storage.AccessToken{
		Token:     generateRandomToken(),
		SubjectID: subjectID,
		ClientID:  client.ClientID,
		Scope:     granted.String(),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
		CodeID:    codeID,
	}
	if err := s.store.SaveAccessToken(ctx, accessToken); err != nil {
		return nil, fmt.Errorf("failed to save access token: %w", err)
	}

	grant := &Grant{
		AccessToken: accessToken.Token,
		TokenType:   "Bearer",
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       granted.String(),
		SubjectID:   subjectID,
	}

	if granted.Has(scopes.OpenID) {
		idToken, err := s.signIDToken(subjectID, client.ClientID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to sign id_token: %w", err)
		}
		grant.IDToken = idToken
	}

	return grant, nil
}

// newRefreshToken builds a refresh token row. An empty familyID starts a new
// family; otherwise the row continues an existing lineage.
func (s *Server) newRefreshToken(
	client *storage.Client,
	subjectID string,
	granted scopes.Set,
	codeID string,
	familyID, predecessorID string,
	generation int,
) *storage.RefreshToken {
	now := time.Now()
	if familyID == "" {
		familyID = uuid.NewString()
	}
	return &storage.RefreshToken{
		ID:            uuid.NewString(),
		Token:         generateRandomToken(),
		FamilyID:      familyID,
		SubjectID:     subjectID,
		ClientID:      client.ClientID,
		Scope:         granted.String(),
		Status:        storage.RefreshStatusActive,
		PredecessorID: predecessorID,
		Generation:    generation,
		IssuedAt:      now,
		ExpiresAt:     now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		CodeID:        codeID,
	}
}

// signIDToken builds and signs an HS256 id_token for the subject.
func (s *Server) signIDToken(subjectID, clientID string, issuedAt time.Time) (string, error) {
	if len(s.Config.IDTokenSigningKey) == 0 {
		return "", fmt.Errorf("id_token signing key is not configured")
	}

	claims := jwt.RegisteredClaims{
		Issuer:    s.Config.Issuer,
		Subject:   subjectID,
		Audience:  jwt.ClaimStrings{clientID},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Duration(s.Config.IDTokenTTL) * time.Second)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.Config.IDTokenSigningKey)
	if err != nil {
		return "", fmt.Errorf("signing id_token: %w", err)
	}
	return signed, nil
}

// TokenInfo is the validated identity attached to a bearer token.
type TokenInfo struct {
	SubjectID string
	ClientID  string
	Scopes    scopes.Set
	ExpiresAt time.Time
}

// ValidateAccessToken resolves an opaque bearer token to its grant. Expired
// and revoked tokens fail with ErrTokenExpired / ErrTokenRevoked; the HTTP
// layer reports all failures to the caller as a generic unauthorized.
func (s *Server) ValidateAccessToken(ctx context.Context, token string) (*TokenInfo, error) {
	if token == "" {
		return nil, storage.ErrTokenNotFound
	}

	record, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if record.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsExpiredWithGracePeriod(record.ExpiresAt, grace) {
		return nil, storage.ErrTokenExpired
	}

	granted, err := scopes.Parse(record.Scope)
	if err != nil {
		// A stored scope outside the catalog means the row predates a
		// catalog change; treat the token as unusable.
		s.Logger.Error("Stored token carries unknown scope", "error", err)
		return nil, storage.ErrTokenNotFound
	}

	return &TokenInfo{
		SubjectID: record.SubjectID,
		ClientID:  record.ClientID,
		Scopes:    granted,
		ExpiresAt: record.ExpiresAt,
	}, nil
}
