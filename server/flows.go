package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/vilanovax/bizbuzz-auth/internal/util"
	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// IssueCodeRequest carries the parameters of an authorization code issuance.
// The platform's login UI calls IssueAuthorizationCode after it has
// authenticated the user and collected consent.
type IssueCodeRequest struct {
	ClientID            string
	SubjectID           string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// IssuedCode is the result of a successful code issuance.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
	Scope     string
}

// IssueAuthorizationCode validates the request and mints a one-time
// authorization code bound to the client, subject, redirect URI, scope set,
// and PKCE challenge.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req IssueCodeRequest) (*IssuedCode, error) {
	if req.SubjectID == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidRequest)
	}

	client, err := s.store.GetClient(ctx, req.ClientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, "", "unknown_client")
		}
		return nil, fmt.Errorf("%w: unknown client", ErrInvalidClient)
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.SubjectID, req.ClientID, "", "redirect_uri_not_registered")
		}
		return nil, err
	}

	granted, err := s.validateRequestedScopes(req.Scope, client)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(req.SubjectID, req.ClientID, "", "scope_rejected")
		}
		return nil, err
	}

	if err := s.validateChallengeRegistration(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            client.ClientID,
		SubjectID:           req.SubjectID,
		RedirectURI:         req.RedirectURI,
		Scope:               granted.String(),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Status:              storage.CodeStatusPending,
		IssuedAt:            now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventCodeIssued,
			SubjectID: req.SubjectID,
			ClientID:  client.ClientID,
			Details:   map[string]any{"scope": granted.String()},
		})
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeIssued(ctx, client.ClientID)
	}

	return &IssuedCode{
		Code:      code.Code,
		ExpiresAt: code.ExpiresAt,
		Scope:     code.Scope,
	}, nil
}

// ExchangeAuthorizationCode exchanges a one-time authorization code for
// tokens. The code is consumed atomically; a second presentation of the same
// code fails and revokes the tokens minted from the first exchange.
//
// All grant failures return ErrInvalidGrant with a generic message; the
// specific reason is logged server-side only.
func (s *Server) ExchangeAuthorizationCode(
	ctx context.Context,
	code, clientID, clientSecret, redirectURI, codeVerifier string,
) (*Grant, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		}
		return nil, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	if err := s.authenticateClient(client, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "client_authentication_failed")
		}
		return nil, err
	}

	record, err := s.store.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCodeConsumed):
			// Replay. The record accompanies the error so the tokens minted
			// from the first exchange can be revoked.
			s.handleCodeReuse(ctx, record)
			return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)

		case errors.Is(err, storage.ErrCodeExpired), errors.Is(err, storage.ErrCodeNotFound):
			s.logSecurityEvent("Authorization code rejected",
				"client_id", clientID,
				"reason", err.Error(),
				"code_prefix", util.SafeTruncate(code, 8))
			return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)

		default:
			return nil, fmt.Errorf("failed to consume authorization code: %w", err)
		}
	}

	// Binding checks. Failures after consumption burn the code, which is the
	// safe direction: a code that reached the wrong client must die.
	if subtle.ConstantTimeCompare([]byte(record.ClientID), []byte(clientID)) != 1 {
		s.logSecurityEvent("Authorization code presented by wrong client",
			"expected_client", record.ClientID,
			"presented_client", clientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.SubjectID, clientID, "", "code_client_mismatch")
		}
		return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)
	}

	if subtle.ConstantTimeCompare([]byte(record.RedirectURI), []byte(redirectURI)) != 1 {
		s.logSecurityEvent("Authorization code redirect URI mismatch",
			"client_id", clientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(record.SubjectID, clientID, "", "redirect_uri_mismatch")
		}
		return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)
	}

	if err := s.validatePKCE(record.CodeChallenge, record.CodeChallengeMethod, codeVerifier); err != nil {
		s.logSecurityEvent("PKCE validation failed",
			"client_id", clientID,
			"method", record.CodeChallengeMethod,
			"reason", err.Error())
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				SubjectID: record.SubjectID,
				ClientID:  clientID,
				Details:   map[string]any{"method": record.CodeChallengeMethod},
			})
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, record.CodeChallengeMethod)
		}
		return nil, fmt.Errorf("%w: authorization code is invalid", ErrInvalidGrant)
	}

	granted, err := scopes.Parse(record.Scope)
	if err != nil {
		return nil, fmt.Errorf("stored code carries unknown scope: %w", err)
	}

	codeID := security.TokenDigest(record.Code)
	grant, err := s.mintAccessGrant(ctx, client, record.SubjectID, granted, codeID)
	if err != nil {
		return nil, err
	}

	if granted.Has(scopes.OfflineAccess) {
		refresh := s.newRefreshToken(client, record.SubjectID, granted, codeID, "", "", 0)
		if err := s.store.SaveRefreshToken(ctx, refresh); err != nil {
			return nil, fmt.Errorf("failed to save refresh token: %w", err)
		}
		grant.RefreshToken = refresh.Token
		grant.FamilyID = refresh.FamilyID
		grant.Generation = refresh.Generation
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventCodeExchanged,
			SubjectID: record.SubjectID,
			ClientID:  clientID,
			Details:   map[string]any{"scope": granted.String()},
		})
		s.Auditor.LogTokenIssued(record.SubjectID, clientID, granted.String())
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, clientID, record.CodeChallengeMethod)
	}

	return grant, nil
}

// handleCodeReuse contains an authorization code replay: every token minted
// from the first exchange of the code is revoked.
func (s *Server) handleCodeReuse(ctx context.Context, record *storage.AuthorizationCode) {
	if record == nil {
		return
	}

	codeID := security.TokenDigest(record.Code)
	revoked, err := s.store.RevokeTokensForCode(ctx, codeID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens after code reuse detection", "error", err)
	}

	s.logSecurityEvent("Authorization code reuse detected, revoking issued tokens",
		"client_id", record.ClientID,
		"tokens_revoked", revoked)
	if s.Auditor != nil {
		s.Auditor.LogReuseDetected(security.EventCodeReuseDetected,
			record.SubjectID, record.ClientID, "", revoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
	}
}

// RefreshAccessToken rotates a refresh token and mints a fresh access token.
// Presenting a rotated or revoked token revokes the entire family plus all
// tokens for the subject+client pair, since a replay means the token leaked.
func (s *Server) RefreshAccessToken(
	ctx context.Context,
	refreshToken, clientID, clientSecret, requestedScope string,
) (*Grant, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "unknown_client")
		}
		return nil, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	if err := s.authenticateClient(client, clientSecret); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "client_authentication_failed")
		}
		return nil, err
	}

	old, err := s.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		s.logSecurityEvent("Unknown refresh token presented", "client_id", clientID)
		return nil, fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)
	}

	if subtle.ConstantTimeCompare([]byte(old.ClientID), []byte(clientID)) != 1 {
		s.logSecurityEvent("Refresh token presented by wrong client",
			"expected_client", old.ClientID,
			"presented_client", clientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(old.SubjectID, clientID, "", "refresh_token_client_mismatch")
		}
		return nil, fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)
	}

	// No expiry check here: the rotation CAS classifies the token itself,
	// and a rotated-then-expired token must still trip reuse containment.

	// Scope narrowing applies to the minted access token only; the family
	// keeps its original capability so a later refresh can widen back up to
	// the original grant.
	familyScopes, err := scopes.Parse(old.Scope)
	if err != nil {
		return nil, fmt.Errorf("stored refresh token carries unknown scope: %w", err)
	}
	accessScopes := familyScopes
	if requestedScope != "" {
		requested, err := scopes.Parse(requestedScope)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScope, err)
		}
		if !requested.SubsetOf(familyScopes) {
			return nil, fmt.Errorf("%w: requested scope exceeds the original grant", ErrInvalidScope)
		}
		accessScopes = requested
	}

	successor := s.newRefreshToken(client, old.SubjectID, familyScopes, old.CodeID,
		old.FamilyID, old.ID, old.Generation+1)

	rotated, err := s.store.RotateRefreshToken(ctx, refreshToken, successor)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenRotated), errors.Is(err, storage.ErrTokenRevoked):
			s.handleRefreshTokenReuse(ctx, rotated)
			return nil, fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)

		case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
			return nil, fmt.Errorf("%w: refresh token is invalid", ErrInvalidGrant)

		default:
			return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
		}
	}

	grant, err := s.mintAccessGrant(ctx, client, old.SubjectID, accessScopes, old.CodeID)
	if err != nil {
		return nil, err
	}
	grant.RefreshToken = successor.Token
	grant.FamilyID = successor.FamilyID
	grant.Generation = successor.Generation

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(old.SubjectID, clientID, successor.Generation)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, clientID, successor.Generation)
	}

	return grant, nil
}

// handleRefreshTokenReuse contains a refresh token replay: the whole family
// is revoked, plus every live token for the subject+client pair, since the
// attacker may already hold a valid successor.
func (s *Server) handleRefreshTokenReuse(ctx context.Context, old *storage.RefreshToken) {
	if old == nil {
		return
	}

	familyRevoked, err := s.store.RevokeRefreshTokenFamily(ctx, old.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke refresh token family", "error", err)
	}
	pairRevoked, err := s.store.RevokeTokensForSubjectClient(ctx, old.SubjectID, old.ClientID)
	if err != nil {
		s.Logger.Error("Failed to revoke tokens for subject and client", "error", err)
	}

	s.logSecurityEvent("Refresh token reuse detected, revoking family",
		"client_id", old.ClientID,
		"family_id", old.FamilyID,
		"generation", old.Generation,
		"family_revoked", familyRevoked,
		"pair_revoked", pairRevoked)
	if s.Auditor != nil {
		s.Auditor.LogReuseDetected(security.EventTokenReuseDetected,
			old.SubjectID, old.ClientID, old.FamilyID, familyRevoked+pairRevoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
		m.RecordFamilyRevoked(ctx, int64(familyRevoked))
	}
}

// RevokeToken revokes a token per RFC 7009. Revoking a refresh token revokes
// its whole family; revoking an access token affects only that token.
// Unknown tokens and tokens owned by another client succeed silently so the
// endpoint cannot be used as an oracle.
func (s *Server) RevokeToken(ctx context.Context, token, tokenTypeHint, clientID, clientSecret string) error {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	if err := s.authenticateClient(client, clientSecret); err != nil {
		return err
	}

	// The hint is advisory (RFC 7009 Section 2.1); both lookups run
	// regardless, hint first.
	if tokenTypeHint != "access_token" {
		if rt, err := s.store.GetRefreshToken(ctx, token); err == nil {
			if rt.ClientID != clientID {
				return nil
			}
			revoked, err := s.store.RevokeRefreshTokenFamily(ctx, rt.FamilyID)
			if err != nil {
				return fmt.Errorf("failed to revoke refresh token family: %w", err)
			}
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked(rt.SubjectID, clientID, "refresh_token")
			}
			if m := s.metrics(); m != nil {
				m.RecordTokenRevocation(ctx, clientID)
				m.RecordFamilyRevoked(ctx, int64(revoked))
			}
			return nil
		}
	}

	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		// Unknown token: success per RFC 7009.
		return nil
	}
	if at.ClientID != clientID {
		return nil
	}
	if err := s.store.RevokeAccessToken(ctx, token); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogTokenRevoked(at.SubjectID, clientID, "access_token")
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, clientID)
	}
	return nil
}

// IntrospectionResult is the RFC 7662 view of a token.
type IntrospectionResult struct {
	Active    bool
	Scope     string
	ClientID  string
	SubjectID string
	TokenType string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Introspect reports the state of a token per RFC 7662. Anything other than
// a live token owned by the requesting client comes back inactive with no
// further detail.
func (s *Server) Introspect(ctx context.Context, token, clientID, clientSecret string) (*IntrospectionResult, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: client authentication failed", ErrInvalidClient)
	}
	if err := s.authenticateClient(client, clientSecret); err != nil {
		return nil, err
	}

	inactive := &IntrospectionResult{Active: false}
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second

	if at, err := s.store.GetAccessToken(ctx, token); err == nil {
		if at.ClientID != clientID || at.Revoked || security.IsExpiredWithGracePeriod(at.ExpiresAt, grace) {
			return inactive, nil
		}
		return &IntrospectionResult{
			Active:    true,
			Scope:     at.Scope,
			ClientID:  at.ClientID,
			SubjectID: at.SubjectID,
			TokenType: "access_token",
			ExpiresAt: at.ExpiresAt,
			IssuedAt:  at.IssuedAt,
		}, nil
	}

	if rt, err := s.store.GetRefreshToken(ctx, token); err == nil {
		if rt.ClientID != clientID || rt.Status != storage.RefreshStatusActive ||
			security.IsExpiredWithGracePeriod(rt.ExpiresAt, grace) {
			return inactive, nil
		}
		return &IntrospectionResult{
			Active:    true,
			Scope:     rt.Scope,
			ClientID:  rt.ClientID,
			SubjectID: rt.SubjectID,
			TokenType: "refresh_token",
			ExpiresAt: rt.ExpiresAt,
			IssuedAt:  rt.IssuedAt,
		}, nil
	}

	return inactive, nil
}

// PruneExpired deletes expired codes and tokens. Intended to run on a timer
// from the process entrypoint; correctness never depends on it.
func (s *Server) PruneExpired(ctx context.Context) {
	now := time.Now()
	if n, err := s.store.DeleteExpiredCodes(ctx, now); err != nil {
		s.Logger.Warn("Failed to prune expired authorization codes", "error", err)
	} else if n > 0 {
		s.Logger.Debug("Pruned expired authorization codes", "count", n)
	}
	if n, err := s.store.DeleteExpiredTokens(ctx, now); err != nil {
		s.Logger.Warn("Failed to prune expired tokens", "error", err)
	} else if n > 0 {
		s.Logger.Debug("Pruned expired tokens", "count", n)
	}
}

// logSecurityEvent logs a security-relevant condition at Error level,
// throttled so an attacker replaying credentials cannot flood the log.
func (s *Server) logSecurityEvent(msg string, args ...any) {
	if s.SecurityEventRateLimiter != nil && !s.SecurityEventRateLimiter.Allow("security_events") {
		return
	}
	s.Logger.Error(msg, args...)
}
