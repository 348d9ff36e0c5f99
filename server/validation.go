package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// Sentinel errors returned by grant flows. The HTTP facade matches these
// with errors.Is to pick the OAuth error code; descriptions stay generic on
// the wire while the detailed reason is logged server-side.
var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInvalidClient  = errors.New("invalid_client")
	ErrInvalidGrant   = errors.New("invalid_grant")
	ErrInvalidScope   = errors.New("invalid_scope")
)

// PKCE validation constants (RFC 7636).
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// authenticateClient verifies the client's credentials. Confidential clients
// must present their secret; public clients must not present one and rely on
// PKCE instead.
func (s *Server) authenticateClient(client *storage.Client, clientSecret string) error {
	if client.Public() {
		if clientSecret != "" {
			return fmt.Errorf("%w: public client must not send a secret", ErrInvalidClient)
		}
		return nil
	}

	if clientSecret == "" {
		return fmt.Errorf("%w: client secret is required", ErrInvalidClient)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("%w: client secret mismatch", ErrInvalidClient)
	}
	return nil
}

// validateRedirectURI checks that the redirect URI is registered for the
// client. Comparison is an exact string match with no normalization; a
// trailing slash or case difference is a mismatch.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}

	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: redirect URI not registered for client", ErrInvalidGrant)
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w: invalid redirect_uri format", ErrInvalidRequest)
	}
	// OAuth 2.0 Security BCP 4.1.3: redirect URIs must not carry fragments.
	if parsed.Fragment != "" {
		return fmt.Errorf("%w: redirect_uri must not contain fragments", ErrInvalidRequest)
	}

	return nil
}

// validateRequestedScopes parses a requested scope string and checks it
// against the deployment's supported scopes and the client's allowed scopes.
// An empty request resolves to the client's full allowed set.
func (s *Server) validateRequestedScopes(requestedScope string, client *storage.Client) (scopes.Set, error) {
	if requestedScope == "" {
		return scopes.NewSet(client.AllowedScopes...), nil
	}

	requested, err := scopes.Parse(requestedScope)
	if err != nil {
		return scopes.Set{}, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}

	supported := scopes.NewSet(s.Config.SupportedScopes...)
	if !requested.SubsetOf(supported) {
		return scopes.Set{}, fmt.Errorf("%w: scope not supported by this deployment", ErrInvalidScope)
	}

	allowed := scopes.NewSet(client.AllowedScopes...)
	if !requested.SubsetOf(allowed) {
		// Generic message so clients cannot enumerate another client's
		// allowed scopes.
		return scopes.Set{}, fmt.Errorf("%w: client is not authorized for one or more requested scopes", ErrInvalidScope)
	}

	return requested, nil
}

// validatePKCE validates the code verifier against the stored challenge per
// RFC 7636.
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// Code was issued without PKCE.
		if verifier != "" {
			return fmt.Errorf("code_verifier provided but no code_challenge was registered")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters.
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: only [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string
	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	// Constant-time comparison to prevent timing side channels.
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// validateChallengeRegistration checks the challenge parameters at code
// issuance time.
func (s *Server) validateChallengeRegistration(client *storage.Client, codeChallenge, codeChallengeMethod string) error {
	if codeChallenge == "" {
		if codeChallengeMethod != "" {
			return fmt.Errorf("%w: code_challenge_method without code_challenge", ErrInvalidRequest)
		}
		if client.Public() && s.Config.RequirePKCEForPublicClients {
			return fmt.Errorf("%w: public clients must use PKCE", ErrInvalidRequest)
		}
		return nil
	}

	switch codeChallengeMethod {
	case PKCEMethodS256:
		return nil
	case PKCEMethodPlain:
		if !s.Config.AllowPKCEPlain {
			return fmt.Errorf("%w: 'plain' code_challenge_method is not allowed", ErrInvalidRequest)
		}
		return nil
	case "":
		return fmt.Errorf("%w: code_challenge_method is required when code_challenge is provided", ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: unsupported code_challenge_method: %s", ErrInvalidRequest, codeChallengeMethod)
	}
}
