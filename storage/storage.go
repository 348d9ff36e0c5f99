// Package storage defines the persistence model and interfaces for the
// authorization core: registered clients, one-time authorization codes,
// access tokens, refresh-token families, and the minimal user claims read by
// the userinfo resolver. Implementations exist for in-memory (tests,
// single-instance dev) and Postgres (multi-instance production).
//
// All mutable authorization state lives behind these interfaces so the core
// can run behind multiple concurrent instances. Code consumption and refresh
// rotation are exposed only as atomic conditional transitions; callers never
// read-then-write token state.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match with
// errors.Is; the HTTP layer maps all of them to generic OAuth error codes so
// internal detail never leaks to clients.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrUserNotFound   = errors.New("user not found")

	ErrCodeNotFound = errors.New("authorization code not found")
	ErrCodeExpired  = errors.New("authorization code expired")
	// ErrCodeConsumed signals a second consumption attempt. The code record is
	// returned alongside it so the caller can revoke tokens minted from the
	// first exchange (replay containment).
	ErrCodeConsumed = errors.New("authorization code already consumed")

	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenRevoked  = errors.New("token revoked")
	// ErrTokenRotated signals use of a refresh token that was already rotated.
	// The token record is returned alongside it so the caller can revoke the
	// whole family (reuse detection).
	ErrTokenRotated = errors.New("refresh token already rotated")
)

// CodeStatus is the lifecycle state of an authorization code.
// Codes are write-once-then-terminal: pending -> consumed (exactly once)
// or pending -> expired.
type CodeStatus string

const (
	CodeStatusPending  CodeStatus = "pending"
	CodeStatusConsumed CodeStatus = "consumed"
	CodeStatusExpired  CodeStatus = "expired"
)

// RefreshTokenStatus is the lifecycle state of a refresh token.
// At most one token per family is active at any time.
type RefreshTokenStatus string

const (
	RefreshStatusActive  RefreshTokenStatus = "active"
	RefreshStatusRotated RefreshTokenStatus = "rotated"
	RefreshStatusRevoked RefreshTokenStatus = "revoked"
)

// Client represents a registered OAuth client. Clients are created by an
// out-of-band registration process and are immutable at runtime except for
// secret rotation.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	RedirectURIs     []string
	AllowedScopes    []string
	Name             string
	CreatedAt        time.Time
}

// Public reports whether the client has no secret (native/SPA clients).
// Public clients must prove possession of the authorization code via PKCE.
func (c *Client) Public() bool {
	return c.ClientSecretHash == ""
}

// AuthorizationCode represents an issued one-time authorization code bound to
// a client, subject, redirect URI, scope set, and PKCE challenge.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	SubjectID           string
	RedirectURI         string
	Scope               string // canonical space-separated form
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain"; empty when no PKCE
	Status              CodeStatus
	IssuedAt            time.Time
	ExpiresAt           time.Time
	ConsumedAt          time.Time // zero until consumed
}

// AccessToken represents an opaque bearer token. Tokens are looked up by
// value on every resource request; revocation takes effect immediately.
type AccessToken struct {
	Token     string
	SubjectID string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	// CodeID references the authorization code the token was minted from,
	// if any. Used to revoke tokens when code reuse is detected.
	CodeID string
}

// RefreshToken represents one generation of a refresh-token family. Rotation
// creates a successor within the same family; detecting use of a rotated or
// revoked token revokes the entire family.
type RefreshToken struct {
	ID            string // row id (uuid), referenced by successors
	Token         string
	FamilyID      string
	SubjectID     string
	ClientID      string
	Scope         string
	Status        RefreshTokenStatus
	PredecessorID string // empty for the first generation
	Generation    int
	IssuedAt      time.Time
	ExpiresAt     time.Time
	CodeID        string
}

// User carries the minimal identity fields the userinfo resolver reads.
// The authorization core never mutates user data.
type User struct {
	ID            string
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
	Email         string
	EmailVerified bool
	Phone         string
	PhoneVerified bool
	UpdatedAt     time.Time
}

// ClientStore resolves registered OAuth clients.
// Client rows are read-mostly and may be cached by implementations.
type ClientStore interface {
	// SaveClient stores a registered client (out-of-band provisioning).
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound if the
	// client is unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore issues and atomically consumes one-time authorization codes.
type CodeStore interface {
	// SaveAuthorizationCode stores a newly issued code in pending state.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically transitions the code from pending
	// to consumed. Exactly one concurrent caller succeeds; all others fail.
	//
	// Returns:
	//   - (code, nil) on the single successful consumption
	//   - (nil, ErrCodeNotFound) if the code does not exist
	//   - (nil, ErrCodeExpired) if the code is past its expiry
	//   - (code, ErrCodeConsumed) if the code was already consumed; the record
	//     is returned so the caller can revoke tokens minted from the first
	//     exchange (replay signal)
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteExpiredCodes prunes codes past their expiry. Hygiene only;
	// correctness relies on expiry checks at consumption time.
	DeleteExpiredCodes(ctx context.Context, olderThan time.Time) (int, error)
}

// TokenStore persists access tokens and refresh-token families.
type TokenStore interface {
	// SaveAccessToken stores a newly minted access token.
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// GetAccessToken retrieves an access token by value. Returns
	// ErrTokenNotFound for unknown values. Expiry and revocation are
	// reported on the returned record, not as errors, so the validator can
	// distinguish failure modes for logging.
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)

	// RevokeAccessToken marks an access token revoked. Revoking an unknown
	// token is not an error (RFC 7009 semantics).
	RevokeAccessToken(ctx context.Context, token string) error

	// SaveRefreshToken stores a refresh token. The first token of a family
	// is saved with Generation 0 and no predecessor.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken retrieves a refresh token by value regardless of
	// status. Returns ErrTokenNotFound for unknown values.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RotateRefreshToken atomically transitions the token identified by value
	// from active to rotated and inserts successor (same family, incremented
	// generation) as the family's new active token. Exactly one concurrent
	// caller succeeds.
	//
	// Returns:
	//   - (old, nil) on success
	//   - (nil, ErrTokenNotFound) if the token does not exist
	//   - (nil, ErrTokenExpired) if the token is past its expiry
	//   - (old, ErrTokenRotated) if the token was already rotated
	//   - (old, ErrTokenRevoked) if the token or its family was revoked
	//
	// The old record accompanying ErrTokenRotated/ErrTokenRevoked lets the
	// caller revoke the whole family (reuse containment).
	RotateRefreshToken(ctx context.Context, token string, successor *RefreshToken) (*RefreshToken, error)

	// RevokeRefreshTokenFamily marks every token in the family revoked.
	// Returns the number of tokens transitioned.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error)

	// RevokeTokensForSubjectClient revokes all access and refresh tokens for
	// a subject+client pair. Called when code or refresh-token reuse is
	// detected. Returns the number of tokens revoked.
	RevokeTokensForSubjectClient(ctx context.Context, subjectID, clientID string) (int, error)

	// RevokeTokensForCode revokes tokens minted from a specific authorization
	// code exchange. Returns the number of tokens revoked.
	RevokeTokensForCode(ctx context.Context, codeID string) (int, error)

	// DeleteExpiredTokens prunes expired token rows. Hygiene only.
	DeleteExpiredTokens(ctx context.Context, olderThan time.Time) (int, error)
}

// UserStore reads the minimal claims fields for the userinfo resolver.
type UserStore interface {
	// SaveUser stores a user record. Production rows are synced from the
	// platform's user system; the authorization core never mutates them.
	SaveUser(ctx context.Context, user *User) error

	// GetUser retrieves a user by subject ID. Returns ErrUserNotFound if the
	// subject is unknown.
	GetUser(ctx context.Context, subjectID string) (*User, error)
}

// Store aggregates the four interfaces; both provided implementations
// satisfy it.
type Store interface {
	ClientStore
	CodeStore
	TokenStore
	UserStore
}
