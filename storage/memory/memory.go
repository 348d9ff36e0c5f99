// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments; atomicity of code consumption and refresh rotation is
// provided by a store-wide mutex.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vilanovax/bizbuzz-auth/instrumentation"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	codes         map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	users         map[string]*storage.User

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// New creates an empty in-memory store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clients:       make(map[string]*storage.Client),
		codes:         make(map[string]*storage.AuthorizationCode),
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		users:         make(map[string]*storage.User),
		logger:        logger,
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

func (s *Store) recordOp(ctx context.Context, op, result string, start time.Time) {
	if s.inst == nil {
		return
	}
	s.inst.Metrics().RecordStorageOperation(ctx, op, result, float64(time.Since(start).Milliseconds()))
}

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ClientID] = &c
	s.recordOp(ctx, "save_client", "success", start)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		s.recordOp(ctx, "get_client", "not_found", start)
		return nil, storage.ErrClientNotFound
	}
	c := *client
	s.recordOp(ctx, "get_client", "success", start)
	return &c, nil
}

// SaveAuthorizationCode stores a newly issued code in pending state.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = &c
	s.recordOp(ctx, "save_code", "success", start)
	return nil
}

// ConsumeAuthorizationCode atomically transitions a code from pending to
// consumed. The mutex makes the check-and-set atomic; exactly one concurrent
// caller observes the pending state.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		s.recordOp(ctx, "consume_code", "not_found", start)
		return nil, storage.ErrCodeNotFound
	}

	if record.Status == storage.CodeStatusConsumed {
		c := *record
		s.recordOp(ctx, "consume_code", "already_consumed", start)
		return &c, storage.ErrCodeConsumed
	}

	if record.Status == storage.CodeStatusExpired || time.Now().After(record.ExpiresAt) {
		record.Status = storage.CodeStatusExpired
		s.recordOp(ctx, "consume_code", "expired", start)
		return nil, storage.ErrCodeExpired
	}

	record.Status = storage.CodeStatusConsumed
	record.ConsumedAt = time.Now()
	c := *record
	s.recordOp(ctx, "consume_code", "success", start)
	return &c, nil
}

// DeleteExpiredCodes prunes codes past their expiry.
func (s *Store) DeleteExpiredCodes(ctx context.Context, olderThan time.Time) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, code := range s.codes {
		if code.ExpiresAt.Before(olderThan) {
			delete(s.codes, value)
			removed++
		}
	}
	s.recordOp(ctx, "delete_expired_codes", "success", start)
	return removed, nil
}

// SaveAccessToken stores a newly minted access token.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.accessTokens[token.Token] = &t
	s.recordOp(ctx, "save_access_token", "success", start)
	return nil
}

// GetAccessToken retrieves an access token by value.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.accessTokens[token]
	if !ok {
		s.recordOp(ctx, "get_access_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	}
	t := *record
	s.recordOp(ctx, "get_access_token", "success", start)
	return &t, nil
}

// RevokeAccessToken marks an access token revoked. Unknown tokens are not an
// error.
func (s *Store) RevokeAccessToken(ctx context.Context, token string) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.accessTokens[token]; ok {
		record.Revoked = true
	}
	s.recordOp(ctx, "revoke_access_token", "success", start)
	return nil
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.refreshTokens[token.Token] = &t
	s.recordOp(ctx, "save_refresh_token", "success", start)
	return nil
}

// GetRefreshToken retrieves a refresh token by value regardless of status.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		s.recordOp(ctx, "get_refresh_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	}
	t := *record
	s.recordOp(ctx, "get_refresh_token", "success", start)
	return &t, nil
}

// RotateRefreshToken atomically transitions the token from active to rotated
// and inserts the successor as the family's new active token.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, successor *storage.RefreshToken) (*storage.RefreshToken, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		s.recordOp(ctx, "rotate_refresh_token", "not_found", start)
		return nil, storage.ErrTokenNotFound
	}

	switch record.Status {
	case storage.RefreshStatusRotated:
		t := *record
		s.recordOp(ctx, "rotate_refresh_token", "already_rotated", start)
		return &t, storage.ErrTokenRotated
	case storage.RefreshStatusRevoked:
		t := *record
		s.recordOp(ctx, "rotate_refresh_token", "revoked", start)
		return &t, storage.ErrTokenRevoked
	}

	if time.Now().After(record.ExpiresAt) {
		s.recordOp(ctx, "rotate_refresh_token", "expired", start)
		return nil, storage.ErrTokenExpired
	}

	record.Status = storage.RefreshStatusRotated
	succ := *successor
	s.refreshTokens[successor.Token] = &succ

	t := *record
	s.recordOp(ctx, "rotate_refresh_token", "success", start)
	return &t, nil
}

// RevokeRefreshTokenFamily marks every token in the family revoked.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.refreshTokens {
		if token.FamilyID == familyID && token.Status != storage.RefreshStatusRevoked {
			token.Status = storage.RefreshStatusRevoked
			revoked++
		}
	}
	s.recordOp(ctx, "revoke_refresh_token_family", "success", start)
	return revoked, nil
}

// RevokeTokensForSubjectClient revokes all access and refresh tokens for a
// subject+client pair.
func (s *Store) RevokeTokensForSubjectClient(ctx context.Context, subjectID, clientID string) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.accessTokens {
		if token.SubjectID == subjectID && token.ClientID == clientID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	for _, token := range s.refreshTokens {
		if token.SubjectID == subjectID && token.ClientID == clientID && token.Status != storage.RefreshStatusRevoked {
			token.Status = storage.RefreshStatusRevoked
			revoked++
		}
	}
	s.recordOp(ctx, "revoke_tokens_for_subject_client", "success", start)
	return revoked, nil
}

// RevokeTokensForCode revokes tokens minted from a specific authorization
// code exchange.
func (s *Store) RevokeTokensForCode(ctx context.Context, codeID string) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, token := range s.accessTokens {
		if token.CodeID == codeID && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	for _, token := range s.refreshTokens {
		if token.CodeID == codeID && token.Status != storage.RefreshStatusRevoked {
			token.Status = storage.RefreshStatusRevoked
			revoked++
		}
	}
	s.recordOp(ctx, "revoke_tokens_for_code", "success", start)
	return revoked, nil
}

// DeleteExpiredTokens prunes expired token rows.
func (s *Store) DeleteExpiredTokens(ctx context.Context, olderThan time.Time) (int, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for value, token := range s.accessTokens {
		if token.ExpiresAt.Before(olderThan) {
			delete(s.accessTokens, value)
			removed++
		}
	}
	for value, token := range s.refreshTokens {
		if token.ExpiresAt.Before(olderThan) {
			delete(s.refreshTokens, value)
			removed++
		}
	}
	s.recordOp(ctx, "delete_expired_tokens", "success", start)
	return removed, nil
}

// SaveUser stores a user record. Production deployments read users from the
// platform database; this exists for development seeding and tests.
func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	u := *user
	s.users[user.ID] = &u
	s.recordOp(ctx, "save_user", "success", start)
	return nil
}

// GetUser retrieves a user by subject ID.
func (s *Store) GetUser(ctx context.Context, subjectID string) (*storage.User, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[subjectID]
	if !ok {
		s.recordOp(ctx, "get_user", "not_found", start)
		return nil, storage.ErrUserNotFound
	}
	u := *user
	s.recordOp(ctx, "get_user", "success", start)
	return &u, nil
}

var _ storage.Store = (*Store)(nil)
