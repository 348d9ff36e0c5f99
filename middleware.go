package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/server"
)

// AuthContext is the validated identity attached to a resource request after
// the middleware has accepted its bearer token.
type AuthContext struct {
	UserID   string
	ClientID string
	Scopes   scopes.Set
}

type authContextKey struct{}

// GetAuthContext retrieves the validated identity from the request context,
// or nil if the request did not pass through Authenticate.
func GetAuthContext(ctx context.Context) *AuthContext {
	if ac, ok := ctx.Value(authContextKey{}).(*AuthContext); ok {
		return ac
	}
	return nil
}

// Middleware guards platform resource endpoints with bearer token validation
// and scope checks. Unlike the protocol endpoints, failures are written in
// the platform's envelope form: {"success": false, "error": {...}}.
type Middleware struct {
	server *server.Server
}

// NewMiddleware creates a resource-guarding middleware over the
// authorization server.
func NewMiddleware(srv *server.Server) *Middleware {
	return &Middleware{server: srv}
}

// AuthenticateRequest validates the bearer token on r and returns the
// resulting identity. Resource services that cannot use the middleware
// chain call this directly; the error is one of the storage token
// sentinels and must not be echoed to the caller.
func (m *Middleware) AuthenticateRequest(r *http.Request) (*AuthContext, error) {
	token, _ := bearerFromHeader(r)
	info, err := m.server.ValidateAccessToken(r.Context(), token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{
		UserID:   info.SubjectID,
		ClientID: info.ClientID,
		Scopes:   info.Scopes,
	}, nil
}

// Authenticate validates the bearer token and attaches the AuthContext to
// the request. Missing, malformed, expired, and revoked tokens all produce
// the same 401 so callers learn nothing about token state.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := m.AuthenticateRequest(r)
		if err != nil {
			writeResourceError(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "Authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects requests whose token lacks the exact scope. There is
// no scope hierarchy: "profile:read" does not satisfy a check for
// "profile:business_card:read".
func (m *Middleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAuthContext(r.Context())
			if ac == nil {
				writeResourceError(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "Authentication required")
				return
			}
			if !ac.Scopes.Has(scope) {
				m.rejectInsufficientScope(w, []string{scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAnyScope rejects requests whose token has none of the listed
// scopes. Endpoints that accept either a broad or a narrow capability list
// both explicitly.
func (m *Middleware) RequireAnyScope(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAuthContext(r.Context())
			if ac == nil {
				writeResourceError(w, http.StatusUnauthorized, ErrorCodeUnauthorized, "Authentication required")
				return
			}
			if !ac.Scopes.HasAny(requiredScopes...) {
				m.rejectInsufficientScope(w, requiredScopes)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Middleware) rejectInsufficientScope(w http.ResponseWriter, required []string) {
	w.Header().Set("WWW-Authenticate",
		formatWWWAuthenticate(strings.Join(required, " "), ErrorCodeInsufficientScope, "The token lacks the required scope"))
	writeResourceError(w, http.StatusForbidden, ErrorCodeInsufficientScope, "The token lacks the required scope")
}

func bearerFromHeader(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func writeResourceError(w http.ResponseWriter, status int, code, message string) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", tokenTypeBearer)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ResourceError{
		Success: false,
		Error:   ResourceErrorBody{Code: code, Message: message},
	})
}
