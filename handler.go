// Package oauth is the HTTP facade of the BizBuzz authorization core. It
// exposes the token, userinfo, revocation, introspection, and discovery
// endpoints, plus middleware for guarding resource endpoints with bearer
// tokens and scope checks. All grant logic lives in the server package.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vilanovax/bizbuzz-auth/instrumentation"
	"github.com/vilanovax/bizbuzz-auth/internal/util"
	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/server"
)

// Handler serves the OAuth/OIDC HTTP endpoints.
type Handler struct {
	server *server.Server
	logger *slog.Logger

	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates an HTTP handler over the authorization server.
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		logger: logger,
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation to the handler.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
	}
}

// RegisterRoutes registers all endpoints on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(TokenEndpoint, h.ServeToken)
	mux.HandleFunc(UserInfoEndpoint, h.ServeUserInfo)
	mux.HandleFunc(RevocationEndpoint, h.ServeRevoke)
	mux.HandleFunc(IntrospectionEndpoint, h.ServeIntrospect)
	mux.HandleFunc(DiscoveryEndpoint, h.ServeDiscovery)
	mux.HandleFunc(JWKSEndpoint, h.ServeJWKS)
}

// ServeToken handles the OAuth token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.server.RateLimiter != nil && !h.server.RateLimiter.Allow(clientIP) {
		h.handleRateLimitExceeded(w, r, clientIP)
		return
	}

	if err := parseTokenRequest(r); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")
	switch grantType {
	case GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

// parseTokenRequest populates r.Form from either a urlencoded body or a JSON
// object with string values, so the grant handlers can read parameters
// uniformly through FormValue.
func parseTokenRequest(r *http.Request) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return r.ParseForm()
	}
	var params map[string]string
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return fmt.Errorf("decoding json token request: %w", err)
	}
	r.Form = make(url.Values, len(params))
	for k, v := range params {
		r.Form.Set(k, v)
	}
	return nil
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.token_exchange")
		defer span.End()
	}

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")
	clientID, clientSecret := h.extractClientCredentials(r)

	if code == "" {
		h.recordHTTPMetrics(ctx, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}
	if redirectURI == "" {
		h.recordHTTPMetrics(ctx, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'redirect_uri' missing", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.recordHTTPMetrics(ctx, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode),
	)

	grant, err := h.server.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Error("Failed to exchange authorization code", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		oauthErr := h.mapFlowError(err, "Authorization code is invalid or expired")
		h.recordHTTPMetrics(ctx, "token", oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", clientID, "ip", clientIP)
	instrumentation.AddGrantAttributes(span, clientID, grant.SubjectID, grant.Scope)
	instrumentation.AddTokenFamilyAttributes(span, grant.FamilyID, grant.Generation)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "token", http.StatusOK, startTime)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.token_refresh")
		defer span.End()
	}

	refreshToken := r.FormValue("refresh_token")
	requestedScope := r.FormValue("scope")
	clientID, clientSecret := h.extractClientCredentials(r)

	if refreshToken == "" {
		h.recordHTTPMetrics(ctx, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.recordHTTPMetrics(ctx, "token", http.StatusBadRequest, startTime)
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrGrantType, GrantTypeRefreshToken),
	)

	grant, err := h.server.RefreshAccessToken(ctx, refreshToken, clientID, clientSecret, requestedScope)
	if err != nil {
		h.logger.Error("Failed to refresh access token", "client_id", clientID, "ip", clientIP, "error", err)
		instrumentation.RecordError(span, err)
		oauthErr := h.mapFlowError(err, "Refresh token is invalid or expired")
		h.recordHTTPMetrics(ctx, "token", oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.logger.Info("Token refresh successful", "client_id", clientID, "ip", clientIP)
	instrumentation.AddGrantAttributes(span, clientID, grant.SubjectID, grant.Scope)
	instrumentation.AddTokenFamilyAttributes(span, grant.FamilyID, grant.Generation)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "token", http.StatusOK, startTime)
	h.writeTokenResponse(w, grant)
}

// ServeUserInfo handles the OIDC userinfo endpoint.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "auth.http.userinfo")
		defer span.End()
	}

	token, ok := h.extractBearerToken(w, r)
	if !ok {
		h.recordHTTPMetrics(ctx, "userinfo", http.StatusUnauthorized, startTime)
		return
	}

	info, err := h.server.ValidateAccessToken(ctx, token)
	if err != nil {
		h.recordHTTPMetrics(ctx, "userinfo", http.StatusUnauthorized, startTime)
		instrumentation.RecordError(span, err)
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "The access token is invalid or expired")
		return
	}

	if !info.Scopes.Has(scopes.OpenID) {
		h.recordHTTPMetrics(ctx, "userinfo", http.StatusForbidden, startTime)
		h.writeInsufficientScopeError(w, []string{scopes.OpenID}, "Token was not granted the openid scope")
		return
	}

	claims, err := h.server.ResolveUserInfo(ctx, info)
	if err != nil {
		instrumentation.RecordError(span, err)
		if server.IsUserUnknown(err) {
			h.recordHTTPMetrics(ctx, "userinfo", http.StatusUnauthorized, startTime)
			h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "The access token is invalid or expired")
			return
		}
		h.recordHTTPMetrics(ctx, "userinfo", http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Failed to resolve user info", http.StatusInternalServerError)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(ctx, "userinfo", http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

// ServeRevoke handles RFC 7009 token revocation.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	tokenTypeHint := r.FormValue("token_type_hint")
	clientID, clientSecret := h.extractClientCredentials(r)

	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	if err := h.server.RevokeToken(ctx, token, tokenTypeHint, clientID, clientSecret); err != nil {
		oauthErr := h.mapFlowError(err, "Revocation failed")
		h.recordHTTPMetrics(ctx, "revoke", oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	// RFC 7009 Section 2.2: the response body is empty.
	h.recordHTTPMetrics(ctx, "revoke", http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeIntrospect handles RFC 7662 token introspection.
func (h *Handler) ServeIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	token := r.FormValue("token")
	clientID, clientSecret := h.extractClientCredentials(r)

	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.server.Introspect(ctx, token, clientID, clientSecret)
	if err != nil {
		oauthErr := h.mapFlowError(err, "Introspection failed")
		h.recordHTTPMetrics(ctx, "introspect", oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	response := IntrospectionResponse{Active: result.Active}
	if result.Active {
		response.Scope = result.Scope
		response.ClientID = result.ClientID
		response.Subject = result.SubjectID
		response.TokenType = result.TokenType
		response.ExpiresAt = result.ExpiresAt.Unix()
		response.IssuedAt = result.IssuedAt.Unix()
	}

	h.recordHTTPMetrics(ctx, "introspect", http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// ServeDiscovery serves the OpenID Connect discovery document. The document
// is static per deployment, so it is served with public caching.
func (h *Handler) ServeDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := util.NormalizeURL(h.server.Config.Issuer)

	codeChallengeMethods := []string{server.PKCEMethodS256}
	if h.server.Config.AllowPKCEPlain {
		codeChallengeMethods = append(codeChallengeMethods, server.PKCEMethodPlain)
	}

	metadata := DiscoveryMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + AuthorizationEndpoint,
		TokenEndpoint:                     issuer + TokenEndpoint,
		UserInfoEndpoint:                  issuer + UserInfoEndpoint,
		RevocationEndpoint:                issuer + RevocationEndpoint,
		IntrospectionEndpoint:             issuer + IntrospectionEndpoint,
		JWKSURI:                           issuer + JWKSEndpoint,
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     codeChallengeMethods,
		IDTokenSigningAlgValuesSupported:  []string{"HS256"},
		SubjectTypesSupported:             []string{"public"},
		ClaimsSupported: []string{
			"sub", "name", "given_name", "family_name", "picture",
			"email", "email_verified", "phone_number", "phone_number_verified",
			"updated_at",
		},
	}

	security.SetDiscoveryHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeJWKS serves the JSON Web Key Set. Access and refresh tokens are
// opaque and the id_token is signed with a symmetric key, so the set is
// empty; the endpoint exists so the jwks_uri advertised in discovery always
// resolves.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	security.SetDiscoveryHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string][]any{"keys": {}})
}

// Helper methods

// extractClientCredentials reads client credentials from HTTP Basic auth or,
// failing that, from the form body (client_secret_basic / client_secret_post).
func (h *Handler) extractClientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true, or writes a 401 and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Missing Authorization header")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeUnauthorizedError(w, ErrorCodeInvalidToken, "Invalid Authorization header format")
		return "", false
	}

	return parts[1], true
}

// mapFlowError converts a server flow error into a wire-level OAuth error.
// The fallback description is what invalid_grant failures show clients; the
// detailed reason never leaves the server.
func (h *Handler) mapFlowError(err error, grantDesc string) *OAuthError {
	switch {
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope("The requested scope is invalid or exceeds the grant")
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest("The request is missing a required parameter or is malformed")
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant(grantDesc)
	default:
		return ErrServerError("Internal server error")
	}
}

func (h *Handler) handleRateLimitExceeded(w http.ResponseWriter, r *http.Request, clientIP string) {
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.Grant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
		Scope:        grant.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("", code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeUnauthorizedError writes a 401 with a WWW-Authenticate challenge per
// RFC 6750 Section 3.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate("", code, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeInsufficientScopeError writes a 403 with the scopes the resource
// requires, per RFC 6750 Section 3.1.
func (h *Handler) writeInsufficientScopeError(w http.ResponseWriter, requiredScopes []string, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	scope := strings.Join(requiredScopes, " ")
	w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(scope, ErrorCodeInsufficientScope, description))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             ErrorCodeInsufficientScope,
		"error_description": description,
	})
}

// formatWWWAuthenticate formats a Bearer challenge per RFC 6750. Quote and
// backslash characters are escaped to keep header injection off the table.
func formatWWWAuthenticate(scope, errCode, errorDesc string) string {
	var params []string
	if scope != "" {
		params = append(params, fmt.Sprintf(`scope="%s"`, escapeQuotedString(scope)))
	}
	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, escapeQuotedString(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapeQuotedString(errorDesc)))
	}
	if len(params) == 0 {
		return tokenTypeBearer
	}
	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// escapeQuotedString escapes backslashes then quotes, in that order.
func escapeQuotedString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint string, status int, startTime time.Time) {
	instrumentation.AddHTTPAttributes(trace.SpanFromContext(ctx), http.MethodPost, endpoint, status)
	if h.metrics == nil {
		return
	}
	h.metrics.RecordHTTPRequest(ctx, http.MethodPost, endpoint, status, float64(time.Since(startTime).Milliseconds()))
}
