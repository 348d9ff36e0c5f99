package oauth

// Grant types accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Token endpoint parameter values.
const (
	tokenTypeBearer = "Bearer"

	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// Endpoint paths served by the handler.
const (
	TokenEndpoint         = "/token"
	UserInfoEndpoint      = "/userinfo"
	RevocationEndpoint    = "/revoke"
	IntrospectionEndpoint = "/introspect"
	DiscoveryEndpoint     = "/.well-known/openid-configuration"
	JWKSEndpoint          = "/.well-known/jwks.json"

	// AuthorizationEndpoint is advertised in the discovery document; the
	// interactive login and consent UI lives in the main platform, which
	// calls IssueAuthorizationCode once the user has approved.
	AuthorizationEndpoint = "/authorize"
)
