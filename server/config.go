package server

import (
	"log/slog"
	"time"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/security"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Embedded in the
	// discovery document and in id_token iss claims.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// IDTokenTTL is how long id_tokens are valid.
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// IDTokenSigningKey is the HS256 key for signing id_tokens. Required
	// when any client may be granted the openid scope.
	IDTokenSigningKey []byte

	// RequirePKCEForPublicClients mandates a PKCE challenge on codes issued
	// to clients without a secret.
	// Default: true
	RequirePKCEForPublicClients bool // default: true

	// AllowPKCEPlain allows the 'plain' code_challenge_method alongside
	// S256. Plain offers no protection against challenge interception;
	// enable only for legacy mobile clients that cannot compute S256.
	// Default: false
	AllowPKCEPlain bool // default: false

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used to extract the client IP from X-Forwarded-For.
	// Default: 1
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for expiry checks in seconds.
	// Covers clock drift between instances sharing a store.
	// Default: 5
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes this deployment grants. Defaults to
	// the full registry.
	SupportedScopes []string

	// AllowInsecureHTTP permits a non-localhost http:// issuer. Development
	// only.
	AllowInsecureHTTP bool // default: false
}

// applySecureDefaults applies secure-by-default configuration values.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration.
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = config.AccessTokenTTL
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = int64(security.DefaultClockSkewGracePeriod / time.Second)
	}
}

// applySecurityDefaults sets secure defaults and logs warnings for settings
// that were explicitly weakened.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	// If neither security bool was touched, treat the config as fresh and
	// apply secure defaults rather than warning about them.
	isDefaultConfig := !config.RequirePKCEForPublicClients && !config.TrustProxy

	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = scopes.All
	}

	if isDefaultConfig {
		config.RequirePKCEForPublicClients = true
		config.AllowPKCEPlain = false
		config.TrustProxy = false
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.RequirePKCEForPublicClients {
		logger.Warn("SECURITY WARNING: PKCE is not required for public clients",
			"risk", "Authorization code interception attacks",
			"recommendation", "Set RequirePKCEForPublicClients=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY NOTICE: Plain PKCE method is allowed",
			"risk", "Weak code challenge protection",
			"recommendation", "Migrate clients to S256 and set AllowPKCEPlain=false")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if the proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
