package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/vilanovax/bizbuzz-auth/instrumentation"
	"github.com/vilanovax/bizbuzz-auth/security"
	"github.com/vilanovax/bizbuzz-auth/storage"
)

// Server implements the authorization core logic. It coordinates grant flows
// against the storage backend; all token state transitions go through the
// store's atomic conditional operations, so any number of Server instances
// may share one store.
type Server struct {
	store storage.Store

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	SecurityEventRateLimiter *security.RateLimiter // throttles reuse/failure log output
	Logger                   *slog.Logger
	Config                   *Config

	inst *instrumentation.Instrumentation
}

// New creates a new authorization server.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		store:  store,
		Config: config,
		Logger: logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event
// logging. Prevents log flooding from repeated replay attempts.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// metrics returns the metrics holder, or nil when instrumentation is unset.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.inst == nil {
		return nil
	}
	return s.inst.Metrics()
}

// validateHTTPSEnforcement ensures the issuer uses HTTPS outside of
// localhost development. Tokens and codes travel in request bodies, so a
// plain-HTTP issuer exposes every credential on the wire.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		hostname := issuerURL.Hostname()
		if isLocalhostHostname(hostname) {
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got http://%s); set AllowInsecureHTTP=true for development only",
				hostname,
			)
		}
		s.Logger.Error("CRITICAL SECURITY WARNING: serving tokens over HTTP",
			"issuer", s.Config.Issuer,
			"risk", "all tokens and credentials exposed to interception")
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLocalhostHostname reports whether a hostname refers to the local
// machine, including the whole 127.0.0.0/8 range and the IPv6 loopback.
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}
	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// generateRandomToken generates a cryptographically secure random token.
// oauth2.GenerateVerifier produces a URL-safe base64 string with 256 bits of
// entropy, suitable for codes and opaque tokens alike.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
