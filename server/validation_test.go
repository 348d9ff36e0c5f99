package server

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/storage"
	"github.com/vilanovax/bizbuzz-auth/storage/memory"
)

func newValidationTestServer(t *testing.T, config *Config) *Server {
	t.Helper()

	if config == nil {
		config = &Config{}
	}
	if config.Issuer == "" {
		config.Issuer = "https://auth.bizbuzz.example"
	}
	srv, err := New(memory.New(discardLogger()), config, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func TestAuthenticateClient(t *testing.T) {
	srv := newValidationTestServer(t, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword() error = %v", err)
	}
	confidential := &storage.Client{ClientID: "c", ClientSecretHash: string(hash)}
	public := &storage.Client{ClientID: "p"}

	tests := []struct {
		name    string
		client  *storage.Client
		secret  string
		wantErr bool
	}{
		{name: "confidential with correct secret", client: confidential, secret: "secret"},
		{name: "confidential with wrong secret", client: confidential, secret: "nope", wantErr: true},
		{name: "confidential with missing secret", client: confidential, secret: "", wantErr: true},
		{name: "public without secret", client: public, secret: ""},
		{name: "public sending a secret", client: public, secret: "secret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.authenticateClient(tt.client, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("authenticateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidClient) {
				t.Errorf("authenticateClient() error = %v, want ErrInvalidClient", err)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	srv := newValidationTestServer(t, nil)

	client := &storage.Client{
		ClientID: "c",
		RedirectURIs: []string{
			"https://app.example.com/callback",
			"https://app.example.com/alt",
		},
	}

	tests := []struct {
		name    string
		uri     string
		wantErr error
	}{
		{name: "registered URI", uri: "https://app.example.com/callback"},
		{name: "second registered URI", uri: "https://app.example.com/alt"},
		{name: "empty URI", uri: "", wantErr: ErrInvalidRequest},
		{name: "unregistered URI", uri: "https://evil.example.com/callback", wantErr: ErrInvalidGrant},
		{name: "trailing slash mismatch", uri: "https://app.example.com/callback/", wantErr: ErrInvalidGrant},
		{name: "case mismatch", uri: "https://app.example.com/Callback", wantErr: ErrInvalidGrant},
		{name: "extra query parameter", uri: "https://app.example.com/callback?x=1", wantErr: ErrInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateRedirectURI(client, tt.uri)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("validateRedirectURI() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateRedirectURI() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRequestedScopes(t *testing.T) {
	srv := newValidationTestServer(t, &Config{
		SupportedScopes: []string{"openid", "profile:read", "contact:email"},
	})

	client := &storage.Client{
		ClientID:      "c",
		AllowedScopes: []string{"openid", "profile:read"},
	}

	tests := []struct {
		name      string
		requested string
		want      string
		wantErr   error
	}{
		{name: "empty resolves to allowed set", requested: "", want: "openid profile:read"},
		{name: "subset of allowed", requested: "profile:read", want: "profile:read"},
		{name: "full allowed set", requested: "openid profile:read", want: "openid profile:read"},
		{name: "unknown scope", requested: "admin:all", wantErr: ErrInvalidScope},
		{name: "known but unsupported by deployment", requested: "meeting:read", wantErr: ErrInvalidScope},
		{name: "supported but not allowed for client", requested: "contact:email", wantErr: ErrInvalidScope},
		{name: "mixed allowed and disallowed", requested: "openid contact:email", wantErr: ErrInvalidScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := srv.validateRequestedScopes(tt.requested, client)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("validateRequestedScopes() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("validateRequestedScopes() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("validateRequestedScopes() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestValidatePKCE(t *testing.T) {
	srv := newValidationTestServer(t, &Config{AllowPKCEPlain: true})

	verifier := oauth2.GenerateVerifier()
	challenge := s256Challenge(verifier)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{name: "valid S256", challenge: challenge, method: PKCEMethodS256, verifier: verifier},
		{name: "valid plain", challenge: verifier, method: PKCEMethodPlain, verifier: verifier},
		{name: "no PKCE registered, no verifier", challenge: "", method: "", verifier: ""},
		{name: "no PKCE registered but verifier sent", challenge: "", method: "", verifier: verifier, wantErr: true},
		{name: "missing verifier", challenge: challenge, method: PKCEMethodS256, verifier: "", wantErr: true},
		{name: "wrong verifier", challenge: challenge, method: PKCEMethodS256, verifier: oauth2.GenerateVerifier(), wantErr: true},
		{name: "verifier too short", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("a", MinCodeVerifierLength-1), wantErr: true},
		{name: "verifier too long", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("a", MaxCodeVerifierLength+1), wantErr: true},
		{name: "verifier with invalid characters", challenge: challenge, method: PKCEMethodS256, verifier: strings.Repeat("a", 42) + "!", wantErr: true},
		{name: "unsupported method", challenge: challenge, method: "S512", verifier: verifier, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePKCE_PlainDisabled(t *testing.T) {
	srv := newValidationTestServer(t, &Config{
		RequirePKCEForPublicClients: true,
		AllowPKCEPlain:              false,
	})

	verifier := oauth2.GenerateVerifier()
	if err := srv.validatePKCE(verifier, PKCEMethodPlain, verifier); err == nil {
		t.Error("validatePKCE() accepted plain method while disabled")
	}
	if err := srv.validatePKCE(s256Challenge(verifier), PKCEMethodS256, verifier); err != nil {
		t.Errorf("validatePKCE() S256 error = %v", err)
	}
}

func TestValidateChallengeRegistration(t *testing.T) {
	srv := newValidationTestServer(t, &Config{
		RequirePKCEForPublicClients: true,
		AllowPKCEPlain:              true,
	})

	public := &storage.Client{ClientID: "p"}
	confidential := &storage.Client{ClientID: "c", ClientSecretHash: "$2a$10$hash"}
	challenge := s256Challenge(oauth2.GenerateVerifier())

	tests := []struct {
		name      string
		client    *storage.Client
		challenge string
		method    string
		wantErr   bool
	}{
		{name: "public with S256", client: public, challenge: challenge, method: PKCEMethodS256},
		{name: "public with plain", client: public, challenge: challenge, method: PKCEMethodPlain},
		{name: "public without challenge", client: public, challenge: "", method: "", wantErr: true},
		{name: "confidential without challenge", client: confidential, challenge: "", method: ""},
		{name: "challenge without method", client: public, challenge: challenge, method: "", wantErr: true},
		{name: "method without challenge", client: confidential, challenge: "", method: PKCEMethodS256, wantErr: true},
		{name: "unsupported method", client: public, challenge: challenge, method: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateChallengeRegistration(tt.client, tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateChallengeRegistration() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRequestedScopes_DefaultSupported(t *testing.T) {
	srv := newValidationTestServer(t, nil)

	client := &storage.Client{ClientID: "c", AllowedScopes: scopes.All}
	got, err := srv.validateRequestedScopes("meeting:create event:checkin", client)
	if err != nil {
		t.Fatalf("validateRequestedScopes() error = %v", err)
	}
	if !got.Has(scopes.MeetingCreate) || !got.Has(scopes.EventCheckin) {
		t.Errorf("validateRequestedScopes() = %q, missing requested scopes", got.String())
	}
}
