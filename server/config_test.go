package server

import (
	"strings"
	"testing"

	"github.com/vilanovax/bizbuzz-auth/scopes"
	"github.com/vilanovax/bizbuzz-auth/storage/memory"
)

func TestApplySecureDefaults(t *testing.T) {
	config := applySecureDefaults(&Config{Issuer: "https://auth.example.com"}, discardLogger())

	if config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", config.AuthorizationCodeTTL)
	}
	if config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", config.AccessTokenTTL)
	}
	if config.RefreshTokenTTL != 7776000 {
		t.Errorf("RefreshTokenTTL = %d, want 7776000", config.RefreshTokenTTL)
	}
	if config.IDTokenTTL != config.AccessTokenTTL {
		t.Errorf("IDTokenTTL = %d, want AccessTokenTTL (%d)", config.IDTokenTTL, config.AccessTokenTTL)
	}
	if config.ClockSkewGracePeriod != 5 {
		t.Errorf("ClockSkewGracePeriod = %d, want 5", config.ClockSkewGracePeriod)
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if !config.RequirePKCEForPublicClients {
		t.Error("RequirePKCEForPublicClients not defaulted to true")
	}
	if config.AllowPKCEPlain {
		t.Error("AllowPKCEPlain defaulted to true, plain must be opt-in")
	}
	if config.TrustProxy {
		t.Error("TrustProxy defaulted to true")
	}
	if len(config.SupportedScopes) != len(scopes.All) {
		t.Errorf("SupportedScopes has %d entries, want full catalog (%d)", len(config.SupportedScopes), len(scopes.All))
	}
}

func TestApplySecureDefaults_ExplicitValuesKept(t *testing.T) {
	config := applySecureDefaults(&Config{
		Issuer:                      "https://auth.example.com",
		AccessTokenTTL:              900,
		RequirePKCEForPublicClients: true,
		AllowPKCEPlain:              false,
		SupportedScopes:             []string{"openid"},
	}, discardLogger())

	if config.AccessTokenTTL != 900 {
		t.Errorf("AccessTokenTTL = %d, want explicit 900", config.AccessTokenTTL)
	}
	if config.AllowPKCEPlain {
		t.Error("explicit AllowPKCEPlain=false was overwritten")
	}
	if len(config.SupportedScopes) != 1 {
		t.Errorf("SupportedScopes = %v, want explicit single entry", config.SupportedScopes)
	}
}

func TestNew_HTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name              string
		issuer            string
		allowInsecureHTTP bool
		wantErr           bool
		errContains       string
	}{
		{name: "https production issuer", issuer: "https://auth.bizbuzz.example"},
		{name: "http localhost", issuer: "http://localhost:8090"},
		{name: "http loopback", issuer: "http://127.0.0.1:8090"},
		{name: "http loopback range", issuer: "http://127.5.5.5:8090"},
		{name: "http IPv6 loopback", issuer: "http://[::1]:8090"},
		{name: "http production rejected", issuer: "http://auth.bizbuzz.example", wantErr: true, errContains: "HTTPS"},
		{name: "http production with override", issuer: "http://auth.bizbuzz.example", allowInsecureHTTP: true},
		{name: "missing issuer", issuer: "", wantErr: true, errContains: "issuer is required"},
		{name: "unsupported scheme", issuer: "ftp://auth.bizbuzz.example", wantErr: true, errContains: "scheme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(memory.New(discardLogger()), &Config{
				Issuer:            tt.issuer,
				AllowInsecureHTTP: tt.allowInsecureHTTP,
			}, discardLogger())

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("New() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("New() succeeded, want error")
			}
			if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("New() error = %q, want it to mention %q", err, tt.errContains)
			}
		})
	}
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(nil, &Config{Issuer: "https://auth.example.com"}, discardLogger()); err == nil {
		t.Error("New() accepted a nil store")
	}
}

func TestIsLocalhostHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.255.255.255", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"[::1]", true},
		{"192.168.1.1", false},
		{"auth.bizbuzz.example", false},
		{"localhost.evil.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.hostname, func(t *testing.T) {
			if got := isLocalhostHostname(tt.hostname); got != tt.want {
				t.Errorf("isLocalhostHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
			}
		})
	}
}
