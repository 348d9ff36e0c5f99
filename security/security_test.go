package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTokenDigest(t *testing.T) {
	a := TokenDigest("token-a")
	b := TokenDigest("token-b")

	if a == b {
		t.Error("distinct values produced the same digest")
	}
	if a != TokenDigest("token-a") {
		t.Error("digest is not deterministic")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex characters", len(a))
	}
	if strings.Contains(a, "token") {
		t.Error("digest leaks the input value")
	}
}

func TestIsExpiredWithGracePeriod(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{name: "future expiry", expiresAt: now.Add(time.Hour), grace: 0, want: false},
		{name: "long past expiry", expiresAt: now.Add(-time.Hour), grace: 5 * time.Second, want: true},
		{name: "just expired within grace", expiresAt: now.Add(-2 * time.Second), grace: 5 * time.Second, want: false},
		{name: "just expired without grace", expiresAt: now.Add(-2 * time.Second), grace: 0, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredWithGracePeriod(tt.expiresAt, tt.grace); got != tt.want {
				t.Errorf("IsExpiredWithGracePeriod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuditor_HashesSubjectID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: "user-secret-id",
		ClientID:  "client-1",
	})

	out := buf.String()
	if out == "" {
		t.Fatal("enabled auditor wrote nothing")
	}
	if strings.Contains(out, "user-secret-id") {
		t.Error("audit log contains the raw subject ID")
	}
	if !strings.Contains(out, EventTokenIssued) {
		t.Error("audit log is missing the event type")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogEvent(Event{Type: EventTokenIssued, SubjectID: "u"})
	auditor.LogAuthFailure("u", "c", "1.2.3.4", "bad_secret")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

type recordingAuditMetrics struct {
	events []string
}

func (r *recordingAuditMetrics) RecordAuditEvent(_ context.Context, eventType string) {
	r.events = append(r.events, eventType)
}

func TestAuditor_ForwardsEventsToMetrics(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	recorder := &recordingAuditMetrics{}
	auditor.SetMetrics(recorder)

	auditor.LogTokenIssued("user-1", "client-1", "profile:read")
	auditor.LogTokenRevoked("user-1", "client-1", "access_token")

	want := []string{EventTokenIssued, EventTokenRevoked}
	if len(recorder.events) != len(want) {
		t.Fatalf("recorded %d events, want %d", len(recorder.events), len(want))
	}
	for i := range want {
		if recorder.events[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, recorder.events[i], want[i])
		}
	}
}

func TestAuditor_DisabledSkipsMetrics(t *testing.T) {
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), false)
	recorder := &recordingAuditMetrics{}
	auditor.SetMetrics(recorder)

	auditor.LogTokenIssued("user-1", "client-1", "profile:read")

	if len(recorder.events) != 0 {
		t.Errorf("disabled auditor recorded events: %v", recorder.events)
	}
}

func TestRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	rl := NewRateLimiter(1, 2, 100, logger)
	defer rl.Stop()

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("burst requests were rejected")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst was allowed")
	}

	// Separate identifiers get their own budget.
	if !rl.Allow("10.0.0.2") {
		t.Error("fresh identifier was rejected")
	}
}

func TestGetClientIP(t *testing.T) {
	newRequest := func(remoteAddr, xff string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/token", nil)
		r.RemoteAddr = remoteAddr
		if xff != "" {
			r.Header.Set("X-Forwarded-For", xff)
		}
		return r
	}

	tests := []struct {
		name       string
		r          *http.Request
		trustProxy bool
		proxyCount int
		want       string
	}{
		{
			name: "direct connection",
			r:    newRequest("203.0.113.7:1234", ""),
			want: "203.0.113.7",
		},
		{
			name:       "XFF ignored when proxy is untrusted",
			r:          newRequest("203.0.113.7:1234", "198.51.100.1"),
			trustProxy: false,
			want:       "203.0.113.7",
		},
		{
			name:       "single trusted proxy",
			r:          newRequest("10.0.0.1:1234", "198.51.100.1"),
			trustProxy: true,
			proxyCount: 1,
			want:       "198.51.100.1",
		},
		{
			name:       "multi-hop chain picks the entry before the trusted proxies",
			r:          newRequest("10.0.0.1:1234", "1.1.1.1, 198.51.100.1, 10.0.0.2"),
			trustProxy: true,
			proxyCount: 1,
			want:       "198.51.100.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetClientIP(tt.r, tt.trustProxy, tt.proxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generates an ID when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if seen == "" {
			t.Fatal("no request ID attached to context")
		}
		if rec.Header().Get(RequestIDHeader) != seen {
			t.Error("response header does not echo the request ID")
		}
	})

	t.Run("propagates a valid inbound ID", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "client-supplied-id_01")
		handler.ServeHTTP(httptest.NewRecorder(), r)

		if seen != "client-supplied-id_01" {
			t.Errorf("request ID = %q, want the inbound value", seen)
		}
	})

	t.Run("replaces a malformed inbound ID", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "bad id with spaces")
		handler.ServeHTTP(httptest.NewRecorder(), r)

		if seen == "bad id with spaces" {
			t.Error("malformed inbound request ID was accepted")
		}
		if seen == "" {
			t.Error("no replacement request ID generated")
		}
	})
}

func TestGenerateRequestID(t *testing.T) {
	a := GenerateRequestID()
	b := GenerateRequestID()
	if a == "" || a == b {
		t.Errorf("GenerateRequestID() produced %q and %q, want distinct non-empty IDs", a, b)
	}
}

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://auth.bizbuzz.example")

	for _, header := range []string{"X-Content-Type-Options", "Cache-Control"} {
		if rec.Header().Get(header) == "" {
			t.Errorf("missing %s header", header)
		}
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store for token responses", cc)
	}
}

func TestSetDiscoveryHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetDiscoveryHeaders(rec)

	cc := rec.Header().Get("Cache-Control")
	if !strings.Contains(cc, "max-age=3600") {
		t.Errorf("Cache-Control = %q, want public caching with max-age=3600", cc)
	}
}
