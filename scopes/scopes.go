// Package scopes defines the closed catalog of OAuth scopes understood by the
// BizBuzz platform and the set operations resource endpoints use to gate access.
//
// Scopes are plain capability strings with no implicit hierarchy: granting
// "profile:read" does NOT satisfy a check for "profile:business_card:read".
// Endpoints that accept either a general or a specific scope must check both
// explicitly via Set.HasAny.
package scopes

import (
	"fmt"
	"sort"
	"strings"
)

// Platform scope identifiers. This is the complete catalog; any scope string
// outside this list is rejected at issuance time rather than trusted.
const (
	OpenID           = "openid"
	OfflineAccess    = "offline_access"
	ProfileRead      = "profile:read"
	BusinessCardRead = "profile:business_card:read"
	ContactEmail     = "contact:email"
	ContactPhone     = "contact:phone"
	EventCheckin     = "event:checkin"
	MeetingRead      = "meeting:read"
	MeetingCreate    = "meeting:create"
)

// All lists every scope the platform supports, in the order advertised by the
// discovery document.
var All = []string{
	OpenID,
	OfflineAccess,
	ProfileRead,
	BusinessCardRead,
	ContactEmail,
	ContactPhone,
	EventCheckin,
	MeetingRead,
	MeetingCreate,
}

var catalog = func() map[string]struct{} {
	m := make(map[string]struct{}, len(All))
	for _, s := range All {
		m[s] = struct{}{}
	}
	return m
}()

// IsKnown reports whether s is part of the platform scope catalog.
func IsKnown(s string) bool {
	_, ok := catalog[s]
	return ok
}

// Set is an immutable set of granted scopes. The zero value is the empty set.
type Set struct {
	granted map[string]struct{}
}

// NewSet builds a Set from individual scope strings without validating them
// against the catalog. Use Parse for caller-supplied input.
func NewSet(scopes ...string) Set {
	m := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s != "" {
			m[s] = struct{}{}
		}
	}
	return Set{granted: m}
}

// Parse parses a space-separated scope string (RFC 6749 Section 3.3) and
// validates every member against the catalog. Unknown scopes are an error so
// that grants never carry capabilities the platform does not define.
func Parse(scope string) (Set, error) {
	fields := strings.Fields(scope)
	m := make(map[string]struct{}, len(fields))
	for _, s := range fields {
		if !IsKnown(s) {
			return Set{}, fmt.Errorf("unknown scope: %s", s)
		}
		m[s] = struct{}{}
	}
	return Set{granted: m}, nil
}

// Has reports exact string membership of scope in the granted set.
func (s Set) Has(scope string) bool {
	_, ok := s.granted[scope]
	return ok
}

// HasAny reports whether the granted set intersects the given list.
func (s Set) HasAny(scopes ...string) bool {
	for _, sc := range scopes {
		if s.Has(sc) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every granted scope is also present in other.
// Used to enforce that requested scopes stay within a client's allowed set
// and that refreshed tokens never escalate beyond the original grant.
func (s Set) SubsetOf(other Set) bool {
	for sc := range s.granted {
		if !other.Has(sc) {
			return false
		}
	}
	return true
}

// Len returns the number of granted scopes.
func (s Set) Len() int {
	return len(s.granted)
}

// List returns the granted scopes in lexical order.
func (s Set) List() []string {
	out := make([]string, 0, len(s.granted))
	for sc := range s.granted {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// String returns the canonical space-separated form used in token responses
// and storage rows.
func (s Set) String() string {
	return strings.Join(s.List(), " ")
}
