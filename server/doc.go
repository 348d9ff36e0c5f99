// Package server implements the authorization core logic independent of the
// HTTP surface: issuing and exchanging one-time authorization codes, PKCE
// verification, opaque access and refresh token minting, refresh rotation
// with family-based reuse detection, bearer validation, revocation,
// introspection, and userinfo claim resolution.
//
// The HTTP facade in the root package translates requests into calls on
// Server; all policy decisions live here.
package server
