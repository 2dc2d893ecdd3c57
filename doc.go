// Package sessionbroker brokers browser-facing sessions for an external
// authentication backend: short-lived JWT access tokens, a server-held
// rotating refresh credential, and a double-submit CSRF token per credential
// family.
//
// The package is designed for concurrent server workloads: Broker methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// sessionbroker is the public surface. It exposes [Broker], [Builder],
// [Config], and value types (Principal, SignInResult, MetricsSnapshot, etc.).
// Session encoding, credential material, and the atomic rotation script live
// under session/ and internal/; the HTTP surface lives under httpapi/ and is
// strictly a consumer of this package.
//
// # What this package must NOT do
//
//   - Expose Redis clients, session blobs, or credential encoding details in
//     its public API.
//   - Store a password, a refresh secret, or a CSRF token in recoverable
//     form. Only their hashes are held server-side.
//   - Touch cookies or headers. Transport concerns belong to httpapi.
//
// # Performance contract
//
// Resolve is the hot path: one signature check plus one Redis read. Refresh
// is one Lua round-trip; concurrent refreshes of the same credential coalesce
// into a single flight rather than racing.
package sessionbroker
