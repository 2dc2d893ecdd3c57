// Package session implements the Redis-backed credential store.
//
// A session record is one credential family: it holds the hash of the secret
// half of the currently valid refresh credential, the CSRF digest bound at
// sign-in, and any upstream refresh material. Records are encoded in a
// versioned binary layout that the rotation Lua script parses in place, so
// rotation is a single atomic compare-and-swap on the Redis side.
//
// # Architecture boundaries
//
// This package owns persistence only. It never sees plaintext secrets (only
// SHA-256 digests), never mints tokens, and never makes policy decisions.
// A hash mismatch is reported to the caller as [ErrRefreshHashMismatch] after
// the family has been revoked atomically.
package session
