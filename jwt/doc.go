// Package jwt mints and verifies the broker's short-lived access tokens.
//
// Tokens are standard JWTs signed with Ed25519 (default) or HS256. Claims are
// minimal: subject (user id), email, and sid (credential family id). The sid
// claim is what lets callers check a token against live session state without
// embedding any revocable material in the token itself.
package jwt
