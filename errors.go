package sessionbroker

import "errors"

var (
	// ErrUnauthorized covers missing, malformed, expired, or revoked access
	// tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials covers a rejected email/password pair. Wrong
	// email and wrong password are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountExists is returned by SignUp when the email is taken.
	ErrAccountExists = errors.New("account already exists")
	// ErrAccountNotFound is returned when a profile lookup misses.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRefreshInvalid covers a refresh credential that cannot be decoded
	// or does not map to a live session.
	ErrRefreshInvalid = errors.New("invalid refresh credential")
	// ErrRefreshReuse signals that a stale refresh secret was presented for
	// a live session. The whole credential family is revoked when this fires.
	ErrRefreshReuse = errors.New("refresh credential reuse detected")
	// ErrCSRFMismatch signals a missing or wrong cross-site request token on
	// a cookie-bearing mutation.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrSessionExpired is returned when a session's absolute lifetime has
	// passed.
	ErrSessionExpired = errors.New("session expired")
	// ErrBrokerNotReady is returned by every operation before New has
	// succeeded, or after Close.
	ErrBrokerNotReady = errors.New("broker not initialized")
	// ErrBackendUnavailable wraps directory or session store outages.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
