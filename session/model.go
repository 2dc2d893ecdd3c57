package session

// Session is the server-held record for one credential family. One record
// exists per sign-in (per device); rotation replaces RefreshHash in place.
type Session struct {
	SessionID string
	UserID    string
	Email     string

	// RefreshHash is the SHA-256 of the secret half of the refresh
	// credential currently accepted for this family.
	RefreshHash [32]byte

	// CsrfHash is the SHA-256 of the double-submit token issued at sign-in.
	CsrfHash [32]byte

	// UpstreamRefresh carries opaque refresh material from the external
	// authentication backend, when that backend issues any. Never sent to
	// clients.
	UpstreamRefresh string

	CreatedAt int64
	ExpiresAt int64
}
