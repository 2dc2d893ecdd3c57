package sessionbroker

import "time"

// User is the broker's view of an account record.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Principal is the identity resolved from a valid access token. Claims are
// trusted because the signature verified and the backing session still exists.
type Principal struct {
	UserID    string
	Email     string
	SessionID string
	ExpiresAt time.Time
}

// SignInResult carries everything a transport needs to establish a client
// session: the bearer access token, the cookie-bound refresh credential, and
// the CSRF token the client must echo on cookie-bearing mutations.
//
// CSRFToken is issued exactly once per credential family. The broker stores
// only its hash, so the plaintext cannot be re-derived later.
type SignInResult struct {
	AccessToken       string
	AccessExpiresAt   time.Time
	RefreshCredential string
	CSRFToken         string
	User              User
}

// RefreshResult carries the outcome of one rotation: a fresh access token and
// the replacement refresh credential. The CSRF token is unchanged by rotation
// and therefore not reissued.
type RefreshResult struct {
	AccessToken       string
	AccessExpiresAt   time.Time
	RefreshCredential string
}
