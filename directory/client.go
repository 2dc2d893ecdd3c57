package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidCredentials is returned when the backend rejects an email/password pair.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrAccountExists is returned when registration targets a taken email.
var ErrAccountExists = errors.New("account already exists")

// ErrAccountNotFound is returned when a profile lookup misses.
var ErrAccountNotFound = errors.New("account not found")

// ErrBackendUnavailable wraps transport failures and 5xx responses.
var ErrBackendUnavailable = errors.New("authentication backend unavailable")

// Account is the backend's view of a user.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// VerifyResult is returned by a successful password check. Upstream refresh
// material is optional; backends that do not issue any leave it empty.
type VerifyResult struct {
	Account         Account
	UpstreamRefresh string
}

// Client is the contract the broker programs against.
type Client interface {
	// Register creates an account. The backend owns password policy and
	// hashing; the broker only forwards the plaintext over the opaque call.
	Register(ctx context.Context, email, password string) (Account, error)

	// VerifyPassword checks a credential pair and returns the account it
	// belongs to. Wrong email and wrong password are indistinguishable to
	// the caller.
	VerifyPassword(ctx context.Context, email, password string) (VerifyResult, error)

	// Lookup fetches the account record for a known user id.
	Lookup(ctx context.Context, userID string) (Account, error)

	// ExchangeRefresh rotates upstream refresh material, when the backend
	// issues any. Passing an empty token is a no-op.
	ExchangeRefresh(ctx context.Context, upstreamRefresh string) (string, error)

	// Revoke invalidates upstream refresh material on sign-out. Best effort.
	Revoke(ctx context.Context, upstreamRefresh string) error
}

// HTTPClient reaches a real authentication backend over HTTP.
//
// Idempotent calls (Lookup) are retried once on transport failure; credential
// exchanges are not, since replaying a one-time-use value upstream risks a
// replay rejection. A short client timeout is the backstop instead.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient builds a backend client for the given base URL. timeout bounds
// every call including connection setup; zero selects 5s.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) (*HTTPClient, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, errors.New("invalid backend base URL")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type credentialsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyResponse struct {
	Account
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (c *HTTPClient) Register(ctx context.Context, email, password string) (Account, error) {
	var out Account
	status, err := c.postJSON(ctx, "/accounts", credentialsPayload{Email: email, Password: password}, &out)
	if err != nil {
		return Account{}, err
	}

	switch status {
	case http.StatusCreated, http.StatusOK:
		return out, nil
	case http.StatusConflict:
		return Account{}, ErrAccountExists
	default:
		return Account{}, statusError(status)
	}
}

func (c *HTTPClient) VerifyPassword(ctx context.Context, email, password string) (VerifyResult, error) {
	var out verifyResponse
	status, err := c.postJSON(ctx, "/accounts/verify", credentialsPayload{Email: email, Password: password}, &out)
	if err != nil {
		return VerifyResult{}, err
	}

	switch status {
	case http.StatusOK:
		return VerifyResult{Account: out.Account, UpstreamRefresh: out.RefreshToken}, nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return VerifyResult{}, ErrInvalidCredentials
	default:
		return VerifyResult{}, statusError(status)
	}
}

func (c *HTTPClient) Lookup(ctx context.Context, userID string) (Account, error) {
	var out Account
	status, err := c.getJSON(ctx, "/accounts/"+url.PathEscape(userID), &out)
	if err != nil {
		return Account{}, err
	}

	switch status {
	case http.StatusOK:
		return out, nil
	case http.StatusNotFound:
		return Account{}, ErrAccountNotFound
	default:
		return Account{}, statusError(status)
	}
}

func (c *HTTPClient) ExchangeRefresh(ctx context.Context, upstreamRefresh string) (string, error) {
	if upstreamRefresh == "" {
		return "", nil
	}

	var out verifyResponse
	status, err := c.postJSON(ctx, "/tokens/refresh", map[string]string{"refreshToken": upstreamRefresh}, &out)
	if err != nil {
		return "", err
	}

	switch status {
	case http.StatusOK:
		return out.RefreshToken, nil
	case http.StatusUnauthorized:
		return "", ErrInvalidCredentials
	default:
		return "", statusError(status)
	}
}

func (c *HTTPClient) Revoke(ctx context.Context, upstreamRefresh string) error {
	if upstreamRefresh == "" {
		return nil
	}

	status, err := c.postJSON(ctx, "/tokens/revoke", map[string]string{"refreshToken": upstreamRefresh}, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusInternalServerError {
		return statusError(status)
	}
	return nil
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out, false)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	c.setHeaders(req)

	return c.do(req, out, true)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) do(req *http.Request, out any, retryOnce bool) (int, error) {
	resp, err := c.client.Do(req)
	if err != nil && retryOnce {
		// One retry for idempotent calls only. GET bodies are nil so the
		// request can be reissued as-is.
		resp, err = c.client.Do(req.Clone(req.Context()))
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: malformed response: %v", ErrBackendUnavailable, err)
		}
	}

	return resp.StatusCode, nil
}

func statusError(status int) error {
	return fmt.Errorf("%w: unexpected status %d", ErrBackendUnavailable, status)
}
