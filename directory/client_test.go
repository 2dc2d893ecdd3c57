package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, "test-key", time.Second)
	require.NoError(t, err)
	return c
}

func TestHTTPClientRegister(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/accounts", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "a@x.com", body["email"])

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Account{ID: "u1", Email: body["email"], CreatedAt: time.Now().UTC()})
	}))

	acc, err := c.Register(context.Background(), "a@x.com", "p12345678")
	require.NoError(t, err)
	assert.Equal(t, "u1", acc.ID)
	assert.Equal(t, "a@x.com", acc.Email)
}

func TestHTTPClientRegisterConflict(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	_, err := c.Register(context.Background(), "a@x.com", "p12345678")
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestHTTPClientVerifyPassword(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/verify", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           "u1",
			"email":        "a@x.com",
			"refreshToken": "up-1",
		})
	}))

	res, err := c.VerifyPassword(context.Background(), "a@x.com", "p12345678")
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Account.ID)
	assert.Equal(t, "up-1", res.UpstreamRefresh)
}

func TestHTTPClientVerifyPasswordRejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := c.VerifyPassword(context.Background(), "a@x.com", "wrong")
		assert.ErrorIs(t, err, ErrInvalidCredentials, "status %d", status)
	}
}

func TestHTTPClientLookupRetriesOnce(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the first attempt mid-flight.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		require.Equal(t, "/accounts/u1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Account{ID: "u1", Email: "a@x.com"})
	}))

	acc, err := c.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", acc.ID)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPClientExchangeDoesNotRetry(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))

	_, err := c.ExchangeRefresh(context.Background(), "up-1")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPClientExchangeEmptyIsNoop(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected")
	}))

	next, err := c.ExchangeRefresh(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestHTTPClientServerError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Lookup(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	acc, err := m.Register(ctx, "a@x.com", "p12345678")
	require.NoError(t, err)
	require.NotEmpty(t, acc.ID)

	_, err = m.Register(ctx, "a@x.com", "other")
	assert.ErrorIs(t, err, ErrAccountExists)

	res, err := m.VerifyPassword(ctx, "a@x.com", "p12345678")
	require.NoError(t, err)
	assert.Equal(t, acc.ID, res.Account.ID)
	require.NotEmpty(t, res.UpstreamRefresh)

	_, err = m.VerifyPassword(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	got, err := m.Lookup(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Email)

	next, err := m.ExchangeRefresh(ctx, res.UpstreamRefresh)
	require.NoError(t, err)
	require.NotEmpty(t, next)
	assert.NotEqual(t, res.UpstreamRefresh, next)

	// The exchanged token is single use.
	_, err = m.ExchangeRefresh(ctx, res.UpstreamRefresh)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, m.Revoke(ctx, next))
	_, err = m.ExchangeRefresh(ctx, next)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
