package sessionbroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ashvell/sessionbroker/directory"
)

func newTestBroker(t *testing.T, opts ...func(*Builder)) (*Broker, *directory.Memory) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dir := directory.NewMemory()

	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Metrics.Enabled = true

	builder := New().WithConfig(cfg).WithRedis(client).WithDirectory(dir)
	for _, opt := range opts {
		opt(builder)
	}

	broker, err := builder.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(broker.Close)

	return broker, dir
}

func mustSignIn(t *testing.T, b *Broker, dir *directory.Memory) *SignInResult {
	t.Helper()

	ctx := context.Background()
	if _, err := b.SignUp(ctx, "a@x.com", "p12345678"); err != nil && !errors.Is(err, ErrAccountExists) {
		t.Fatalf("SignUp: %v", err)
	}

	res, err := b.SignIn(ctx, "a@x.com", "p12345678")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	return res
}

func TestSignUpDuplicate(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	user, err := b.SignUp(ctx, "a@x.com", "p12345678")
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.ID == "" || user.Email != "a@x.com" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := b.SignUp(ctx, "a@x.com", "other-pass"); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	b, dir := newTestBroker(t)
	mustSignIn(t, b, dir)

	if _, err := b.SignIn(context.Background(), "a@x.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := b.SignIn(context.Background(), "nobody@x.com", "p12345678"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestSignInIssuesDistinctFamilies(t *testing.T) {
	b, dir := newTestBroker(t)

	first := mustSignIn(t, b, dir)
	second := mustSignIn(t, b, dir)

	if first.RefreshCredential == second.RefreshCredential {
		t.Fatal("two sign-ins shared a refresh credential")
	}
	if first.CSRFToken == second.CSRFToken {
		t.Fatal("two sign-ins shared a CSRF token")
	}

	// Revoking one family must not touch the other.
	if err := b.SignOut(context.Background(), first.RefreshCredential); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, err := b.Refresh(context.Background(), second.RefreshCredential); err != nil {
		t.Fatalf("second family refresh after first family sign-out: %v", err)
	}
}

func TestResolve(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)
	ctx := context.Background()

	principal, err := b.Resolve(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if principal.UserID != res.User.ID || principal.Email != "a@x.com" {
		t.Fatalf("unexpected principal: %+v", principal)
	}
	if principal.SessionID == "" {
		t.Fatal("principal missing session id")
	}

	if _, err := b.Resolve(ctx, res.AccessToken+"x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for tampered token, got %v", err)
	}
	if _, err := b.Resolve(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for empty token, got %v", err)
	}
}

func TestResolveAfterSignOut(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)
	ctx := context.Background()

	if err := b.SignOut(ctx, res.RefreshCredential); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	// The token's signature is still valid, but the family is gone.
	if _, err := b.Resolve(ctx, res.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after sign-out, got %v", err)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	b, dir := newTestBroker(t, func(bld *Builder) {
		cfg := DefaultConfig()
		cfg.JWT.SigningMethod = "hs256"
		cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
		cfg.JWT.AccessTTL = 20 * time.Millisecond
		cfg.JWT.Leeway = 0
		bld.WithConfig(cfg)
	})
	res := mustSignIn(t, b, dir)

	time.Sleep(50 * time.Millisecond)

	if _, err := b.Resolve(context.Background(), res.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestProfile(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)

	user, err := b.Profile(context.Background(), res.AccessToken)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if user.ID != res.User.ID || user.Email != "a@x.com" {
		t.Fatalf("unexpected profile: %+v", user)
	}
}

func TestRefreshRotatesCredential(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)
	ctx := context.Background()

	rotated, err := b.Refresh(ctx, res.RefreshCredential)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshCredential == res.RefreshCredential {
		t.Fatal("refresh returned the same credential")
	}
	if rotated.AccessToken == "" {
		t.Fatal("refresh returned no access token")
	}

	// The rotated credential keeps working.
	if _, err := b.Refresh(ctx, rotated.RefreshCredential); err != nil {
		t.Fatalf("second rotation: %v", err)
	}
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)
	ctx := context.Background()

	rotated, err := b.Refresh(ctx, res.RefreshCredential)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Presenting the superseded credential is a replay signal.
	if _, err := b.Refresh(ctx, res.RefreshCredential); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	// The replay revoked the family, so even the current credential is dead.
	if _, err := b.Refresh(ctx, rotated.RefreshCredential); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid after family revocation, got %v", err)
	}
	if _, err := b.Resolve(ctx, rotated.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after family revocation, got %v", err)
	}
}

func TestRefreshGarbageCredential(t *testing.T) {
	b, _ := newTestBroker(t)

	for _, credential := range []string{"", "not-base64!!", "dG9vLXNob3J0"} {
		if _, err := b.Refresh(context.Background(), credential); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("credential %q: expected ErrRefreshInvalid, got %v", credential, err)
		}
	}
}

// gatedDirectory holds the upstream exchange open until released so a test
// can pile concurrent refresh calls onto one in-flight rotation.
type gatedDirectory struct {
	*directory.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedDirectory) ExchangeRefresh(ctx context.Context, upstream string) (string, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Memory.ExchangeRefresh(ctx, upstream)
}

func TestConcurrentRefreshSharesOneRotation(t *testing.T) {
	gated := &gatedDirectory{
		Memory:  directory.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	b, _ := newTestBroker(t, func(builder *Builder) {
		builder.WithDirectory(gated)
	})
	res := mustSignIn(t, b, gated.Memory)
	ctx := context.Background()

	const workers = 16
	results := make([]*RefreshResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Refresh(ctx, res.RefreshCredential)
		}(i)
	}

	// Wait until the first caller is inside the rotation, give the rest
	// time to join the flight, then let it finish.
	<-gated.entered
	time.Sleep(200 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i].RefreshCredential != results[0].RefreshCredential {
			t.Fatalf("worker %d received a different credential", i)
		}
		if results[i].AccessToken != results[0].AccessToken {
			t.Fatalf("worker %d received a different access token", i)
		}
	}

	if calls := gated.ExchangeCalls(); calls != 1 {
		t.Fatalf("expected exactly one upstream exchange, got %d", calls)
	}
	// Every caller, winner included, observes the shared flight.
	if shared := b.MetricsSnapshot().Counters[MetricRefreshShared]; shared != workers {
		t.Fatalf("expected %d shared refreshes, got %d", workers, shared)
	}
}

func TestCheckCSRF(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)
	ctx := context.Background()

	if err := b.CheckCSRF(ctx, res.RefreshCredential, res.CSRFToken); err != nil {
		t.Fatalf("CheckCSRF: %v", err)
	}
	if err := b.CheckCSRF(ctx, res.RefreshCredential, ""); !errors.Is(err, ErrCSRFMismatch) {
		t.Fatalf("expected ErrCSRFMismatch for empty token, got %v", err)
	}
	if err := b.CheckCSRF(ctx, res.RefreshCredential, "wrong-token"); !errors.Is(err, ErrCSRFMismatch) {
		t.Fatalf("expected ErrCSRFMismatch for wrong token, got %v", err)
	}

	// The CSRF token survives rotation; only sign-out kills it.
	rotated, err := b.Refresh(ctx, res.RefreshCredential)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := b.CheckCSRF(ctx, rotated.RefreshCredential, res.CSRFToken); err != nil {
		t.Fatalf("CheckCSRF after rotation: %v", err)
	}

	if err := b.SignOut(ctx, rotated.RefreshCredential); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if err := b.CheckCSRF(ctx, rotated.RefreshCredential, res.CSRFToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid after sign-out, got %v", err)
	}
}

func TestSignOutIdempotent(t *testing.T) {
	b, dir := newTestBroker(t)
	res := mustSignIn(t, b, dir)
	ctx := context.Background()

	if err := b.SignOut(ctx, res.RefreshCredential); err != nil {
		t.Fatalf("first SignOut: %v", err)
	}
	if err := b.SignOut(ctx, res.RefreshCredential); err != nil {
		t.Fatalf("second SignOut: %v", err)
	}
	if err := b.SignOut(ctx, "garbage"); err != nil {
		t.Fatalf("SignOut with garbage credential: %v", err)
	}
}

func TestEventsEmitted(t *testing.T) {
	sink := NewChannelSink(16)
	b, dir := newTestBroker(t, func(builder *Builder) {
		cfg := DefaultConfig()
		cfg.JWT.SigningMethod = "hs256"
		cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
		cfg.Events.Enabled = true
		cfg.Events.DropIfFull = false
		builder.WithConfig(cfg).WithEventSink(sink)
	})
	res := mustSignIn(t, b, dir)
	ctx := WithRequestID(context.Background(), "req-1")

	if _, err := b.Refresh(ctx, res.RefreshCredential); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := b.Refresh(ctx, res.RefreshCredential); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}

	// The replay revoked the first family; open a second one to observe
	// the sign-out event.
	res2 := mustSignIn(t, b, dir)
	if err := b.SignOut(ctx, res2.RefreshCredential); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	want := []EventType{EventSignedIn, EventRefreshed, EventReplayDetected, EventSignedIn, EventSignedOut}
	for _, wantType := range want {
		select {
		case event := <-sink.Events():
			if event.Type != wantType {
				t.Fatalf("expected event %q, got %q", wantType, event.Type)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %q", wantType)
		}
	}
}

func TestBrokerNotReady(t *testing.T) {
	var b *Broker

	if _, err := b.Resolve(context.Background(), "token"); !errors.Is(err, ErrBrokerNotReady) {
		t.Fatalf("expected ErrBrokerNotReady, got %v", err)
	}

	zero := &Broker{}
	if _, err := zero.SignIn(context.Background(), "a@x.com", "p"); !errors.Is(err, ErrBrokerNotReady) {
		t.Fatalf("expected ErrBrokerNotReady, got %v", err)
	}
}

func TestBuilderValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if _, err := New().WithDirectory(directory.NewMemory()).Build(); err == nil {
		t.Fatal("expected error without redis client")
	}
	if _, err := New().WithRedis(client).Build(); err == nil {
		t.Fatal("expected error without directory client")
	}

	// Default config uses ed25519 without keys, which must fail validation.
	if _, err := New().WithRedis(client).WithDirectory(directory.NewMemory()).Build(); err == nil {
		t.Fatal("expected error for missing signing keys")
	}

	builder := New().WithRedis(client).WithDirectory(directory.NewMemory())
	cfg := DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
	if _, err := builder.WithConfig(cfg).Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := builder.Build(); err == nil {
		t.Fatal("expected error reusing a builder")
	}
}
