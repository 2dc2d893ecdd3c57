package sessionbroker

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ashvell/sessionbroker/directory"
	"github.com/ashvell/sessionbroker/internal/secrets"
	"github.com/ashvell/sessionbroker/jwt"
	"github.com/ashvell/sessionbroker/session"
)

const replayAnomalyTTL = 24 * time.Hour

// Broker is the session and identity facade. Construct one through the
// Builder; the zero value returns ErrBrokerNotReady from every operation.
// All methods are safe for concurrent use.
type Broker struct {
	config     Config
	store      *session.Store
	jwtManager *jwt.Manager
	directory  directory.Client
	events     *eventDispatcher
	metrics    *Metrics
	logger     *zap.Logger

	// refreshGroup coalesces concurrent rotations of the same credential.
	// The key binds the session ID to the presented secret so only callers
	// holding the identical credential share a flight; a stale secret forms
	// its own key and still hits the replay path.
	refreshGroup singleflight.Group
}

// Config returns the broker's effective configuration. The HTTP surface reads
// cookie parameters from it.
func (b *Broker) Config() Config {
	if b == nil {
		return Config{}
	}
	return cloneConfig(b.config)
}

// Close flushes and stops the event dispatcher. The broker must not be used
// afterwards.
func (b *Broker) Close() {
	if b == nil {
		return
	}
	if b.events != nil {
		b.events.Close()
	}
}

// EventsDropped reports how many events were discarded because the sink could
// not keep up.
func (b *Broker) EventsDropped() uint64 {
	if b == nil || b.events == nil {
		return 0
	}
	return b.events.Dropped()
}

func (b *Broker) MetricsSnapshot() MetricsSnapshot {
	if b == nil || b.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return b.metrics.Snapshot()
}

func (b *Broker) metricInc(id MetricID) {
	if b == nil || b.metrics == nil {
		return
	}
	b.metrics.Inc(id)
}

func (b *Broker) ready() bool {
	return b != nil && b.store != nil && b.jwtManager != nil && b.directory != nil
}

// SignUp creates an account at the directory. It deliberately does not start
// a session; callers sign in afterwards.
func (b *Broker) SignUp(ctx context.Context, email, password string) (User, error) {
	if !b.ready() {
		return User{}, ErrBrokerNotReady
	}

	acc, err := b.directory.Register(ctx, email, password)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrAccountExists):
			b.metricInc(MetricSignUpDuplicate)
			return User{}, ErrAccountExists
		case errors.Is(err, directory.ErrBackendUnavailable):
			return User{}, errors.Join(ErrBackendUnavailable, err)
		default:
			return User{}, err
		}
	}

	b.metricInc(MetricSignUpSuccess)

	return User(acc), nil
}

// SignIn verifies a credential pair and establishes a new credential family:
// one session record, one refresh credential, one CSRF token.
func (b *Broker) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	if !b.ready() {
		return nil, ErrBrokerNotReady
	}

	verified, err := b.directory.VerifyPassword(ctx, email, password)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrInvalidCredentials):
			b.metricInc(MetricSignInFailure)
			return nil, ErrInvalidCredentials
		case errors.Is(err, directory.ErrBackendUnavailable):
			return nil, errors.Join(ErrBackendUnavailable, err)
		default:
			return nil, err
		}
	}

	sid, err := secrets.NewSessionID()
	if err != nil {
		return nil, err
	}
	secret, err := secrets.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	csrfToken, err := secrets.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &session.Session{
		SessionID:       sid.String(),
		UserID:          verified.Account.ID,
		Email:           verified.Account.Email,
		RefreshHash:     secrets.HashRefreshSecret(secret),
		CsrfHash:        secrets.HashCSRFToken(csrfToken),
		UpstreamRefresh: verified.UpstreamRefresh,
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(b.config.Session.Lifetime).Unix(),
	}

	if err := b.store.Save(ctx, sess, b.config.Session.Lifetime); err != nil {
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	accessToken, accessExpiry, err := b.jwtManager.CreateAccess(sess.UserID, sess.Email, sess.SessionID)
	if err != nil {
		return nil, err
	}

	credential, err := secrets.EncodeRefreshCredential(sess.SessionID, secret)
	if err != nil {
		return nil, err
	}

	b.metricInc(MetricSignInSuccess)
	b.emitEvent(ctx, EventSignedIn, sess.UserID, sess.SessionID, nil)

	return &SignInResult{
		AccessToken:       accessToken,
		AccessExpiresAt:   accessExpiry,
		RefreshCredential: credential,
		CSRFToken:         csrfToken,
		User: User{
			ID:        verified.Account.ID,
			Email:     verified.Account.Email,
			CreatedAt: verified.Account.CreatedAt,
		},
	}, nil
}

// Resolve turns a bearer access token into a Principal. Beyond the signature
// check, the backing session must still exist: signing out or a detected
// replay kills the family and with it every outstanding access token.
func (b *Broker) Resolve(ctx context.Context, accessToken string) (*Principal, error) {
	if !b.ready() {
		return nil, ErrBrokerNotReady
	}

	start := time.Now()
	defer func() {
		if b.metrics != nil {
			b.metrics.Observe(MetricResolveLatency, time.Since(start))
		}
	}()

	claims, err := b.jwtManager.ParseAccess(accessToken)
	if err != nil {
		b.metricInc(MetricResolveFailure)
		return nil, ErrUnauthorized
	}

	sess, err := b.store.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, session.ErrSessionCorrupt) {
			b.metricInc(MetricResolveFailure)
			return nil, ErrUnauthorized
		}
		return nil, errors.Join(ErrBackendUnavailable, err)
	}

	b.metricInc(MetricResolveSuccess)

	return &Principal{
		UserID:    sess.UserID,
		Email:     sess.Email,
		SessionID: sess.SessionID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Profile resolves the caller and fetches the current account record from the
// directory, so the response reflects upstream changes the token predates.
func (b *Broker) Profile(ctx context.Context, accessToken string) (User, error) {
	principal, err := b.Resolve(ctx, accessToken)
	if err != nil {
		return User{}, err
	}

	acc, err := b.directory.Lookup(ctx, principal.UserID)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrAccountNotFound):
			return User{}, ErrAccountNotFound
		case errors.Is(err, directory.ErrBackendUnavailable):
			return User{}, errors.Join(ErrBackendUnavailable, err)
		default:
			return User{}, err
		}
	}

	return User(acc), nil
}

// CheckCSRF verifies a double-submit token against the session named by the
// refresh credential. A credential that no longer maps to a live session
// returns ErrRefreshInvalid instead: there is no CSRF state left to protect,
// and the caller decides whether that matters for its operation.
func (b *Broker) CheckCSRF(ctx context.Context, refreshCredential, csrfToken string) error {
	if !b.ready() {
		return ErrBrokerNotReady
	}

	sid, _, err := secrets.DecodeRefreshCredential(refreshCredential)
	if err != nil {
		return ErrRefreshInvalid
	}

	sess, err := b.store.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, session.ErrSessionCorrupt) {
			return ErrRefreshInvalid
		}
		return errors.Join(ErrBackendUnavailable, err)
	}

	if csrfToken == "" {
		return ErrCSRFMismatch
	}

	provided := secrets.HashCSRFToken(csrfToken)
	if subtle.ConstantTimeCompare(provided[:], sess.CsrfHash[:]) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}

// Refresh exchanges a refresh credential for a fresh access token and a
// rotated credential. Concurrent calls presenting the same credential share a
// single rotation and all receive the winner's result; presenting a
// superseded credential revokes the whole family.
func (b *Broker) Refresh(ctx context.Context, refreshCredential string) (*RefreshResult, error) {
	if !b.ready() {
		return nil, ErrBrokerNotReady
	}

	sid, secret, err := secrets.DecodeRefreshCredential(refreshCredential)
	if err != nil {
		b.metricInc(MetricRefreshFailure)
		return nil, ErrRefreshInvalid
	}
	providedHash := secrets.HashRefreshSecret(secret)

	key := sid + ":" + hex.EncodeToString(providedHash[:8])
	value, err, shared := b.refreshGroup.Do(key, func() (interface{}, error) {
		// The flight outlives any single caller; detach from the first
		// caller's cancellation so late joiners still get a result.
		return b.refreshLocked(context.WithoutCancel(ctx), sid, providedHash)
	})
	if shared {
		b.metricInc(MetricRefreshShared)
	}
	if err != nil {
		return nil, err
	}

	result, ok := value.(*RefreshResult)
	if !ok {
		return nil, ErrBrokerNotReady
	}
	return result, nil
}

func (b *Broker) refreshLocked(ctx context.Context, sid string, providedHash [32]byte) (*RefreshResult, error) {
	nextSecret, err := secrets.NewRefreshSecret()
	if err != nil {
		return nil, err
	}
	nextHash := secrets.HashRefreshSecret(nextSecret)

	sess, err := b.store.RotateRefreshHash(ctx, sid, providedHash, nextHash)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshHashMismatch):
			b.metricInc(MetricReplayDetected)
			if trackErr := b.store.TrackReplayAnomaly(ctx, sid, replayAnomalyTTL); trackErr != nil {
				b.logger.Warn("replay anomaly tracking failed",
					zap.String("session_id", sid), zap.Error(trackErr))
			}
			b.emitEvent(ctx, EventReplayDetected, "", sid, nil)
			return nil, ErrRefreshReuse
		case errors.Is(err, session.ErrSessionExpired):
			b.metricInc(MetricRefreshFailure)
			return nil, errors.Join(ErrRefreshInvalid, ErrSessionExpired)
		case errors.Is(err, redis.Nil), errors.Is(err, session.ErrSessionCorrupt):
			b.metricInc(MetricRefreshFailure)
			return nil, ErrRefreshInvalid
		default:
			return nil, errors.Join(ErrBackendUnavailable, err)
		}
	}

	if sess.UpstreamRefresh != "" {
		b.exchangeUpstream(ctx, sess)
	}

	accessToken, accessExpiry, err := b.jwtManager.CreateAccess(sess.UserID, sess.Email, sid)
	if err != nil {
		return nil, err
	}

	credential, err := secrets.EncodeRefreshCredential(sid, nextSecret)
	if err != nil {
		return nil, err
	}

	b.metricInc(MetricRefreshSuccess)
	b.emitEvent(ctx, EventRefreshed, sess.UserID, sid, nil)

	return &RefreshResult{
		AccessToken:       accessToken,
		AccessExpiresAt:   accessExpiry,
		RefreshCredential: credential,
	}, nil
}

// exchangeUpstream rotates directory-issued refresh material alongside our
// own. Failures are logged and the old material kept; the local session stays
// valid either way.
func (b *Broker) exchangeUpstream(ctx context.Context, sess *session.Session) {
	next, err := b.directory.ExchangeRefresh(ctx, sess.UpstreamRefresh)
	if err != nil {
		b.logger.Warn("upstream refresh exchange failed",
			zap.String("session_id", sess.SessionID), zap.Error(err))
		return
	}
	if next == "" || next == sess.UpstreamRefresh {
		return
	}
	if err := b.store.UpdateUpstream(ctx, sess.SessionID, next); err != nil {
		b.logger.Warn("upstream refresh persist failed",
			zap.String("session_id", sess.SessionID), zap.Error(err))
	}
}

// SignOut revokes the credential family named by the refresh credential.
// Unknown, malformed, and already-revoked credentials all succeed: sign-out
// is idempotent and leaks nothing about session existence.
func (b *Broker) SignOut(ctx context.Context, refreshCredential string) error {
	if !b.ready() {
		return ErrBrokerNotReady
	}

	sid, _, err := secrets.DecodeRefreshCredential(refreshCredential)
	if err != nil {
		return nil
	}

	sess, err := b.store.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, session.ErrSessionCorrupt) {
			return nil
		}
		return errors.Join(ErrBackendUnavailable, err)
	}

	if err := b.store.Delete(ctx, sid); err != nil {
		return errors.Join(ErrBackendUnavailable, err)
	}

	if sess.UpstreamRefresh != "" {
		if err := b.directory.Revoke(ctx, sess.UpstreamRefresh); err != nil {
			b.logger.Warn("upstream revoke failed",
				zap.String("session_id", sid), zap.Error(err))
		}
	}

	b.metricInc(MetricSignOut)
	b.emitEvent(ctx, EventSignedOut, sess.UserID, sid, nil)

	return nil
}

// Health reports session store reachability and round-trip latency.
func (b *Broker) Health(ctx context.Context) (time.Duration, error) {
	if !b.ready() {
		return 0, ErrBrokerNotReady
	}
	latency, err := b.store.Ping(ctx)
	if err != nil {
		return latency, errors.Join(ErrBackendUnavailable, err)
	}
	return latency, nil
}

func (b *Broker) emitEvent(ctx context.Context, eventType EventType, userID, sessionID string, metadata map[string]string) {
	if b == nil || b.events == nil {
		return
	}

	b.events.Emit(ctx, Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		UserID:    userID,
		SessionID: sessionID,
		RequestID: RequestIDFromContext(ctx),
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Metadata:  metadata,
	})
}
