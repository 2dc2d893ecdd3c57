package directory

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process backend fake for tests and the demo daemon. It
// stores password digests with SHA-256, not a real KDF, and is never meant to
// guard production data.
type Memory struct {
	mu       sync.Mutex
	byEmail  map[string]*memoryAccount
	byID     map[string]*memoryAccount
	refresh  map[string]string // upstream refresh token -> user id
	exchange atomic.Int64
	verify   atomic.Int64
	seq      atomic.Int64
}

type memoryAccount struct {
	account      Account
	passwordHash [32]byte
}

func NewMemory() *Memory {
	return &Memory{
		byEmail: make(map[string]*memoryAccount),
		byID:    make(map[string]*memoryAccount),
		refresh: make(map[string]string),
	}
}

func (m *Memory) Register(_ context.Context, email, password string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[email]; ok {
		return Account{}, ErrAccountExists
	}

	acc := &memoryAccount{
		account: Account{
			ID:        uuid.NewString(),
			Email:     email,
			CreatedAt: time.Now().UTC(),
		},
		passwordHash: sha256.Sum256([]byte(password)),
	}
	m.byEmail[email] = acc
	m.byID[acc.account.ID] = acc

	return acc.account, nil
}

func (m *Memory) VerifyPassword(_ context.Context, email, password string) (VerifyResult, error) {
	m.verify.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byEmail[email]
	if !ok {
		return VerifyResult{}, ErrInvalidCredentials
	}

	hash := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(hash[:], acc.passwordHash[:]) != 1 {
		return VerifyResult{}, ErrInvalidCredentials
	}

	upstream := m.newUpstreamLocked(acc.account.ID)
	return VerifyResult{Account: acc.account, UpstreamRefresh: upstream}, nil
}

func (m *Memory) Lookup(_ context.Context, userID string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.byID[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc.account, nil
}

func (m *Memory) ExchangeRefresh(_ context.Context, upstreamRefresh string) (string, error) {
	if upstreamRefresh == "" {
		return "", nil
	}
	m.exchange.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	userID, ok := m.refresh[upstreamRefresh]
	if !ok {
		return "", ErrInvalidCredentials
	}
	delete(m.refresh, upstreamRefresh)

	return m.newUpstreamLocked(userID), nil
}

func (m *Memory) Revoke(_ context.Context, upstreamRefresh string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refresh, upstreamRefresh)
	return nil
}

// ExchangeCalls reports how many upstream exchanges have run. Used by tests
// asserting the single-flight property.
func (m *Memory) ExchangeCalls() int64 {
	return m.exchange.Load()
}

// VerifyCalls reports how many password checks have run.
func (m *Memory) VerifyCalls() int64 {
	return m.verify.Load()
}

func (m *Memory) newUpstreamLocked(userID string) string {
	token := "up-" + strconv.FormatInt(m.seq.Add(1), 10) + "-" + uuid.NewString()
	m.refresh[token] = userID
	return token
}
