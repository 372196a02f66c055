// Package challenge issues single-use nonces that an investor must present
// when submitting a deposit for allocation.
package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"voltsettle/internal/hederaid"
)

var (
	ErrInvalidChallenge = errors.New("invalid or expired challenge")
	ErrMissingInvestor  = errors.New("investorId is required")
)

type Challenge struct {
	Nonce      string    `json:"challenge"`
	InvestorID string    `json:"investorId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store holds nonce -> investor bindings. Take must remove the binding in the
// same step that reads it.
type Store interface {
	Put(ctx context.Context, nonce, investorID string, ttl time.Duration) error
	Take(ctx context.Context, nonce string) (string, bool, error)
}

type Issuer struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewIssuer(store Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Issuer{store: store, ttl: ttl, now: time.Now}
}

func (i *Issuer) Issue(ctx context.Context, investorID string) (Challenge, error) {
	if investorID == "" {
		return Challenge{}, ErrMissingInvestor
	}
	if _, err := hederaid.ToEVM(investorID); err != nil {
		return Challenge{}, err
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return Challenge{}, fmt.Errorf("generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(buf)
	if err := i.store.Put(ctx, nonce, investorID, i.ttl); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return Challenge{Nonce: nonce, InvestorID: investorID, ExpiresAt: i.now().Add(i.ttl).UTC()}, nil
}

// Consume spends nonce. It fails when the nonce is unknown, expired, already
// used, or was issued to a different investor.
func (i *Issuer) Consume(ctx context.Context, nonce, investorID string) error {
	if nonce == "" {
		return ErrInvalidChallenge
	}
	owner, ok, err := i.store.Take(ctx, nonce)
	if err != nil {
		return fmt.Errorf("take challenge: %w", err)
	}
	if !ok || !hederaid.Equal(owner, investorID) {
		return ErrInvalidChallenge
	}
	return nil
}

type entry struct {
	investorID string
	expires    time.Time
}

// MemoryStore is used when no Redis address is configured.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]entry), now: time.Now}
}

func (m *MemoryStore) Put(_ context.Context, nonce, investorID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.data {
		if !e.expires.After(now) {
			delete(m.data, k)
		}
	}
	m.data[nonce] = entry{investorID: investorID, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) Take(_ context.Context, nonce string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[nonce]
	if !ok {
		return "", false, nil
	}
	delete(m.data, nonce)
	if !e.expires.After(m.now()) {
		return "", false, nil
	}
	return e.investorID, true, nil
}
