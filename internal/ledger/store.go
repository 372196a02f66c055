package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists investments and the allocation journal. Capacity is
// enforced by Reserve as a single atomic conditional step, never by a
// read-compare-write sequence in the caller.
type Store interface {
	InvestmentByDeposit(ctx context.Context, depositTxID string) (*Investment, error)
	Get(ctx context.Context, id string) (*Investment, error)
	List(ctx context.Context, f Filter) ([]Investment, error)
	Funding(ctx context.Context, invoiceID string) (Funding, error)
	// ContractIndexes lists indexes already credited for an investor on an
	// escrow, or journaled by another deposit that has not committed yet.
	ContractIndexes(ctx context.Context, escrowEVM, investorEVM, exceptDeposit string) (map[uint64]bool, error)

	Reservation(ctx context.Context, depositTxID string) (*Reservation, error)
	// Reserve inserts r and adds r.Amount to the invoice's reserved total only
	// if committed + reserved + r.Amount <= target.
	Reserve(ctx context.Context, r Reservation, target decimal.Decimal) error
	// Acquire takes over a held reservation whose lease has expired.
	Acquire(ctx context.Context, depositTxID, owner string, now, until time.Time) (*Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	ReleaseReservation(ctx context.Context, depositTxID string) error
	// Commit inserts the investment and retires its reservation atomically.
	Commit(ctx context.Context, inv Investment) error

	// Matured pages through active matured investments that carry a contract
	// index, strictly after the cursor. Unclaimable rows are skipped.
	Matured(ctx context.Context, now time.Time, after Cursor, limit int) ([]Investment, error)
	// Unindexed lists active matured investments with no contract index.
	Unindexed(ctx context.Context, now time.Time, limit int) ([]Investment, error)
	Claim(ctx context.Context, id, token string, now, until time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id, token string) error
	CompleteSettlement(ctx context.Context, id, token, settleTxID string, at time.Time) (bool, error)
}

type claim struct {
	token string
	until time.Time
}

// MemoryStore keeps everything in process. One mutex covers investments and
// reservations so Reserve and Commit are atomic.
type MemoryStore struct {
	mu           sync.Mutex
	investments  map[string]Investment
	byDeposit    map[string]string
	reservations map[string]Reservation
	claims       map[string]claim

	// FailCommit, when set, is returned by the next Commit.
	FailCommit error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		investments:  make(map[string]Investment),
		byDeposit:    make(map[string]string),
		reservations: make(map[string]Reservation),
		claims:       make(map[string]claim),
	}
}

func (m *MemoryStore) InvestmentByDeposit(_ context.Context, depositTxID string) (*Investment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDeposit[depositTxID]
	if !ok {
		return nil, ErrNotFound
	}
	inv := m.investments[id]
	return &inv, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Investment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]Investment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Investment
	for _, inv := range m.investments {
		if f.InvestorID != "" && inv.InvestorID != f.InvestorID {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Funding(_ context.Context, invoiceID string) (Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fundingLocked(invoiceID), nil
}

func (m *MemoryStore) fundingLocked(invoiceID string) Funding {
	f := Funding{Committed: decimal.Zero, Reserved: decimal.Zero}
	investors := make(map[string]bool)
	for _, inv := range m.investments {
		if inv.InvoiceID != invoiceID {
			continue
		}
		f.Committed = f.Committed.Add(inv.VUSDAmount)
		investors[inv.InvestorID] = true
	}
	for _, r := range m.reservations {
		if r.InvoiceID == invoiceID && r.Held() {
			f.Reserved = f.Reserved.Add(r.Amount)
		}
	}
	f.Investors = len(investors)
	return f
}

func (m *MemoryStore) ContractIndexes(_ context.Context, escrowEVM, investorEVM, exceptDeposit string) (map[uint64]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]bool)
	for _, inv := range m.investments {
		if inv.ContractIndex != nil && inv.EscrowEVM == escrowEVM && inv.InvestorEVM == investorEVM {
			out[*inv.ContractIndex] = true
		}
	}
	for _, r := range m.reservations {
		if r.DepositTxID == exceptDeposit || !r.Held() || r.ContractIndex == nil {
			continue
		}
		if r.EscrowEVM == escrowEVM && r.InvestorEVM == investorEVM {
			out[*r.ContractIndex] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) Reservation(_ context.Context, depositTxID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[depositTxID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) Reserve(_ context.Context, r Reservation, target decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.DepositTxID]; ok {
		return errReservationExists
	}
	f := m.fundingLocked(r.InvoiceID)
	if f.Committed.Add(f.Reserved).Add(r.Amount).GreaterThan(target) {
		return fmt.Errorf("%w: funded %s, reserved %s, requested %s, target %s",
			ErrCapacityExceeded, f.Committed, f.Reserved, r.Amount, target)
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.reservations[r.DepositTxID] = r
	return nil
}

func (m *MemoryStore) Acquire(_ context.Context, depositTxID, owner string, now, until time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[depositTxID]
	if !ok || !r.Held() {
		return nil, ErrNotFound
	}
	if r.LeaseUntil.After(now) {
		return nil, fmt.Errorf("%w: %s leased by %s until %s", ErrAllocationInProgress, depositTxID, r.Owner, r.LeaseUntil.Format(time.RFC3339))
	}
	r.Owner, r.LeaseUntil, r.UpdatedAt = owner, until, now
	m.reservations[depositTxID] = r
	return &r, nil
}

func (m *MemoryStore) UpdateReservation(_ context.Context, r Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reservations[r.DepositTxID]
	if !ok || !cur.Held() {
		return ErrNotFound
	}
	if cur.Owner != r.Owner {
		return fmt.Errorf("%w: %s now owned by %s", ErrAllocationInProgress, r.DepositTxID, cur.Owner)
	}
	r.Amount, r.InvoiceID, r.CreatedAt = cur.Amount, cur.InvoiceID, cur.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.reservations[r.DepositTxID] = r
	return nil
}

func (m *MemoryStore) ReleaseReservation(_ context.Context, depositTxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reservations[depositTxID]; ok && r.Held() {
		delete(m.reservations, depositTxID)
	}
	return nil
}

func (m *MemoryStore) Commit(_ context.Context, inv Investment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailCommit; err != nil {
		m.FailCommit = nil
		return err
	}
	if _, ok := m.byDeposit[inv.DepositTxID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDeposit, inv.DepositTxID)
	}
	r, ok := m.reservations[inv.DepositTxID]
	if !ok || !r.Held() {
		return fmt.Errorf("%w: reservation %s", ErrNotFound, inv.DepositTxID)
	}
	r.Stage = StageCommitted
	r.UpdatedAt = time.Now().UTC()
	m.reservations[inv.DepositTxID] = r
	m.investments[inv.ID] = inv
	m.byDeposit[inv.DepositTxID] = inv.ID
	return nil
}

func (m *MemoryStore) Matured(_ context.Context, now time.Time, after Cursor, limit int) ([]Investment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Investment
	for _, inv := range m.investments {
		if inv.Status != StatusActive || inv.MaturedAt.After(now) || inv.ContractIndex == nil {
			continue
		}
		if !after.before(inv) {
			continue
		}
		if c, ok := m.claims[inv.ID]; ok && c.until.After(now) {
			continue
		}
		out = append(out, inv)
	}
	sortByMaturity(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Unindexed(_ context.Context, now time.Time, limit int) ([]Investment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Investment
	for _, inv := range m.investments {
		if inv.Status == StatusActive && !inv.MaturedAt.After(now) && inv.ContractIndex == nil {
			out = append(out, inv)
		}
	}
	sortByMaturity(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByMaturity(list []Investment) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].MaturedAt.Equal(list[j].MaturedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].MaturedAt.Before(list[j].MaturedAt)
	})
}

func (m *MemoryStore) Claim(_ context.Context, id, token string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investments[id]
	if !ok || inv.Status != StatusActive {
		return false, nil
	}
	if c, ok := m.claims[id]; ok && c.until.After(now) {
		return false, nil
	}
	m.claims[id] = claim{token: token, until: until}
	return true, nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[id]; ok && c.token == token {
		delete(m.claims, id)
	}
	return nil
}

func (m *MemoryStore) CompleteSettlement(_ context.Context, id, token, settleTxID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.investments[id]
	if !ok || inv.Status != StatusActive {
		return false, nil
	}
	if c, ok := m.claims[id]; !ok || c.token != token {
		return false, nil
	}
	inv.Status = StatusCompleted
	inv.SettleTxID = settleTxID
	settledAt := at
	inv.SettledAt = &settledAt
	m.investments[id] = inv
	delete(m.claims, id)
	return true, nil
}
