package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FakeClient is an in-memory escrow used by tests and the fake-chain dev
// mode. It mimics the contract's bookkeeping closely enough to exercise the
// ledger's ordering and reconciliation paths.
type FakeClient struct {
	mu         sync.Mutex
	signer     common.Address
	owner      common.Address
	seq        int
	associated map[[2]common.Address]bool
	released   map[[3]common.Address]int64
	positions  map[[2]common.Address][]Position
	calls      map[string]int
	failures   map[string][]error
}

func NewFakeClient(signer common.Address) *FakeClient {
	return &FakeClient{
		signer:     signer,
		owner:      signer,
		associated: make(map[[2]common.Address]bool),
		released:   make(map[[3]common.Address]int64),
		positions:  make(map[[2]common.Address][]Position),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
	}
}

// FailNext queues err for the next submission of method. Queued errors are
// consumed in order.
func (f *FakeClient) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], err)
}

// SetOwner changes the address reported by owner().
func (f *FakeClient) SetOwner(owner common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner = owner
}

// Calls returns how many submissions of method were accepted or attempted.
func (f *FakeClient) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Released returns the iToken amount released to investor for token.
func (f *FakeClient) Released(escrow, investor, token common.Address) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[[3]common.Address{escrow, investor, token}]
}

// Seed appends a position directly, as if recorded by an earlier run.
func (f *FakeClient) Seed(escrow, investor common.Address, p Position) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.Amount == nil {
		p.Amount = new(big.Int)
	}
	if p.YieldPaid == nil {
		p.YieldPaid = new(big.Int)
	}
	key := [2]common.Address{escrow, investor}
	f.positions[key] = append(f.positions[key], p)
	return uint64(len(f.positions[key]) - 1)
}

func (f *FakeClient) Signer() common.Address { return f.signer }

func (f *FakeClient) AssociateWithToken(_ context.Context, escrow, token common.Address) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("associateWithToken"); err != nil {
		return Receipt{}, err
	}
	key := [2]common.Address{escrow, token}
	if f.associated[key] {
		return Receipt{}, errors.New("execution reverted: TOKEN_ALREADY_ASSOCIATED_TO_ACCOUNT")
	}
	f.associated[key] = true
	return f.receipt("associateWithToken"), nil
}

func (f *FakeClient) ReleaseIToken(_ context.Context, escrow, investor, token common.Address, amount int64) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("releaseIToken"); err != nil {
		return Receipt{}, err
	}
	if !f.associated[[2]common.Address{escrow, token}] {
		return Receipt{}, fmt.Errorf("releaseIToken: TOKEN_NOT_ASSOCIATED_TO_ACCOUNT: %w", ErrReverted)
	}
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("releaseIToken: amount must be positive: %w", ErrReverted)
	}
	f.released[[3]common.Address{escrow, investor, token}] += amount
	return f.receipt("releaseIToken"), nil
}

func (f *FakeClient) RecordInvestment(_ context.Context, escrow, investor, token common.Address, units *big.Int) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("recordInvestment"); err != nil {
		return Receipt{}, err
	}
	key := [2]common.Address{escrow, investor}
	f.positions[key] = append(f.positions[key], Position{
		Token:     token,
		Amount:    new(big.Int).Set(units),
		YieldPaid: new(big.Int),
	})
	return f.receipt("recordInvestment"), nil
}

func (f *FakeClient) SettleInvestment(_ context.Context, escrow, investor common.Address, index uint64, yieldUnits *big.Int) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("settleInvestment"); err != nil {
		return Receipt{}, err
	}
	list := f.positions[[2]common.Address{escrow, investor}]
	if index >= uint64(len(list)) {
		return Receipt{}, fmt.Errorf("settleInvestment: index %d out of range: %w", index, ErrReverted)
	}
	if list[index].Settled {
		return Receipt{}, fmt.Errorf("settleInvestment: already settled: %w", ErrReverted)
	}
	list[index].Settled = true
	list[index].YieldPaid = new(big.Int).Set(yieldUnits)
	return f.receipt("settleInvestment"), nil
}

func (f *FakeClient) InvestmentsLength(_ context.Context, escrow, investor common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.positions[[2]common.Address{escrow, investor}])), nil
}

func (f *FakeClient) InvestmentAt(_ context.Context, escrow, investor common.Address, index uint64) (Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.positions[[2]common.Address{escrow, investor}]
	if index >= uint64(len(list)) {
		return Position{}, fmt.Errorf("investments: index %d out of range", index)
	}
	p := list[index]
	return Position{
		Token:     p.Token,
		Amount:    new(big.Int).Set(p.Amount),
		YieldPaid: new(big.Int).Set(p.YieldPaid),
		Settled:   p.Settled,
	}, nil
}

func (f *FakeClient) Owner(context.Context, common.Address) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }

// begin counts the call and pops an injected failure, if any. Caller holds mu.
func (f *FakeClient) begin(method string) error {
	f.calls[method]++
	if q := f.failures[method]; len(q) > 0 {
		err := q[0]
		f.failures[method] = q[1:]
		return err
	}
	return nil
}

func (f *FakeClient) receipt(method string) Receipt {
	f.seq++
	return Receipt{TxHash: fakeHash(fmt.Sprintf("%s-%d", method, f.seq)), BlockNumber: uint64(f.seq)}
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
