package escrow

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"

	"voltsettle/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
)

// Executor issues escrow calls on behalf of the single signing identity.
// Submissions are serialized because every call shares one nonce sequence.
type Executor struct {
	client  Client
	metrics *metrics.Registry

	submitMu sync.Mutex

	ownerMu      sync.Mutex
	ownerChecked map[common.Address]bool
}

func NewExecutor(client Client, m *metrics.Registry) *Executor {
	return &Executor{
		client:       client,
		metrics:      m,
		ownerChecked: make(map[common.Address]bool),
	}
}

// Client exposes the underlying chain client, for health checks.
func (e *Executor) Client() Client { return e.client }

// Recorded is the outcome of recordInvestment.
type Recorded struct {
	Receipt
	ContractIndex uint64
}

// Invocation tracks one associate -> release -> record chain against a single
// escrow so that record can only follow a confirmed release.
type Invocation struct {
	e        *Executor
	escrow   common.Address
	released map[common.Address]bool
}

func (e *Executor) Begin(escrow common.Address) *Invocation {
	return &Invocation{e: e, escrow: escrow, released: make(map[common.Address]bool)}
}

// MarkReleased records that the release for token was confirmed in an
// earlier run, so a replay may continue with record only.
func (inv *Invocation) MarkReleased(token common.Address) {
	inv.released[token] = true
}

// Associate links the escrow with token. A rejection saying the token is
// already associated counts as success.
func (inv *Invocation) Associate(ctx context.Context, token common.Address) error {
	_, err := inv.e.submit(ctx, "associateWithToken", func(ctx context.Context) (Receipt, error) {
		return inv.e.client.AssociateWithToken(ctx, inv.escrow, token)
	})
	if err != nil {
		if isAlreadyAssociated(err) {
			log.Printf("escrow: association of %s with %s skipped: %v", token.Hex(), inv.escrow.Hex(), err)
			return nil
		}
		return err
	}
	return nil
}

func (inv *Invocation) ReleaseIToken(ctx context.Context, investor, token common.Address, amount int64) (Receipt, error) {
	r, err := inv.e.submit(ctx, "releaseIToken", func(ctx context.Context) (Receipt, error) {
		return inv.e.client.ReleaseIToken(ctx, inv.escrow, investor, token, amount)
	})
	if err != nil {
		return r, err
	}
	inv.released[token] = true
	return r, nil
}

// RecordInvestment records the position and reads back its index. The length
// read happens under the submission lock so no other record can interleave.
func (inv *Invocation) RecordInvestment(ctx context.Context, investor, token common.Address, units *big.Int) (Recorded, error) {
	if !inv.released[token] {
		return Recorded{}, ErrOutOfOrder
	}
	var index uint64
	r, err := inv.e.submit(ctx, "recordInvestment", func(ctx context.Context) (Receipt, error) {
		r, err := inv.e.client.RecordInvestment(ctx, inv.escrow, investor, token, units)
		if err != nil {
			return r, err
		}
		n, err := inv.e.client.InvestmentsLength(ctx, inv.escrow, investor)
		if err != nil {
			return r, fmt.Errorf("read investmentsLength after record %s: %w", r.TxHash, err)
		}
		if n == 0 {
			return r, fmt.Errorf("investmentsLength is zero after record %s", r.TxHash)
		}
		index = n - 1
		return r, nil
	})
	if err != nil {
		return Recorded{Receipt: r}, err
	}
	return Recorded{Receipt: r, ContractIndex: index}, nil
}

func (e *Executor) SettleInvestment(ctx context.Context, escrow, investor common.Address, index uint64, yieldUnits *big.Int) (Receipt, error) {
	return e.submit(ctx, "settleInvestment", func(ctx context.Context) (Receipt, error) {
		return e.client.SettleInvestment(ctx, escrow, investor, index, yieldUnits)
	})
}

func (e *Executor) InvestmentsLength(ctx context.Context, escrow, investor common.Address) (uint64, error) {
	return e.client.InvestmentsLength(ctx, escrow, investor)
}

func (e *Executor) InvestmentAt(ctx context.Context, escrow, investor common.Address, index uint64) (Position, error) {
	return e.client.InvestmentAt(ctx, escrow, investor, index)
}

// FindRecord scans the investor's positions from index `from` for one with the
// given token and amount. It is the reconciliation lookup used before any
// chain call is repeated.
func (e *Executor) FindRecord(ctx context.Context, escrow, investor, token common.Address, units *big.Int, from uint64) (uint64, bool, error) {
	n, err := e.client.InvestmentsLength(ctx, escrow, investor)
	if err != nil {
		return 0, false, err
	}
	for i := from; i < n; i++ {
		p, err := e.client.InvestmentAt(ctx, escrow, investor, i)
		if err != nil {
			return 0, false, err
		}
		if p.Token == token && p.Amount != nil && p.Amount.Cmp(units) == 0 {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// CheckOwner warns once per escrow when the signer is not the contract owner.
// It never blocks a call.
func (e *Executor) CheckOwner(ctx context.Context, escrow common.Address) {
	e.ownerMu.Lock()
	if e.ownerChecked[escrow] {
		e.ownerMu.Unlock()
		return
	}
	e.ownerChecked[escrow] = true
	e.ownerMu.Unlock()

	owner, err := e.client.Owner(ctx, escrow)
	if err != nil {
		log.Printf("escrow: owner check for %s failed: %v", escrow.Hex(), err)
		return
	}
	if signer := e.client.Signer(); owner != signer {
		log.Printf("escrow: signer %s is not owner %s of %s; owner-only calls may revert", signer.Hex(), owner.Hex(), escrow.Hex())
	}
}

// submit runs one chain submission. Cancellation is honoured only until the
// call is handed to the client; after that the call runs to completion.
func (e *Executor) submit(ctx context.Context, method string, fn func(ctx context.Context) (Receipt, error)) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	r, err := fn(context.WithoutCancel(ctx))
	if err != nil {
		e.metrics.IncChainCall(method, "error")
		return r, err
	}
	e.metrics.IncChainCall(method, "ok")
	return r, nil
}

func isAlreadyAssociated(err error) bool {
	msg := err.Error()
	return strings.Contains(strings.ToUpper(msg), "ALREADY_ASSOCIATED") ||
		strings.Contains(strings.ToLower(msg), "already associated")
}
