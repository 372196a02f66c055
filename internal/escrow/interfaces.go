package escrow

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted means the transaction was mined but its receipt reports failure.
	ErrReverted = errors.New("transaction reverted")
	// ErrOutOfOrder is returned when recordInvestment is attempted before a
	// confirmed release of the same token.
	ErrOutOfOrder = errors.New("record requires a confirmed release for the token")
	ErrInvoiceNotFound     = errors.New("invoice not found for token")
	ErrEscrowNotConfigured = errors.New("escrow not configured")
)

// Client abstracts the on-chain escrow interaction. Submissions block until the
// transaction is confirmed.
type Client interface {
	Signer() common.Address
	AssociateWithToken(ctx context.Context, escrow, token common.Address) (Receipt, error)
	ReleaseIToken(ctx context.Context, escrow, investor, token common.Address, amount int64) (Receipt, error)
	RecordInvestment(ctx context.Context, escrow, investor, token common.Address, units *big.Int) (Receipt, error)
	SettleInvestment(ctx context.Context, escrow, investor common.Address, index uint64, yieldUnits *big.Int) (Receipt, error)
	InvestmentsLength(ctx context.Context, escrow, investor common.Address) (uint64, error)
	InvestmentAt(ctx context.Context, escrow, investor common.Address, index uint64) (Position, error)
	Owner(ctx context.Context, escrow common.Address) (common.Address, error)
}

// HealthChecker is implemented by clients that can check the RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Receipt struct {
	TxHash      string
	BlockNumber uint64
}

// Position is one entry of the escrow's per-investor record list.
type Position struct {
	Token     common.Address
	Amount    *big.Int
	YieldPaid *big.Int
	Settled   bool
}
