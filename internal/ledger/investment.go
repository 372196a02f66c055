package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Investment is one credited position. ContractIndex addresses the position
// in the escrow's per-investor list and is written once, at creation.
type Investment struct {
	ID            string          `json:"id"`
	InvestorID    string          `json:"investorId"`
	InvestorEVM   string          `json:"investorEvm"`
	InvoiceID     string          `json:"invoiceId"`
	InvoiceNumber string          `json:"invoiceNumber,omitempty"`
	TokenID       string          `json:"tokenId"`
	TokenEVM      string          `json:"tokenEvm"`
	EscrowEVM     string          `json:"escrowEvm"`
	VUSDAmount    decimal.Decimal `json:"vusdAmount"`
	ITokenAmount  int64           `json:"iTokenAmount"`
	YieldRate     decimal.Decimal `json:"yieldRate"`
	ExpectedYield decimal.Decimal `json:"expectedYield"`
	ContractIndex *uint64         `json:"contractIndex,omitempty"`
	Status        Status          `json:"status"`
	TxID          string          `json:"txId,omitempty"`
	DepositTxID   string          `json:"depositTxId"`
	SettleTxID    string          `json:"settleTxId,omitempty"`
	MaturedAt     time.Time       `json:"maturedAt"`
	SettledAt     *time.Time      `json:"settledAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Stage tracks how far an allocation got. It is journaled before and after
// every chain submission so a replay knows what may already be on chain.
type Stage string

const (
	StageReserved   Stage = "reserved"
	StageSubmitting Stage = "submitting"
	StageReleased   Stage = "released"
	StageRecorded   Stage = "recorded"
	StageCommitted  Stage = "committed"
	StageReview     Stage = "review"
)

// Reservation holds Amount against the invoice's capacity while an
// allocation is in flight. It is keyed by the normalized deposit tx id.
type Reservation struct {
	DepositTxID   string          `json:"depositTxId"`
	InvoiceID     string          `json:"invoiceId"`
	InvestorID    string          `json:"investorId"`
	InvestorEVM   string          `json:"investorEvm"`
	TokenEVM      string          `json:"tokenEvm"`
	EscrowEVM     string          `json:"escrowEvm"`
	Amount        decimal.Decimal `json:"amount"`
	Units         int64           `json:"units"`
	ITokenAmount  int64           `json:"iTokenAmount"`
	Stage         Stage           `json:"stage"`
	Baseline      uint64          `json:"baseline"`
	ReleaseTxID   string          `json:"releaseTxId,omitempty"`
	RecordTxID    string          `json:"recordTxId,omitempty"`
	ContractIndex *uint64         `json:"contractIndex,omitempty"`
	RecordReverts int             `json:"recordReverts,omitempty"`
	Owner         string          `json:"owner"`
	LeaseUntil    time.Time       `json:"leaseUntil"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Held reports whether the reservation still counts against capacity.
func (r *Reservation) Held() bool {
	return r.Stage != StageCommitted
}

// Cursor positions a scan of matured investments, ordered by maturity then id.
type Cursor struct {
	MaturedAt time.Time
	ID        string
}

// CursorFor returns the cursor just past inv.
func CursorFor(inv Investment) Cursor {
	return Cursor{MaturedAt: inv.MaturedAt, ID: inv.ID}
}

func (c Cursor) before(inv Investment) bool {
	if inv.MaturedAt.Equal(c.MaturedAt) {
		return inv.ID > c.ID
	}
	return inv.MaturedAt.After(c.MaturedAt)
}

type Filter struct {
	InvestorID string
	Status     Status
	Limit      int
}

// Funding is the capacity picture of one invoice.
type Funding struct {
	Committed decimal.Decimal
	Reserved  decimal.Decimal
	Investors int
}

type PoolStatus string

const (
	PoolFunding     PoolStatus = "funding"
	PoolFunded      PoolStatus = "funded"
	PoolFullyFunded PoolStatus = "fully_funded"
)

// PoolFilter selects pools for ListPools. An empty Status or "all" matches
// every pool; Page starts at 1.
type PoolFilter struct {
	Status PoolStatus
	Page   int
	Limit  int
}

type PoolPage struct {
	Page  int         `json:"page"`
	Limit int         `json:"limit"`
	Total int         `json:"total"`
	Items []PoolStats `json:"items"`
}

type PoolStats struct {
	InvoiceID     string          `json:"invoiceId"`
	InvoiceNumber string          `json:"invoiceNumber,omitempty"`
	TotalTarget   decimal.Decimal `json:"totalTarget"`
	Funded        decimal.Decimal `json:"fundedAmount"`
	Reserved      decimal.Decimal `json:"reservedAmount"`
	Remaining     decimal.Decimal `json:"remaining"`
	Investors     int             `json:"totalInvestors"`
	Progress      int64           `json:"fundingProgress"`
	Status        PoolStatus      `json:"status"`
	YieldRate     decimal.Decimal `json:"yieldRate"`
	DurationDays  int             `json:"durationDays"`
	MinInvestment decimal.Decimal `json:"minInvestment"`
	MaxInvestment decimal.Decimal `json:"maxInvestment"`
	ExpiryDate    time.Time       `json:"expiryDate"`
	DaysLeft      int64           `json:"daysLeft"`
}
