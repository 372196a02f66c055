package invoice

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("invoice not found")

// Invoice is the read-only snapshot of a tokenized receivable. Creation and
// minting happen elsewhere.
type Invoice struct {
	ID               string          `json:"id"`
	InvoiceNumber    string          `json:"invoiceNumber"`
	TokenID          string          `json:"tokenId"`
	TokenEVM         string          `json:"tokenEvm,omitempty"`
	EscrowEVM        string          `json:"escrowEvm,omitempty"`
	EscrowContractID string          `json:"escrowContractId,omitempty"`
	MinInvestment    decimal.Decimal `json:"minInvestment"`
	MaxInvestment    decimal.Decimal `json:"maxInvestment"`
	TotalTarget      decimal.Decimal `json:"totalTarget"`
	YieldRate        decimal.Decimal `json:"yieldRate"`
	DurationDays     int             `json:"durationDays"`
	ExpiryDate       time.Time       `json:"expiryDate"`
	Tokenized        bool            `json:"tokenized"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// HasEscrow reports whether the invoice carries any escrow reference.
func (inv *Invoice) HasEscrow() bool {
	return strings.TrimSpace(inv.EscrowEVM) != "" || strings.TrimSpace(inv.EscrowContractID) != ""
}

// Catalog reads invoice snapshots.
type Catalog interface {
	Get(ctx context.Context, invoiceID string) (*Invoice, error)
	// FindByToken matches either the native token id or the token's EVM address.
	FindByToken(ctx context.Context, tokenIDOrEVM string) (*Invoice, error)
	// ListTokenized returns tokenized invoices, newest first.
	ListTokenized(ctx context.Context) ([]Invoice, error)
}

// MemoryCatalog is used by tests and the fake-chain dev mode.
type MemoryCatalog struct {
	mu   sync.RWMutex
	data map[string]Invoice
}

func NewMemoryCatalog(invoices ...Invoice) *MemoryCatalog {
	c := &MemoryCatalog{data: make(map[string]Invoice)}
	for _, inv := range invoices {
		c.data[inv.ID] = inv
	}
	return c
}

func (c *MemoryCatalog) Put(inv Invoice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[inv.ID] = inv
}

func (c *MemoryCatalog) Get(_ context.Context, invoiceID string) (*Invoice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inv, ok := c.data[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (c *MemoryCatalog) FindByToken(_ context.Context, token string) (*Invoice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inv := range c.data {
		if inv.TokenID != "" && inv.TokenID == token {
			out := inv
			return &out, nil
		}
	}
	if strings.HasPrefix(token, "0x") {
		for _, inv := range c.data {
			if inv.TokenEVM != "" && strings.EqualFold(inv.TokenEVM, token) {
				out := inv
				return &out, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (c *MemoryCatalog) ListTokenized(_ context.Context) ([]Invoice, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Invoice
	for _, inv := range c.data {
		if inv.Tokenized {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
