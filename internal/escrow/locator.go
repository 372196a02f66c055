package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voltsettle/internal/hederaid"
	"voltsettle/internal/invoice"

	"github.com/ethereum/go-ethereum/common"
)

// Target is the escrow/token pair servicing an invoice.
type Target struct {
	Invoice *invoice.Invoice
	Escrow  common.Address
	Token   common.Address
}

// Locator resolves escrow targets from the invoice catalog.
type Locator struct {
	catalog invoice.Catalog
}

func NewLocator(catalog invoice.Catalog) *Locator {
	return &Locator{catalog: catalog}
}

// Locate finds the escrow for a token given in native or EVM form.
func (l *Locator) Locate(ctx context.Context, token string) (Target, error) {
	inv, err := l.catalog.FindByToken(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			return Target{}, fmt.Errorf("%w: %s", ErrInvoiceNotFound, token)
		}
		return Target{}, err
	}
	return Resolve(inv)
}

// LocateInvoice finds the escrow for an invoice id.
func (l *Locator) LocateInvoice(ctx context.Context, invoiceID string) (Target, error) {
	inv, err := l.Invoice(ctx, invoiceID)
	if err != nil {
		return Target{}, err
	}
	return Resolve(inv)
}

// Invoice loads the invoice snapshot without resolving its escrow.
func (l *Locator) Invoice(ctx context.Context, invoiceID string) (*invoice.Invoice, error) {
	inv, err := l.catalog.Get(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			return nil, fmt.Errorf("%w: invoice %s", ErrInvoiceNotFound, invoiceID)
		}
		return nil, err
	}
	return inv, nil
}

// Tokenized lists the invoices open to investment.
func (l *Locator) Tokenized(ctx context.Context) ([]invoice.Invoice, error) {
	return l.catalog.ListTokenized(ctx)
}

// Resolve prefers the stored EVM escrow address and falls back to the legacy
// contract id.
func Resolve(inv *invoice.Invoice) (Target, error) {
	var escrowAddr common.Address
	switch {
	case strings.TrimSpace(inv.EscrowEVM) != "":
		if !hederaid.IsEVM(inv.EscrowEVM) {
			return Target{}, fmt.Errorf("%w: invoice %s has malformed escrowEvm %q", ErrEscrowNotConfigured, inv.ID, inv.EscrowEVM)
		}
		escrowAddr = common.HexToAddress(inv.EscrowEVM)
	case strings.TrimSpace(inv.EscrowContractID) != "":
		addr, err := hederaid.ToEVM(inv.EscrowContractID)
		if err != nil {
			return Target{}, fmt.Errorf("%w: invoice %s: %w", ErrEscrowNotConfigured, inv.ID, err)
		}
		escrowAddr = addr
	default:
		return Target{}, fmt.Errorf("%w: invoice %s", ErrEscrowNotConfigured, inv.ID)
	}

	tokenRef := inv.TokenEVM
	if strings.TrimSpace(tokenRef) == "" {
		tokenRef = inv.TokenID
	}
	tokenAddr, err := hederaid.ToEVM(tokenRef)
	if err != nil {
		return Target{}, fmt.Errorf("%w: invoice %s token: %w", ErrEscrowNotConfigured, inv.ID, err)
	}

	return Target{Invoice: inv, Escrow: escrowAddr, Token: tokenAddr}, nil
}
