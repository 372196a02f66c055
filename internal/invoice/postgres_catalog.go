package invoice

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCatalog reads the invoices table owned by the onboarding service.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

const selectInvoiceSQL = `
SELECT id, invoice_number, COALESCE(token_id, ''), COALESCE(token_evm, ''),
       COALESCE(escrow_evm, ''), COALESCE(escrow_contract_id, ''),
       COALESCE(min_investment, 0), COALESCE(max_investment, 0),
       COALESCE(total_target, 0), COALESCE(yield_rate, 0),
       COALESCE(duration_days, 0), COALESCE(expiry_date, to_timestamp(0)),
       COALESCE(tokenized, false), COALESCE(created_at, to_timestamp(0))
FROM invoices
`

func (c *PostgresCatalog) Get(ctx context.Context, invoiceID string) (*Invoice, error) {
	return c.one(ctx, selectInvoiceSQL+`WHERE id = $1`, invoiceID)
}

func (c *PostgresCatalog) FindByToken(ctx context.Context, token string) (*Invoice, error) {
	inv, err := c.one(ctx, selectInvoiceSQL+`WHERE token_id = $1 LIMIT 1`, token)
	if err == nil || !errors.Is(err, ErrNotFound) || !strings.HasPrefix(token, "0x") {
		return inv, err
	}
	return c.one(ctx, selectInvoiceSQL+`WHERE lower(token_evm) = lower($1) LIMIT 1`, token)
}

func (c *PostgresCatalog) ListTokenized(ctx context.Context) ([]Invoice, error) {
	rows, err := c.pool.Query(ctx, selectInvoiceSQL+`WHERE tokenized ORDER BY created_at DESC NULLS LAST, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) one(ctx context.Context, query string, arg string) (*Invoice, error) {
	inv, err := scanInvoice(c.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return inv, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.TokenID, &inv.TokenEVM,
		&inv.EscrowEVM, &inv.EscrowContractID,
		&inv.MinInvestment, &inv.MaxInvestment,
		&inv.TotalTarget, &inv.YieldRate,
		&inv.DurationDays, &inv.ExpiryDate, &inv.Tokenized, &inv.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
