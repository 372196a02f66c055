package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore keeps the ledger in PostgreSQL. Capacity lives in
// invoice_funding as running committed and reserved totals; Reserve moves
// them with one conditional UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTablesSQL = `
CREATE TABLE IF NOT EXISTS investments (
    id TEXT PRIMARY KEY,
    investor_id TEXT NOT NULL,
    investor_evm TEXT NOT NULL,
    invoice_id TEXT NOT NULL,
    invoice_number TEXT NOT NULL DEFAULT '',
    token_id TEXT NOT NULL,
    token_evm TEXT NOT NULL,
    escrow_evm TEXT NOT NULL,
    vusd_amount NUMERIC(38,6) NOT NULL,
    itoken_amount BIGINT NOT NULL,
    yield_rate NUMERIC(20,8) NOT NULL,
    expected_yield NUMERIC(38,6) NOT NULL,
    contract_index BIGINT,
    status TEXT NOT NULL,
    tx_id TEXT NOT NULL DEFAULT '',
    deposit_tx_id TEXT NOT NULL UNIQUE,
    settle_tx_id TEXT NOT NULL DEFAULT '',
    matured_at TIMESTAMPTZ NOT NULL,
    settled_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    claim_token TEXT,
    claim_until TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS investments_status_matured_idx ON investments (status, matured_at, id);
CREATE INDEX IF NOT EXISTS investments_investor_idx ON investments (investor_id, created_at DESC);

CREATE TABLE IF NOT EXISTS invoice_funding (
    invoice_id TEXT PRIMARY KEY,
    committed NUMERIC(38,6) NOT NULL DEFAULT 0,
    reserved NUMERIC(38,6) NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS allocation_reservations (
    deposit_tx_id TEXT PRIMARY KEY,
    invoice_id TEXT NOT NULL,
    investor_id TEXT NOT NULL,
    investor_evm TEXT NOT NULL,
    token_evm TEXT NOT NULL,
    escrow_evm TEXT NOT NULL,
    amount NUMERIC(38,6) NOT NULL,
    units BIGINT NOT NULL,
    itoken_amount BIGINT NOT NULL,
    stage TEXT NOT NULL,
    baseline BIGINT NOT NULL DEFAULT 0,
    release_tx_id TEXT NOT NULL DEFAULT '',
    record_tx_id TEXT NOT NULL DEFAULT '',
    contract_index BIGINT,
    record_reverts INT NOT NULL DEFAULT 0,
    owner TEXT NOT NULL,
    lease_until TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
ALTER TABLE allocation_reservations ADD COLUMN IF NOT EXISTS record_reverts INT NOT NULL DEFAULT 0;
`

const investmentColumns = `
id, investor_id, investor_evm, invoice_id, invoice_number, token_id, token_evm, escrow_evm,
vusd_amount::text, itoken_amount, yield_rate::text, expected_yield::text, contract_index,
status, tx_id, deposit_tx_id, settle_tx_id, matured_at, settled_at, created_at`

const reservationColumns = `
deposit_tx_id, invoice_id, investor_id, investor_evm, token_evm, escrow_evm, amount::text,
units, itoken_amount, stage, baseline, release_tx_id, record_tx_id, contract_index, record_reverts,
owner, lease_until, created_at, updated_at`

// NewPostgresStore ensures the ledger tables exist on the shared pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createTablesSQL); err != nil {
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) InvestmentByDeposit(ctx context.Context, depositTxID string) (*Investment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE deposit_tx_id = $1`, depositTxID)
	return scanInvestment(row)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Investment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id = $1`, id)
	return scanInvestment(row)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]Investment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+investmentColumns+`
FROM investments
WHERE ($1 = '' OR investor_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3
`, f.InvestorID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	return collectInvestments(rows)
}

func (p *PostgresStore) Funding(ctx context.Context, invoiceID string) (Funding, error) {
	var committed, reserved string
	var investors int
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE(f.committed, 0)::text,
       COALESCE(f.reserved, 0)::text,
       (SELECT COUNT(DISTINCT investor_id) FROM investments WHERE invoice_id = $1)
FROM (SELECT 1) AS one
LEFT JOIN invoice_funding f ON f.invoice_id = $1
`, invoiceID).Scan(&committed, &reserved, &investors)
	if err != nil {
		return Funding{}, err
	}
	return Funding{
		Committed: decimal.RequireFromString(committed),
		Reserved:  decimal.RequireFromString(reserved),
		Investors: investors,
	}, nil
}

func (p *PostgresStore) ContractIndexes(ctx context.Context, escrowEVM, investorEVM, exceptDeposit string) (map[uint64]bool, error) {
	rows, err := p.pool.Query(ctx, `
SELECT contract_index FROM investments
WHERE escrow_evm = $1 AND investor_evm = $2 AND contract_index IS NOT NULL
UNION
SELECT contract_index FROM allocation_reservations
WHERE escrow_evm = $1 AND investor_evm = $2 AND contract_index IS NOT NULL
  AND stage <> 'committed' AND deposit_tx_id <> $3
`, escrowEVM, investorEVM, exceptDeposit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64]bool)
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, err
		}
		out[uint64(idx)] = true
	}
	return out, rows.Err()
}

func (p *PostgresStore) Reservation(ctx context.Context, depositTxID string) (*Reservation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM allocation_reservations WHERE deposit_tx_id = $1`, depositTxID)
	return scanReservation(row)
}

func (p *PostgresStore) Reserve(ctx context.Context, r Reservation, target decimal.Decimal) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
INSERT INTO invoice_funding (invoice_id) VALUES ($1) ON CONFLICT (invoice_id) DO NOTHING
`, r.InvoiceID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
INSERT INTO allocation_reservations (
    deposit_tx_id, invoice_id, investor_id, investor_evm, token_evm, escrow_evm, amount,
    units, itoken_amount, stage, baseline, owner, lease_until, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14, $14)
ON CONFLICT (deposit_tx_id) DO NOTHING
`, r.DepositTxID, r.InvoiceID, r.InvestorID, r.InvestorEVM, r.TokenEVM, r.EscrowEVM, r.Amount.String(),
			r.Units, r.ITokenAmount, string(r.Stage), int64(r.Baseline), r.Owner, r.LeaseUntil, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errReservationExists
		}

		tag, err = tx.Exec(ctx, `
UPDATE invoice_funding
SET reserved = reserved + $2::numeric, updated_at = now()
WHERE invoice_id = $1 AND committed + reserved + $2::numeric <= $3::numeric
`, r.InvoiceID, r.Amount.String(), target.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: requested %s, target %s", ErrCapacityExceeded, r.Amount, target)
		}
		return nil
	})
}

func (p *PostgresStore) Acquire(ctx context.Context, depositTxID, owner string, now, until time.Time) (*Reservation, error) {
	row := p.pool.QueryRow(ctx, `
UPDATE allocation_reservations
SET owner = $2, lease_until = $4, updated_at = $3
WHERE deposit_tx_id = $1 AND stage <> 'committed' AND lease_until <= $3
RETURNING `+reservationColumns, depositTxID, owner, now, until)
	r, err := scanReservation(row)
	if !errors.Is(err, ErrNotFound) {
		return r, err
	}
	cur, err := p.Reservation(ctx, depositTxID)
	if err != nil {
		return nil, err
	}
	if !cur.Held() {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: %s leased by %s until %s", ErrAllocationInProgress, depositTxID, cur.Owner, cur.LeaseUntil.Format(time.RFC3339))
}

func (p *PostgresStore) UpdateReservation(ctx context.Context, r Reservation) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE allocation_reservations
SET stage = $3, baseline = $4, release_tx_id = $5, record_tx_id = $6, contract_index = $7,
    record_reverts = $8, lease_until = $9, updated_at = now()
WHERE deposit_tx_id = $1 AND owner = $2 AND stage <> 'committed'
`, r.DepositTxID, r.Owner, string(r.Stage), int64(r.Baseline), r.ReleaseTxID, r.RecordTxID,
		nullableIndex(r.ContractIndex), r.RecordReverts, r.LeaseUntil)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s no longer owned by %s", ErrAllocationInProgress, r.DepositTxID, r.Owner)
	}
	return nil
}

func (p *PostgresStore) ReleaseReservation(ctx context.Context, depositTxID string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var invoiceID, amount string
		err := tx.QueryRow(ctx, `
DELETE FROM allocation_reservations
WHERE deposit_tx_id = $1 AND stage <> 'committed'
RETURNING invoice_id, amount::text
`, depositTxID).Scan(&invoiceID, &amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
UPDATE invoice_funding SET reserved = reserved - $2::numeric, updated_at = now()
WHERE invoice_id = $1
`, invoiceID, amount)
		return err
	})
}

func (p *PostgresStore) Commit(ctx context.Context, inv Investment) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var reserved string
		err := tx.QueryRow(ctx, `
UPDATE allocation_reservations
SET stage = 'committed', contract_index = $2, record_tx_id = $3, updated_at = now()
WHERE deposit_tx_id = $1 AND stage <> 'committed'
RETURNING amount::text
`, inv.DepositTxID, nullableIndex(inv.ContractIndex), inv.TxID).Scan(&reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: reservation %s", ErrNotFound, inv.DepositTxID)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
INSERT INTO investments (
    id, investor_id, investor_evm, invoice_id, invoice_number, token_id, token_evm, escrow_evm,
    vusd_amount, itoken_amount, yield_rate, expected_yield, contract_index, status, tx_id,
    deposit_tx_id, matured_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11::numeric, $12::numeric, $13, $14, $15, $16, $17, $18)
`, inv.ID, inv.InvestorID, inv.InvestorEVM, inv.InvoiceID, inv.InvoiceNumber, inv.TokenID, inv.TokenEVM, inv.EscrowEVM,
			inv.VUSDAmount.String(), inv.ITokenAmount, inv.YieldRate.String(), inv.ExpectedYield.String(),
			nullableIndex(inv.ContractIndex), string(inv.Status), inv.TxID, inv.DepositTxID, inv.MaturedAt, inv.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateDeposit, inv.DepositTxID)
			}
			return err
		}

		_, err = tx.Exec(ctx, `
UPDATE invoice_funding
SET reserved = reserved - $2::numeric, committed = committed + $3::numeric, updated_at = now()
WHERE invoice_id = $1
`, inv.InvoiceID, reserved, inv.VUSDAmount.String())
		return err
	})
}

func (p *PostgresStore) Matured(ctx context.Context, now time.Time, after Cursor, limit int) ([]Investment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+investmentColumns+`
FROM investments
WHERE status = 'active' AND matured_at <= $1 AND contract_index IS NOT NULL
  AND (claim_until IS NULL OR claim_until <= $1)
  AND (matured_at, id) > ($2, $3)
ORDER BY matured_at, id
LIMIT $4
`, now, after.MaturedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	return collectInvestments(rows)
}

func (p *PostgresStore) Unindexed(ctx context.Context, now time.Time, limit int) ([]Investment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+investmentColumns+`
FROM investments
WHERE status = 'active' AND matured_at <= $1 AND contract_index IS NULL
ORDER BY matured_at, id
LIMIT $2
`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectInvestments(rows)
}

func (p *PostgresStore) Claim(ctx context.Context, id, token string, now, until time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE investments
SET claim_token = $2, claim_until = $4
WHERE id = $1 AND status = 'active' AND (claim_until IS NULL OR claim_until <= $3)
`, id, token, now, until)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, id, token string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE investments SET claim_token = NULL, claim_until = NULL
WHERE id = $1 AND claim_token = $2
`, id, token)
	return err
}

func (p *PostgresStore) CompleteSettlement(ctx context.Context, id, token, settleTxID string, at time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE investments
SET status = 'completed', settle_tx_id = $3, settled_at = $4, claim_token = NULL, claim_until = NULL
WHERE id = $1 AND status = 'active' AND claim_token = $2
`, id, token, settleTxID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func collectInvestments(rows pgx.Rows) ([]Investment, error) {
	defer rows.Close()
	var out []Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func scanInvestment(row pgx.Row) (*Investment, error) {
	var (
		inv                    Investment
		amount, rate, expected string
		status                 string
		index                  *int64
	)
	err := row.Scan(&inv.ID, &inv.InvestorID, &inv.InvestorEVM, &inv.InvoiceID, &inv.InvoiceNumber,
		&inv.TokenID, &inv.TokenEVM, &inv.EscrowEVM, &amount, &inv.ITokenAmount, &rate, &expected,
		&index, &status, &inv.TxID, &inv.DepositTxID, &inv.SettleTxID, &inv.MaturedAt, &inv.SettledAt,
		&inv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.VUSDAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if inv.YieldRate, err = decimal.NewFromString(rate); err != nil {
		return nil, err
	}
	if inv.ExpectedYield, err = decimal.NewFromString(expected); err != nil {
		return nil, err
	}
	inv.Status = Status(status)
	inv.ContractIndex = indexFromNullable(index)
	return &inv, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		r      Reservation
		amount string
		stage  string
		base   int64
		index  *int64
	)
	err := row.Scan(&r.DepositTxID, &r.InvoiceID, &r.InvestorID, &r.InvestorEVM, &r.TokenEVM, &r.EscrowEVM,
		&amount, &r.Units, &r.ITokenAmount, &stage, &base, &r.ReleaseTxID, &r.RecordTxID, &index,
		&r.RecordReverts, &r.Owner, &r.LeaseUntil, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	r.Stage = Stage(stage)
	r.Baseline = uint64(base)
	r.ContractIndex = indexFromNullable(index)
	return &r, nil
}

func nullableIndex(idx *uint64) *int64 {
	if idx == nil {
		return nil
	}
	v := int64(*idx)
	return &v
}

func indexFromNullable(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	idx := uint64(*v)
	return &idx
}
