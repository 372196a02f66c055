package ledger

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"voltsettle/internal/database"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	pool, err := database.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(pool.Close)

	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, ctx
}

func TestPostgresReserveIsAtomic(t *testing.T) {
	store, ctx := openTestStore(t)
	invoiceID := "test-" + uuid.NewString()
	target := decimal.NewFromInt(1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Reserve(ctx, Reservation{
				DepositTxID: uuid.NewString(),
				InvoiceID:   invoiceID,
				Amount:      decimal.NewFromInt(600),
				Stage:       StageReserved,
				Owner:       "test",
				LeaseUntil:  time.Now().Add(time.Minute),
			}, target)
		}(i)
	}
	wg.Wait()

	var rejected int
	for _, err := range errs {
		if errors.Is(err, ErrCapacityExceeded) {
			rejected++
		} else if err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if rejected != 1 {
		t.Fatalf("expected exactly one rejection, got %d", rejected)
	}

	f, err := store.Funding(ctx, invoiceID)
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if !f.Reserved.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("unexpected reserved total %s", f.Reserved)
	}
}

func TestPostgresCommitAndSettle(t *testing.T) {
	store, ctx := openTestStore(t)
	invoiceID := "test-" + uuid.NewString()
	deposit := "0.0.1-1-" + uuid.NewString()[:9]
	now := time.Now().UTC().Truncate(time.Microsecond)

	res := Reservation{
		DepositTxID: deposit,
		InvoiceID:   invoiceID,
		InvestorID:  "0.0.4001",
		InvestorEVM: "0x0000000000000000000000000000000000000Fa1",
		Amount:      decimal.NewFromInt(100),
		Units:       100_000_000,
		Stage:       StageReserved,
		Owner:       "w1",
		LeaseUntil:  now.Add(time.Minute),
	}
	if err := store.Reserve(ctx, res, decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.Reserve(ctx, res, decimal.NewFromInt(1000)); !errors.Is(err, errReservationExists) {
		t.Fatalf("expected duplicate reservation, got %v", err)
	}
	if _, err := store.Acquire(ctx, deposit, "w2", now, now.Add(time.Minute)); !errors.Is(err, ErrAllocationInProgress) {
		t.Fatalf("expected live lease, got %v", err)
	}

	idx := uint64(3)
	res.Stage = StageRecorded
	res.ContractIndex = &idx
	if err := store.UpdateReservation(ctx, res); err != nil {
		t.Fatalf("update: %v", err)
	}

	inv := Investment{
		ID:            uuid.NewString(),
		InvestorID:    res.InvestorID,
		InvestorEVM:   res.InvestorEVM,
		InvoiceID:     invoiceID,
		TokenID:       "0.0.5001",
		TokenEVM:      "0x0000000000000000000000000000000000001389",
		EscrowEVM:     "0x0000000000000000000000000000000000001068",
		VUSDAmount:    decimal.NewFromInt(100),
		ITokenAmount:  10,
		YieldRate:     decimal.RequireFromString("0.1"),
		ExpectedYield: decimal.NewFromInt(10),
		ContractIndex: &idx,
		Status:        StatusActive,
		DepositTxID:   deposit,
		MaturedAt:     now.Add(-time.Minute),
		CreatedAt:     now,
	}
	if err := store.Commit(ctx, inv); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := store.InvestmentByDeposit(ctx, deposit)
	if err != nil {
		t.Fatalf("by deposit: %v", err)
	}
	if got.ContractIndex == nil || *got.ContractIndex != 3 || !got.ExpectedYield.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected investment: %+v", got)
	}

	f, _ := store.Funding(ctx, invoiceID)
	if !f.Committed.Equal(decimal.NewFromInt(100)) || !f.Reserved.IsZero() || f.Investors != 1 {
		t.Fatalf("unexpected funding: %+v", f)
	}

	ok, err := store.Claim(ctx, inv.ID, "claim-1", now, now.Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, _ := store.Claim(ctx, inv.ID, "claim-2", now, now.Add(time.Minute)); ok {
		t.Fatalf("second claim must fail while the lease is live")
	}
	done, err := store.CompleteSettlement(ctx, inv.ID, "claim-1", "0xsettle", now)
	if err != nil || !done {
		t.Fatalf("complete: %v %v", done, err)
	}
	if done, _ := store.CompleteSettlement(ctx, inv.ID, "claim-1", "0xsettle", now); done {
		t.Fatalf("completing twice must be a no-op")
	}
}

func TestPostgresContractIndexesIncludeJournaledReservations(t *testing.T) {
	store, ctx := openTestStore(t)
	escrowEVM := "0x" + uuid.NewString()[:8]
	investorEVM := "0x" + uuid.NewString()[:8]
	idx := uint64(7)

	mine, other := uuid.NewString(), uuid.NewString()
	for _, dep := range []string{mine, other} {
		err := store.Reserve(ctx, Reservation{
			DepositTxID: dep,
			InvoiceID:   "test-" + uuid.NewString(),
			InvestorEVM: investorEVM,
			EscrowEVM:   escrowEVM,
			Amount:      decimal.NewFromInt(10),
			Stage:       StageReserved,
			Owner:       "test",
			LeaseUntil:  time.Now().Add(time.Minute),
		}, decimal.NewFromInt(100))
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	res, err := store.Reservation(ctx, other)
	if err != nil {
		t.Fatalf("reservation: %v", err)
	}
	res.Stage = StageRecorded
	res.ContractIndex = &idx
	if err := store.UpdateReservation(ctx, *res); err != nil {
		t.Fatalf("update: %v", err)
	}

	claimed, err := store.ContractIndexes(ctx, escrowEVM, investorEVM, mine)
	if err != nil {
		t.Fatalf("contract indexes: %v", err)
	}
	if !claimed[idx] {
		t.Fatalf("index journaled by another deposit must count as claimed: %v", claimed)
	}
	if own, _ := store.ContractIndexes(ctx, escrowEVM, investorEVM, other); own[idx] {
		t.Fatalf("a deposit's own journaled index must not count as claimed")
	}
}

func TestPostgresMaturedPagesPastUnindexed(t *testing.T) {
	store, ctx := openTestStore(t)
	// each run gets its own ten-minute window in the past
	slot := time.Duration(time.Now().Unix()%1_000_000) * 10 * time.Minute
	base := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC).Add(slot)
	var indexed []string
	for i := 0; i < 3; i++ {
		dep := uuid.NewString()
		inv := Investment{
			ID:          uuid.NewString(),
			InvestorID:  "0.0.4001",
			InvoiceID:   "test-" + uuid.NewString(),
			VUSDAmount:  decimal.NewFromInt(10),
			Status:      StatusActive,
			DepositTxID: dep,
			MaturedAt:   base.Add(time.Duration(i) * time.Minute),
			CreatedAt:   base,
		}
		if i > 0 {
			idx := uint64(i)
			inv.ContractIndex = &idx
			indexed = append(indexed, inv.ID)
		}
		if err := store.Reserve(ctx, Reservation{DepositTxID: dep, InvoiceID: inv.InvoiceID, Amount: inv.VUSDAmount,
			Stage: StageRecorded, Owner: "test", LeaseUntil: time.Now()}, decimal.NewFromInt(100)); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if err := store.Commit(ctx, inv); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	until := base.Add(5 * time.Minute)
	start := Cursor{MaturedAt: base.Add(-time.Second)}
	first, err := store.Matured(ctx, until, start, 1)
	if err != nil || len(first) != 1 || first[0].ID != indexed[0] {
		t.Fatalf("first page: %+v (%v)", first, err)
	}
	second, err := store.Matured(ctx, until, CursorFor(first[0]), 1)
	if err != nil || len(second) != 1 || second[0].ID != indexed[1] {
		t.Fatalf("second page: %+v (%v)", second, err)
	}
	unindexed, err := store.Unindexed(ctx, base, 0)
	if err != nil || len(unindexed) == 0 {
		t.Fatalf("unindexed: %+v (%v)", unindexed, err)
	}
	for _, inv := range unindexed {
		if inv.ContractIndex != nil {
			t.Fatalf("unindexed returned %s with index %d", inv.ID, *inv.ContractIndex)
		}
	}
}
