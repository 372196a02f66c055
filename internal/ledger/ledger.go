package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"voltsettle/internal/escrow"
	"voltsettle/internal/events"
	"voltsettle/internal/hederaid"
	"voltsettle/internal/invoice"
	"voltsettle/internal/metrics"
	"voltsettle/internal/mirror"
	"voltsettle/internal/review"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Verifier confirms a claimed deposit on the chain's mirror.
type Verifier interface {
	Verify(ctx context.Context, d mirror.Deposit) (mirror.Verified, error)
}

type Config struct {
	// FractionSize is the vUSD price of one iToken.
	FractionSize decimal.Decimal
	// VUSDToken is the stablecoin investors deposit, in shard.realm.num form.
	VUSDToken string
	// ReservationLease bounds how long one worker may hold a deposit.
	ReservationLease time.Duration
	Now              func() time.Time
}

type Deps struct {
	Store    Store
	Locator  *escrow.Locator
	Verifier Verifier
	Chain    *escrow.Executor
	Reviews  review.Queue
	Events   events.Publisher
	Metrics  *metrics.Registry
}

// Ledger credits verified deposits against invoice capacity and records the
// resulting positions on the escrow contract.
type Ledger struct {
	cfg   Config
	store Store
	loc   *escrow.Locator
	ver   Verifier
	chain *escrow.Executor
	rev   review.Queue
	pub   events.Publisher
	m     *metrics.Registry
	group singleflight.Group
}

func New(cfg Config, deps Deps) *Ledger {
	if cfg.FractionSize.IsZero() {
		cfg.FractionSize = decimal.NewFromInt(10)
	}
	if cfg.ReservationLease <= 0 {
		cfg.ReservationLease = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Reviews == nil {
		deps.Reviews = review.NewMemoryStore()
	}
	if deps.Events == nil {
		deps.Events = events.LogPublisher{}
	}
	return &Ledger{
		cfg:   cfg,
		store: deps.Store,
		loc:   deps.Locator,
		ver:   deps.Verifier,
		chain: deps.Chain,
		rev:   deps.Reviews,
		pub:   deps.Events,
		m:     deps.Metrics,
	}
}

// Store exposes the backing store to the settlement scheduler.
func (l *Ledger) Store() Store { return l.store }

// AllocateRequest asks to credit a deposit. InvestorID is the investor's
// account, as shard.realm.num or EVM address.
type AllocateRequest struct {
	InvoiceID   string `json:"invoiceId"`
	InvestorID  string `json:"investorId"`
	DepositTxID string `json:"depositTxId"`
}

type Allocation struct {
	*Investment
	// Replayed is set when the deposit had already been credited.
	Replayed bool `json:"replayed"`
}

func (r AllocateRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.InvoiceID) == "" {
		missing = append(missing, "invoiceId")
	}
	if strings.TrimSpace(r.InvestorID) == "" {
		missing = append(missing, "investorId")
	}
	if strings.TrimSpace(r.DepositTxID) == "" {
		missing = append(missing, "depositTxId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// Allocate verifies the deposit, reserves capacity, runs the chain calls and
// commits the investment. Replays with the same deposit id never credit twice.
func (l *Ledger) Allocate(ctx context.Context, req AllocateRequest) (*Allocation, error) {
	if err := req.validate(); err != nil {
		l.m.IncAllocation("invalid")
		return nil, err
	}
	key, err := mirror.NormalizeTxID(req.DepositTxID)
	if err != nil {
		l.m.IncAllocation("invalid")
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		return l.allocate(ctx, req, key)
	})
	if err != nil {
		l.m.IncAllocation(Classify(err).String())
		return nil, err
	}
	a := v.(*Allocation)
	if a.Replayed {
		l.m.IncAllocation("replayed")
	} else {
		l.m.IncAllocation("created")
	}
	return a, nil
}

// attempt carries one allocation through the chain calls.
type attempt struct {
	req      AllocateRequest
	target   escrow.Target
	investor common.Address
	res      Reservation
}

func (l *Ledger) allocate(ctx context.Context, req AllocateRequest, key string) (*Allocation, error) {
	target, err := l.loc.LocateInvoice(ctx, req.InvoiceID)
	switch {
	case errors.Is(err, escrow.ErrEscrowNotConfigured):
		return nil, fmt.Errorf("%w: %w", ErrNotTokenized, err)
	case err != nil:
		return nil, err
	case !target.Invoice.Tokenized:
		return nil, fmt.Errorf("%w: %s", ErrNotTokenized, req.InvoiceID)
	}

	investor, err := hederaid.ToEVM(req.InvestorID)
	if err != nil {
		return nil, fmt.Errorf("%w: investorId: %w", ErrInvalidRequest, err)
	}

	if existing, err := l.store.InvestmentByDeposit(ctx, key); err == nil {
		if existing.InvoiceID != req.InvoiceID || !strings.EqualFold(existing.InvestorEVM, investor.Hex()) {
			return nil, fmt.Errorf("%w: %s credited to invoice %s", ErrDuplicateDeposit, key, existing.InvoiceID)
		}
		return &Allocation{Investment: existing, Replayed: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	a := &attempt{req: req, target: target, investor: investor}

	res, err := l.store.Reservation(ctx, key)
	switch {
	case err == nil:
		if res.InvoiceID != req.InvoiceID || !strings.EqualFold(res.InvestorEVM, investor.Hex()) {
			return nil, fmt.Errorf("%w: %s reserved for invoice %s", ErrDuplicateDeposit, key, res.InvoiceID)
		}
		return l.resume(ctx, a, res)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	verified, err := l.ver.Verify(ctx, mirror.Deposit{
		TxID:   key,
		Payer:  req.InvestorID,
		Escrow: escrowAccount(target),
		Asset:  l.cfg.VUSDToken,
	})
	if err != nil {
		return nil, err
	}

	iTokens, err := l.checkAmount(target, verified.Amount)
	if err != nil {
		return nil, err
	}

	now := l.cfg.Now().UTC()
	a.res = Reservation{
		DepositTxID:  key,
		InvoiceID:    req.InvoiceID,
		InvestorID:   req.InvestorID,
		InvestorEVM:  investor.Hex(),
		TokenEVM:     target.Token.Hex(),
		EscrowEVM:    target.Escrow.Hex(),
		Amount:       verified.Amount,
		Units:        verified.Units,
		ITokenAmount: iTokens,
		Stage:        StageReserved,
		Owner:        uuid.NewString(),
		LeaseUntil:   now.Add(l.cfg.ReservationLease),
	}
	if err := l.store.Reserve(ctx, a.res, target.Invoice.TotalTarget); err != nil {
		if errors.Is(err, errReservationExists) {
			return nil, fmt.Errorf("%w: %s", ErrAllocationInProgress, key)
		}
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		l.release(a, "cancelled before chain calls")
		return nil, err
	}
	return l.execute(ctx, a)
}

// checkAmount applies the invoice bounds and returns the iToken count.
func (l *Ledger) checkAmount(target escrow.Target, amount decimal.Decimal) (int64, error) {
	inv := target.Invoice
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if inv.MinInvestment.IsPositive() && amount.LessThan(inv.MinInvestment) {
		return 0, fmt.Errorf("%w: %s below minimum %s", ErrInvalidAmount, amount, inv.MinInvestment)
	}
	if inv.MaxInvestment.IsPositive() && amount.GreaterThan(inv.MaxInvestment) {
		return 0, fmt.Errorf("%w: %s above maximum %s", ErrInvalidAmount, amount, inv.MaxInvestment)
	}
	if !amount.Mod(l.cfg.FractionSize).IsZero() {
		return 0, fmt.Errorf("%w: %s is not a multiple of %s", ErrInvalidAmount, amount, l.cfg.FractionSize)
	}
	fractions := amount.Div(l.cfg.FractionSize).Floor()
	if !fractions.IsPositive() {
		return 0, fmt.Errorf("%w: %s", ErrZeroAllocation, amount)
	}
	return fractions.IntPart(), nil
}

// execute runs associate, release and record for a fresh reservation. From
// here on the caller's cancellation no longer applies.
func (l *Ledger) execute(ctx context.Context, a *attempt) (*Allocation, error) {
	ctx = context.WithoutCancel(ctx)
	escrowAddr, token := a.target.Escrow, a.target.Token

	l.chain.CheckOwner(ctx, escrowAddr)

	baseline, err := l.chain.InvestmentsLength(ctx, escrowAddr, a.investor)
	if err != nil {
		l.release(a, "baseline read failed")
		return nil, fmt.Errorf("%w: investmentsLength: %w", ErrChainUnavailable, err)
	}
	a.res.Baseline = baseline
	a.res.Stage = StageSubmitting
	if err := l.store.UpdateReservation(ctx, a.res); err != nil {
		if !errors.Is(err, ErrAllocationInProgress) {
			l.release(a, "journal write failed")
		}
		return nil, err
	}

	call := l.chain.Begin(escrowAddr)
	if err := call.Associate(ctx, token); err != nil {
		// association moves no value, so the reservation can be dropped
		l.release(a, "associate failed")
		return nil, fmt.Errorf("%w: associate: %w", ErrChainUnavailable, err)
	}

	rel, err := call.ReleaseIToken(ctx, a.investor, token, a.res.ITokenAmount)
	if err != nil {
		if errors.Is(err, escrow.ErrReverted) {
			l.release(a, "release reverted")
			return nil, fmt.Errorf("release: %w", err)
		}
		l.park(ctx, a)
		return nil, fmt.Errorf("%w: release: %w", ErrChainUnavailable, err)
	}
	a.res.Stage = StageReleased
	a.res.ReleaseTxID = rel.TxHash
	l.journal(ctx, a)

	return l.record(ctx, a, call)
}

const maxRecordReverts = 2

// record issues recordInvestment after a confirmed release and commits.
func (l *Ledger) record(ctx context.Context, a *attempt, call *escrow.Invocation) (*Allocation, error) {
	units := big.NewInt(a.res.Units)
	rec, err := call.RecordInvestment(ctx, a.investor, a.target.Token, units)
	if err != nil {
		// the release already went through, so a revert is retried as
		// record-only until it has reverted maxRecordReverts times
		if errors.Is(err, escrow.ErrReverted) {
			a.res.RecordReverts++
			if a.res.RecordReverts >= maxRecordReverts {
				return nil, l.flag(ctx, a, fmt.Sprintf("recordInvestment reverted %d times after release: %v", a.res.RecordReverts, err))
			}
		}
		l.park(ctx, a)
		return nil, fmt.Errorf("%w: record: %v", ErrChainUnavailable, err)
	}
	idx := rec.ContractIndex
	a.res.Stage = StageRecorded
	a.res.RecordTxID = rec.TxHash
	a.res.ContractIndex = &idx
	l.journal(ctx, a)

	return l.commit(ctx, a)
}

// resume continues an allocation that a previous run left unfinished. Any
// stage past reserved first looks for the record on chain before issuing a
// chain call.
func (l *Ledger) resume(ctx context.Context, a *attempt, res *Reservation) (*Allocation, error) {
	if res.Stage == StageReview {
		return nil, fmt.Errorf("%w: %s", ErrManualReview, res.DepositTxID)
	}
	now := l.cfg.Now().UTC()
	owned, err := l.store.Acquire(ctx, res.DepositTxID, uuid.NewString(), now, now.Add(l.cfg.ReservationLease))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// committed between our reads
			if inv, err := l.store.InvestmentByDeposit(ctx, res.DepositTxID); err == nil {
				return &Allocation{Investment: inv, Replayed: true}, nil
			}
		}
		return nil, err
	}
	a.res = *owned
	log.Printf("ledger: resuming %s at stage %s", a.res.DepositTxID, a.res.Stage)

	switch a.res.Stage {
	case StageReserved:
		if err := ctx.Err(); err != nil {
			l.park(context.WithoutCancel(ctx), a)
			return nil, err
		}
		return l.execute(ctx, a)
	case StageSubmitting, StageReleased, StageRecorded:
	default:
		return nil, fmt.Errorf("%w: %s has unknown stage %q", ErrManualReview, a.res.DepositTxID, a.res.Stage)
	}

	ctx = context.WithoutCancel(ctx)
	idx, found, err := l.findRecord(ctx, a)
	if err != nil {
		l.park(ctx, a)
		return nil, fmt.Errorf("%w: reconcile: %w", ErrChainUnavailable, err)
	}
	if found {
		log.Printf("ledger: %s already recorded on chain at index %d", a.res.DepositTxID, idx)
		a.res.ContractIndex = &idx
		a.res.Stage = StageRecorded
		return l.commit(ctx, a)
	}

	switch a.res.Stage {
	case StageReleased:
		call := l.chain.Begin(a.target.Escrow)
		call.MarkReleased(a.target.Token)
		return l.record(ctx, a, call)
	case StageRecorded:
		return nil, l.flag(ctx, a, "journal says recorded but no matching position on chain")
	default:
		return nil, l.flag(ctx, a, "release outcome unknown and no matching position on chain")
	}
}

// findRecord scans positions from the reservation's baseline for one with the
// same token and units that no other deposit already claims, committed or
// journaled.
func (l *Ledger) findRecord(ctx context.Context, a *attempt) (uint64, bool, error) {
	claimed, err := l.store.ContractIndexes(ctx, a.target.Escrow.Hex(), a.investor.Hex(), a.res.DepositTxID)
	if err != nil {
		return 0, false, err
	}
	units := big.NewInt(a.res.Units)
	if idx := a.res.ContractIndex; idx != nil && !claimed[*idx] {
		p, err := l.chain.InvestmentAt(ctx, a.target.Escrow, a.investor, *idx)
		if err != nil {
			return 0, false, err
		}
		if p.Token == a.target.Token && p.Amount != nil && p.Amount.Cmp(units) == 0 {
			return *idx, true, nil
		}
	}
	from := a.res.Baseline
	for {
		idx, found, err := l.chain.FindRecord(ctx, a.target.Escrow, a.investor, a.target.Token, units, from)
		if err != nil || !found {
			return 0, false, err
		}
		if !claimed[idx] {
			return idx, true, nil
		}
		from = idx + 1
	}
}

func (l *Ledger) commit(ctx context.Context, a *attempt) (*Allocation, error) {
	inv := a.target.Invoice
	now := l.cfg.Now().UTC()
	investment := Investment{
		ID:            uuid.NewString(),
		InvestorID:    a.req.InvestorID,
		InvestorEVM:   a.investor.Hex(),
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		TokenID:       inv.TokenID,
		TokenEVM:      a.target.Token.Hex(),
		EscrowEVM:     a.target.Escrow.Hex(),
		VUSDAmount:    a.res.Amount,
		ITokenAmount:  a.res.ITokenAmount,
		YieldRate:     inv.YieldRate,
		ExpectedYield: a.res.Amount.Mul(inv.YieldRate),
		ContractIndex: a.res.ContractIndex,
		Status:        StatusActive,
		TxID:          a.res.RecordTxID,
		DepositTxID:   a.res.DepositTxID,
		MaturedAt:     now.AddDate(0, 0, inv.DurationDays),
		CreatedAt:     now,
	}

	if err := l.store.Commit(ctx, investment); err != nil {
		if errors.Is(err, ErrDuplicateDeposit) {
			if existing, lookupErr := l.store.InvestmentByDeposit(ctx, investment.DepositTxID); lookupErr == nil {
				return &Allocation{Investment: existing, Replayed: true}, nil
			}
		}
		l.park(ctx, a)
		l.raise(ctx, a, "ledger commit failed after chain record: "+err.Error())
		return nil, fmt.Errorf("%w: %s: %w", ErrPartialCommit, investment.DepositTxID, err)
	}

	_ = l.pub.Publish(ctx, events.New(events.TypeInvestmentRecorded, map[string]string{
		"investmentId":  investment.ID,
		"investorId":    investment.InvestorID,
		"investorEvm":   investment.InvestorEVM,
		"invoiceId":     investment.InvoiceID,
		"invoiceNumber": investment.InvoiceNumber,
		"tokenId":       investment.TokenID,
		"tokenEvm":      investment.TokenEVM,
		"escrowEvm":     investment.EscrowEVM,
		"vusdAmount":    investment.VUSDAmount.String(),
		"iTokenAmount":  strconv.FormatInt(investment.ITokenAmount, 10),
		"yieldRate":     investment.YieldRate.String(),
		"expectedYield": investment.ExpectedYield.String(),
		"contractIndex": formatIndex(investment.ContractIndex),
		"txId":          investment.TxID,
		"depositTxId":   investment.DepositTxID,
	}))
	log.Printf("ledger: credited %s vUSD from %s to invoice %s (index %s)",
		investment.VUSDAmount, investment.DepositTxID, investment.InvoiceID, formatIndex(investment.ContractIndex))
	return &Allocation{Investment: &investment}, nil
}

// flag moves the reservation to review; capacity stays held.
func (l *Ledger) flag(ctx context.Context, a *attempt, reason string) error {
	a.res.Stage = StageReview
	a.res.LeaseUntil = time.Time{}
	if err := l.store.UpdateReservation(ctx, a.res); err != nil {
		log.Printf("ledger: mark %s for review: %v", a.res.DepositTxID, err)
	}
	l.raise(ctx, a, reason)
	return fmt.Errorf("%w: %s: %s", ErrManualReview, a.res.DepositTxID, reason)
}

func (l *Ledger) raise(ctx context.Context, a *attempt, reason string) {
	err := l.rev.Raise(ctx, review.Flag{
		Key:       review.KindAllocation + ":" + a.res.DepositTxID,
		Kind:      review.KindAllocation,
		Reference: a.res.DepositTxID,
		Reason:    reason,
		Detail: map[string]string{
			"invoiceId":   a.res.InvoiceID,
			"investorId":  a.res.InvestorID,
			"stage":       string(a.res.Stage),
			"escrowEvm":   a.res.EscrowEVM,
			"releaseTxId": a.res.ReleaseTxID,
			"recordTxId":  a.res.RecordTxID,
		},
	})
	if err != nil {
		log.Printf("ledger: raise review flag for %s: %v", a.res.DepositTxID, err)
	}
	if flags, err := l.rev.List(ctx); err == nil {
		l.m.SetReviewDepth(len(flags))
	}
	_ = l.pub.Publish(ctx, events.New(events.TypeManualReview, map[string]string{
		"kind":        review.KindAllocation,
		"depositTxId": a.res.DepositTxID,
		"reason":      reason,
	}))
}

// journal records chain progress. A failed write is logged only: the next
// replay reconciles against the chain.
func (l *Ledger) journal(ctx context.Context, a *attempt) {
	if err := l.store.UpdateReservation(ctx, a.res); err != nil {
		log.Printf("ledger: journal %s stage %s: %v", a.res.DepositTxID, a.res.Stage, err)
	}
}

// park keeps the reservation but drops the lease so a replay can resume.
func (l *Ledger) park(ctx context.Context, a *attempt) {
	a.res.LeaseUntil = time.Time{}
	if err := l.store.UpdateReservation(ctx, a.res); err != nil {
		log.Printf("ledger: park %s: %v", a.res.DepositTxID, err)
	}
}

func (l *Ledger) release(a *attempt, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.ReleaseReservation(ctx, a.res.DepositTxID); err != nil {
		log.Printf("ledger: release %s (%s): %v", a.res.DepositTxID, reason, err)
		return
	}
	log.Printf("ledger: released reservation %s: %s", a.res.DepositTxID, reason)
}

// escrowAccount prefers the native contract id, which is how the mirror node
// reports the credited account.
func escrowAccount(t escrow.Target) string {
	if id := strings.TrimSpace(t.Invoice.EscrowContractID); id != "" {
		return id
	}
	return t.Escrow.Hex()
}

func formatIndex(idx *uint64) string {
	if idx == nil {
		return ""
	}
	return strconv.FormatUint(*idx, 10)
}

func (l *Ledger) Get(ctx context.Context, id string) (*Investment, error) {
	return l.store.Get(ctx, id)
}

// List returns investments newest first, optionally for one investor.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Investment, error) {
	return l.store.List(ctx, f)
}

// PoolStats summarizes funding of one invoice.
func (l *Ledger) PoolStats(ctx context.Context, invoiceID string) (*PoolStats, error) {
	inv, err := l.loc.Invoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	f, err := l.store.Funding(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	stats := poolStats(inv, f, l.cfg.Now())
	return &stats, nil
}

const (
	defaultPoolLimit = 20
	maxPoolLimit     = 100
)

// ListPools pages through tokenized invoices, newest first, filtered by
// derived funding status.
func (l *Ledger) ListPools(ctx context.Context, f PoolFilter) (*PoolPage, error) {
	switch f.Status {
	case "", "all":
		f.Status = ""
	case PoolFunding, PoolFunded, PoolFullyFunded:
	default:
		return nil, fmt.Errorf("%w: unknown pool status %q", ErrInvalidRequest, f.Status)
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPoolLimit
	}
	if f.Limit > maxPoolLimit {
		f.Limit = maxPoolLimit
	}

	invoices, err := l.loc.Tokenized(ctx)
	if err != nil {
		return nil, err
	}
	now := l.cfg.Now()
	matched := make([]PoolStats, 0, len(invoices))
	for i := range invoices {
		funding, err := l.store.Funding(ctx, invoices[i].ID)
		if err != nil {
			return nil, err
		}
		stats := poolStats(&invoices[i], funding, now)
		if f.Status != "" && stats.Status != f.Status {
			continue
		}
		matched = append(matched, stats)
	}

	page := &PoolPage{Page: f.Page, Limit: f.Limit, Total: len(matched), Items: []PoolStats{}}
	start := (f.Page - 1) * f.Limit
	if start < len(matched) {
		end := start + f.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Items = matched[start:end]
	}
	return page, nil
}

var hundred = decimal.NewFromInt(100)

func poolStats(inv *invoice.Invoice, f Funding, now time.Time) PoolStats {
	stats := PoolStats{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		TotalTarget:   inv.TotalTarget,
		Funded:        f.Committed,
		Reserved:      f.Reserved,
		Remaining:     decimal.Max(inv.TotalTarget.Sub(f.Committed).Sub(f.Reserved), decimal.Zero),
		Investors:     f.Investors,
		YieldRate:     inv.YieldRate,
		DurationDays:  inv.DurationDays,
		MinInvestment: inv.MinInvestment,
		MaxInvestment: inv.MaxInvestment,
		ExpiryDate:    inv.ExpiryDate,
		DaysLeft:      daysLeft(inv.ExpiryDate, now),
		Status:        PoolFunding,
	}
	if inv.TotalTarget.IsPositive() {
		progress := f.Committed.Div(inv.TotalTarget).Mul(hundred)
		stats.Progress = decimal.Min(progress, hundred).Round(0).IntPart()
	}
	switch {
	case inv.TotalTarget.IsPositive() && f.Committed.GreaterThanOrEqual(inv.TotalTarget):
		stats.Status = PoolFullyFunded
	case f.Committed.IsPositive():
		stats.Status = PoolFunded
	}
	return stats
}

// daysLeft rounds the time to expiry up to whole days, never below zero.
func daysLeft(expiry, now time.Time) int64 {
	remaining := expiry.Sub(now)
	if expiry.IsZero() || remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(remaining.Hours() / 24))
}
