package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"voltsettle/internal/escrow"
	"voltsettle/internal/events"
	"voltsettle/internal/hederaid"
	"voltsettle/internal/ledger"
	"voltsettle/internal/metrics"
	"voltsettle/internal/review"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var ErrSweepInProgress = errors.New("settlement sweep already running")

// Store is the slice of the ledger store the scheduler needs.
type Store interface {
	Matured(ctx context.Context, now time.Time, after ledger.Cursor, limit int) ([]ledger.Investment, error)
	Unindexed(ctx context.Context, now time.Time, limit int) ([]ledger.Investment, error)
	Claim(ctx context.Context, id, token string, now, until time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id, token string) error
	CompleteSettlement(ctx context.Context, id, token, settleTxID string, at time.Time) (bool, error)
}

type Config struct {
	BatchSize  int
	ClaimLease time.Duration
	// YieldDecimals converts ExpectedYield to contract units.
	YieldDecimals int32
	Now           func() time.Time
}

type Anomaly struct {
	InvestmentID string `json:"investmentId"`
	Reason       string `json:"reason"`
}

type Failure struct {
	InvestmentID string `json:"investmentId"`
	Error        string `json:"error"`
}

// Report aggregates one sweep. Selected counts settleable items plus
// anomalies. Items claimed by a concurrent sweep are counted in Contended.
type Report struct {
	Selected  int       `json:"selected"`
	Settled   int       `json:"settled"`
	Contended int       `json:"contended"`
	Skipped   []Anomaly `json:"skipped"`
	Failed    []Failure `json:"failed"`
}

type Scheduler struct {
	cfg     Config
	store   Store
	loc     *escrow.Locator
	chain   *escrow.Executor
	reviews review.Queue
	pub     events.Publisher
	metrics *metrics.Registry

	running sync.Mutex
	// cursor is where the next sweep resumes; guarded by running.
	cursor ledger.Cursor
}

func NewScheduler(cfg Config, store Store, loc *escrow.Locator, chain *escrow.Executor, reviews review.Queue, pub events.Publisher, m *metrics.Registry) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.YieldDecimals <= 0 {
		cfg.YieldDecimals = 6
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if reviews == nil {
		reviews = review.NewMemoryStore()
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	return &Scheduler{cfg: cfg, store: store, loc: loc, chain: chain, reviews: reviews, pub: pub, metrics: m}
}

// Sweep settles up to BatchSize matured investments, resuming after the
// last item the previous sweep selected so that rows which keep failing
// cannot hold back the rest. Investments without a contract index are
// reported on every sweep. A failure on one item never stops the others.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	if !s.running.TryLock() {
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Unlock()

	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	var report Report
	now := s.cfg.Now().UTC()

	unindexed, err := s.store.Unindexed(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("select unindexed: %w", err)
	}
	for _, inv := range unindexed {
		s.anomaly(ctx, inv, reasonMissingIndex)
		report.Skipped = append(report.Skipped, Anomaly{InvestmentID: inv.ID, Reason: reasonMissingIndex})
		s.metrics.IncSettlement("skipped")
	}

	batch, err := s.store.Matured(ctx, now, s.cursor, s.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("select matured: %w", err)
	}
	if len(batch) < s.cfg.BatchSize {
		s.cursor = ledger.Cursor{}
	} else {
		s.cursor = ledger.CursorFor(batch[len(batch)-1])
	}
	report.Selected = len(unindexed) + len(batch)

	for _, inv := range batch {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch outcome, err := s.settle(ctx, inv); {
		case err != nil:
			log.Printf("settlement: %s failed: %v", inv.ID, err)
			report.Failed = append(report.Failed, Failure{InvestmentID: inv.ID, Error: err.Error()})
			s.metrics.IncSettlement("failed")
		case outcome == outcomeContended:
			report.Contended++
			s.metrics.IncSettlement("contended")
		default:
			report.Settled++
			s.metrics.IncSettlement("settled")
		}
	}

	if flags, err := s.reviews.List(ctx); err == nil {
		s.metrics.SetReviewDepth(len(flags))
	}
	return report, nil
}

type outcome int

const (
	outcomeSettled outcome = iota
	outcomeContended
)

const reasonMissingIndex = "missing contract index"

func (s *Scheduler) settle(ctx context.Context, inv ledger.Investment) (outcome, error) {
	if inv.ContractIndex == nil {
		return 0, errors.New(reasonMissingIndex)
	}

	now := s.cfg.Now().UTC()
	token := uuid.NewString()
	ok, err := s.store.Claim(ctx, inv.ID, token, now, now.Add(s.cfg.ClaimLease))
	if err != nil {
		return 0, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return outcomeContended, nil
	}

	txHash, err := s.pay(ctx, inv)
	if err != nil {
		s.releaseClaim(inv.ID, token)
		return 0, err
	}

	done, err := s.store.CompleteSettlement(context.WithoutCancel(ctx), inv.ID, token, txHash, s.cfg.Now().UTC())
	if err != nil {
		// the chain side is settled; the next sweep sees that and only
		// completes the row
		s.releaseClaim(inv.ID, token)
		return 0, fmt.Errorf("complete after chain settle %s: %w", txHash, err)
	}
	if !done {
		return outcomeContended, nil
	}

	_ = s.pub.Publish(ctx, events.New(events.TypeYieldPaid, map[string]string{
		"investmentId":  inv.ID,
		"investorId":    inv.InvestorID,
		"investorEvm":   inv.InvestorEVM,
		"invoiceId":     inv.InvoiceID,
		"invoiceNumber": inv.InvoiceNumber,
		"expectedYield": inv.ExpectedYield.String(),
		"escrowEvm":     inv.EscrowEVM,
		"contractIndex": strconv.FormatUint(*inv.ContractIndex, 10),
		"txId":          txHash,
	}))
	log.Printf("settlement: yield %s paid for %s (idx=%d) tx=%s", inv.ExpectedYield, inv.ID, *inv.ContractIndex, txHash)
	return outcomeSettled, nil
}

// pay settles the position on chain unless the escrow already reports it
// settled, in which case the returned hash is empty.
func (s *Scheduler) pay(ctx context.Context, inv ledger.Investment) (string, error) {
	escrowAddr, err := s.escrowFor(ctx, inv)
	if err != nil {
		return "", err
	}
	investor, err := investorAddress(inv)
	if err != nil {
		return "", err
	}
	idx := *inv.ContractIndex

	s.chain.CheckOwner(ctx, escrowAddr)

	pos, err := s.chain.InvestmentAt(ctx, escrowAddr, investor, idx)
	if err != nil {
		return "", fmt.Errorf("read position %d: %w", idx, err)
	}
	if pos.Settled {
		log.Printf("settlement: %s already settled on chain at index %d", inv.ID, idx)
		return "", nil
	}

	yieldUnits := inv.ExpectedYield.Shift(s.cfg.YieldDecimals).Round(0).BigInt()
	receipt, err := s.chain.SettleInvestment(ctx, escrowAddr, investor, idx, yieldUnits)
	if err != nil {
		return "", fmt.Errorf("settleInvestment: %w", err)
	}
	return receipt.TxHash, nil
}

// escrowFor uses the escrow the position was recorded on, and falls back to
// locating it by token for rows written without one.
func (s *Scheduler) escrowFor(ctx context.Context, inv ledger.Investment) (common.Address, error) {
	if hederaid.IsEVM(inv.EscrowEVM) {
		return common.HexToAddress(inv.EscrowEVM), nil
	}
	target, err := s.loc.Locate(ctx, inv.TokenID)
	if err != nil {
		return common.Address{}, fmt.Errorf("locate escrow: %w", err)
	}
	return target.Escrow, nil
}

func investorAddress(inv ledger.Investment) (common.Address, error) {
	if hederaid.IsEVM(inv.InvestorEVM) {
		return common.HexToAddress(inv.InvestorEVM), nil
	}
	return hederaid.ToEVM(inv.InvestorID)
}

func (s *Scheduler) anomaly(ctx context.Context, inv ledger.Investment, reason string) {
	log.Printf("settlement: skipping %s: %s", inv.ID, reason)
	err := s.reviews.Raise(ctx, review.Flag{
		Key:       review.KindSettlement + ":" + inv.ID,
		Kind:      review.KindSettlement,
		Reference: inv.ID,
		Reason:    reason,
		Detail: map[string]string{
			"invoiceId":   inv.InvoiceID,
			"investorId":  inv.InvestorID,
			"depositTxId": inv.DepositTxID,
		},
	})
	if err != nil {
		log.Printf("settlement: raise review flag for %s: %v", inv.ID, err)
	}
	_ = s.pub.Publish(ctx, events.New(events.TypeSettlementAnomaly, map[string]string{
		"investmentId": inv.ID,
		"reason":       reason,
	}))
}

func (s *Scheduler) releaseClaim(id, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.ReleaseClaim(ctx, id, token); err != nil {
		log.Printf("settlement: release claim on %s: %v", id, err)
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := s.Sweep(ctx)
		switch {
		case errors.Is(err, ErrSweepInProgress):
			log.Printf("settlement: previous sweep still running")
		case err != nil && ctx.Err() == nil:
			log.Printf("settlement: sweep error: %v", err)
		case report.Selected > 0:
			log.Printf("settlement: sweep selected=%d settled=%d skipped=%d failed=%d contended=%d",
				report.Selected, report.Settled, len(report.Skipped), len(report.Failed), report.Contended)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
