package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"voltsettle/internal/hederaid"
	"voltsettle/internal/metrics"
	"voltsettle/internal/retry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransactionID = errors.New("invalid transaction id")
	// ErrTransferMismatch is definitive: the transaction is final but does not
	// move the declared asset from payer to escrow.
	ErrTransferMismatch = errors.New("transfer mismatch")
	// ErrTransactionFailed means consensus was reached with a non-SUCCESS result.
	ErrTransactionFailed = errors.New("transaction failed")
	// ErrVerificationTimeout is retryable by the caller: finality was not
	// observed within the poll budget.
	ErrVerificationTimeout = errors.New("deposit verification timed out")

	errNotFinal = errors.New("transaction not final")
)

// Source is the read side of the mirror node.
type Source interface {
	Transaction(ctx context.Context, txID string) (*Transaction, error)
	Token(ctx context.Context, tokenID string) (*Token, error)
}

// Deposit is a claimed transfer. Payer and Escrow accept either
// shard.realm.num or EVM form.
type Deposit struct {
	TxID   string
	Payer  string
	Escrow string
	Asset  string
}

type Verified struct {
	TxID     string
	Units    int64
	Amount   decimal.Decimal
	Decimals int32
}

type VerifierConfig struct {
	MaxAttempts int
	Delay       retry.DelayFunc
	// Decimals pins the precision of known assets; others are fetched once.
	Decimals map[string]int32
}

// Verifier confirms deposits against the mirror node. Concurrent verification
// of the same transaction id is expected to be deduplicated by the caller.
type Verifier struct {
	source  Source
	policy  retry.Policy
	metrics *metrics.Registry

	mu       sync.RWMutex
	decimals map[string]int32
}

func NewVerifier(source Source, cfg VerifierConfig, m *metrics.Registry) *Verifier {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	delay := cfg.Delay
	if delay == nil {
		delay = retry.Linear(time.Second)
	}
	dec := make(map[string]int32, len(cfg.Decimals))
	for k, v := range cfg.Decimals {
		dec[k] = v
	}
	return &Verifier{
		source:  source,
		metrics: m,
		policy: retry.Policy{
			MaxAttempts: attempts,
			Delay:       delay,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				log.Printf("mirror: attempt %d after %v: %v", attempt, wait, err)
			},
		},
		decimals: dec,
	}
}

// Verify polls until the deposit is final and checks its transfer list.
func (v *Verifier) Verify(ctx context.Context, d Deposit) (Verified, error) {
	txID, err := NormalizeTxID(d.TxID)
	if err != nil {
		return Verified{}, err
	}
	payer, err := hederaid.ToEVM(d.Payer)
	if err != nil {
		return Verified{}, fmt.Errorf("payer: %w", err)
	}
	escrow, err := hederaid.ToEVM(d.Escrow)
	if err != nil {
		return Verified{}, fmt.Errorf("escrow: %w", err)
	}
	asset, err := hederaid.ToEVM(d.Asset)
	if err != nil {
		return Verified{}, fmt.Errorf("asset: %w", err)
	}

	tx, err := retry.Do(ctx, v.policy, func(ctx context.Context, attempt int) (*Transaction, error) {
		tx, err := v.source.Transaction(ctx, txID)
		var unavailable *UnavailableError
		switch {
		case err == nil:
		case errors.Is(err, ErrNotVisible):
			v.metrics.IncVerifyAttempt("not_visible")
			return nil, err
		case errors.As(err, &unavailable):
			v.metrics.IncVerifyAttempt("unavailable")
			return nil, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, retry.Permanent(err)
		default:
			v.metrics.IncVerifyAttempt("error")
			return nil, retry.Permanent(err)
		}
		if !tx.Final() {
			v.metrics.IncVerifyAttempt("pending")
			return nil, errNotFinal
		}
		v.metrics.IncVerifyAttempt("final")
		return tx, nil
	})
	if err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return Verified{}, fmt.Errorf("%w: %s: %w", ErrVerificationTimeout, txID, err)
		}
		return Verified{}, err
	}

	if tx.Result != "SUCCESS" {
		return Verified{}, fmt.Errorf("%w: %s result %s", ErrTransactionFailed, txID, tx.Result)
	}

	units, err := matchTransfer(tx.TokenTransfers, asset, payer, escrow)
	if err != nil {
		return Verified{}, fmt.Errorf("%s: %w", txID, err)
	}

	decimals, err := v.decimalsFor(ctx, d.Asset)
	if err != nil {
		return Verified{}, err
	}

	return Verified{
		TxID:     txID,
		Units:    units,
		Amount:   decimal.New(units, -decimals),
		Decimals: decimals,
	}, nil
}

// matchTransfer requires exactly one debit from payer and one credit to escrow
// of the asset, with equal magnitude.
func matchTransfer(transfers []TokenTransfer, asset, payer, escrow common.Address) (int64, error) {
	var debits, credits []int64
	for _, t := range transfers {
		tok, err := hederaid.ToEVM(t.TokenID)
		if err != nil || tok != asset {
			continue
		}
		acct, err := hederaid.ToEVM(t.Account)
		if err != nil {
			continue
		}
		switch {
		case acct == payer && t.Amount < 0:
			debits = append(debits, t.Amount)
		case acct == escrow && t.Amount > 0:
			credits = append(credits, t.Amount)
		}
	}
	if len(debits) != 1 || len(credits) != 1 {
		return 0, fmt.Errorf("%w: %d payer debits, %d escrow credits", ErrTransferMismatch, len(debits), len(credits))
	}
	if -debits[0] != credits[0] {
		return 0, fmt.Errorf("%w: debit %d does not match credit %d", ErrTransferMismatch, -debits[0], credits[0])
	}
	return credits[0], nil
}

func (v *Verifier) decimalsFor(ctx context.Context, asset string) (int32, error) {
	v.mu.RLock()
	d, ok := v.decimals[asset]
	v.mu.RUnlock()
	if ok {
		return d, nil
	}

	tok, err := v.source.Token(ctx, asset)
	if err != nil {
		return 0, fmt.Errorf("token %s decimals: %w", asset, err)
	}
	n, err := strconv.ParseInt(tok.Decimals, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("token %s has invalid decimals %q", asset, tok.Decimals)
	}

	v.mu.Lock()
	v.decimals[asset] = int32(n)
	v.mu.Unlock()
	return int32(n), nil
}

// NormalizeTxID maps the SDK form payer@seconds.nanos and the mirror form
// payer-seconds-nanos to the mirror form.
func NormalizeTxID(s string) (string, error) {
	s = strings.TrimSpace(s)
	var payer, seconds, nanos string
	if at := strings.IndexByte(s, '@'); at >= 0 {
		payer = s[:at]
		rest := s[at+1:]
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidTransactionID, s)
		}
		seconds, nanos = rest[:dot], rest[dot+1:]
	} else {
		parts := strings.Split(s, "-")
		if len(parts) != 3 {
			return "", fmt.Errorf("%w: %q", ErrInvalidTransactionID, s)
		}
		payer, seconds, nanos = parts[0], parts[1], parts[2]
	}

	id, err := hederaid.Parse(payer)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionID, s)
	}
	if !allDigits(seconds) || !allDigits(nanos) || len(nanos) > 9 {
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionID, s)
	}
	nanos = strings.Repeat("0", 9-len(nanos)) + nanos
	return fmt.Sprintf("%s-%s-%s", id.String(), seconds, nanos), nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
