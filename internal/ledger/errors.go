package ledger

import (
	"context"
	"errors"

	"voltsettle/internal/escrow"
	"voltsettle/internal/hederaid"
	"voltsettle/internal/invoice"
	"voltsettle/internal/mirror"
)

var (
	ErrInvalidRequest   = errors.New("invalid allocation request")
	ErrNotFound         = errors.New("investment not found")
	ErrNotTokenized     = errors.New("invoice is not tokenized")
	ErrInvalidAmount    = errors.New("invalid investment amount")
	ErrCapacityExceeded = errors.New("invoice funding capacity exceeded")
	ErrZeroAllocation   = errors.New("amount buys zero fractions")

	// ErrDuplicateDeposit means the deposit was already credited to a
	// different invoice or investor.
	ErrDuplicateDeposit = errors.New("deposit already credited elsewhere")
	// ErrAllocationInProgress is retryable: another worker holds the deposit.
	ErrAllocationInProgress = errors.New("allocation for deposit already in progress")
	// ErrPartialCommit means chain calls succeeded but the ledger write did
	// not. A replay with the same deposit id reconciles it.
	ErrPartialCommit = errors.New("chain recorded but ledger commit failed")
	ErrManualReview  = errors.New("deposit requires manual review")
	// ErrChainUnavailable wraps chain failures whose outcome is unknown.
	ErrChainUnavailable = errors.New("chain call failed")

	errReservationExists = errors.New("reservation exists")
)

// Kind groups errors by how a caller should react.
type Kind int

const (
	KindUnknown Kind = iota
	KindInputValidation
	KindNotFound
	KindExternalUnavailable
	KindBusinessRejection
	KindPartialCommit
	KindManualReview
)

func (k Kind) String() string {
	switch k {
	case KindInputValidation:
		return "input_validation"
	case KindNotFound:
		return "not_found"
	case KindExternalUnavailable:
		return "external_unavailable"
	case KindBusinessRejection:
		return "business_rejection"
	case KindPartialCommit:
		return "partial_commit"
	case KindManualReview:
		return "manual_review"
	default:
		return "unknown"
	}
}

// Retryable reports whether the same request may succeed later unchanged.
func (k Kind) Retryable() bool {
	return k == KindExternalUnavailable || k == KindPartialCommit
}

// Classify maps an error from any engine component to its Kind.
func Classify(err error) Kind {
	var unavailable *mirror.UnavailableError
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrManualReview):
		return KindManualReview
	case errors.Is(err, ErrPartialCommit):
		return KindPartialCommit
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, mirror.ErrInvalidTransactionID),
		errors.Is(err, hederaid.ErrInvalidIdentifier):
		return KindInputValidation
	case errors.Is(err, ErrNotFound),
		errors.Is(err, invoice.ErrNotFound),
		errors.Is(err, escrow.ErrInvoiceNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrZeroAllocation),
		errors.Is(err, ErrNotTokenized),
		errors.Is(err, ErrDuplicateDeposit),
		errors.Is(err, escrow.ErrEscrowNotConfigured),
		errors.Is(err, mirror.ErrTransferMismatch),
		errors.Is(err, mirror.ErrTransactionFailed),
		errors.Is(err, escrow.ErrReverted):
		return KindBusinessRejection
	case errors.Is(err, ErrAllocationInProgress),
		errors.Is(err, ErrChainUnavailable),
		errors.Is(err, mirror.ErrVerificationTimeout),
		errors.As(err, &unavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindExternalUnavailable
	default:
		return KindUnknown
	}
}
