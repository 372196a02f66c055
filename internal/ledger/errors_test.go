package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"voltsettle/internal/escrow"
	"voltsettle/internal/hederaid"
	"voltsettle/internal/mirror"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("%w: missing investorId", ErrInvalidRequest), KindInputValidation},
		{fmt.Errorf("parse: %w", mirror.ErrInvalidTransactionID), KindInputValidation},
		{hederaid.ErrInvalidIdentifier, KindInputValidation},
		{fmt.Errorf("%w: invoice INV-9", escrow.ErrInvoiceNotFound), KindNotFound},
		{ErrNotFound, KindNotFound},
		{fmt.Errorf("%w: 10 attempts", mirror.ErrVerificationTimeout), KindExternalUnavailable},
		{&mirror.UnavailableError{StatusCode: 503}, KindExternalUnavailable},
		{fmt.Errorf("%w: associate: dial", ErrChainUnavailable), KindExternalUnavailable},
		{ErrAllocationInProgress, KindExternalUnavailable},
		{context.DeadlineExceeded, KindExternalUnavailable},
		{fmt.Errorf("tx: %w", mirror.ErrTransferMismatch), KindBusinessRejection},
		{ErrCapacityExceeded, KindBusinessRejection},
		{ErrZeroAllocation, KindBusinessRejection},
		{ErrInvalidAmount, KindBusinessRejection},
		{ErrNotTokenized, KindBusinessRejection},
		{fmt.Errorf("release: %w", escrow.ErrReverted), KindBusinessRejection},
		{fmt.Errorf("%w: db", ErrPartialCommit), KindPartialCommit},
		{fmt.Errorf("%w: tx", ErrManualReview), KindManualReview},
		{errors.New("boom"), KindUnknown},
		{nil, KindUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestKindRetryable(t *testing.T) {
	for _, k := range []Kind{KindExternalUnavailable, KindPartialCommit} {
		if !k.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{KindInputValidation, KindNotFound, KindBusinessRejection, KindManualReview} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}
