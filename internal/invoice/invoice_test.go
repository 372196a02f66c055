package invoice

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryCatalogFindByToken(t *testing.T) {
	c := NewMemoryCatalog(
		Invoice{ID: "inv-1", TokenID: "0.0.5001", TokenEVM: "0x0000000000000000000000000000000000001389"},
		Invoice{ID: "inv-2", TokenID: "0.0.5002"},
	)
	ctx := context.Background()

	got, err := c.FindByToken(ctx, "0.0.5002")
	if err != nil || got.ID != "inv-2" {
		t.Fatalf("by native id: %+v, %v", got, err)
	}

	got, err = c.FindByToken(ctx, "0x0000000000000000000000000000000000001389")
	if err != nil || got.ID != "inv-1" {
		t.Fatalf("by evm address: %+v, %v", got, err)
	}

	if _, err := c.FindByToken(ctx, "0.0.9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasEscrow(t *testing.T) {
	if (&Invoice{}).HasEscrow() {
		t.Fatalf("empty invoice has no escrow")
	}
	if !(&Invoice{EscrowContractID: "0.0.42"}).HasEscrow() {
		t.Fatalf("contract id counts as escrow reference")
	}
}
