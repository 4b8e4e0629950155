package listing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestServiceOpen(t *testing.T) {
	svc := NewService(Static{
		"l-1": {ID: "l-1", SellerID: "seller", UnitPrice: decimal.RequireFromString("12.50"), Status: StatusActive},
		"l-2": {ID: "l-2", SellerID: "seller", Status: StatusPaused},
	})
	ctx := context.Background()

	l, err := svc.Open(ctx, "l-1")
	if err != nil {
		t.Fatalf("open active: %v", err)
	}
	if l.SellerID != "seller" {
		t.Fatalf("unexpected seller %q", l.SellerID)
	}
	if _, err := svc.Open(ctx, "l-2"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if _, err := svc.Open(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetByID(ctx, "l-2"); err != nil {
		t.Fatalf("get paused: %v", err)
	}
}
