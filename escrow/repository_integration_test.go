package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL
// and checks the ledger guarantees the schema enforces. Every write happens
// in one transaction that is rolled back at the end.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "escrow_accounts") || !tableExists(ctx, t, pool, "escrow_transactions") {
		t.Skip("database schema missing; run the api with MIGRATE_ON_START=true first")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(context.Background())

	var listingID string
	if err := tx.QueryRow(ctx, `INSERT INTO listings (seller_id, title, unit_price) VALUES ('seller-it', 'Mixed paper', 100) RETURNING id::text`).Scan(&listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	negotiationID := uuid.NewString()
	if _, err := tx.Exec(ctx, `INSERT INTO negotiations (id, listing_id, buyer_id, seller_id, status, currency)
        VALUES ($1, $2, 'buyer-it', 'seller-it', 'CONTRACT_SIGNED', 'USD')`, negotiationID, listingID); err != nil {
		t.Fatalf("seed negotiation: %v", err)
	}

	repo := NewRepository()
	account := Account{ID: uuid.NewString(), NegotiationID: negotiationID, Status: StatusPendingSetup, Currency: "USD"}
	if err := repo.Create(ctx, tx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := repo.Prepare(ctx, tx, account.ID, decimal.NewFromInt(100), StatusAwaitingFunds); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	reference := fmt.Sprintf("prov-it-%d", time.Now().UnixNano())
	if err := repo.SetProviderReference(ctx, tx, account.ID, reference); err != nil {
		t.Fatalf("set provider reference: %v", err)
	}

	funded, err := repo.ApplyMovement(ctx, tx, account.ID, TxFund, decimal.NewFromInt(100), StatusFunded)
	if err != nil {
		t.Fatalf("apply fund: %v", err)
	}
	if !funded.FundedAmount.Equal(decimal.NewFromInt(100)) || funded.Status != StatusFunded {
		t.Fatalf("unexpected account after fund: %+v", funded)
	}

	ref := "fund-1"
	fund := Transaction{ID: uuid.NewString(), AccountID: account.ID, Type: TxFund, Amount: decimal.NewFromInt(100), Reference: &ref, OccurredAt: time.Now().UTC()}
	if err := repo.AppendTransaction(ctx, tx, fund); err != nil {
		t.Fatalf("append fund: %v", err)
	}
	exists, err := repo.TransactionExists(ctx, tx, account.ID, ref)
	if err != nil || !exists {
		t.Fatalf("expected fund reference to exist, got %v (err %v)", exists, err)
	}

	// A repeated money reference is rejected by the partial unique index.
	sp, err := tx.Begin(ctx)
	if err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	fund.ID = uuid.NewString()
	if err := repo.AppendTransaction(ctx, sp, fund); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	_ = sp.Rollback(ctx)

	// Adjustments may repeat a reference and carry a signed amount.
	statementRef := "stmt-1"
	for i, delta := range []int64{-5, -5} {
		adj := Transaction{
			ID:         uuid.NewString(),
			AccountID:  account.ID,
			Type:       TxAdjustment,
			Amount:     decimal.NewFromInt(delta),
			Reference:  &statementRef,
			OccurredAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
			Metadata:   map[string]any{"reconciliation": map[string]any{"status": "MISMATCH", "statementId": statementRef, "seq": i}},
		}
		if err := repo.AppendTransaction(ctx, tx, adj); err != nil {
			t.Fatalf("append adjustment %d: %v", i, err)
		}
	}
	latest, err := repo.LatestAdjustment(ctx, tx, account.ID)
	if err != nil || latest == nil {
		t.Fatalf("latest adjustment: %v (%v)", latest, err)
	}
	if !latest.Amount.Equal(decimal.NewFromInt(-5)) {
		t.Fatalf("unexpected latest adjustment amount %s", latest.Amount)
	}

	// Releasing beyond the funded total violates the ledger check constraint.
	sp, err = tx.Begin(ctx)
	if err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	if _, err := repo.ApplyMovement(ctx, sp, account.ID, TxRelease, decimal.NewFromInt(101), StatusReleased); err == nil {
		t.Fatalf("expected ledger invariant violation")
	}
	_ = sp.Rollback(ctx)

	got, err := repo.GetForUpdate(ctx, tx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if !got.ReleasedAmount.IsZero() || !got.Available().Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected totals after rejected release: %+v", got)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
