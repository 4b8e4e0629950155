package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradeflow/db"
)

// ApplicationName tags every stress connection so chaos only targets ours.
const ApplicationName = "tradeflow-stress"

// ErrNoDatabase means neither Docker nor a local PostgreSQL is reachable.
var ErrNoDatabase = errors.New("infra: no database available (docker or local postgres)")

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
}

// NewHarness resolves a database (explicit DSN, STRESS_TEST_PG_DSN, a
// Postgres 16 container, then a local server), applies the embedded
// migrations and opens a pool.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	var (
		pgC *PGContainer
		dsn string
		err error
	)
	switch {
	case overrideDSN != "" || envDSNSet():
		pgC, dsn, err = StartPostgres16(ctx, overrideDSN)
	case dockerAvailable(ctx):
		pgC, dsn, err = StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
	default:
		dsn, err = InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		pgC = &PGContainer{}
	}
	if err != nil {
		return nil, err
	}

	h := &Harness{container: pgC, dsn: dsn}
	if err := db.Migrate(dsn); err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	h.pool, err = db.NewPool(ctx, dsn, db.PoolOptions{
		MaxConns:        64,
		MaxConnIdleTime: 30 * time.Second,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between tests.
func (h *Harness) Reset(ctx context.Context) error {
	const truncate = `TRUNCATE TABLE
		dispute_events, disputes,
		contract_revision_comments, contract_revisions, contracts,
		escrow_transactions, escrow_accounts,
		fulfilment_orders, negotiation_status_history, negotiation_offers, negotiations,
		listings, outbox, idempotency
		CASCADE`
	if _, err := h.pool.Exec(ctx, truncate); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

func envDSNSet() bool {
	return os.Getenv("STRESS_TEST_PG_DSN") != ""
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
