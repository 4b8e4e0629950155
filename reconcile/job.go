// Package reconcile compares the internal escrow ledger against provider
// statements and records the verdict as ADJUSTMENT rows.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeflow/db"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/logging"
	"tradeflow/metrics"
	"tradeflow/money"
)

// Verdicts reported per negotiation.
const (
	StatusMatched  = "MATCHED"
	StatusMismatch = "MISMATCH"
	StatusError    = "ERROR"
)

const defaultConcurrency = 4

// Store is the escrow persistence the job needs.
type Store interface {
	ListReconcilable(ctx context.Context, tx pgx.Tx) ([]escrow.Account, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (escrow.Account, error)
	LatestAdjustment(ctx context.Context, tx pgx.Tx, accountID string) (*escrow.Transaction, error)
}

// BreachMarker stamps disputes whose SLA has elapsed.
type BreachMarker interface {
	MarkBreaches(ctx context.Context, tx pgx.Tx) ([]dispute.Record, error)
}

type Deps struct {
	Pool        db.TxBeginner
	Store       Store
	Ledger      *escrow.Ledger
	Disputes    BreachMarker
	Bus         events.Bus
	Logger      *zap.Logger
	Concurrency int
}

// Result is one line of a run's report.
type Result struct {
	NegotiationID        string `json:"negotiationId"`
	ReconciliationStatus string `json:"reconciliationStatus"`
}

type Job struct {
	pool        db.TxBeginner
	store       Store
	ledger      *escrow.Ledger
	disputes    BreachMarker
	bus         events.Bus
	logger      *zap.Logger
	tracer      trace.Tracer
	concurrency int
	now         func() time.Time
}

func NewJob(d Deps) *Job {
	if d.Concurrency <= 0 {
		d.Concurrency = defaultConcurrency
	}
	if d.Store == nil {
		d.Store = escrow.NewRepository()
	}
	return &Job{
		pool:        d.Pool,
		store:       d.Store,
		ledger:      d.Ledger,
		disputes:    d.Disputes,
		bus:         d.Bus,
		logger:      logging.OrNop(d.Logger),
		tracer:      otel.Tracer("tradeflow/reconcile"),
		concurrency: d.Concurrency,
		now:         time.Now,
	}
}

// WithClock overrides the clock stamped on ADJUSTMENT rows.
func (j *Job) WithClock(now func() time.Time) *Job {
	j.now = now
	return j
}

// Run reconciles every account that has a provider reference. A failure on
// one account is reported as ERROR and does not stop the batch; only a
// failure to list accounts aborts the run.
func (j *Job) Run(ctx context.Context) ([]Result, error) {
	start := time.Now()
	ctx, span := j.tracer.Start(ctx, "reconcile.run")
	defer span.End()
	defer func() {
		metrics.ReconciliationRunDuration.Observe(time.Since(start).Seconds())
	}()

	var accounts []escrow.Account
	err := db.WithTx(ctx, j.pool, func(tx pgx.Tx) error {
		var err error
		accounts, err = j.store.ListReconcilable(ctx, tx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("reconcile: list accounts: %w", err)
	}
	span.SetAttributes(attribute.Int("reconcile.accounts", len(accounts)))

	results := make([]Result, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.concurrency)
	for i, account := range accounts {
		g.Go(func() error {
			status, err := j.reconcile(gctx, account)
			if err != nil {
				j.logger.Error("reconciliation failed",
					zap.String("negotiation_id", account.NegotiationID),
					zap.String("escrow_account_id", account.ID),
					zap.Error(err),
				)
				status = StatusError
			}
			metrics.ReconciliationVerdictsTotal.WithLabelValues(status).Inc()
			results[i] = Result{NegotiationID: account.NegotiationID, ReconciliationStatus: status}
			return nil
		})
	}
	_ = g.Wait()

	if j.disputes != nil {
		if err := j.markBreaches(ctx); err != nil {
			j.logger.Error("dispute sla sweep failed", zap.Error(err))
		}
	}

	j.logger.Info("reconciliation run finished",
		zap.Int("accounts", len(accounts)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return results, nil
}

func (j *Job) reconcile(ctx context.Context, candidate escrow.Account) (string, error) {
	statement, err := j.ledger.Provider().GetStatement(ctx, candidate.Reference())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("statement", metrics.OutcomeError).Inc()
		return "", fmt.Errorf("fetch statement: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("statement", metrics.OutcomeSuccess).Inc()

	var (
		verdict string
		staged  []events.Event
	)
	err = db.WithTx(ctx, j.pool, func(tx pgx.Tx) error {
		account, err := j.store.GetForUpdate(ctx, tx, candidate.ID)
		if err != nil {
			return err
		}

		latest, err := j.store.LatestAdjustment(ctx, tx, account.ID)
		if err != nil {
			return err
		}
		if latest != nil {
			if prev, ok := escrow.ReconciliationOf(*latest); ok &&
				prev.Status == StatusMatched && prev.StatementID == statement.StatementID {
				verdict = StatusMatched
				return nil
			}
		}

		rec := Compare(account, statement)
		if _, err := j.ledger.AppendAdjustment(ctx, tx, account, rec, j.now().UTC()); err != nil {
			return err
		}
		verdict = rec.Status

		if rec.Status != StatusMismatch {
			j.logger.Info("escrow statement matched",
				zap.String("negotiation_id", account.NegotiationID),
				zap.String("statement_id", statement.StatementID),
			)
			return nil
		}

		j.logger.Warn("escrow statement mismatch",
			zap.String("negotiation_id", account.NegotiationID),
			zap.String("statement_id", statement.StatementID),
			zap.String("delta", rec.Delta.StringFixed(2)),
		)
		staged = append(staged, events.New(events.EscrowStatementReady, account.NegotiationID, "", string(account.Status), map[string]any{
			"escrowAccountId": account.ID,
			"statementId":     rec.StatementID,
			"delta":           rec.Delta,
			"providerBalance": rec.ProviderBalance,
			"ledgerBalance":   rec.LedgerBalance,
			"disputed":        statement.Disputed,
		}))
		return j.bus.Stage(ctx, tx, staged...)
	})
	if err != nil {
		return "", err
	}
	if len(staged) > 0 {
		j.bus.Dispatch(ctx, staged...)
	}
	return verdict, nil
}

func (j *Job) markBreaches(ctx context.Context) error {
	var staged []events.Event
	err := db.WithTx(ctx, j.pool, func(tx pgx.Tx) error {
		breached, err := j.disputes.MarkBreaches(ctx, tx)
		if err != nil {
			return err
		}
		if len(breached) == 0 {
			return nil
		}
		for _, rec := range breached {
			staged = append(staged, events.New(events.NegotiationSLABreached, rec.NegotiationID, "", string(rec.Status), map[string]any{
				"disputeId": rec.ID,
				"severity":  string(rec.Severity),
			}))
		}
		return j.bus.Stage(ctx, tx, staged...)
	})
	if err != nil {
		return err
	}
	if len(staged) > 0 {
		j.bus.Dispatch(ctx, staged...)
	}
	return nil
}

// Compare produces the verdict for one account against a statement.
// delta is provider minus ledger; a delta within one cent matches.
func Compare(account escrow.Account, statement escrow.Statement) escrow.Reconciliation {
	ledger := account.Available()
	delta := statement.Balance.Sub(ledger)
	status := StatusMismatch
	if delta.Abs().LessThanOrEqual(money.Epsilon) {
		status = StatusMatched
	}
	return escrow.Reconciliation{
		Status:          status,
		Delta:           delta,
		StatementID:     statement.StatementID,
		ProviderBalance: statement.Balance,
		LedgerBalance:   ledger,
	}
}
