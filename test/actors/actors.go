// Package actors drives the negotiation service from concurrent loops the
// way competing participants, provider webhooks and background jobs do.
// Business rejections are expected under contention; anything else ends
// the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/negotiation"
	"tradeflow/reconcile"
)

// Parties is the buyer and seller of a listing.
type Parties struct {
	ListingID string
	Buyer     auth.Actor
	Seller    auth.Actor
	Price     decimal.Decimal
}

// Stats counts outcomes across actors.
type Stats struct {
	Completed  atomic.Int64
	Rejected   atomic.Int64
	Replays    atomic.Int64
	Reconciled atomic.Int64
}

// Tolerated reports errors an actor may see while other actors (or chaos)
// contend for the same rows.
func Tolerated(err error) bool {
	if err == nil {
		return true
	}
	if _, ok := apperror.From(err); ok {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40P01", "40001": // admin shutdown, deadlock, serialization
			return true
		}
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, io.ErrUnexpectedEOF)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.Intn(spreadMs)) * time.Millisecond)
}

// Drive opens a negotiation on p's listing and advances it until it
// reaches target. It returns the negotiation id reached so far on error.
func Drive(ctx context.Context, svc *negotiation.Service, p Parties, target negotiation.Status) (string, error) {
	res, err := svc.Initiate(ctx, p.Buyer, negotiation.InitiateInput{ListingID: p.ListingID, Price: p.Price})
	if err != nil {
		return "", fmt.Errorf("initiate: %w", err)
	}
	id := res.Negotiation.ID
	steps := []struct {
		reached negotiation.Status
		run     func() error
	}{
		{negotiation.StatusContractDrafting, func() error {
			_, err := svc.Accept(ctx, id, p.Seller, negotiation.AcceptInput{})
			return err
		}},
		{negotiation.StatusContractSigned, func() error {
			if _, err := svc.Sign(ctx, id, p.Buyer, negotiation.SignInput{}); err != nil {
				return err
			}
			_, err := svc.Sign(ctx, id, p.Seller, negotiation.SignInput{})
			return err
		}},
		{negotiation.StatusEscrowFunded, func() error {
			_, err := svc.Fund(ctx, id, p.Buyer, negotiation.MoneyInput{Amount: p.Price})
			return err
		}},
		{negotiation.StatusCompleted, func() error {
			_, err := svc.Release(ctx, id, auth.System, negotiation.MoneyInput{Amount: p.Price})
			return err
		}},
	}
	if target == negotiation.StatusInitiated {
		return id, nil
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return id, fmt.Errorf("advance to %s: %w", step.reached, err)
		}
		if step.reached == target {
			return id, nil
		}
	}
	return id, fmt.Errorf("unreachable target status %s", target)
}

// Dealer runs whole deals from initiation to completion.
func Dealer(ctx context.Context, svc *negotiation.Service, p Parties, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := Drive(ctx, svc, p, negotiation.StatusCompleted)
		switch {
		case err == nil:
			stats.Completed.Add(1)
		case Tolerated(err):
			stats.Rejected.Add(1)
		default:
			return fmt.Errorf("dealer: %w", err)
		}
		pause(10, 20)
	}
	return nil
}

// Racer has the seller accept the same fresh negotiation from width
// goroutines at once. Exactly one acceptance may win.
func Racer(ctx context.Context, svc *negotiation.Service, p Parties, width int, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		id, err := Drive(ctx, svc, p, negotiation.StatusInitiated)
		if err != nil {
			if Tolerated(err) {
				continue
			}
			return fmt.Errorf("racer: %w", err)
		}

		var wins atomic.Int64
		var g errgroup.Group
		for i := 0; i < width; i++ {
			g.Go(func() error {
				_, err := svc.Accept(ctx, id, p.Seller, negotiation.AcceptInput{})
				if err == nil {
					wins.Add(1)
					return nil
				}
				if Tolerated(err) {
					stats.Rejected.Add(1)
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("racer accept: %w", err)
		}
		if wins.Load() > 1 {
			return fmt.Errorf("racer: negotiation %s accepted %d times", id, wins.Load())
		}
		pause(20, 30)
	}
	return nil
}

// Replayer delivers the same funding_confirmed notification from width
// goroutines at once. Exactly one delivery may apply.
func Replayer(ctx context.Context, svc *negotiation.Service, providerReference string, width int, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		ev := negotiation.ProviderEvent{
			Event:                 negotiation.ProviderFundingConfirmed,
			ProviderReference:     providerReference,
			ExternalTransactionID: "ext-" + uuid.NewString(),
			Amount:                decimal.NewFromInt(1),
			OccurredAt:            time.Now().UTC(),
		}

		var applied atomic.Int64
		var g errgroup.Group
		for i := 0; i < width; i++ {
			g.Go(func() error {
				out, err := svc.ApplyProviderEvent(ctx, ev)
				if err != nil {
					if Tolerated(err) {
						return nil
					}
					return err
				}
				if out.Applied {
					applied.Add(1)
				} else {
					stats.Replays.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("replayer: %w", err)
		}
		if applied.Load() > 1 {
			return fmt.Errorf("replayer: %s applied %d times", ev.ExternalTransactionID, applied.Load())
		}
		pause(30, 40)
	}
	return nil
}

// Disputer funds a deal, opens a dispute holding part of the escrow and has
// an admin resolve it.
func Disputer(ctx context.Context, svc *negotiation.Service, p Parties, stats *Stats, stop <-chan struct{}) error {
	admin := auth.Actor{UserID: "stress-admin", IsAdmin: true}
	for !stopped(ctx, stop) {
		err := func() error {
			id, err := Drive(ctx, svc, p, negotiation.StatusEscrowFunded)
			if err != nil {
				return err
			}
			res, err := svc.OpenDispute(ctx, id, p.Buyer, negotiation.DisputeInput{
				Category:   "QUALITY",
				Severity:   dispute.SeverityHigh,
				Summary:    "bales arrived wet",
				HoldAmount: p.Price.Div(decimal.NewFromInt(2)),
			})
			if err != nil {
				return err
			}
			if len(res.Negotiation.Disputes) == 0 {
				return fmt.Errorf("dispute missing from snapshot of %s", id)
			}
			_, err = svc.ResolveDispute(ctx, id, res.Negotiation.Disputes[0].ID, admin, negotiation.ResolveDisputeInput{
				Outcome:    dispute.StatusResolved,
				Resolution: "moisture within contract tolerance",
			})
			return err
		}()
		if err != nil && !Tolerated(err) {
			return fmt.Errorf("disputer: %w", err)
		}
		if err != nil {
			stats.Rejected.Add(1)
		}
		pause(50, 100)
	}
	return nil
}

// Reconciler runs reconciliation passes alongside the other actors.
func Reconciler(ctx context.Context, job *reconcile.Job, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		results, err := job.Run(ctx)
		if err != nil && !Tolerated(err) {
			return fmt.Errorf("reconciler: %w", err)
		}
		stats.Reconciled.Add(int64(len(results)))
		pause(200, 200)
	}
	return nil
}

// OutboxWorker drains the outbox through the relay.
func OutboxWorker(ctx context.Context, relay *events.Relay, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := relay.RunOnce(ctx); err != nil && !Tolerated(err) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		pause(100, 50)
	}
	return nil
}

// ProviderReference returns the escrow provider reference of a funded deal.
func ProviderReference(ctx context.Context, svc *negotiation.Service, negotiationID string, actor auth.Actor) (string, error) {
	snap, err := svc.Get(ctx, negotiationID, actor)
	if err != nil {
		return "", err
	}
	if snap.EscrowAccount == nil || snap.EscrowAccount.ProviderReference == nil {
		return "", escrow.ErrProviderReferenceMissing
	}
	return *snap.EscrowAccount.ProviderReference, nil
}
