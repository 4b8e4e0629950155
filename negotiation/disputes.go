package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/money"
)

type DisputeInput struct {
	Category   string
	Severity   dispute.Severity
	Summary    string
	HoldAmount decimal.Decimal
	Evidence   []dispute.Evidence
}

type ResolveDisputeInput struct {
	Outcome    dispute.Status
	Resolution string
}

// OpenDispute records a participant dispute and puts the escrow on hold.
func (s *Service) OpenDispute(ctx context.Context, negotiationID string, actor auth.Actor, in DisputeInput) (Result, error) {
	switch {
	case in.HoldAmount.IsNegative():
		return Result{}, apperror.Validation("", map[string]string{"holdAmount": "must not be negative"})
	case !money.WholeCents(in.HoldAmount):
		return Result{}, apperror.Validation("", map[string]string{"holdAmount": "must have at most two decimal places"})
	}
	return s.run(ctx, ActionOpenDispute, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionOpenDispute, n); err != nil {
			return "", nil, err
		}
		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		if available := account.Available(); in.HoldAmount.GreaterThan(available) {
			return "", nil, ErrHoldExceedsFunds.WithDetails(map[string]any{
				"requested": in.HoldAmount.StringFixed(2),
				"available": available.StringFixed(2),
			})
		}

		openedBy := actor.UserID
		rec, err := s.disputes.Open(ctx, tx, dispute.OpenInput{
			NegotiationID: n.ID,
			Category:      in.Category,
			Severity:      in.Severity,
			Summary:       in.Summary,
			HoldAmount:    in.HoldAmount,
			Evidence:      in.Evidence,
			OpenedBy:      &openedBy,
			Source:        dispute.SourceParticipant,
		})
		if err != nil {
			return "", nil, err
		}
		evs, err := s.holdEscrow(ctx, tx, n, account, rec, actor)
		if err != nil {
			return "", nil, err
		}
		return "Dispute opened", evs, nil
	})
}

// holdEscrow marks the account DISPUTED and writes the shared audit trail
// for a newly opened dispute.
func (s *Service) holdEscrow(ctx context.Context, tx pgx.Tx, n Negotiation, account escrow.Account, rec dispute.Record, actor auth.Actor) ([]events.Event, error) {
	var evs []events.Event
	if account.Status != escrow.StatusDisputed {
		updated, err := s.ledger.MarkDisputed(ctx, tx, account)
		if err != nil {
			return nil, err
		}
		evs = append(evs, events.New(events.EscrowDisputed, n.ID, actor.UserID, string(n.Status), map[string]any{
			"escrowAccountId": updated.ID,
			"disputeId":       rec.ID,
		}))
	}
	if err := s.note(ctx, tx, n, fmt.Sprintf("Dispute opened (%s, %s)", rec.Category, rec.Severity), actor); err != nil {
		return nil, err
	}
	evs = append(evs, events.New(events.DisputeOpened, n.ID, actor.UserID, string(n.Status), map[string]any{
		"disputeId":  rec.ID,
		"category":   rec.Category,
		"severity":   string(rec.Severity),
		"source":     string(rec.Source),
		"holdAmount": rec.HoldAmount,
		"slaDueAt":   rec.SLADueAt,
	}))
	return evs, nil
}

// ResolveDispute closes a dispute. When no dispute remains active the
// escrow status is restored from its totals.
func (s *Service) ResolveDispute(ctx context.Context, negotiationID, disputeID string, actor auth.Actor, in ResolveDisputeInput) (Result, error) {
	if !actor.IsAdmin {
		return Result{}, ErrAdminOnly
	}
	return s.run(ctx, ActionResolveDispute, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		rec, remaining, err := s.disputes.Resolve(ctx, tx, n.ID, disputeID, dispute.ResolveInput{
			Outcome:    in.Outcome,
			Resolution: in.Resolution,
			ActorID:    actor.UserID,
		})
		if err != nil {
			return "", nil, err
		}

		escrowStatus := ""
		if remaining == 0 {
			account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
			switch {
			case errors.Is(err, escrow.ErrAccountNotFound):
			case err != nil:
				return "", nil, err
			default:
				lifted, err := s.ledger.LiftDispute(ctx, tx, account)
				if err != nil {
					return "", nil, err
				}
				escrowStatus = string(lifted.Status)
			}
		}
		if err := s.note(ctx, tx, n, fmt.Sprintf("Dispute %s", rec.Status), actor); err != nil {
			return "", nil, err
		}

		ev := events.New(events.DisputeResolved, n.ID, actor.UserID, string(n.Status), map[string]any{
			"disputeId":      rec.ID,
			"outcome":        string(rec.Status),
			"resolution":     rec.Resolution,
			"activeDisputes": remaining,
			"escrowStatus":   escrowStatus,
		})
		return "Dispute closed", []events.Event{ev}, nil
	})
}
