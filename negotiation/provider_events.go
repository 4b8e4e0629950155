package negotiation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/db"
	"tradeflow/escrow"
	"tradeflow/events"
)

// Escrow provider webhook event names.
const (
	ProviderFundingConfirmed = "funding_confirmed"
	ProviderReleaseConfirmed = "release_confirmed"
	ProviderRefundConfirmed  = "refund_confirmed"
	ProviderDisputeOpened    = "dispute_opened"
)

var ErrUnsupportedEvent = apperror.New(http.StatusBadRequest, "WEBHOOK_UNSUPPORTED_EVENT", "unsupported webhook event")

// errReplay aborts a provider transaction that found nothing new to apply.
var errReplay = errors.New("negotiation: provider event already applied")

var movementByEvent = map[string]escrow.TransactionType{
	ProviderFundingConfirmed: escrow.TxFund,
	ProviderReleaseConfirmed: escrow.TxRelease,
	ProviderRefundConfirmed:  escrow.TxRefund,
}

// ProviderEvent is a verified escrow provider notification.
type ProviderEvent struct {
	Event                 string
	ProviderReference     string
	ExternalTransactionID string
	Amount                decimal.Decimal
	OccurredAt            time.Time
	Metadata              map[string]any
}

// SignatureEvent is a verified e-sign provider notification.
type SignatureEvent struct {
	EnvelopeID string
	Role       contract.Role
	SignedAt   time.Time
}

// ProviderOutcome reports what a provider event did. Applied is false for a
// replay that changed nothing.
type ProviderOutcome struct {
	NegotiationID string
	Applied       bool
}

// ApplyProviderEvent records an escrow provider event in one transaction.
// Money events go through the ledger's increment-only path and drive the
// same negotiation transitions as the matching actions; a replayed
// external transaction id is acknowledged without writing anything.
func (s *Service) ApplyProviderEvent(ctx context.Context, ev ProviderEvent) (ProviderOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.provider_event", trace.WithAttributes(
		attribute.String("provider.event", ev.Event),
		attribute.String("provider.reference", ev.ProviderReference),
	))
	defer span.End()

	if ev.ProviderReference == "" {
		return ProviderOutcome{}, apperror.Validation("", map[string]string{"providerReference": "is required"})
	}
	typ, isMovement := movementByEvent[ev.Event]
	if !isMovement && ev.Event != ProviderDisputeOpened {
		return ProviderOutcome{}, ErrUnsupportedEvent.WithDetails(map[string]string{"event": ev.Event})
	}
	if isMovement && ev.ExternalTransactionID == "" {
		return ProviderOutcome{}, apperror.Validation("", map[string]string{"externalTransactionId": "is required"})
	}

	var (
		out    ProviderOutcome
		staged []events.Event
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		negotiationID, err := s.escrow.NegotiationIDByProviderReference(ctx, tx, ev.ProviderReference)
		if err != nil {
			return err
		}
		out.NegotiationID = negotiationID

		n, err := s.store.GetForUpdate(ctx, tx, negotiationID)
		if err != nil {
			return err
		}
		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, negotiationID)
		if err != nil {
			return err
		}

		actor := auth.System
		var evs []events.Event
		if isMovement {
			st, err := s.ledger.ApplyExternal(ctx, tx, account, escrow.ExternalMovement{
				Type:                  typ,
				Amount:                ev.Amount,
				ExternalTransactionID: ev.ExternalTransactionID,
				OccurredAt:            ev.OccurredAt,
				Metadata:              ev.Metadata,
			})
			if errors.Is(err, escrow.ErrAlreadyApplied) {
				return errReplay
			}
			if err != nil {
				return err
			}
			switch typ {
			case escrow.TxFund:
				_, evs, err = s.afterFund(ctx, tx, n, st, actor)
			case escrow.TxRelease:
				_, evs, err = s.afterRelease(ctx, tx, n, st, actor)
			case escrow.TxRefund:
				_, evs, err = s.afterRefund(ctx, tx, n, st, actor)
			}
			if err != nil {
				return err
			}
		} else {
			evs, err = s.applyProviderDispute(ctx, tx, n, account, ev, actor)
			if err != nil {
				return err
			}
		}

		if err := s.bus.Stage(ctx, tx, evs...); err != nil {
			return err
		}
		staged = evs
		return nil
	})
	if errors.Is(err, errReplay) {
		s.logger.Info("provider event replay ignored",
			zap.String("event", ev.Event),
			zap.String("provider_reference", ev.ProviderReference),
			zap.String("external_transaction_id", ev.ExternalTransactionID),
		)
		return out, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ProviderOutcome{}, err
	}

	s.bus.Dispatch(ctx, staged...)
	out.Applied = true
	return out, nil
}

func (s *Service) applyProviderDispute(ctx context.Context, tx pgx.Tx, n Negotiation, account escrow.Account, ev ProviderEvent, actor auth.Actor) ([]events.Event, error) {
	key := "escrow:" + ProviderDisputeOpened + ":" + ev.ProviderReference + ":" + ev.ExternalTransactionID
	if err := s.store.InsertIdempotencyKey(ctx, tx, key); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, errReplay
		}
		return nil, err
	}

	reference := ev.ExternalTransactionID
	if reference == "" {
		reference = ev.ProviderReference
	}
	reason, _ := ev.Metadata["reason"].(string)
	hold := decimal.Max(decimal.Zero, decimal.Min(ev.Amount, account.Available()))

	rec, created, err := s.disputes.OpenFromProvider(ctx, tx, n.ID, reference, reason, hold)
	if err != nil {
		return nil, err
	}
	if created {
		return s.holdEscrow(ctx, tx, n, account, rec, actor)
	}
	if account.Status == escrow.StatusDisputed {
		return nil, nil
	}
	if _, err := s.ledger.MarkDisputed(ctx, tx, account); err != nil {
		return nil, err
	}
	return []events.Event{events.New(events.EscrowDisputed, n.ID, actor.UserID, string(n.Status), map[string]any{
		"escrowAccountId": account.ID,
		"disputeId":       rec.ID,
	})}, nil
}

// ApplySignatureEvent records a signature reported by the e-sign provider
// through the same path as the sign action. A role that already signed is
// acknowledged without changes.
func (s *Service) ApplySignatureEvent(ctx context.Context, ev SignatureEvent) (ProviderOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.signature_event", trace.WithAttributes(
		attribute.String("esign.envelope_id", ev.EnvelopeID),
		attribute.String("esign.role", string(ev.Role)),
	))
	defer span.End()

	if ev.EnvelopeID == "" {
		return ProviderOutcome{}, apperror.Validation("", map[string]string{"envelopeId": "is required"})
	}
	if !ev.Role.Valid() {
		return ProviderOutcome{}, apperror.Validation("", map[string]string{"role": "must be BUYER or SELLER"})
	}

	var (
		out    ProviderOutcome
		staged []events.Event
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		found, err := s.contracts.GetByEnvelope(ctx, tx, ev.EnvelopeID)
		if err != nil {
			return err
		}
		out.NegotiationID = found.NegotiationID

		n, err := s.store.GetForUpdate(ctx, tx, found.NegotiationID)
		if err != nil {
			return err
		}
		c, err := s.contracts.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		if c == nil {
			return contract.ErrContractNotFound
		}
		if c.Status == contract.StatusSigned || c.SignedAt(ev.Role) != nil {
			return errReplay
		}

		signer := auth.Actor{UserID: n.Signers()[ev.Role]}
		_, evs, err := s.applySignature(ctx, tx, n, *c, ev.Role, signer)
		if err != nil {
			return err
		}
		if err := s.bus.Stage(ctx, tx, evs...); err != nil {
			return err
		}
		staged = evs
		return nil
	})
	if errors.Is(err, errReplay) {
		return out, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ProviderOutcome{}, err
	}

	s.bus.Dispatch(ctx, staged...)
	out.Applied = true
	return out, nil
}
