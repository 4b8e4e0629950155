package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/db"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/listing"
	"tradeflow/metrics"
	"tradeflow/money"
)

type InitiateInput struct {
	ListingID   string
	Price       decimal.Decimal
	Quantity    *decimal.Decimal
	Message     string
	ExpiresAt   *time.Time
	Notes       string
	PremiumTier string
}

type OfferInput struct {
	Price    decimal.Decimal
	Quantity *decimal.Decimal
	Message  string
}

type AcceptInput struct {
	Message string
}

// SignInput names the signing role. Participants may leave it empty; their
// role follows from the negotiation. Admins must set it.
type SignInput struct {
	Role contract.Role
}

type MoneyInput struct {
	Amount    decimal.Decimal
	Reference string
}

type CancelInput struct {
	Reason string
}

func validateOffer(price decimal.Decimal, quantity *decimal.Decimal) error {
	fields := map[string]string{}
	switch {
	case !price.IsPositive():
		fields["price"] = "must be greater than zero"
	case !money.WholeCents(price):
		fields["price"] = "must have at most two decimal places"
	}
	if quantity != nil {
		switch {
		case !quantity.IsPositive():
			fields["quantity"] = "must be greater than zero"
		case !money.WholeCents(*quantity):
			fields["quantity"] = "must have at most two decimal places"
		}
	}
	if len(fields) > 0 {
		return apperror.Validation("", fields)
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperror.Validation("", map[string]string{"amount": "must be greater than zero"})
	}
	if !money.WholeCents(amount) {
		return apperror.Validation("", map[string]string{"amount": "must have at most two decimal places"})
	}
	return nil
}

// Initiate opens a negotiation on a listing with the buyer's initial offer.
func (s *Service) Initiate(ctx context.Context, actor auth.Actor, in InitiateInput) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "negotiation.initiate", trace.WithAttributes(
		attribute.String("listing.id", in.ListingID),
		attribute.String("actor.id", actor.UserID),
	))
	defer span.End()
	start := time.Now()

	res, err := s.initiate(ctx, actor, in)
	metrics.ObserveAction(string(ActionInitiate), time.Since(start).Seconds(), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Service) initiate(ctx context.Context, actor auth.Actor, in InitiateInput) (Result, error) {
	if err := validateOffer(in.Price, in.Quantity); err != nil {
		return Result{}, err
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return Result{}, apperror.Validation("", map[string]string{"expiresAt": "must be in the future"})
	}
	if s.listings == nil {
		return Result{}, fmt.Errorf("negotiation: listing reader not configured")
	}

	l, err := s.listings.GetByID(ctx, in.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Result{}, ErrListingNotFound
		}
		return Result{}, err
	}
	if l.Status != listing.StatusActive {
		return Result{}, ErrListingClosed
	}
	if l.SellerID == actor.UserID {
		return Result{}, ErrSelfDealing
	}

	n := Negotiation{
		ID:          s.newID(),
		ListingID:   l.ID,
		BuyerID:     actor.UserID,
		SellerID:    l.SellerID,
		Status:      StatusInitiated,
		Currency:    l.Currency,
		ExpiresAt:   in.ExpiresAt,
		Notes:       strings.TrimSpace(in.Notes),
		PremiumTier: in.PremiumTier,
	}
	if n.ExpiresAt == nil && s.ttl > 0 {
		expires := now.Add(s.ttl)
		n.ExpiresAt = &expires
	}

	var (
		result Result
		staged []events.Event
	)
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := s.store.Insert(ctx, tx, n); err != nil {
			return err
		}
		offer := Offer{
			ID:            s.newID(),
			NegotiationID: n.ID,
			SenderID:      actor.UserID,
			Price:         in.Price,
			Quantity:      in.Quantity,
			Message:       strings.TrimSpace(in.Message),
			Type:          OfferInitial,
		}
		if err := s.store.InsertOffer(ctx, tx, offer); err != nil {
			return err
		}
		note := fmt.Sprintf("Negotiation opened with an offer of %s %s", in.Price.StringFixed(2), n.Currency)
		if err := s.note(ctx, tx, n, note, actor); err != nil {
			return err
		}
		if err := s.escrow.Create(ctx, tx, escrow.Account{
			ID:             s.newID(),
			NegotiationID:  n.ID,
			Status:         escrow.StatusPendingSetup,
			Currency:       n.Currency,
			ExpectedAmount: decimal.Zero,
		}); err != nil {
			return err
		}

		snap, err := s.loadSnapshot(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		staged = []events.Event{events.New(events.NegotiationCreated, n.ID, actor.UserID, string(n.Status), map[string]any{
			"listingId": n.ListingID,
			"offerId":   offer.ID,
			"price":     offer.Price,
			"quantity":  offer.Quantity,
		})}
		if err := s.bus.Stage(ctx, tx, staged...); err != nil {
			return err
		}
		result = Result{Negotiation: snap, Message: "Negotiation started"}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.bus.Dispatch(ctx, staged...)
	return result, nil
}

// Counter appends a counter offer. The first counter moves the
// negotiation to COUNTERING.
func (s *Service) Counter(ctx context.Context, negotiationID string, actor auth.Actor, in OfferInput) (Result, error) {
	if err := validateOffer(in.Price, in.Quantity); err != nil {
		return Result{}, err
	}
	return s.run(ctx, ActionCounter, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionCounter, n); err != nil {
			return "", nil, err
		}
		offer := Offer{
			ID:            s.newID(),
			NegotiationID: n.ID,
			SenderID:      actor.UserID,
			Price:         in.Price,
			Quantity:      in.Quantity,
			Message:       strings.TrimSpace(in.Message),
			Type:          OfferCounter,
		}
		if err := s.store.InsertOffer(ctx, tx, offer); err != nil {
			return "", nil, err
		}
		if n.Status == StatusInitiated {
			note := fmt.Sprintf("Counter offer of %s %s", in.Price.StringFixed(2), n.Currency)
			if err := s.transition(ctx, tx, &n, StatusCountering, note, actor); err != nil {
				return "", nil, err
			}
		}

		ev := events.New(events.NegotiationCountered, n.ID, actor.UserID, string(n.Status), map[string]any{
			"offerId":  offer.ID,
			"price":    offer.Price,
			"quantity": offer.Quantity,
		})
		return "Counter offer sent", []events.Event{ev}, nil
	})
}

// Accept agrees to the counterparty's last offer, drafts the contract and
// prepares the escrow account for funding.
func (s *Service) Accept(ctx context.Context, negotiationID string, actor auth.Actor, in AcceptInput) (Result, error) {
	return s.run(ctx, ActionAccept, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionAccept, n); err != nil {
			return "", nil, err
		}
		last, err := s.store.LastOffer(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		if last == nil {
			return "", nil, ErrNoOffer
		}
		if last.SenderID == actor.UserID {
			return "", nil, ErrSelfAcceptance
		}

		final := Offer{
			ID:            s.newID(),
			NegotiationID: n.ID,
			SenderID:      actor.UserID,
			Price:         last.Price,
			Quantity:      last.Quantity,
			Message:       strings.TrimSpace(in.Message),
			Type:          OfferFinal,
		}
		if err := s.store.InsertOffer(ctx, tx, final); err != nil {
			return "", nil, err
		}
		if err := s.store.SetAgreement(ctx, tx, n.ID, last.Price, last.Quantity); err != nil {
			return "", nil, err
		}
		n.AgreedPrice = &final.Price
		n.AgreedQuantity = final.Quantity
		expected := n.ExpectedAmount()

		note := fmt.Sprintf("Offer of %s %s accepted", last.Price.StringFixed(2), n.Currency)
		if err := s.transition(ctx, tx, &n, StatusAgreed, note, actor); err != nil {
			return "", nil, err
		}

		c, err := s.manager.Draft(ctx, tx, n.ID, draftTerms(n, final))
		if err != nil {
			return "", nil, err
		}
		if err := s.transition(ctx, tx, &n, StatusContractDrafting, "Contract drafted for signature", actor); err != nil {
			return "", nil, err
		}

		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
		switch {
		case errors.Is(err, escrow.ErrAccountNotFound):
			account = escrow.Account{
				ID:            s.newID(),
				NegotiationID: n.ID,
				Status:        escrow.StatusPendingSetup,
				Currency:      n.Currency,
			}
			if err := s.escrow.Create(ctx, tx, account); err != nil {
				return "", nil, err
			}
		case err != nil:
			return "", nil, err
		}
		if err := s.escrow.Prepare(ctx, tx, account.ID, expected, escrow.StatusAwaitingFunds); err != nil {
			return "", nil, err
		}

		ev := events.New(events.NegotiationAccepted, n.ID, actor.UserID, string(n.Status), map[string]any{
			"offerId":        final.ID,
			"price":          final.Price,
			"quantity":       final.Quantity,
			"expectedAmount": expected,
			"contractId":     c.ID,
		})
		return "Offer accepted; contract drafting started", []events.Event{ev}, nil
	})
}

func draftTerms(n Negotiation, o Offer) string {
	quantity := "as listed"
	if o.Quantity != nil {
		quantity = o.Quantity.String()
	}
	total := money.Total(o.Price, o.Quantity)
	clauses := []string{
		fmt.Sprintf("1. The seller agrees to sell and the buyer agrees to buy the materials of listing %s.", n.ListingID),
		fmt.Sprintf("2. Price: %s %s per unit.", o.Price.StringFixed(2), n.Currency),
		fmt.Sprintf("3. Quantity: %s.", quantity),
		fmt.Sprintf("4. The buyer pays %s %s into escrow before dispatch.", total.StringFixed(2), n.Currency),
		"5. Escrowed funds are released to the seller once delivery is confirmed.",
	}
	return strings.Join(clauses, "\n\n")
}

// Sign records the actor's signature on the contract.
func (s *Service) Sign(ctx context.Context, negotiationID string, actor auth.Actor, in SignInput) (Result, error) {
	return s.run(ctx, ActionSign, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		role, err := signingRole(n, actor, in.Role)
		if err != nil {
			return "", nil, err
		}
		c, err := s.contracts.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		if c == nil {
			return "", nil, contract.ErrContractNotFound
		}
		if c.Status == contract.StatusSigned {
			return "", nil, contract.ErrAlreadySigned
		}
		return s.applySignature(ctx, tx, n, *c, role, actor)
	})
}

func signingRole(n Negotiation, actor auth.Actor, requested contract.Role) (contract.Role, error) {
	if role, ok := n.RoleOf(actor.UserID); ok {
		if requested != "" && requested != role {
			return "", ErrForbidden
		}
		return role, nil
	}
	if !actor.IsAdmin {
		return "", ErrForbidden
	}
	if !requested.Valid() {
		return "", apperror.Validation("", map[string]string{"role": "must be BUYER or SELLER"})
	}
	return requested, nil
}

// applySignature is shared by the sign action and the e-sign webhook.
func (s *Service) applySignature(ctx context.Context, tx pgx.Tx, n Negotiation, c contract.Contract, role contract.Role, actor auth.Actor) (string, []events.Event, error) {
	out, err := s.manager.Sign(ctx, tx, c, role, n.Signers())
	if err != nil {
		return "", nil, err
	}
	if out.AlreadySigned {
		return "Signature already recorded", nil, nil
	}

	evs := []events.Event{}
	if !out.Completed {
		if err := s.note(ctx, tx, n, fmt.Sprintf("Contract signed by %s", strings.ToLower(string(role))), actor); err != nil {
			return "", nil, err
		}
		evs = append(evs, events.New(events.ContractSigned, n.ID, actor.UserID, string(n.Status), map[string]any{
			"contractId": out.Contract.ID,
			"role":       string(role),
		}))
		return "Signature recorded; awaiting counterparty", evs, nil
	}

	const note = "Contract signed by both parties"
	if n.Status == StatusAgreed || n.Status == StatusContractDrafting {
		if err := s.transition(ctx, tx, &n, StatusContractSigned, note, actor); err != nil {
			return "", nil, err
		}
	} else if err := s.note(ctx, tx, n, note, actor); err != nil {
		return "", nil, err
	}
	evs = append(evs,
		events.New(events.ContractSigned, n.ID, actor.UserID, string(n.Status), map[string]any{
			"contractId": out.Contract.ID,
			"role":       string(role),
		}),
		events.New(events.ContractSignatureCompleted, n.ID, actor.UserID, string(n.Status), map[string]any{
			"contractId":  out.Contract.ID,
			"envelopeId":  out.Contract.EsignEnvelopeID,
			"finalizedAt": out.Contract.FinalizedAt,
		}),
	)
	return "Contract fully signed", evs, nil
}

func (s *Service) movementReference(prefix, supplied string) string {
	if supplied != "" {
		return supplied
	}
	return prefix + "-" + s.newID()
}

// Fund pays money into escrow through the ledger.
func (s *Service) Fund(ctx context.Context, negotiationID string, actor auth.Actor, in MoneyInput) (Result, error) {
	if err := validateAmount(in.Amount); err != nil {
		return Result{}, err
	}
	return s.run(ctx, ActionFund, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionFund, n); err != nil {
			return "", nil, err
		}
		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		st, err := s.ledger.Fund(ctx, tx, account, escrow.Movement{
			Amount:    in.Amount,
			Reference: s.movementReference("fund", in.Reference),
			Metadata:  map[string]any{"actorId": actor.UserID},
		})
		if err != nil {
			return "", nil, err
		}
		return s.afterFund(ctx, tx, n, st, actor)
	})
}

func (s *Service) afterFund(ctx context.Context, tx pgx.Tx, n Negotiation, st escrow.Settlement, actor auth.Actor) (string, []events.Event, error) {
	if st.Full && n.Status != StatusEscrowFunded && CanPerform(ActionFund, n.Status) {
		if err := s.transition(ctx, tx, &n, StatusEscrowFunded, st.Note, actor); err != nil {
			return "", nil, err
		}
	} else if err := s.note(ctx, tx, n, st.Note, actor); err != nil {
		return "", nil, err
	}
	ev := events.New(events.EscrowFunded, n.ID, actor.UserID, string(n.Status), settlementPayload(st))
	return st.Note, []events.Event{ev}, nil
}

// Release pays escrowed money out to the seller.
func (s *Service) Release(ctx context.Context, negotiationID string, actor auth.Actor, in MoneyInput) (Result, error) {
	if err := validateAmount(in.Amount); err != nil {
		return Result{}, err
	}
	return s.run(ctx, ActionRelease, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionRelease, n); err != nil {
			return "", nil, err
		}
		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		st, err := s.ledger.Release(ctx, tx, account, escrow.Movement{
			Amount:    in.Amount,
			Reference: s.movementReference("release", in.Reference),
			Metadata:  map[string]any{"actorId": actor.UserID},
		})
		if err != nil {
			return "", nil, err
		}
		return s.afterRelease(ctx, tx, n, st, actor)
	})
}

func (s *Service) afterRelease(ctx context.Context, tx pgx.Tx, n Negotiation, st escrow.Settlement, actor auth.Actor) (string, []events.Event, error) {
	completed := false
	if st.Full && CanTransition(n.Status, StatusCompleted) {
		if err := s.transition(ctx, tx, &n, StatusCompleted, st.Note, actor); err != nil {
			return "", nil, err
		}
		completed = true
	} else if err := s.note(ctx, tx, n, st.Note, actor); err != nil {
		return "", nil, err
	}
	evs := []events.Event{events.New(events.EscrowReleased, n.ID, actor.UserID, string(n.Status), settlementPayload(st))}
	if completed {
		evs = append(evs, events.New(events.NegotiationCompleted, n.ID, actor.UserID, string(n.Status), map[string]any{
			"releasedAmount": st.Account.ReleasedAmount,
		}))
	}
	return st.Note, evs, nil
}

// Refund returns escrowed money to the buyer.
func (s *Service) Refund(ctx context.Context, negotiationID string, actor auth.Actor, in MoneyInput) (Result, error) {
	if err := validateAmount(in.Amount); err != nil {
		return Result{}, err
	}
	return s.run(ctx, ActionRefund, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionRefund, n); err != nil {
			return "", nil, err
		}
		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
		if err != nil {
			return "", nil, err
		}
		st, err := s.ledger.Refund(ctx, tx, account, escrow.Movement{
			Amount:    in.Amount,
			Reference: s.movementReference("refund", in.Reference),
			Metadata:  map[string]any{"actorId": actor.UserID},
		})
		if err != nil {
			return "", nil, err
		}
		return s.afterRefund(ctx, tx, n, st, actor)
	})
}

func (s *Service) afterRefund(ctx context.Context, tx pgx.Tx, n Negotiation, st escrow.Settlement, actor auth.Actor) (string, []events.Event, error) {
	cancelled := false
	if st.Full && n.Status != StatusCancelled && CanTransition(n.Status, StatusCancelled) {
		if err := s.transition(ctx, tx, &n, StatusCancelled, st.Note, actor); err != nil {
			return "", nil, err
		}
		cancelled = true
	} else if err := s.note(ctx, tx, n, st.Note, actor); err != nil {
		return "", nil, err
	}
	evs := []events.Event{events.New(events.EscrowRefunded, n.ID, actor.UserID, string(n.Status), settlementPayload(st))}
	if cancelled {
		evs = append(evs, events.New(events.NegotiationCancelled, n.ID, actor.UserID, string(n.Status), map[string]any{
			"reason": "escrow refunded in full",
		}))
	}
	return st.Note, evs, nil
}

// Cancel refunds any outstanding escrow balance, or closes the account,
// and moves the negotiation to CANCELLED.
func (s *Service) Cancel(ctx context.Context, negotiationID string, actor auth.Actor, in CancelInput) (Result, error) {
	return s.run(ctx, ActionCancel, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		if err := guard(ActionCancel, n); err != nil {
			return "", nil, err
		}

		var evs []events.Event
		refunded := decimal.Zero
		account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
		switch {
		case errors.Is(err, escrow.ErrAccountNotFound):
		case err != nil:
			return "", nil, err
		case account.Available().IsPositive():
			st, err := s.ledger.Refund(ctx, tx, account, escrow.Movement{
				Amount:    account.Available(),
				Reference: "cancel-" + n.ID,
				Metadata:  map[string]any{"actorId": actor.UserID, "reason": "cancellation"},
			})
			if err != nil {
				return "", nil, err
			}
			if err := s.note(ctx, tx, n, st.Note, actor); err != nil {
				return "", nil, err
			}
			refunded = st.Transaction.Amount
			evs = append(evs, events.New(events.EscrowRefunded, n.ID, actor.UserID, string(StatusCancelled), settlementPayload(st)))
		case account.Status.Open():
			if _, err := s.ledger.Close(ctx, tx, account); err != nil {
				return "", nil, err
			}
		}

		reason := strings.TrimSpace(in.Reason)
		note := "Negotiation cancelled"
		if reason != "" {
			note += ": " + reason
		}
		if err := s.transition(ctx, tx, &n, StatusCancelled, note, actor); err != nil {
			return "", nil, err
		}
		evs = append(evs, events.New(events.NegotiationCancelled, n.ID, actor.UserID, string(n.Status), map[string]any{
			"reason":   reason,
			"refunded": refunded,
		}))
		return note, evs, nil
	})
}

func settlementPayload(st escrow.Settlement) map[string]any {
	return map[string]any{
		"escrowAccountId": st.Account.ID,
		"transactionId":   st.Transaction.ID,
		"amount":          st.Transaction.Amount,
		"reference":       st.Transaction.Reference,
		"fundedAmount":    st.Account.FundedAmount,
		"releasedAmount":  st.Account.ReleasedAmount,
		"refundedAmount":  st.Account.RefundedAmount,
		"expectedAmount":  st.Account.ExpectedAmount,
		"available":       st.Account.Available(),
		"escrowStatus":    string(st.Account.Status),
		"full":            st.Full,
	}
}
