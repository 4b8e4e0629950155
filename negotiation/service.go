// Package negotiation is the orchestrator of the engine: it checks actor
// access and status legality, composes the escrow ledger, the contract
// manager and the dispute desk inside one transaction per action, reloads
// a snapshot in that transaction and dispatches events after commit.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/db"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/listing"
	"tradeflow/logging"
	"tradeflow/metrics"
)

// Store is the negotiation data access; *Repository implements it.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, n Negotiation) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (*Negotiation, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	SetAgreement(ctx context.Context, tx pgx.Tx, id string, price decimal.Decimal, quantity *decimal.Decimal) error
	InsertOffer(ctx context.Context, tx pgx.Tx, o Offer) error
	LastOffer(ctx context.Context, tx pgx.Tx, negotiationID string) (*Offer, error)
	ListOffers(ctx context.Context, tx pgx.Tx, negotiationID string) ([]Offer, error)
	AppendHistory(ctx context.Context, tx pgx.Tx, negotiationID string, e HistoryEntry) error
	ListHistory(ctx context.Context, tx pgx.Tx, negotiationID string) ([]HistoryEntry, error)
	ListFulfilment(ctx context.Context, tx pgx.Tx, negotiationID string) ([]FulfilmentOrder, error)
	ListForActor(ctx context.Context, tx pgx.Tx, userID string, isAdmin bool, f ListFilter) ([]Negotiation, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// EscrowStore is the escrow account access the orchestrator needs beyond
// what the ledger owns; *escrow.Repository implements it.
type EscrowStore interface {
	escrow.Store
	Create(ctx context.Context, tx pgx.Tx, a escrow.Account) error
	Prepare(ctx context.Context, tx pgx.Tx, id string, expected decimal.Decimal, status escrow.Status) error
	GetByNegotiationForUpdate(ctx context.Context, tx pgx.Tx, negotiationID string) (escrow.Account, error)
	NegotiationIDByProviderReference(ctx context.Context, tx pgx.Tx, reference string) (string, error)
	GetByNegotiation(ctx context.Context, tx pgx.Tx, negotiationID string) (*escrow.Account, error)
}

// ContractStore is implemented by *contract.Repository.
type ContractStore interface {
	GetByNegotiationForUpdate(ctx context.Context, tx pgx.Tx, negotiationID string) (*contract.Contract, error)
	GetByEnvelope(ctx context.Context, tx pgx.Tx, envelopeID string) (contract.Contract, error)
	LoadForSnapshot(ctx context.Context, tx pgx.Tx, negotiationID string) (*contract.Contract, error)
}

// AttachmentStore persists revision attachments and returns their URL.
// Delete is used to drop objects whose revision was never committed.
type AttachmentStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Deps wires a Service.
type Deps struct {
	Pool        db.TxBeginner
	Store       Store
	Escrow      EscrowStore
	Ledger      *escrow.Ledger
	Contracts   ContractStore
	Manager     *contract.Manager
	Disputes    *dispute.Service
	Listings    listing.Reader
	Attachments AttachmentStore
	Bus         events.Bus
	Logger      *zap.Logger
	// TTL is the default negotiation lifetime; zero means no expiry.
	TTL time.Duration
}

type Service struct {
	pool        db.TxBeginner
	store       Store
	escrow      EscrowStore
	ledger      *escrow.Ledger
	contracts   ContractStore
	manager     *contract.Manager
	disputes    *dispute.Service
	listings    listing.Reader
	attachments AttachmentStore
	bus         events.Bus
	logger      *zap.Logger
	tracer      trace.Tracer
	ttl         time.Duration
	now         func() time.Time
	newID       func() string
}

func NewService(d Deps) *Service {
	if d.Store == nil {
		d.Store = NewRepository()
	}
	if d.Escrow == nil {
		d.Escrow = escrow.NewRepository()
	}
	if d.Contracts == nil {
		d.Contracts = contract.NewRepository()
	}
	if d.Bus == nil {
		d.Bus = &events.Recorder{}
	}
	logger := logging.OrNop(d.Logger)
	if d.Ledger == nil {
		d.Ledger = escrow.NewLedger(escrow.NewMockProvider(), d.Escrow, logger)
	}
	if d.Manager == nil {
		d.Manager = contract.NewManager(nil, nil, nil, logger)
	}
	if d.Disputes == nil {
		d.Disputes = dispute.NewService(nil, logger)
	}
	return &Service{
		pool:        d.Pool,
		store:       d.Store,
		escrow:      d.Escrow,
		ledger:      d.Ledger,
		contracts:   d.Contracts,
		manager:     d.Manager,
		disputes:    d.Disputes,
		listings:    d.Listings,
		attachments: d.Attachments,
		bus:         d.Bus,
		logger:      logger,
		tracer:      otel.Tracer("tradeflow/negotiation"),
		ttl:         d.TTL,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// WithClock overrides the clock used for expiry and timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// step is the body of an action. It runs inside the action transaction
// with the negotiation locked, authorized and checked for expiry.
type step func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error)

// run executes one action as a single unit of work.
func (s *Service) run(ctx context.Context, action Action, negotiationID string, actor auth.Actor, body step) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "negotiation."+string(action), trace.WithAttributes(
		attribute.String("negotiation.id", negotiationID),
		attribute.String("actor.id", actor.UserID),
	))
	defer span.End()
	start := time.Now()

	var (
		result Result
		staged []events.Event
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		n, err := s.store.GetForUpdate(ctx, tx, negotiationID)
		if err != nil {
			return err
		}
		if err := authorize(n, actor); err != nil {
			return err
		}

		expired, evs, err := s.TryExpire(ctx, tx, n, actor)
		if err != nil {
			return err
		}
		if expired {
			if err := s.bus.Stage(ctx, tx, evs...); err != nil {
				return err
			}
			staged = evs
			return db.CommitThen(ErrExpired)
		}

		message, evs, err := body(ctx, tx, n)
		if err != nil {
			return err
		}
		snap, err := s.loadSnapshot(ctx, tx, n.ID)
		if err != nil {
			return err
		}
		if err := s.bus.Stage(ctx, tx, evs...); err != nil {
			return err
		}
		staged = evs
		result = Result{Negotiation: snap, Message: message}
		return nil
	})

	metrics.ObserveAction(string(action), time.Since(start).Seconds(), err)
	if err == nil || errors.Is(err, ErrExpired) {
		s.bus.Dispatch(ctx, staged...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrSnapshotMissing) {
			s.logger.Error("snapshot missing after action; this is a defect",
				zap.String("action", string(action)), zap.String("negotiation_id", negotiationID), zap.Error(err))
		}
		return Result{}, err
	}
	return result, nil
}

// TryExpire moves a non-terminal negotiation whose expiry has passed to
// EXPIRED, closes its escrow account and returns the SLA-breach event. It
// reports false when the negotiation is not due.
func (s *Service) TryExpire(ctx context.Context, tx pgx.Tx, n Negotiation, actor auth.Actor) (bool, []events.Event, error) {
	now := s.now().UTC()
	if !n.expiredAt(now) {
		return false, nil, nil
	}

	if err := s.transition(ctx, tx, &n, StatusExpired, fmt.Sprintf("Negotiation expired at %s", n.ExpiresAt.UTC().Format(time.RFC3339)), actor); err != nil {
		return false, nil, err
	}

	account, err := s.escrow.GetByNegotiationForUpdate(ctx, tx, n.ID)
	switch {
	case err == nil:
		if account.Status.Open() {
			if _, err := s.ledger.Close(ctx, tx, account); err != nil {
				return false, nil, err
			}
		}
	case errors.Is(err, escrow.ErrAccountNotFound):
	default:
		return false, nil, err
	}

	s.logger.Info("negotiation expired", zap.String("negotiation_id", n.ID))
	ev := events.New(events.NegotiationSLABreached, n.ID, actor.UserID, string(StatusExpired), map[string]any{
		"expiresAt":  n.ExpiresAt.UTC(),
		"detectedAt": now,
	})
	return true, []events.Event{ev}, nil
}

// transition moves n along the status graph and appends the history entry.
func (s *Service) transition(ctx context.Context, tx pgx.Tx, n *Negotiation, to Status, note string, actor auth.Actor) error {
	if n.Status == to {
		return s.note(ctx, tx, *n, note, actor)
	}
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, n.Status, to)
	}
	if err := s.store.UpdateStatus(ctx, tx, n.ID, to); err != nil {
		return err
	}
	n.Status = to
	return s.note(ctx, tx, *n, note, actor)
}

// note appends a history entry without changing status.
func (s *Service) note(ctx context.Context, tx pgx.Tx, n Negotiation, note string, actor auth.Actor) error {
	var actorID *string
	if actor.UserID != "" {
		id := actor.UserID
		actorID = &id
	}
	return s.store.AppendHistory(ctx, tx, n.ID, HistoryEntry{Status: n.Status, Note: note, ActorID: actorID})
}

func guard(action Action, n Negotiation) error {
	if !CanPerform(action, n.Status) {
		return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, action, n.Status)
	}
	return nil
}

// loadSnapshot reads the full aggregate inside tx.
func (s *Service) loadSnapshot(ctx context.Context, tx pgx.Tx, id string) (Snapshot, error) {
	n, err := s.store.Get(ctx, tx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if n == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotMissing, id)
	}

	snap := Snapshot{Negotiation: *n}
	if snap.Offers, err = s.store.ListOffers(ctx, tx, id); err != nil {
		return Snapshot{}, err
	}
	if snap.StatusHistory, err = s.store.ListHistory(ctx, tx, id); err != nil {
		return Snapshot{}, err
	}
	if snap.EscrowAccount, err = s.escrow.GetByNegotiation(ctx, tx, id); err != nil {
		return Snapshot{}, err
	}
	if snap.Contract, err = s.contracts.LoadForSnapshot(ctx, tx, id); err != nil {
		return Snapshot{}, err
	}
	if snap.Disputes, err = s.disputes.List(ctx, tx, id); err != nil {
		return Snapshot{}, err
	}
	if snap.FulfilmentOrders, err = s.store.ListFulfilment(ctx, tx, id); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Get returns the snapshot. A negotiation found past its expiry is expired
// first and the caller receives ErrExpired.
func (s *Service) Get(ctx context.Context, negotiationID string, actor auth.Actor) (Snapshot, error) {
	res, err := s.run(ctx, ActionRead, negotiationID, actor, func(ctx context.Context, tx pgx.Tx, n Negotiation) (string, []events.Event, error) {
		return "", nil, nil
	})
	return res.Negotiation, err
}

// List returns the negotiations visible to actor with their stored status.
func (s *Service) List(ctx context.Context, actor auth.Actor, f ListFilter) ([]Negotiation, error) {
	var out []Negotiation
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.store.ListForActor(ctx, tx, actor.UserID, actor.IsAdmin, f)
		return err
	})
	return out, err
}
