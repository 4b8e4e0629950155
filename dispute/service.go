package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeflow/apperror"
	"tradeflow/logging"
)

// Store is implemented by *Repository.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, negotiationID, disputeID string) (Record, error)
	FindActiveByProviderReference(ctx context.Context, tx pgx.Tx, negotiationID, reference string) (*Record, error)
	CountActive(ctx context.Context, tx pgx.Tx, negotiationID string) (int, error)
	Resolve(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolution string, at time.Time) error
	AppendEvent(ctx context.Context, tx pgx.Tx, disputeID string, ev Event) error
	MarkBreaches(ctx context.Context, tx pgx.Tx, now time.Time) ([]Record, error)
	ListByNegotiation(ctx context.Context, tx pgx.Tx, negotiationID string) ([]Record, error)
}

type OpenInput struct {
	NegotiationID     string
	Category          string
	Severity          Severity
	Summary           string
	HoldAmount        decimal.Decimal
	Evidence          []Evidence
	OpenedBy          *string
	Source            Source
	ProviderReference *string
}

type ResolveInput struct {
	Outcome    Status
	Resolution string
	ActorID    string
}

// Service runs dispute transitions inside a caller-owned transaction.
type Service struct {
	repo   Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(repo Store, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{repo: repo, logger: logging.OrNop(logger), now: time.Now, newID: uuid.NewString}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) Open(ctx context.Context, tx pgx.Tx, in OpenInput) (Record, error) {
	if in.Severity == "" {
		in.Severity = SeverityMedium
	}
	if !in.Severity.Valid() {
		return Record{}, apperror.Validation("", map[string]string{"severity": "must be one of LOW, MEDIUM, HIGH, CRITICAL"})
	}
	in.Category = strings.TrimSpace(in.Category)
	if in.Category == "" {
		return Record{}, apperror.Validation("", map[string]string{"category": "is required"})
	}
	if in.HoldAmount.IsNegative() {
		return Record{}, apperror.Validation("", map[string]string{"holdAmount": "must not be negative"})
	}
	if in.Source == "" {
		in.Source = SourceParticipant
	}

	now := s.now().UTC()
	due := now.Add(in.Severity.SLA())
	rec := Record{
		ID:                s.newID(),
		NegotiationID:     in.NegotiationID,
		Status:            StatusOpen,
		Severity:          in.Severity,
		Category:          in.Category,
		Summary:           strings.TrimSpace(in.Summary),
		Source:            in.Source,
		ProviderReference: in.ProviderReference,
		HoldAmount:        in.HoldAmount,
		Evidence:          in.Evidence,
		OpenedBy:          in.OpenedBy,
		SLADueAt:          &due,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if rec.Evidence == nil {
		rec.Evidence = []Evidence{}
	}
	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Record{}, err
	}

	ev := Event{
		Type:    "OPENED",
		ActorID: in.OpenedBy,
		Payload: map[string]any{
			"severity":   string(rec.Severity),
			"category":   rec.Category,
			"holdAmount": rec.HoldAmount.StringFixed(2),
			"source":     string(rec.Source),
		},
		CreatedAt: now,
	}
	if err := s.repo.AppendEvent(ctx, tx, rec.ID, ev); err != nil {
		return Record{}, err
	}
	rec.Events = []Event{ev}

	s.logger.Info("dispute opened",
		zap.String("dispute_id", rec.ID),
		zap.String("negotiation_id", rec.NegotiationID),
		zap.String("severity", string(rec.Severity)),
		zap.String("source", string(rec.Source)),
	)
	return rec, nil
}

// OpenFromProvider records a provider-raised dispute. A second notice for
// the same provider reference returns the existing record.
func (s *Service) OpenFromProvider(ctx context.Context, tx pgx.Tx, negotiationID, reference, reason string, amount decimal.Decimal) (Record, bool, error) {
	if reference != "" {
		existing, err := s.repo.FindActiveByProviderReference(ctx, tx, negotiationID, reference)
		if err != nil {
			return Record{}, false, err
		}
		if existing != nil {
			return *existing, false, nil
		}
	}

	var ref *string
	if reference != "" {
		ref = &reference
	}
	if reason == "" {
		reason = "provider_dispute"
	}
	rec, err := s.Open(ctx, tx, OpenInput{
		NegotiationID:     negotiationID,
		Category:          reason,
		Severity:          SeverityHigh,
		Summary:           "Dispute raised by escrow provider",
		HoldAmount:        amount,
		Source:            SourceProvider,
		ProviderReference: ref,
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Resolve closes a dispute as RESOLVED or REJECTED and reports how many
// disputes remain active on the negotiation.
func (s *Service) Resolve(ctx context.Context, tx pgx.Tx, negotiationID, disputeID string, in ResolveInput) (Record, int, error) {
	if in.Outcome == "" {
		in.Outcome = StatusResolved
	}
	if in.Outcome != StatusResolved && in.Outcome != StatusRejected {
		return Record{}, 0, apperror.Validation("", map[string]string{"outcome": "must be RESOLVED or REJECTED"})
	}

	rec, err := s.repo.GetForUpdate(ctx, tx, negotiationID, disputeID)
	if err != nil {
		return Record{}, 0, err
	}
	if !rec.Status.Active() {
		return Record{}, 0, fmt.Errorf("%w: dispute is %s", ErrBadStatus, rec.Status)
	}

	now := s.now().UTC()
	if err := s.repo.Resolve(ctx, tx, rec.ID, in.Outcome, in.Resolution, now); err != nil {
		return Record{}, 0, err
	}
	var actor *string
	if in.ActorID != "" {
		actor = &in.ActorID
	}
	if err := s.repo.AppendEvent(ctx, tx, rec.ID, Event{
		Type:      string(in.Outcome),
		ActorID:   actor,
		Payload:   map[string]any{"resolution": in.Resolution},
		CreatedAt: now,
	}); err != nil {
		return Record{}, 0, err
	}

	remaining, err := s.repo.CountActive(ctx, tx, negotiationID)
	if err != nil {
		return Record{}, 0, err
	}

	rec.Status = in.Outcome
	rec.Resolution = in.Resolution
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	return rec, remaining, nil
}

func (s *Service) List(ctx context.Context, tx pgx.Tx, negotiationID string) ([]Record, error) {
	return s.repo.ListByNegotiation(ctx, tx, negotiationID)
}

// MarkBreaches stamps every active dispute whose SLA has elapsed.
func (s *Service) MarkBreaches(ctx context.Context, tx pgx.Tx) ([]Record, error) {
	now := s.now().UTC()
	breached, err := s.repo.MarkBreaches(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	for _, rec := range breached {
		if err := s.repo.AppendEvent(ctx, tx, rec.ID, Event{
			Type:      "SLA_BREACHED",
			Payload:   map[string]any{"severity": string(rec.Severity)},
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		s.logger.Warn("dispute sla breached",
			zap.String("dispute_id", rec.ID),
			zap.String("negotiation_id", rec.NegotiationID),
		)
	}
	return breached, nil
}
