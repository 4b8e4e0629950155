package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/apperror"
)

var (
	ErrNotFound  = apperror.New(http.StatusNotFound, "DISPUTE_NOT_FOUND", "dispute not found")
	ErrBadStatus = apperror.New(http.StatusConflict, "DISPUTE_INVALID_STATE", "invalid dispute status transition")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const recordColumns = `id::text, negotiation_id::text, status, severity, category, summary, source,
       provider_reference, hold_amount, evidence, opened_by, resolution, sla_due_at, sla_breached_at,
       created_at, updated_at, resolved_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec      Record
		evidence []byte
	)
	err := row.Scan(
		&rec.ID, &rec.NegotiationID, &rec.Status, &rec.Severity, &rec.Category, &rec.Summary, &rec.Source,
		&rec.ProviderReference, &rec.HoldAmount, &evidence, &rec.OpenedBy, &rec.Resolution, &rec.SLADueAt,
		&rec.SLABreachedAt, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Evidence = []Evidence{}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
			return Record{}, fmt.Errorf("dispute: decode evidence: %w", err)
		}
	}
	rec.Events = []Event{}
	return rec, nil
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	evidence := rec.Evidence
	if evidence == nil {
		evidence = []Evidence{}
	}
	evidenceBytes, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("dispute: marshal evidence: %w", err)
	}

	const insertSQL = `
INSERT INTO disputes
    (id, negotiation_id, status, severity, category, summary, source, provider_reference,
     hold_amount, evidence, opened_by, sla_due_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12);
`
	if _, err := tx.Exec(ctx, insertSQL, rec.ID, rec.NegotiationID, rec.Status, rec.Severity, rec.Category,
		rec.Summary, rec.Source, rec.ProviderReference, rec.HoldAmount.String(), evidenceBytes, rec.OpenedBy,
		rec.SLADueAt); err != nil {
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

// GetForUpdate locks a dispute scoped to its negotiation.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, negotiationID, disputeID string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE negotiation_id = $1 AND id::text = $2 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, query, negotiationID, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: select: %w", err)
	}
	return rec, nil
}

// FindActiveByProviderReference returns the active provider-sourced
// dispute for reference, or nil.
func (r *Repository) FindActiveByProviderReference(ctx context.Context, tx pgx.Tx, negotiationID, reference string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes
WHERE negotiation_id = $1 AND provider_reference = $2 AND status IN ('OPEN', 'UNDER_REVIEW')
ORDER BY created_at DESC LIMIT 1`
	rec, err := scanRecord(tx.QueryRow(ctx, query, negotiationID, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dispute: select by provider reference: %w", err)
	}
	return &rec, nil
}

// CountActive returns the number of disputes still holding the escrow.
func (r *Repository) CountActive(ctx context.Context, tx pgx.Tx, negotiationID string) (int, error) {
	var n int
	const query = `SELECT COUNT(*) FROM disputes WHERE negotiation_id = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`
	if err := tx.QueryRow(ctx, query, negotiationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("dispute: count active: %w", err)
	}
	return n, nil
}

func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, disputeID string, status Status, resolution string, at time.Time) error {
	const updateSQL = `
UPDATE disputes
SET status = $2, resolution = $3, resolved_at = $4, updated_at = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, disputeID, status, resolution, at); err != nil {
		return fmt.Errorf("dispute: resolve: %w", err)
	}
	return nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, disputeID string, ev Event) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal event payload: %w", err)
	}

	const insertSQL = `INSERT INTO dispute_events (dispute_id, type, actor_id, payload) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertSQL, disputeID, ev.Type, ev.ActorID, payloadBytes); err != nil {
		return fmt.Errorf("dispute: insert event: %w", err)
	}
	return nil
}

// MarkBreaches stamps sla_breached_at on active disputes past their due
// time and returns how many were stamped.
func (r *Repository) MarkBreaches(ctx context.Context, tx pgx.Tx, now time.Time) ([]Record, error) {
	query := `
UPDATE disputes
SET sla_breached_at = $1, updated_at = now()
WHERE status IN ('OPEN', 'UNDER_REVIEW') AND sla_breached_at IS NULL AND sla_due_at < $1
RETURNING ` + recordColumns
	rows, err := tx.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("dispute: mark breaches: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListByNegotiation returns the negotiation's disputes with their event
// logs, oldest first.
func (r *Repository) ListByNegotiation(ctx context.Context, tx pgx.Tx, negotiationID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE negotiation_id = $1 ORDER BY created_at, id`
	rows, err := tx.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}

	out := make([]Record, 0, 4)
	index := make(map[string]int)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		index[rec.ID] = len(out)
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	const eventsSQL = `
SELECT e.dispute_id::text, e.type, e.actor_id, e.payload, e.created_at
FROM dispute_events e
JOIN disputes d ON d.id = e.dispute_id
WHERE d.negotiation_id = $1
ORDER BY e.id`
	evRows, err := tx.Query(ctx, eventsSQL, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list events: %w", err)
	}
	defer evRows.Close()

	for evRows.Next() {
		var (
			disputeID string
			ev        Event
			payload   []byte
		)
		if err := evRows.Scan(&disputeID, &ev.Type, &ev.ActorID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		ev.Payload = map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("dispute: decode event payload: %w", err)
			}
		}
		if i, ok := index[disputeID]; ok {
			out[i].Events = append(out[i].Events, ev)
		}
	}
	return out, evRows.Err()
}
