package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tradeflow/db"
)

// ErrDuplicateIdempotencyKey signals the key was already reserved.
var ErrDuplicateIdempotencyKey = errors.New("negotiation: duplicate idempotency key")

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const negotiationColumns = `id::text, listing_id::text, buyer_id, seller_id, status, currency, agreed_price,
       agreed_quantity, expires_at, notes, premium_tier, created_at, updated_at`

func scanNegotiation(row pgx.Row) (Negotiation, error) {
	var n Negotiation
	err := row.Scan(
		&n.ID, &n.ListingID, &n.BuyerID, &n.SellerID, &n.Status, &n.Currency, &n.AgreedPrice,
		&n.AgreedQuantity, &n.ExpiresAt, &n.Notes, &n.PremiumTier, &n.CreatedAt, &n.UpdatedAt,
	)
	return n, err
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, n Negotiation) error {
	const insertSQL = `
INSERT INTO negotiations
    (id, listing_id, buyer_id, seller_id, status, currency, expires_at, notes, premium_tier)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	if _, err := tx.Exec(ctx, insertSQL, n.ID, n.ListingID, n.BuyerID, n.SellerID, n.Status, n.Currency,
		n.ExpiresAt, n.Notes, n.PremiumTier); err != nil {
		return fmt.Errorf("negotiation: insert: %w", err)
	}
	return nil
}

// GetForUpdate locks the negotiation row. Concurrent actions on the same
// negotiation serialize here and re-evaluate their guards.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations WHERE id::text = $1 FOR UPDATE`
	n, err := scanNegotiation(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Negotiation{}, ErrNotFound
		}
		return Negotiation{}, fmt.Errorf("negotiation: select for update: %w", err)
	}
	return n, nil
}

// Get returns the negotiation or nil.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (*Negotiation, error) {
	query := `SELECT ` + negotiationColumns + ` FROM negotiations WHERE id::text = $1`
	n, err := scanNegotiation(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("negotiation: select: %w", err)
	}
	return &n, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE negotiations SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("negotiation: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetAgreement(ctx context.Context, tx pgx.Tx, id string, price decimal.Decimal, quantity *decimal.Decimal) error {
	const updateSQL = `
UPDATE negotiations
SET agreed_price = $2::numeric, agreed_quantity = $3::numeric, updated_at = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, id, price.String(), decimalArg(quantity)); err != nil {
		return fmt.Errorf("negotiation: set agreement: %w", err)
	}
	return nil
}

func (r *Repository) InsertOffer(ctx context.Context, tx pgx.Tx, o Offer) error {
	const insertSQL = `
INSERT INTO negotiation_offers (id, negotiation_id, sender_id, price, quantity, message, type)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7);
`
	if _, err := tx.Exec(ctx, insertSQL, o.ID, o.NegotiationID, o.SenderID, o.Price.String(),
		decimalArg(o.Quantity), o.Message, o.Type); err != nil {
		return fmt.Errorf("negotiation: insert offer: %w", err)
	}
	return nil
}

const offerColumns = `id::text, negotiation_id::text, sender_id, price, quantity, message, type, created_at`

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.NegotiationID, &o.SenderID, &o.Price, &o.Quantity, &o.Message, &o.Type, &o.CreatedAt)
	return o, err
}

// LastOffer returns the newest offer or nil.
func (r *Repository) LastOffer(ctx context.Context, tx pgx.Tx, negotiationID string) (*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM negotiation_offers WHERE negotiation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	o, err := scanOffer(tx.QueryRow(ctx, query, negotiationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("negotiation: select last offer: %w", err)
	}
	return &o, nil
}

// ListOffers returns offers newest first.
func (r *Repository) ListOffers(ctx context.Context, tx pgx.Tx, negotiationID string) ([]Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM negotiation_offers WHERE negotiation_id = $1 ORDER BY created_at DESC, id DESC`
	rows, err := tx.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list offers: %w", err)
	}
	defer rows.Close()

	out := []Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("negotiation: scan offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repository) AppendHistory(ctx context.Context, tx pgx.Tx, negotiationID string, e HistoryEntry) error {
	const insertSQL = `INSERT INTO negotiation_status_history (negotiation_id, status, note, actor_id) VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, insertSQL, negotiationID, e.Status, e.Note, e.ActorID); err != nil {
		return fmt.Errorf("negotiation: insert history: %w", err)
	}
	return nil
}

// ListHistory returns the audit trail oldest first.
func (r *Repository) ListHistory(ctx context.Context, tx pgx.Tx, negotiationID string) ([]HistoryEntry, error) {
	const query = `
SELECT status, note, actor_id, created_at
FROM negotiation_status_history
WHERE negotiation_id = $1
ORDER BY id`
	rows, err := tx.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Status, &e.Note, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("negotiation: scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) ListFulfilment(ctx context.Context, tx pgx.Tx, negotiationID string) ([]FulfilmentOrder, error) {
	const query = `
SELECT id::text, status, carrier, tracking_reference, scheduled_for, created_at
FROM fulfilment_orders
WHERE negotiation_id = $1
ORDER BY created_at`
	rows, err := tx.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list fulfilment: %w", err)
	}
	defer rows.Close()

	out := []FulfilmentOrder{}
	for rows.Next() {
		var f FulfilmentOrder
		if err := rows.Scan(&f.ID, &f.Status, &f.Carrier, &f.TrackingReference, &f.ScheduledFor, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("negotiation: scan fulfilment: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListForActor returns negotiations the actor takes part in, newest first.
// Admins see every negotiation.
func (r *Repository) ListForActor(ctx context.Context, tx pgx.Tx, userID string, isAdmin bool, f ListFilter) ([]Negotiation, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	var status *string
	if f.Status != "" {
		s := string(f.Status)
		status = &s
	}

	query := `SELECT ` + negotiationColumns + `
FROM negotiations
WHERE ($1 OR buyer_id = $2 OR seller_id = $2)
  AND ($3::text IS NULL OR status = $3)
ORDER BY created_at DESC, id
LIMIT $4 OFFSET $5`
	rows, err := tx.Query(ctx, query, isAdmin, userID, status, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("negotiation: list: %w", err)
	}
	defer rows.Close()

	out := []Negotiation{}
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, fmt.Errorf("negotiation: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertIdempotencyKey reserves key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("negotiation: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("negotiation: insert idempotency key: %w", err)
	}
	return nil
}
