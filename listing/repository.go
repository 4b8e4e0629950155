package listing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested listing does not exist.
var ErrNotFound = errors.New("listing: not found")

// Repository provides access to marketplace listings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a listing by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Listing, error) {
	const query = `
		SELECT id::text, seller_id, title, currency, unit_price, quantity, status, created_at
		FROM listings
		WHERE id::text = $1
	`

	var l Listing
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&l.ID,
		&l.SellerID,
		&l.Title,
		&l.Currency,
		&l.UnitPrice,
		&l.Quantity,
		&l.Status,
		&l.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: query by id: %w", err)
	}

	return l, nil
}

// Create inserts a listing and returns it with its generated id.
func (r *Repository) Create(ctx context.Context, l Listing) (Listing, error) {
	if l.Currency == "" {
		l.Currency = "USD"
	}
	if l.Status == "" {
		l.Status = StatusActive
	}
	var quantity *string
	if l.Quantity != nil {
		q := l.Quantity.String()
		quantity = &q
	}

	const insertSQL = `
		INSERT INTO listings (seller_id, title, currency, unit_price, quantity, status)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		RETURNING id::text, created_at
	`
	if err := r.pool.QueryRow(ctx, insertSQL, l.SellerID, l.Title, l.Currency, l.UnitPrice.String(), quantity, l.Status).
		Scan(&l.ID, &l.CreatedAt); err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return l, nil
}
