package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type commitThen struct {
	err error
}

func (c *commitThen) Error() string { return c.err.Error() }
func (c *commitThen) Unwrap() error { return c.err }

// CommitThen marks err as a failure whose writes must still be committed.
// Lazy expiry uses it: the EXPIRED transition is persisted and the caller
// still receives the error.
func CommitThen(err error) error {
	if err == nil {
		return nil
	}
	return &commitThen{err: err}
}

// WithTx runs fn inside a single transaction. The transaction is committed
// when fn returns nil or a CommitThen error, and rolled back otherwise.
func WithTx(ctx context.Context, beginner TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	fnErr := fn(tx)
	var keep *commitThen
	if fnErr != nil && !errors.As(fnErr, &keep) {
		return fnErr
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit tx: %w", err)
	}
	if keep != nil {
		return keep.err
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres 23505.
func IsUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}
