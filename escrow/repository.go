package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tradeflow/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const accountColumns = `id::text, negotiation_id::text, status, currency, expected_amount,
       funded_amount, released_amount, refunded_amount, provider_reference, created_at, updated_at`

const transactionColumns = `id::text, escrow_account_id::text, type, amount, reference, occurred_at, metadata, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.NegotiationID, &a.Status, &a.Currency, &a.ExpectedAmount,
		&a.FundedAmount, &a.ReleasedAmount, &a.RefundedAmount, &a.ProviderReference,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t    Transaction
		meta []byte
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.Amount, &t.Reference, &t.OccurredAt, &meta, &t.CreatedAt); err != nil {
		return Transaction{}, err
	}
	t.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return Transaction{}, fmt.Errorf("escrow: decode transaction metadata: %w", err)
		}
	}
	return t, nil
}

// Create inserts a new account. Totals start at zero.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, a Account) error {
	const insertSQL = `
INSERT INTO escrow_accounts (id, negotiation_id, status, currency, expected_amount)
VALUES ($1, $2, $3, $4, $5::numeric);
`
	if _, err := tx.Exec(ctx, insertSQL, a.ID, a.NegotiationID, a.Status, a.Currency, a.ExpectedAmount.String()); err != nil {
		return fmt.Errorf("escrow: insert account: %w", err)
	}
	return nil
}

// GetByNegotiationForUpdate locks and returns the account of a negotiation.
func (r *Repository) GetByNegotiationForUpdate(ctx context.Context, tx pgx.Tx, negotiationID string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM escrow_accounts WHERE negotiation_id = $1 FOR UPDATE`
	a, err := scanAccount(tx.QueryRow(ctx, query, negotiationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("escrow: select account: %w", err)
	}
	return a, nil
}

// NegotiationIDByProviderReference resolves the negotiation owning the
// account known to the provider as reference. It takes no lock so callers
// can lock the negotiation row first.
func (r *Repository) NegotiationIDByProviderReference(ctx context.Context, tx pgx.Tx, reference string) (string, error) {
	var negotiationID string
	const query = `SELECT negotiation_id::text FROM escrow_accounts WHERE provider_reference = $1`
	if err := tx.QueryRow(ctx, query, reference).Scan(&negotiationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAccountNotFound
		}
		return "", fmt.Errorf("escrow: select account by reference: %w", err)
	}
	return negotiationID, nil
}

// GetForUpdate locks and returns the account by id.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Account, error) {
	query := `SELECT ` + accountColumns + ` FROM escrow_accounts WHERE id = $1 FOR UPDATE`
	a, err := scanAccount(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("escrow: select account by id: %w", err)
	}
	return a, nil
}

// ListReconcilable returns accounts that have a provider reference.
func (r *Repository) ListReconcilable(ctx context.Context, tx pgx.Tx) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM escrow_accounts WHERE provider_reference IS NOT NULL ORDER BY created_at, id`
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("escrow: list reconcilable: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prepare sets the expected amount and status ahead of funding.
func (r *Repository) Prepare(ctx context.Context, tx pgx.Tx, id string, expected decimal.Decimal, status Status) error {
	const updateSQL = `
UPDATE escrow_accounts
SET expected_amount = $2::numeric, status = $3, updated_at = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, id, expected.String(), status); err != nil {
		return fmt.Errorf("escrow: prepare account: %w", err)
	}
	return nil
}

func (r *Repository) SetProviderReference(ctx context.Context, tx pgx.Tx, id, reference string) error {
	const updateSQL = `UPDATE escrow_accounts SET provider_reference = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, id, reference); err != nil {
		return fmt.Errorf("escrow: set provider reference: %w", err)
	}
	return nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	const updateSQL = `UPDATE escrow_accounts SET status = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, id, status); err != nil {
		return fmt.Errorf("escrow: set status: %w", err)
	}
	return nil
}

var movementSQL = map[TransactionType]string{
	TxFund: `UPDATE escrow_accounts SET funded_amount = funded_amount + $2::numeric, status = $3, updated_at = now()
WHERE id = $1 RETURNING ` + accountColumns,
	TxRelease: `UPDATE escrow_accounts SET released_amount = released_amount + $2::numeric, status = $3, updated_at = now()
WHERE id = $1 RETURNING ` + accountColumns,
	TxRefund: `UPDATE escrow_accounts SET refunded_amount = refunded_amount + $2::numeric, status = $3, updated_at = now()
WHERE id = $1 RETURNING ` + accountColumns,
}

// ApplyMovement is the only write path for the running totals: it adds a
// non-negative amount to the total matching typ.
func (r *Repository) ApplyMovement(ctx context.Context, tx pgx.Tx, id string, typ TransactionType, amount decimal.Decimal, status Status) (Account, error) {
	query, ok := movementSQL[typ]
	if !ok {
		return Account{}, fmt.Errorf("escrow: %s does not move totals", typ)
	}
	if amount.IsNegative() {
		return Account{}, fmt.Errorf("escrow: negative movement %s", amount)
	}
	a, err := scanAccount(tx.QueryRow(ctx, query, id, amount.String(), status))
	if err != nil {
		return Account{}, fmt.Errorf("escrow: apply %s: %w", typ, err)
	}
	return a, nil
}

// AppendTransaction inserts a ledger row. A repeated (account, reference)
// for a money movement yields ErrDuplicateReference.
func (r *Repository) AppendTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("escrow: marshal transaction metadata: %w", err)
	}

	const insertSQL = `
INSERT INTO escrow_transactions (id, escrow_account_id, type, amount, reference, occurred_at, metadata)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7);
`
	if _, err := tx.Exec(ctx, insertSQL, t.ID, t.AccountID, t.Type, t.Amount.String(), t.Reference, t.OccurredAt, metaBytes); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("escrow: insert transaction: %w", err)
	}
	return nil
}

// TransactionExists reports whether a money movement with reference is
// already recorded for the account.
func (r *Repository) TransactionExists(ctx context.Context, tx pgx.Tx, accountID, reference string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM escrow_transactions
    WHERE escrow_account_id = $1 AND reference = $2 AND type <> 'ADJUSTMENT'
);
`
	var exists bool
	if err := tx.QueryRow(ctx, query, accountID, reference).Scan(&exists); err != nil {
		return false, fmt.Errorf("escrow: check transaction reference: %w", err)
	}
	return exists, nil
}

// LatestAdjustment returns the most recent ADJUSTMENT row, or nil.
func (r *Repository) LatestAdjustment(ctx context.Context, tx pgx.Tx, accountID string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions
WHERE escrow_account_id = $1 AND type = 'ADJUSTMENT'
ORDER BY created_at DESC, id DESC LIMIT 1`
	t, err := scanTransaction(tx.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("escrow: select latest adjustment: %w", err)
	}
	return &t, nil
}

// ListTransactions returns the ledger of an account in creation order.
func (r *Repository) ListTransactions(ctx context.Context, tx pgx.Tx, accountID string) ([]Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM escrow_transactions WHERE escrow_account_id = $1 ORDER BY created_at, id`
	rows, err := tx.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetByNegotiation loads the account and its ledger without locking.
func (r *Repository) GetByNegotiation(ctx context.Context, tx pgx.Tx, negotiationID string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM escrow_accounts WHERE negotiation_id = $1`
	a, err := scanAccount(tx.QueryRow(ctx, query, negotiationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("escrow: select account: %w", err)
	}
	a.Transactions, err = r.ListTransactions(ctx, tx, a.ID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

