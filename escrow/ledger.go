package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeflow/logging"
	"tradeflow/metrics"
	"tradeflow/money"
)

// Store is the data access the ledger needs; *Repository implements it.
type Store interface {
	SetProviderReference(ctx context.Context, tx pgx.Tx, id, reference string) error
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error
	ApplyMovement(ctx context.Context, tx pgx.Tx, id string, typ TransactionType, amount decimal.Decimal, status Status) (Account, error)
	AppendTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error
	TransactionExists(ctx context.Context, tx pgx.Tx, accountID, reference string) (bool, error)
}

// Movement is a caller request to move money.
type Movement struct {
	Amount    decimal.Decimal
	Reference string
	Metadata  map[string]any
}

// Settlement is the outcome of one ledger operation.
type Settlement struct {
	Account     Account
	Transaction Transaction
	// Full is true when the operation completed its stage: funding reached
	// the expected amount, or the remaining balance is within epsilon.
	Full bool
	Note string
}

// Ledger owns the running totals of escrow accounts and their append-only
// transaction log. Callers pass an account row already locked FOR UPDATE
// inside tx.
type Ledger struct {
	provider Provider
	store    Store
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

func NewLedger(provider Provider, store Store, logger *zap.Logger) *Ledger {
	if store == nil {
		store = NewRepository()
	}
	return &Ledger{
		provider: provider,
		store:    store,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithClock overrides the clock used for occurredAt fallbacks.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

// WithIDGenerator overrides transaction id generation.
func (l *Ledger) WithIDGenerator(fn func() string) *Ledger {
	if fn != nil {
		l.newID = fn
	}
	return l
}

// Provider exposes the adapter for reconciliation.
func (l *Ledger) Provider() Provider {
	return l.provider
}

// EnsureProviderAccount opens the provider-side account when the row has
// no reference yet and returns the updated account.
func (l *Ledger) EnsureProviderAccount(ctx context.Context, tx pgx.Tx, account Account) (Account, error) {
	if account.ProviderReference != nil {
		return account, nil
	}

	res, err := l.provider.CreateAccount(ctx, CreateAccountRequest{
		NegotiationID:  account.NegotiationID,
		Currency:       account.Currency,
		ExpectedAmount: account.ExpectedAmount,
	})
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("create", metrics.OutcomeError).Inc()
		return Account{}, fmt.Errorf("%w: %v", ErrAccountSetupFailed, err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("create", metrics.OutcomeSuccess).Inc()
	if res.ProviderReference == "" {
		return Account{}, fmt.Errorf("%w: provider returned empty reference", ErrAccountSetupFailed)
	}

	if err := l.store.SetProviderReference(ctx, tx, account.ID, res.ProviderReference); err != nil {
		return Account{}, err
	}
	ref := res.ProviderReference
	account.ProviderReference = &ref
	return account, nil
}

// Fund calls the provider, then appends a FUND row and increments the
// funded total. A provider failure leaves the ledger untouched.
func (l *Ledger) Fund(ctx context.Context, tx pgx.Tx, account Account, m Movement) (Settlement, error) {
	if !m.Amount.IsPositive() || !money.WholeCents(m.Amount) {
		return Settlement{}, ErrInvalidAmount
	}
	if !account.Status.Open() || account.Status == StatusReleased || account.Status == StatusRefunded {
		return Settlement{}, fmt.Errorf("%w: status %s", ErrAccountClosed, account.Status)
	}

	account, err := l.EnsureProviderAccount(ctx, tx, account)
	if err != nil {
		return Settlement{}, err
	}

	res, err := l.provider.Fund(ctx, MoveRequest{
		ProviderReference: account.Reference(),
		Amount:            m.Amount,
		Currency:          account.Currency,
		IdempotencyKey:    m.Reference,
	})
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("fund", metrics.OutcomeError).Inc()
		l.logger.Warn("escrow provider fund failed", zap.String("escrow_account_id", account.ID), zap.Error(err))
		return Settlement{}, fmt.Errorf("%w: %v", ErrFundFailed, err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("fund", metrics.OutcomeSuccess).Inc()

	return l.record(ctx, tx, account, TxFund, m, res, "provider")
}

// Release checks the amount against the available balance, calls the
// provider, then appends a RELEASE row.
func (l *Ledger) Release(ctx context.Context, tx pgx.Tx, account Account, m Movement) (Settlement, error) {
	if !m.Amount.IsPositive() || !money.WholeCents(m.Amount) {
		return Settlement{}, ErrInvalidAmount
	}
	if available := account.Available(); m.Amount.GreaterThan(available) {
		return Settlement{}, ErrReleaseExceedsFunds.WithDetails(boundDetails(m.Amount, available))
	}
	if account.Status == StatusDisputed {
		return Settlement{}, ErrAccountDisputed
	}
	if account.ProviderReference == nil {
		return Settlement{}, ErrProviderReferenceMissing
	}

	res, err := l.provider.Release(ctx, MoveRequest{
		ProviderReference: account.Reference(),
		Amount:            m.Amount,
		Currency:          account.Currency,
		IdempotencyKey:    m.Reference,
	})
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("release", metrics.OutcomeError).Inc()
		l.logger.Warn("escrow provider release failed", zap.String("escrow_account_id", account.ID), zap.Error(err))
		return Settlement{}, fmt.Errorf("%w: %v", ErrReleaseFailed, err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("release", metrics.OutcomeSuccess).Inc()

	return l.record(ctx, tx, account, TxRelease, m, res, "provider")
}

// Refund requires a provider reference, checks the amount against the
// available balance, calls the provider, then appends a REFUND row.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, account Account, m Movement) (Settlement, error) {
	if !m.Amount.IsPositive() || !money.WholeCents(m.Amount) {
		return Settlement{}, ErrInvalidAmount
	}
	if account.ProviderReference == nil {
		return Settlement{}, ErrProviderReferenceMissing
	}
	if available := account.Available(); m.Amount.GreaterThan(available) {
		return Settlement{}, ErrRefundExceedsFunds.WithDetails(boundDetails(m.Amount, available))
	}

	res, err := l.provider.Refund(ctx, MoveRequest{
		ProviderReference: account.Reference(),
		Amount:            m.Amount,
		Currency:          account.Currency,
		IdempotencyKey:    m.Reference,
	})
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("refund", metrics.OutcomeError).Inc()
		l.logger.Warn("escrow provider refund failed", zap.String("escrow_account_id", account.ID), zap.Error(err))
		return Settlement{}, fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("refund", metrics.OutcomeSuccess).Inc()

	return l.record(ctx, tx, account, TxRefund, m, res, "provider")
}

// ExternalMovement is a money movement the provider already performed and
// reports through a webhook.
type ExternalMovement struct {
	Type                  TransactionType
	Amount                decimal.Decimal
	ExternalTransactionID string
	OccurredAt            time.Time
	Metadata              map[string]any
}

// ErrAlreadyApplied is returned by ApplyExternal for a replayed reference.
var ErrAlreadyApplied = errors.New("escrow: external movement already applied")

// ApplyExternal records a provider-confirmed movement through the same
// increment-only path as Fund, Release and Refund, without calling the
// provider. A reference that is already on the ledger yields ErrAlreadyApplied.
func (l *Ledger) ApplyExternal(ctx context.Context, tx pgx.Tx, account Account, ev ExternalMovement) (Settlement, error) {
	if ev.ExternalTransactionID == "" {
		return Settlement{}, fmt.Errorf("escrow: external transaction id required")
	}
	if !ev.Amount.IsPositive() {
		return Settlement{}, ErrInvalidAmount
	}

	exists, err := l.store.TransactionExists(ctx, tx, account.ID, ev.ExternalTransactionID)
	if err != nil {
		return Settlement{}, err
	}
	if exists {
		return Settlement{Account: account}, ErrAlreadyApplied
	}

	switch ev.Type {
	case TxFund:
	case TxRelease:
		if available := account.Available(); ev.Amount.GreaterThan(available) {
			return Settlement{}, ErrReleaseExceedsFunds.WithDetails(boundDetails(ev.Amount, available))
		}
	case TxRefund:
		if available := account.Available(); ev.Amount.GreaterThan(available) {
			return Settlement{}, ErrRefundExceedsFunds.WithDetails(boundDetails(ev.Amount, available))
		}
	default:
		return Settlement{}, fmt.Errorf("escrow: unsupported external movement %s", ev.Type)
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = l.now().UTC()
	}
	res := ProviderResult{
		ProviderReference:     account.Reference(),
		ExternalTransactionID: ev.ExternalTransactionID,
		OccurredAt:            occurredAt,
	}

	settlement, err := l.record(ctx, tx, account, ev.Type, Movement{Amount: ev.Amount, Metadata: ev.Metadata}, res, "webhook")
	if errors.Is(err, ErrDuplicateReference) {
		return Settlement{Account: account}, ErrAlreadyApplied
	}
	return settlement, err
}

// AppendAdjustment records a reconciliation row. Adjustments never touch the
// running totals.
func (l *Ledger) AppendAdjustment(ctx context.Context, tx pgx.Tx, account Account, rec Reconciliation, occurredAt time.Time) (Transaction, error) {
	statementID := rec.StatementID
	t := Transaction{
		ID:         l.newID(),
		AccountID:  account.ID,
		Type:       TxAdjustment,
		Amount:     rec.Delta,
		Reference:  &statementID,
		OccurredAt: occurredAt,
		Metadata:   map[string]any{"reconciliation": rec.Map()},
	}
	if err := l.store.AppendTransaction(ctx, tx, t); err != nil {
		return Transaction{}, err
	}
	metrics.LedgerMovementsTotal.WithLabelValues(string(TxAdjustment), "reconciliation").Inc()
	return t, nil
}

// MarkDisputed puts the account on hold without touching totals.
func (l *Ledger) MarkDisputed(ctx context.Context, tx pgx.Tx, account Account) (Account, error) {
	if err := l.store.SetStatus(ctx, tx, account.ID, StatusDisputed); err != nil {
		return Account{}, err
	}
	account.Status = StatusDisputed
	return account, nil
}

// LiftDispute restores the status implied by the totals.
func (l *Ledger) LiftDispute(ctx context.Context, tx pgx.Tx, account Account) (Account, error) {
	if account.Status != StatusDisputed {
		return account, nil
	}
	next := DeriveStatus(account)
	if err := l.store.SetStatus(ctx, tx, account.ID, next); err != nil {
		return Account{}, err
	}
	account.Status = next
	return account, nil
}

// Close marks the account CLOSED. Closing a closed account is a no-op.
func (l *Ledger) Close(ctx context.Context, tx pgx.Tx, account Account) (Account, error) {
	if account.Status == StatusClosed {
		return account, nil
	}
	if err := l.store.SetStatus(ctx, tx, account.ID, StatusClosed); err != nil {
		return Account{}, err
	}
	account.Status = StatusClosed
	return account, nil
}

func (l *Ledger) record(ctx context.Context, tx pgx.Tx, account Account, typ TransactionType, mv Movement, res ProviderResult, source string) (Settlement, error) {
	reference := res.ExternalTransactionID
	if reference == "" {
		reference = mv.Reference
	}
	var refPtr *string
	if reference != "" {
		refPtr = &reference
	}

	occurredAt := res.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = l.now().UTC()
	}

	meta := make(map[string]any, len(mv.Metadata)+3)
	for k, v := range mv.Metadata {
		meta[k] = v
	}
	meta["source"] = source
	if res.Status != "" {
		meta["providerStatus"] = string(res.Status)
		meta["providerBalance"] = res.Balance.String()
	}
	if mv.Reference != "" && mv.Reference != reference {
		meta["requestReference"] = mv.Reference
	}

	t := Transaction{
		ID:         l.newID(),
		AccountID:  account.ID,
		Type:       typ,
		Amount:     mv.Amount,
		Reference:  refPtr,
		OccurredAt: occurredAt,
		Metadata:   meta,
	}
	if err := l.store.AppendTransaction(ctx, tx, t); err != nil {
		return Settlement{}, err
	}

	projected := project(account, typ, mv.Amount)
	full, status, note := settle(projected, typ, mv.Amount)

	updated, err := l.store.ApplyMovement(ctx, tx, account.ID, typ, mv.Amount, status)
	if err != nil {
		return Settlement{}, err
	}

	metrics.LedgerMovementsTotal.WithLabelValues(string(typ), source).Inc()
	l.logger.Info("escrow ledger movement",
		zap.String("escrow_account_id", account.ID),
		zap.String("type", string(typ)),
		zap.String("amount", mv.Amount.String()),
		zap.String("reference", reference),
		zap.Bool("full", full),
	)

	return Settlement{Account: updated, Transaction: t, Full: full, Note: note}, nil
}

// project returns account as it will look after the movement.
func project(a Account, typ TransactionType, amount decimal.Decimal) Account {
	switch typ {
	case TxFund:
		a.FundedAmount = a.FundedAmount.Add(amount)
	case TxRelease:
		a.ReleasedAmount = a.ReleasedAmount.Add(amount)
	case TxRefund:
		a.RefundedAmount = a.RefundedAmount.Add(amount)
	}
	return a
}

// settle decides the resulting status and the history note.
func settle(a Account, typ TransactionType, amount decimal.Decimal) (bool, Status, string) {
	residual := a.Available()
	switch typ {
	case TxFund:
		if money.Covers(a.FundedAmount, a.ExpectedAmount) {
			status := StatusFunded
			if a.Status == StatusDisputed {
				status = StatusDisputed
			}
			return true, status, fmt.Sprintf("Escrow funded in full: %s %s received", amount.StringFixed(2), a.Currency)
		}
		outstanding := a.ExpectedAmount.Sub(a.FundedAmount)
		status := StatusAwaitingFunds
		if a.Status == StatusDisputed {
			status = StatusDisputed
		}
		return false, status, fmt.Sprintf("Partial escrow funding of %s %s; %s outstanding", amount.StringFixed(2), a.Currency, outstanding.StringFixed(2))
	case TxRelease:
		if money.IsResidual(residual) {
			return true, StatusClosed, fmt.Sprintf("Escrow released in full: %s %s paid to seller", amount.StringFixed(2), a.Currency)
		}
		return false, StatusReleased, fmt.Sprintf("Partial escrow release of %s %s; %s remains held", amount.StringFixed(2), a.Currency, residual.StringFixed(2))
	case TxRefund:
		if money.IsResidual(residual) {
			return true, StatusClosed, fmt.Sprintf("Escrow refunded in full: %s %s returned to buyer", amount.StringFixed(2), a.Currency)
		}
		status := StatusRefunded
		if a.Status == StatusDisputed {
			status = StatusDisputed
		}
		return false, status, fmt.Sprintf("Partial escrow refund of %s %s; %s remains held", amount.StringFixed(2), a.Currency, residual.StringFixed(2))
	}
	return false, a.Status, ""
}

func boundDetails(requested, available decimal.Decimal) map[string]any {
	return map[string]any{
		"requested": requested.StringFixed(2),
		"available": available.StringFixed(2),
	}
}
