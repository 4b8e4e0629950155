package escrow

import (
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/money"
)

// Status is the lifecycle of an escrow account.
type Status string

const (
	StatusPendingSetup  Status = "PENDING_SETUP"
	StatusAwaitingFunds Status = "AWAITING_FUNDS"
	StatusFunded        Status = "FUNDED"
	StatusReleased      Status = "RELEASED"
	StatusRefunded      Status = "REFUNDED"
	StatusDisputed      Status = "DISPUTED"
	StatusClosed        Status = "CLOSED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingSetup, StatusAwaitingFunds, StatusFunded, StatusReleased,
		StatusRefunded, StatusDisputed, StatusClosed:
		return true
	}
	return false
}

// Open reports whether the account can still take money movements.
func (s Status) Open() bool {
	return s != StatusClosed
}

// TransactionType classifies a ledger row.
type TransactionType string

const (
	TxFund       TransactionType = "FUND"
	TxRelease    TransactionType = "RELEASE"
	TxRefund     TransactionType = "REFUND"
	TxAdjustment TransactionType = "ADJUSTMENT"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxFund, TxRelease, TxRefund, TxAdjustment:
		return true
	}
	return false
}

// Account is the custodial record for one negotiation. The three running
// totals only ever grow, and only by applying a Transaction.
type Account struct {
	ID                string          `json:"id"`
	NegotiationID     string          `json:"negotiationId"`
	Status            Status          `json:"status"`
	Currency          string          `json:"currency"`
	ExpectedAmount    decimal.Decimal `json:"expectedAmount"`
	FundedAmount      decimal.Decimal `json:"fundedAmount"`
	ReleasedAmount    decimal.Decimal `json:"releasedAmount"`
	RefundedAmount    decimal.Decimal `json:"refundedAmount"`
	ProviderReference *string         `json:"providerReference,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	Transactions      []Transaction   `json:"transactions"`
}

// Available is funded − released − refunded.
func (a Account) Available() decimal.Decimal {
	return a.FundedAmount.Sub(a.ReleasedAmount).Sub(a.RefundedAmount)
}

// Reference returns the provider reference or "".
func (a Account) Reference() string {
	if a.ProviderReference == nil {
		return ""
	}
	return *a.ProviderReference
}

// Transaction is one append-only ledger row.
type Transaction struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"escrowAccountId"`
	Type       TransactionType `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Reference  *string         `json:"reference,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
	Metadata   map[string]any  `json:"metadata"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Reconciliation is the metadata block an ADJUSTMENT row carries under the
// "reconciliation" key.
type Reconciliation struct {
	Status          string          `json:"status"`
	Delta           decimal.Decimal `json:"delta"`
	StatementID     string          `json:"statementId"`
	ProviderBalance decimal.Decimal `json:"providerBalance"`
	LedgerBalance   decimal.Decimal `json:"ledgerBalance"`
}

// ReconciliationOf decodes the reconciliation block of an ADJUSTMENT row.
func ReconciliationOf(tx Transaction) (Reconciliation, bool) {
	raw, ok := tx.Metadata["reconciliation"].(map[string]any)
	if !ok {
		return Reconciliation{}, false
	}
	rec := Reconciliation{}
	rec.Status, _ = raw["status"].(string)
	rec.StatementID, _ = raw["statementId"].(string)
	rec.Delta = decimalField(raw["delta"])
	rec.ProviderBalance = decimalField(raw["providerBalance"])
	rec.LedgerBalance = decimalField(raw["ledgerBalance"])
	return rec, rec.Status != ""
}

// Map renders the block for storage in transaction metadata.
func (r Reconciliation) Map() map[string]any {
	return map[string]any{
		"status":          r.Status,
		"delta":           r.Delta.String(),
		"statementId":     r.StatementID,
		"providerBalance": r.ProviderBalance.String(),
		"ledgerBalance":   r.LedgerBalance.String(),
	}
}

func decimalField(v any) decimal.Decimal {
	switch t := v.(type) {
	case string:
		d, err := decimal.NewFromString(t)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(t)
	case decimal.Decimal:
		return t
	}
	return decimal.Zero
}

// DeriveStatus recomputes the account status from its totals. It is used
// when a dispute hold is lifted.
func DeriveStatus(a Account) Status {
	switch {
	case a.FundedAmount.IsPositive() && money.IsResidual(a.Available()):
		return StatusClosed
	case a.RefundedAmount.IsPositive():
		return StatusRefunded
	case a.ReleasedAmount.IsPositive():
		return StatusReleased
	case a.FundedAmount.IsPositive() && money.Covers(a.FundedAmount, a.ExpectedAmount):
		return StatusFunded
	case a.ExpectedAmount.IsPositive():
		return StatusAwaitingFunds
	default:
		return StatusPendingSetup
	}
}
