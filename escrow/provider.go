package escrow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderResult is the normalized acknowledgement of a provider call.
type ProviderResult struct {
	ProviderReference     string
	Status                Status
	Balance               decimal.Decimal
	ExternalTransactionID string
	OccurredAt            time.Time
}

// CreateAccountRequest opens a custodial account at the provider.
type CreateAccountRequest struct {
	NegotiationID  string
	Currency       string
	ExpectedAmount decimal.Decimal
}

// MoveRequest asks the provider to move money on an existing account.
// IdempotencyKey is forwarded so a retried request is not applied twice.
type MoveRequest struct {
	ProviderReference string
	Amount            decimal.Decimal
	Currency          string
	IdempotencyKey    string
}

// Statement is the provider's view of an account at GeneratedAt.
type Statement struct {
	StatementID       string          `json:"statementId"`
	ProviderReference string          `json:"providerReference"`
	Balance           decimal.Decimal `json:"balance"`
	Disputed          bool            `json:"disputed"`
	GeneratedAt       time.Time       `json:"generatedAt"`
	Transactions      []StatementLine `json:"transactions"`
}

// StatementLine is one provider-side movement listed on a statement.
type StatementLine struct {
	ExternalTransactionID string          `json:"externalTransactionId"`
	Type                  string          `json:"type"`
	Amount                decimal.Decimal `json:"amount"`
	OccurredAt            time.Time       `json:"occurredAt"`
}

// Provider is the capability surface of an external escrow rail. Only
// implementations translate provider vocabulary into Status.
type Provider interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (ProviderResult, error)
	Fund(ctx context.Context, req MoveRequest) (ProviderResult, error)
	Release(ctx context.Context, req MoveRequest) (ProviderResult, error)
	Refund(ctx context.Context, req MoveRequest) (ProviderResult, error)
	GetStatement(ctx context.Context, providerReference string) (Statement, error)
}
