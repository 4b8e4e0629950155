package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMockUnknownAccount is returned by MockProvider for unknown references.
var ErrMockUnknownAccount = errors.New("escrow: mock provider unknown account")

type mockAccount struct {
	reference string
	currency  string
	balance   decimal.Decimal
	disputed  bool
	version   int
	lines     []StatementLine
}

// MockProvider is a deterministic in-process escrow rail. References and
// transaction ids are derived from inputs and a sequence counter.
type MockProvider struct {
	mu         sync.Mutex
	now        func() time.Time
	seq        int
	accounts   map[string]*mockAccount
	statements map[string]Statement
	failures   map[string]error
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		now:        time.Now,
		accounts:   make(map[string]*mockAccount),
		statements: make(map[string]Statement),
		failures:   make(map[string]error),
	}
}

// WithClock overrides the clock used for occurredAt stamps.
func (m *MockProvider) WithClock(now func() time.Time) *MockProvider {
	if now != nil {
		m.now = now
	}
	return m
}

// FailNext makes the next call to op ("create", "fund", "release",
// "refund", "statement") return err.
func (m *MockProvider) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// SetStatement pins the statement returned for reference.
func (m *MockProvider) SetStatement(st Statement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statements[st.ProviderReference] = st
}

// SetDisputed flags an account as disputed on the provider side.
func (m *MockProvider) SetDisputed(reference string, disputed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct, ok := m.accounts[reference]; ok {
		acct.disputed = disputed
		acct.version++
	}
}

func (m *MockProvider) takeFailure(op string) error {
	err, ok := m.failures[op]
	if !ok {
		return nil
	}
	delete(m.failures, op)
	return err
}

func (m *MockProvider) CreateAccount(ctx context.Context, req CreateAccountRequest) (ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("create"); err != nil {
		return ProviderResult{}, err
	}

	reference := "mock-esc-" + req.NegotiationID
	if _, ok := m.accounts[reference]; !ok {
		m.accounts[reference] = &mockAccount{reference: reference, currency: req.Currency, balance: decimal.Zero}
	}

	return ProviderResult{
		ProviderReference: reference,
		Status:            StatusAwaitingFunds,
		Balance:           m.accounts[reference].balance,
		OccurredAt:        m.now().UTC(),
	}, nil
}

func (m *MockProvider) Fund(ctx context.Context, req MoveRequest) (ProviderResult, error) {
	return m.move("fund", req, func(acct *mockAccount) (Status, error) {
		acct.balance = acct.balance.Add(req.Amount)
		return StatusFunded, nil
	})
}

func (m *MockProvider) Release(ctx context.Context, req MoveRequest) (ProviderResult, error) {
	return m.move("release", req, func(acct *mockAccount) (Status, error) {
		if req.Amount.GreaterThan(acct.balance) {
			return "", fmt.Errorf("escrow: mock provider insufficient balance %s < %s", acct.balance, req.Amount)
		}
		acct.balance = acct.balance.Sub(req.Amount)
		if acct.balance.IsZero() {
			return StatusClosed, nil
		}
		return StatusReleased, nil
	})
}

func (m *MockProvider) Refund(ctx context.Context, req MoveRequest) (ProviderResult, error) {
	return m.move("refund", req, func(acct *mockAccount) (Status, error) {
		if req.Amount.GreaterThan(acct.balance) {
			return "", fmt.Errorf("escrow: mock provider insufficient balance %s < %s", acct.balance, req.Amount)
		}
		acct.balance = acct.balance.Sub(req.Amount)
		if acct.balance.IsZero() {
			return StatusClosed, nil
		}
		return StatusRefunded, nil
	})
}

func (m *MockProvider) move(op string, req MoveRequest, apply func(*mockAccount) (Status, error)) (ProviderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(op); err != nil {
		return ProviderResult{}, err
	}

	acct, ok := m.accounts[req.ProviderReference]
	if !ok {
		return ProviderResult{}, fmt.Errorf("%w: %s", ErrMockUnknownAccount, req.ProviderReference)
	}

	status, err := apply(acct)
	if err != nil {
		return ProviderResult{}, err
	}

	m.seq++
	acct.version++
	occurredAt := m.now().UTC()
	externalID := fmt.Sprintf("mock-%s-%06d", op, m.seq)
	acct.lines = append(acct.lines, StatementLine{
		ExternalTransactionID: externalID,
		Type:                  op,
		Amount:                req.Amount,
		OccurredAt:            occurredAt,
	})

	return ProviderResult{
		ProviderReference:     acct.reference,
		Status:                status,
		Balance:               acct.balance,
		ExternalTransactionID: externalID,
		OccurredAt:            occurredAt,
	}, nil
}

// GetStatement returns the pinned statement for reference, or one derived
// from the mock's own balance. Unchanged accounts yield the same statement id.
func (m *MockProvider) GetStatement(ctx context.Context, providerReference string) (Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure("statement"); err != nil {
		return Statement{}, err
	}

	if st, ok := m.statements[providerReference]; ok {
		return st, nil
	}

	acct, ok := m.accounts[providerReference]
	if !ok {
		return Statement{}, fmt.Errorf("%w: %s", ErrMockUnknownAccount, providerReference)
	}

	lines := make([]StatementLine, len(acct.lines))
	copy(lines, acct.lines)
	return Statement{
		StatementID:       fmt.Sprintf("stmt-%s-%d", acct.reference, acct.version),
		ProviderReference: acct.reference,
		Balance:           acct.balance,
		Disputed:          acct.disputed,
		GeneratedAt:       m.now().UTC(),
		Transactions:      lines,
	}, nil
}
