package contract

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EnvelopeStatus is the e-sign provider's view of an envelope.
type EnvelopeStatus string

const (
	EnvelopeSent      EnvelopeStatus = "SENT"
	EnvelopePartial   EnvelopeStatus = "PARTIALLY_SIGNED"
	EnvelopeCompleted EnvelopeStatus = "COMPLETED"
)

// IssueRequest asks the provider to send a contract for signature.
type IssueRequest struct {
	ContractID    string
	NegotiationID string
	Terms         string
	Signers       map[Role]string
}

type Envelope struct {
	EnvelopeID  string
	DocumentID  string
	DocumentURL string
}

// Signer is the e-sign provider capability.
type Signer interface {
	IssueEnvelope(ctx context.Context, req IssueRequest) (Envelope, error)
	RecordSignature(ctx context.Context, envelopeID string, role Role, signedAt time.Time) (EnvelopeStatus, error)
}

// MockSigner is a deterministic in-process e-sign provider.
type MockSigner struct {
	mu     sync.Mutex
	signed map[string]map[Role]bool
}

func NewMockSigner() *MockSigner {
	return &MockSigner{signed: make(map[string]map[Role]bool)}
}

func (m *MockSigner) IssueEnvelope(ctx context.Context, req IssueRequest) (Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "env-" + req.ContractID
	if _, ok := m.signed[id]; !ok {
		m.signed[id] = make(map[Role]bool, 2)
	}
	return Envelope{
		EnvelopeID:  id,
		DocumentID:  "doc-" + req.ContractID,
		DocumentURL: fmt.Sprintf("https://esign.mock/envelopes/%s/document", id),
	}, nil
}

func (m *MockSigner) RecordSignature(ctx context.Context, envelopeID string, role Role, signedAt time.Time) (EnvelopeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	roles, ok := m.signed[envelopeID]
	if !ok {
		return "", fmt.Errorf("contract: mock signer unknown envelope %s", envelopeID)
	}
	roles[role] = true
	if roles[RoleBuyer] && roles[RoleSeller] {
		return EnvelopeCompleted, nil
	}
	return EnvelopePartial, nil
}
