package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a domain event.
type Type string

const (
	NegotiationCreated     Type = "NEGOTIATION_CREATED"
	NegotiationCountered   Type = "NEGOTIATION_COUNTERED"
	NegotiationAccepted    Type = "NEGOTIATION_ACCEPTED"
	NegotiationCancelled   Type = "NEGOTIATION_CANCELLED"
	NegotiationCompleted   Type = "NEGOTIATION_COMPLETED"
	NegotiationSLABreached Type = "NEGOTIATION_SLA_BREACHED"

	ContractSigned                  Type = "CONTRACT_SIGNED"
	ContractSignatureCompleted      Type = "CONTRACT_SIGNATURE_COMPLETED"
	ContractRevisionCreated         Type = "CONTRACT_REVISION_CREATED"
	ContractRevisionSubmitted       Type = "CONTRACT_REVISION_SUBMITTED"
	ContractRevisionCommented       Type = "CONTRACT_REVISION_COMMENTED"
	ContractRevisionCommentResolved Type = "CONTRACT_REVISION_COMMENT_RESOLVED"

	EscrowFunded         Type = "ESCROW_FUNDED"
	EscrowReleased       Type = "ESCROW_RELEASED"
	EscrowRefunded       Type = "ESCROW_REFUNDED"
	EscrowDisputed       Type = "ESCROW_DISPUTED"
	EscrowStatementReady Type = "ESCROW_STATEMENT_READY"

	DisputeOpened   Type = "DISPUTE_OPENED"
	DisputeResolved Type = "DISPUTE_RESOLVED"
)

// Event is a domain fact published after the transaction that produced it
// commits. Delivery is at-least-once; consumers dedupe by ID.
type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	NegotiationID string         `json:"negotiationId"`
	TriggeredBy   string         `json:"triggeredBy,omitempty"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurredAt"`
}

// New builds an event with a fresh id.
func New(typ Type, negotiationID, triggeredBy, status string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          typ,
		NegotiationID: negotiationID,
		TriggeredBy:   triggeredBy,
		Status:        status,
		Payload:       payload,
		OccurredAt:    time.Now().UTC(),
	}
}

// Publisher hands one event to a transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
