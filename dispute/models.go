package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusRejected    Status = "REJECTED"
)

// Active reports whether the dispute still holds the escrow.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// Severity drives the SLA deadline.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var slaBySeverity = map[Severity]time.Duration{
	SeverityLow:      7 * 24 * time.Hour,
	SeverityMedium:   72 * time.Hour,
	SeverityHigh:     24 * time.Hour,
	SeverityCritical: 4 * time.Hour,
}

// SLA returns the response window for s; unknown severities get MEDIUM's.
func (s Severity) SLA() time.Duration {
	if d, ok := slaBySeverity[s]; ok {
		return d
	}
	return slaBySeverity[SeverityMedium]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := slaBySeverity[s]
	return ok
}

// Source records who raised the dispute.
type Source string

const (
	SourceParticipant Source = "PARTICIPANT"
	SourceProvider    Source = "PROVIDER"
)

type Evidence struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
	URL         string `json:"url,omitempty"`
}

// Record mirrors the disputes table.
type Record struct {
	ID                string          `json:"id"`
	NegotiationID     string          `json:"negotiationId"`
	Status            Status          `json:"status"`
	Severity          Severity        `json:"severity"`
	Category          string          `json:"category"`
	Summary           string          `json:"summary"`
	Source            Source          `json:"source"`
	ProviderReference *string         `json:"providerReference,omitempty"`
	HoldAmount        decimal.Decimal `json:"holdAmount"`
	Evidence          []Evidence      `json:"evidence"`
	OpenedBy          *string         `json:"openedBy,omitempty"`
	Resolution        string          `json:"resolution,omitempty"`
	SLADueAt          *time.Time      `json:"slaDueAt,omitempty"`
	SLABreachedAt     *time.Time      `json:"slaBreachedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
	Events            []Event         `json:"events"`
}

// Event is one entry of a dispute's append-only log.
type Event struct {
	Type      string         `json:"type"`
	ActorID   *string        `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}
