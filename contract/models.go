package contract

import "time"

// Status is the signature lifecycle of a contract.
type Status string

const (
	StatusDraft             Status = "DRAFT"
	StatusPendingSignatures Status = "PENDING_SIGNATURES"
	StatusSigned            Status = "SIGNED"
)

// Role identifies a signing party.
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Valid reports whether r is a signing role.
func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSeller
}

// ParticipantStatus is the e-sign state of one signer.
type ParticipantStatus string

const (
	ParticipantSent   ParticipantStatus = "SENT"
	ParticipantSigned ParticipantStatus = "SIGNED"
)

type Participant struct {
	UserID   string            `json:"userId"`
	Status   ParticipantStatus `json:"status"`
	SignedAt *time.Time        `json:"signedAt,omitempty"`
}

type Contract struct {
	ID                string               `json:"id"`
	NegotiationID     string               `json:"negotiationId"`
	Status            Status               `json:"status"`
	DraftTerms        string               `json:"draftTerms"`
	DocumentURL       string               `json:"documentUrl"`
	BuyerSignedAt     *time.Time           `json:"buyerSignedAt,omitempty"`
	SellerSignedAt    *time.Time           `json:"sellerSignedAt,omitempty"`
	FinalizedAt       *time.Time           `json:"finalizedAt,omitempty"`
	EsignEnvelopeID   *string              `json:"esignEnvelopeId,omitempty"`
	EsignDocumentID   *string              `json:"esignDocumentId,omitempty"`
	EsignParticipants map[Role]Participant `json:"esignParticipants"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
	Revisions         []Revision           `json:"revisions"`
}

// SignedAt returns the signature timestamp recorded for role.
func (c Contract) SignedAt(role Role) *time.Time {
	if role == RoleBuyer {
		return c.BuyerSignedAt
	}
	return c.SellerSignedAt
}

// FullySigned reports whether both parties have signed.
func (c Contract) FullySigned() bool {
	return c.BuyerSignedAt != nil && c.SellerSignedAt != nil
}

// RevisionStatus is the review state of a revision.
type RevisionStatus string

const (
	RevisionDraft      RevisionStatus = "DRAFT"
	RevisionInReview   RevisionStatus = "IN_REVIEW"
	RevisionSuperseded RevisionStatus = "SUPERSEDED"
)

type Attachment struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

type Revision struct {
	ID            string         `json:"id"`
	ContractID    string         `json:"contractId"`
	NegotiationID string         `json:"negotiationId"`
	Version       int            `json:"version"`
	Status        RevisionStatus `json:"status"`
	IsCurrent     bool           `json:"isCurrent"`
	Summary       string         `json:"summary"`
	Body          string         `json:"body"`
	Fingerprint   string         `json:"-"`
	ContentHash   []byte         `json:"-"`
	Attachments   []Attachment   `json:"attachments"`
	AuthorID      string         `json:"authorId"`
	CreatedAt     time.Time      `json:"createdAt"`
	Comments      []Comment      `json:"comments"`
}

// CommentStatus tracks whether a review comment is addressed.
type CommentStatus string

const (
	CommentOpen     CommentStatus = "OPEN"
	CommentResolved CommentStatus = "RESOLVED"
)

type Comment struct {
	ID         string         `json:"id"`
	RevisionID string         `json:"revisionId"`
	Body       string         `json:"body"`
	Status     CommentStatus  `json:"status"`
	Anchor     map[string]any `json:"anchor,omitempty"`
	AuthorID   string         `json:"authorId"`
	ResolverID *string        `json:"resolverId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}
