package contract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"tradeflow/apperror"
	"tradeflow/logging"
)

// Store is the data access the manager needs; *Repository implements it.
type Store interface {
	Upsert(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error)
	SaveSignatureState(ctx context.Context, tx pgx.Tx, c Contract) error
	UpdateDraftTerms(ctx context.Context, tx pgx.Tx, contractID, terms string) error
	MaxVersion(ctx context.Context, tx pgx.Tx, negotiationID string) (int, error)
	CurrentRevision(ctx context.Context, tx pgx.Tx, negotiationID string) (*Revision, error)
	SupersedeCurrent(ctx context.Context, tx pgx.Tx, negotiationID string) error
	InsertRevision(ctx context.Context, tx pgx.Tx, rev Revision) error
	SetRevisionStatus(ctx context.Context, tx pgx.Tx, revisionID string, status RevisionStatus) error
	GetRevision(ctx context.Context, tx pgx.Tx, negotiationID, revisionID string) (Revision, error)
	GetRevisionByVersion(ctx context.Context, tx pgx.Tx, negotiationID string, version int) (Revision, error)
	InsertComment(ctx context.Context, tx pgx.Tx, c Comment) error
	GetCommentForUpdate(ctx context.Context, tx pgx.Tx, revisionID, commentID string) (Comment, error)
	ResolveComment(ctx context.Context, tx pgx.Tx, commentID, resolverID string, at time.Time) error
}

// Manager owns contract status, signatures and revisions. Every method runs
// inside the caller's transaction.
type Manager struct {
	store  Store
	signer Signer
	diffs  *DiffCache
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewManager(store Store, signer Signer, diffs *DiffCache, logger *zap.Logger) *Manager {
	if store == nil {
		store = NewRepository()
	}
	if signer == nil {
		signer = NewMockSigner()
	}
	return &Manager{
		store:  store,
		signer: signer,
		diffs:  diffs,
		logger: logging.OrNop(logger),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// WithClock overrides the clock used for signature and comment stamps.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	if now != nil {
		m.now = now
	}
	return m
}

// WithIDGenerator overrides id generation.
func (m *Manager) WithIDGenerator(fn func() string) *Manager {
	if fn != nil {
		m.newID = fn
	}
	return m
}

// Fingerprint identifies revision content for duplicate detection.
func Fingerprint(summary, body string) string {
	return Normalize(summary) + "::" + Normalize(body)
}

// ContentHash is the blake2b-256 digest of a fingerprint.
func ContentHash(fingerprint string) []byte {
	sum := blake2b.Sum256([]byte(fingerprint))
	return sum[:]
}

// Draft creates the contract in DRAFT or refreshes unsigned draft terms.
func (m *Manager) Draft(ctx context.Context, tx pgx.Tx, negotiationID, terms string) (Contract, error) {
	return m.store.Upsert(ctx, tx, Contract{
		ID:            m.newID(),
		NegotiationID: negotiationID,
		Status:        StatusDraft,
		DraftTerms:    terms,
	})
}

// SignOutcome reports what a signature did.
type SignOutcome struct {
	Contract Contract
	// Completed is true only for the signature that completed the contract.
	Completed bool
	// AlreadySigned is true when role had signed before; nothing changed.
	AlreadySigned bool
}

// Sign records role's signature. The first signature issues the e-sign
// envelope and moves the contract to PENDING_SIGNATURES; the second moves it
// to SIGNED.
func (m *Manager) Sign(ctx context.Context, tx pgx.Tx, c Contract, role Role, signers map[Role]string) (SignOutcome, error) {
	if !role.Valid() {
		return SignOutcome{}, apperror.Validation("invalid signer role", map[string]string{"role": string(role)})
	}
	if c.Status == StatusSigned {
		return SignOutcome{Contract: c}, ErrAlreadySigned
	}
	if c.SignedAt(role) != nil {
		return SignOutcome{Contract: c, AlreadySigned: true}, nil
	}

	if c.EsignEnvelopeID == nil {
		env, err := m.signer.IssueEnvelope(ctx, IssueRequest{
			ContractID:    c.ID,
			NegotiationID: c.NegotiationID,
			Terms:         c.DraftTerms,
			Signers:       signers,
		})
		if err != nil {
			return SignOutcome{}, fmt.Errorf("%w: issue envelope: %v", ErrEsignFailed, err)
		}
		c.EsignEnvelopeID = &env.EnvelopeID
		c.EsignDocumentID = &env.DocumentID
		if env.DocumentURL != "" {
			c.DocumentURL = env.DocumentURL
		}
		if c.EsignParticipants == nil {
			c.EsignParticipants = make(map[Role]Participant, 2)
		}
		for r, userID := range signers {
			c.EsignParticipants[r] = Participant{UserID: userID, Status: ParticipantSent}
		}
	}

	signedAt := m.now().UTC()
	envStatus, err := m.signer.RecordSignature(ctx, *c.EsignEnvelopeID, role, signedAt)
	if err != nil {
		return SignOutcome{}, fmt.Errorf("%w: record signature: %v", ErrEsignFailed, err)
	}

	if role == RoleBuyer {
		c.BuyerSignedAt = &signedAt
	} else {
		c.SellerSignedAt = &signedAt
	}
	p := c.EsignParticipants[role]
	if p.UserID == "" {
		p.UserID = signers[role]
	}
	p.Status = ParticipantSigned
	p.SignedAt = &signedAt
	c.EsignParticipants[role] = p

	completed := false
	if c.FullySigned() {
		if envStatus != EnvelopeCompleted {
			m.logger.Warn("e-sign provider did not report completion after both signatures",
				zap.String("contract_id", c.ID), zap.String("envelope_status", string(envStatus)))
		}
		c.Status = StatusSigned
		c.FinalizedAt = &signedAt
		completed = true
	} else {
		c.Status = StatusPendingSignatures
	}

	if err := m.store.SaveSignatureState(ctx, tx, c); err != nil {
		return SignOutcome{}, err
	}
	return SignOutcome{Contract: c, Completed: completed}, nil
}

// RevisionInput is a new revision as submitted by an author.
type RevisionInput struct {
	Summary     string
	Body        string
	Submit      bool
	AuthorID    string
	Attachments []Attachment
}

// RevisionOutcome reports what CreateRevision did.
type RevisionOutcome struct {
	Revision Revision
	// Created is false when the content matched the current revision.
	Created bool
	// Submitted is true when the revision entered IN_REVIEW in this call.
	Submitted bool
}

// MatchesCurrent reports whether summary and body carry the same content
// as the negotiation's current revision.
func (m *Manager) MatchesCurrent(ctx context.Context, tx pgx.Tx, negotiationID, summary, body string) (bool, error) {
	current, err := m.store.CurrentRevision(ctx, tx, negotiationID)
	if err != nil {
		return false, err
	}
	return current != nil && current.Fingerprint == Fingerprint(summary, body), nil
}

// CreateRevision appends a new current revision, superseding the previous
// one. Content identical to the current revision creates nothing; when
// Submit is set such a draft is moved to IN_REVIEW instead.
func (m *Manager) CreateRevision(ctx context.Context, tx pgx.Tx, c Contract, in RevisionInput) (RevisionOutcome, error) {
	if strings.TrimSpace(in.Body) == "" {
		return RevisionOutcome{}, apperror.Validation("revision body is required", map[string]string{"body": "required"})
	}
	if c.Status == StatusSigned {
		return RevisionOutcome{}, ErrAlreadySigned
	}

	fingerprint := Fingerprint(in.Summary, in.Body)
	current, err := m.store.CurrentRevision(ctx, tx, c.NegotiationID)
	if err != nil {
		return RevisionOutcome{}, err
	}
	if current != nil && current.Fingerprint == fingerprint {
		if in.Submit && current.Status == RevisionDraft {
			if err := m.store.SetRevisionStatus(ctx, tx, current.ID, RevisionInReview); err != nil {
				return RevisionOutcome{}, err
			}
			current.Status = RevisionInReview
			return RevisionOutcome{Revision: *current, Submitted: true}, nil
		}
		return RevisionOutcome{Revision: *current}, nil
	}

	version, err := m.store.MaxVersion(ctx, tx, c.NegotiationID)
	if err != nil {
		return RevisionOutcome{}, err
	}
	if err := m.store.SupersedeCurrent(ctx, tx, c.NegotiationID); err != nil {
		return RevisionOutcome{}, err
	}

	status := RevisionDraft
	if in.Submit {
		status = RevisionInReview
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	rev := Revision{
		ID:            m.newID(),
		ContractID:    c.ID,
		NegotiationID: c.NegotiationID,
		Version:       version + 1,
		Status:        status,
		IsCurrent:     true,
		Summary:       strings.TrimSpace(in.Summary),
		Body:          in.Body,
		Fingerprint:   fingerprint,
		ContentHash:   ContentHash(fingerprint),
		Attachments:   attachments,
		AuthorID:      in.AuthorID,
		CreatedAt:     m.now().UTC(),
		Comments:      []Comment{},
	}
	if err := m.store.InsertRevision(ctx, tx, rev); err != nil {
		return RevisionOutcome{}, err
	}
	if err := m.store.UpdateDraftTerms(ctx, tx, c.ID, in.Body); err != nil {
		return RevisionOutcome{}, err
	}

	return RevisionOutcome{Revision: rev, Created: true, Submitted: in.Submit}, nil
}

// CommentInput is a new review comment.
type CommentInput struct {
	Body     string
	Anchor   map[string]any
	AuthorID string
}

// AddComment attaches an OPEN comment to a revision of the negotiation.
func (m *Manager) AddComment(ctx context.Context, tx pgx.Tx, negotiationID, revisionID string, in CommentInput) (Comment, error) {
	if strings.TrimSpace(in.Body) == "" {
		return Comment{}, apperror.Validation("comment body is required", map[string]string{"body": "required"})
	}
	rev, err := m.store.GetRevision(ctx, tx, negotiationID, revisionID)
	if err != nil {
		return Comment{}, err
	}

	c := Comment{
		ID:         m.newID(),
		RevisionID: rev.ID,
		Body:       strings.TrimSpace(in.Body),
		Status:     CommentOpen,
		Anchor:     in.Anchor,
		AuthorID:   in.AuthorID,
		CreatedAt:  m.now().UTC(),
	}
	if err := m.store.InsertComment(ctx, tx, c); err != nil {
		return Comment{}, err
	}
	return c, nil
}

// ResolveComment marks an OPEN comment RESOLVED.
func (m *Manager) ResolveComment(ctx context.Context, tx pgx.Tx, negotiationID, revisionID, commentID, resolverID string) (Comment, error) {
	rev, err := m.store.GetRevision(ctx, tx, negotiationID, revisionID)
	if err != nil {
		return Comment{}, err
	}
	c, err := m.store.GetCommentForUpdate(ctx, tx, rev.ID, commentID)
	if err != nil {
		return Comment{}, err
	}
	if c.Status == CommentResolved {
		return c, ErrCommentAlreadyResolved
	}

	at := m.now().UTC()
	if err := m.store.ResolveComment(ctx, tx, c.ID, resolverID, at); err != nil {
		return Comment{}, err
	}
	c.Status = CommentResolved
	c.ResolverID = &resolverID
	c.ResolvedAt = &at
	return c, nil
}

// Compare diffs two revision versions of a negotiation.
func (m *Manager) Compare(ctx context.Context, tx pgx.Tx, negotiationID string, fromVersion, toVersion int) (Diff, error) {
	from, err := m.store.GetRevisionByVersion(ctx, tx, negotiationID, fromVersion)
	if err != nil {
		return Diff{}, err
	}
	to, err := m.store.GetRevisionByVersion(ctx, tx, negotiationID, toVersion)
	if err != nil {
		return Diff{}, err
	}
	return m.diffs.Between(from, to), nil
}
