package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tradeflow/db"
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const contractColumns = `id::text, negotiation_id::text, status, draft_terms, document_url, buyer_signed_at,
       seller_signed_at, finalized_at, esign_envelope_id, esign_document_id, esign_participants,
       created_at, updated_at`

const revisionColumns = `id::text, contract_id::text, negotiation_id::text, version, status, is_current,
       summary, body, fingerprint, content_hash, attachments, author_id, created_at`

const commentColumns = `id::text, revision_id::text, body, status, anchor, author_id, resolver_id, created_at, resolved_at`

func scanContract(row pgx.Row) (Contract, error) {
	var (
		c            Contract
		participants []byte
	)
	err := row.Scan(
		&c.ID, &c.NegotiationID, &c.Status, &c.DraftTerms, &c.DocumentURL, &c.BuyerSignedAt,
		&c.SellerSignedAt, &c.FinalizedAt, &c.EsignEnvelopeID, &c.EsignDocumentID, &participants,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Contract{}, err
	}
	c.EsignParticipants = map[Role]Participant{}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &c.EsignParticipants); err != nil {
			return Contract{}, fmt.Errorf("contract: decode participants: %w", err)
		}
	}
	c.Revisions = []Revision{}
	return c, nil
}

func scanRevision(row pgx.Row) (Revision, error) {
	var (
		r           Revision
		attachments []byte
	)
	err := row.Scan(
		&r.ID, &r.ContractID, &r.NegotiationID, &r.Version, &r.Status, &r.IsCurrent,
		&r.Summary, &r.Body, &r.Fingerprint, &r.ContentHash, &attachments, &r.AuthorID, &r.CreatedAt,
	)
	if err != nil {
		return Revision{}, err
	}
	r.Attachments = []Attachment{}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return Revision{}, fmt.Errorf("contract: decode attachments: %w", err)
		}
	}
	r.Comments = []Comment{}
	return r, nil
}

func scanComment(row pgx.Row) (Comment, error) {
	var (
		c      Comment
		anchor []byte
	)
	if err := row.Scan(&c.ID, &c.RevisionID, &c.Body, &c.Status, &anchor, &c.AuthorID, &c.ResolverID, &c.CreatedAt, &c.ResolvedAt); err != nil {
		return Comment{}, err
	}
	if len(anchor) > 0 {
		if err := json.Unmarshal(anchor, &c.Anchor); err != nil {
			return Comment{}, fmt.Errorf("contract: decode anchor: %w", err)
		}
	}
	return c, nil
}

// Upsert creates the negotiation's contract in DRAFT, or refreshes the
// draft terms of an unsigned one.
func (r *Repository) Upsert(ctx context.Context, tx pgx.Tx, c Contract) (Contract, error) {
	query := `
INSERT INTO contracts (id, negotiation_id, status, draft_terms)
VALUES ($1, $2, $3, $4)
ON CONFLICT (negotiation_id) DO UPDATE
SET draft_terms = EXCLUDED.draft_terms, updated_at = now()
WHERE contracts.status <> 'SIGNED'
RETURNING ` + contractColumns

	out, err := scanContract(tx.QueryRow(ctx, query, c.ID, c.NegotiationID, StatusDraft, c.DraftTerms))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrAlreadySigned
		}
		return Contract{}, fmt.Errorf("contract: upsert: %w", err)
	}
	return out, nil
}

// GetByNegotiationForUpdate locks the negotiation's contract. It returns
// nil when none exists yet.
func (r *Repository) GetByNegotiationForUpdate(ctx context.Context, tx pgx.Tx, negotiationID string) (*Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE negotiation_id = $1 FOR UPDATE`
	c, err := scanContract(tx.QueryRow(ctx, query, negotiationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: select by negotiation: %w", err)
	}
	return &c, nil
}

// GetByEnvelope returns the contract for an e-sign envelope without locking.
func (r *Repository) GetByEnvelope(ctx context.Context, tx pgx.Tx, envelopeID string) (Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE esign_envelope_id = $1`
	c, err := scanContract(tx.QueryRow(ctx, query, envelopeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrContractNotFound
		}
		return Contract{}, fmt.Errorf("contract: select by envelope: %w", err)
	}
	return c, nil
}

// SaveSignatureState persists status, envelope fields and signature stamps.
func (r *Repository) SaveSignatureState(ctx context.Context, tx pgx.Tx, c Contract) error {
	participants, err := json.Marshal(c.EsignParticipants)
	if err != nil {
		return fmt.Errorf("contract: marshal participants: %w", err)
	}

	const updateSQL = `
UPDATE contracts
SET status = $2,
    document_url = $3,
    buyer_signed_at = $4,
    seller_signed_at = $5,
    finalized_at = $6,
    esign_envelope_id = $7,
    esign_document_id = $8,
    esign_participants = $9,
    updated_at = now()
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, c.ID, c.Status, c.DocumentURL, c.BuyerSignedAt, c.SellerSignedAt,
		c.FinalizedAt, c.EsignEnvelopeID, c.EsignDocumentID, participants); err != nil {
		return fmt.Errorf("contract: save signature state: %w", err)
	}
	return nil
}

func (r *Repository) UpdateDraftTerms(ctx context.Context, tx pgx.Tx, contractID, terms string) error {
	const updateSQL = `UPDATE contracts SET draft_terms = $2, updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, contractID, terms); err != nil {
		return fmt.Errorf("contract: update draft terms: %w", err)
	}
	return nil
}

// MaxVersion returns the highest revision version, or 0.
func (r *Repository) MaxVersion(ctx context.Context, tx pgx.Tx, negotiationID string) (int, error) {
	var version int
	const query = `SELECT COALESCE(MAX(version), 0) FROM contract_revisions WHERE negotiation_id = $1`
	if err := tx.QueryRow(ctx, query, negotiationID).Scan(&version); err != nil {
		return 0, fmt.Errorf("contract: max revision version: %w", err)
	}
	return version, nil
}

// CurrentRevision returns the current revision, or nil.
func (r *Repository) CurrentRevision(ctx context.Context, tx pgx.Tx, negotiationID string) (*Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM contract_revisions WHERE negotiation_id = $1 AND is_current`
	rev, err := scanRevision(tx.QueryRow(ctx, query, negotiationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: select current revision: %w", err)
	}
	return &rev, nil
}

// SupersedeCurrent demotes the current revision, if any.
func (r *Repository) SupersedeCurrent(ctx context.Context, tx pgx.Tx, negotiationID string) error {
	const updateSQL = `
UPDATE contract_revisions
SET is_current = false, status = 'SUPERSEDED'
WHERE negotiation_id = $1 AND is_current;
`
	if _, err := tx.Exec(ctx, updateSQL, negotiationID); err != nil {
		return fmt.Errorf("contract: supersede current revision: %w", err)
	}
	return nil
}

func (r *Repository) InsertRevision(ctx context.Context, tx pgx.Tx, rev Revision) error {
	attachments := rev.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	attachmentBytes, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("contract: marshal attachments: %w", err)
	}

	const insertSQL = `
INSERT INTO contract_revisions
    (id, contract_id, negotiation_id, version, status, is_current, summary, body, fingerprint, content_hash, attachments, author_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
`
	if _, err := tx.Exec(ctx, insertSQL, rev.ID, rev.ContractID, rev.NegotiationID, rev.Version, rev.Status, rev.IsCurrent,
		rev.Summary, rev.Body, rev.Fingerprint, rev.ContentHash, attachmentBytes, rev.AuthorID); err != nil {
		if db.IsUniqueViolation(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("contract: insert revision: %w", err)
	}
	return nil
}

func (r *Repository) SetRevisionStatus(ctx context.Context, tx pgx.Tx, revisionID string, status RevisionStatus) error {
	const updateSQL = `UPDATE contract_revisions SET status = $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, revisionID, status); err != nil {
		return fmt.Errorf("contract: set revision status: %w", err)
	}
	return nil
}

// GetRevision returns a revision scoped to its negotiation.
func (r *Repository) GetRevision(ctx context.Context, tx pgx.Tx, negotiationID, revisionID string) (Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM contract_revisions WHERE negotiation_id = $1 AND id::text = $2`
	rev, err := scanRevision(tx.QueryRow(ctx, query, negotiationID, revisionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Revision{}, ErrRevisionNotFound
		}
		return Revision{}, fmt.Errorf("contract: select revision: %w", err)
	}
	return rev, nil
}

func (r *Repository) GetRevisionByVersion(ctx context.Context, tx pgx.Tx, negotiationID string, version int) (Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM contract_revisions WHERE negotiation_id = $1 AND version = $2`
	rev, err := scanRevision(tx.QueryRow(ctx, query, negotiationID, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Revision{}, ErrRevisionNotFound
		}
		return Revision{}, fmt.Errorf("contract: select revision by version: %w", err)
	}
	return rev, nil
}

func (r *Repository) InsertComment(ctx context.Context, tx pgx.Tx, c Comment) error {
	var anchor []byte
	if c.Anchor != nil {
		var err error
		if anchor, err = json.Marshal(c.Anchor); err != nil {
			return fmt.Errorf("contract: marshal anchor: %w", err)
		}
	}

	const insertSQL = `
INSERT INTO contract_revision_comments (id, revision_id, body, status, anchor, author_id)
VALUES ($1, $2, $3, $4, $5, $6);
`
	if _, err := tx.Exec(ctx, insertSQL, c.ID, c.RevisionID, c.Body, c.Status, anchor, c.AuthorID); err != nil {
		return fmt.Errorf("contract: insert comment: %w", err)
	}
	return nil
}

func (r *Repository) GetCommentForUpdate(ctx context.Context, tx pgx.Tx, revisionID, commentID string) (Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM contract_revision_comments WHERE revision_id = $1 AND id::text = $2 FOR UPDATE`
	c, err := scanComment(tx.QueryRow(ctx, query, revisionID, commentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Comment{}, ErrCommentNotFound
		}
		return Comment{}, fmt.Errorf("contract: select comment: %w", err)
	}
	return c, nil
}

func (r *Repository) ResolveComment(ctx context.Context, tx pgx.Tx, commentID, resolverID string, at time.Time) error {
	const updateSQL = `
UPDATE contract_revision_comments
SET status = 'RESOLVED', resolver_id = $2, resolved_at = $3
WHERE id = $1;
`
	if _, err := tx.Exec(ctx, updateSQL, commentID, resolverID, at); err != nil {
		return fmt.Errorf("contract: resolve comment: %w", err)
	}
	return nil
}

// LoadForSnapshot returns the contract with its revisions (newest first)
// and their comments, or nil when no contract exists.
func (r *Repository) LoadForSnapshot(ctx context.Context, tx pgx.Tx, negotiationID string) (*Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE negotiation_id = $1`
	c, err := scanContract(tx.QueryRow(ctx, query, negotiationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("contract: select for snapshot: %w", err)
	}

	revs, err := r.listRevisions(ctx, tx, negotiationID)
	if err != nil {
		return nil, err
	}
	comments, err := r.listComments(ctx, tx, negotiationID)
	if err != nil {
		return nil, err
	}
	for i := range revs {
		if cs, ok := comments[revs[i].ID]; ok {
			revs[i].Comments = cs
		}
	}
	c.Revisions = revs
	return &c, nil
}

func (r *Repository) listRevisions(ctx context.Context, tx pgx.Tx, negotiationID string) ([]Revision, error) {
	query := `SELECT ` + revisionColumns + ` FROM contract_revisions WHERE negotiation_id = $1 ORDER BY version DESC`
	rows, err := tx.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("contract: list revisions: %w", err)
	}
	defer rows.Close()

	out := []Revision{}
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (r *Repository) listComments(ctx context.Context, tx pgx.Tx, negotiationID string) (map[string][]Comment, error) {
	query := `
SELECT c.id::text, c.revision_id::text, c.body, c.status, c.anchor, c.author_id, c.resolver_id, c.created_at, c.resolved_at
FROM contract_revision_comments c
JOIN contract_revisions r ON r.id = c.revision_id
WHERE r.negotiation_id = $1
ORDER BY c.created_at, c.id`
	rows, err := tx.Query(ctx, query, negotiationID)
	if err != nil {
		return nil, fmt.Errorf("contract: list comments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Comment)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan comment: %w", err)
		}
		out[c.RevisionID] = append(out[c.RevisionID], c)
	}
	return out, rows.Err()
}
