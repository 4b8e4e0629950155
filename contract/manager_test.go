package contract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

type memStore struct {
	contracts map[string]Contract
	revisions []Revision
	comments  map[string]Comment
}

func newMemStore() *memStore {
	return &memStore{contracts: map[string]Contract{}, comments: map[string]Comment{}}
}

func (s *memStore) Upsert(_ context.Context, _ pgx.Tx, c Contract) (Contract, error) {
	for id, existing := range s.contracts {
		if existing.NegotiationID == c.NegotiationID {
			if existing.Status == StatusSigned {
				return Contract{}, ErrAlreadySigned
			}
			existing.DraftTerms = c.DraftTerms
			s.contracts[id] = existing
			return existing, nil
		}
	}
	c.EsignParticipants = map[Role]Participant{}
	s.contracts[c.ID] = c
	return c, nil
}

func (s *memStore) SaveSignatureState(_ context.Context, _ pgx.Tx, c Contract) error {
	s.contracts[c.ID] = c
	return nil
}

func (s *memStore) UpdateDraftTerms(_ context.Context, _ pgx.Tx, id, terms string) error {
	c := s.contracts[id]
	c.DraftTerms = terms
	s.contracts[id] = c
	return nil
}

func (s *memStore) MaxVersion(_ context.Context, _ pgx.Tx, negotiationID string) (int, error) {
	max := 0
	for _, r := range s.revisions {
		if r.NegotiationID == negotiationID && r.Version > max {
			max = r.Version
		}
	}
	return max, nil
}

func (s *memStore) CurrentRevision(_ context.Context, _ pgx.Tx, negotiationID string) (*Revision, error) {
	for _, r := range s.revisions {
		if r.NegotiationID == negotiationID && r.IsCurrent {
			rev := r
			return &rev, nil
		}
	}
	return nil, nil
}

func (s *memStore) SupersedeCurrent(_ context.Context, _ pgx.Tx, negotiationID string) error {
	for i := range s.revisions {
		if s.revisions[i].NegotiationID == negotiationID && s.revisions[i].IsCurrent {
			s.revisions[i].IsCurrent = false
			s.revisions[i].Status = RevisionSuperseded
		}
	}
	return nil
}

func (s *memStore) InsertRevision(_ context.Context, _ pgx.Tx, rev Revision) error {
	for _, r := range s.revisions {
		if r.NegotiationID == rev.NegotiationID && (r.Version == rev.Version || (r.IsCurrent && rev.IsCurrent)) {
			return ErrVersionConflict
		}
	}
	s.revisions = append(s.revisions, rev)
	return nil
}

func (s *memStore) SetRevisionStatus(_ context.Context, _ pgx.Tx, id string, status RevisionStatus) error {
	for i := range s.revisions {
		if s.revisions[i].ID == id {
			s.revisions[i].Status = status
		}
	}
	return nil
}

func (s *memStore) GetRevision(_ context.Context, _ pgx.Tx, negotiationID, revisionID string) (Revision, error) {
	for _, r := range s.revisions {
		if r.NegotiationID == negotiationID && r.ID == revisionID {
			return r, nil
		}
	}
	return Revision{}, ErrRevisionNotFound
}

func (s *memStore) GetRevisionByVersion(_ context.Context, _ pgx.Tx, negotiationID string, version int) (Revision, error) {
	for _, r := range s.revisions {
		if r.NegotiationID == negotiationID && r.Version == version {
			return r, nil
		}
	}
	return Revision{}, ErrRevisionNotFound
}

func (s *memStore) InsertComment(_ context.Context, _ pgx.Tx, c Comment) error {
	s.comments[c.ID] = c
	return nil
}

func (s *memStore) GetCommentForUpdate(_ context.Context, _ pgx.Tx, revisionID, commentID string) (Comment, error) {
	c, ok := s.comments[commentID]
	if !ok || c.RevisionID != revisionID {
		return Comment{}, ErrCommentNotFound
	}
	return c, nil
}

func (s *memStore) ResolveComment(_ context.Context, _ pgx.Tx, commentID, resolverID string, at time.Time) error {
	c := s.comments[commentID]
	c.Status = CommentResolved
	c.ResolverID = &resolverID
	c.ResolvedAt = &at
	s.comments[commentID] = c
	return nil
}

func newTestManager(store *memStore) *Manager {
	seq := 0
	cache, _ := NewDiffCache(8)
	return NewManager(store, NewMockSigner(), cache, nil).
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		})
}

func TestCreateRevision_FirstSubmittedRevisionIsVersionOneInReview(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	c, err := m.Draft(context.Background(), nil, "neg-1", "initial terms")
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	out, err := m.CreateRevision(context.Background(), nil, c, RevisionInput{Summary: "v1", Body: "1. Deliver.", Submit: true, AuthorID: "buyer"})
	if err != nil {
		t.Fatalf("create revision: %v", err)
	}
	if !out.Created || !out.Submitted {
		t.Fatalf("expected created and submitted, got %+v", out)
	}
	if out.Revision.Version != 1 || out.Revision.Status != RevisionInReview || !out.Revision.IsCurrent {
		t.Fatalf("unexpected revision %+v", out.Revision)
	}
	if store.contracts[c.ID].DraftTerms != "1. Deliver." {
		t.Fatalf("expected draft terms to follow the revision body")
	}
	if len(out.Revision.ContentHash) != 32 {
		t.Fatalf("expected a 32-byte content hash")
	}
}

func TestCreateRevision_KeepsExactlyOneCurrent(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	c, _ := m.Draft(context.Background(), nil, "neg-1", "")

	for i := 1; i <= 4; i++ {
		out, err := m.CreateRevision(context.Background(), nil, c, RevisionInput{Body: fmt.Sprintf("1. Clause %d.", i), AuthorID: "seller"})
		if err != nil {
			t.Fatalf("revision %d: %v", i, err)
		}
		if out.Revision.Version != i {
			t.Fatalf("expected version %d, got %d", i, out.Revision.Version)
		}
	}

	current := 0
	versions := []int{}
	for _, r := range store.revisions {
		versions = append(versions, r.Version)
		if r.IsCurrent {
			current++
			if r.Version != 4 {
				t.Fatalf("expected latest revision current, got version %d", r.Version)
			}
		} else if r.Status != RevisionSuperseded {
			t.Fatalf("expected superseded, got %s", r.Status)
		}
	}
	if current != 1 {
		t.Fatalf("expected exactly one current revision, got %d", current)
	}
	if !sort.IntsAreSorted(versions) {
		t.Fatalf("versions not monotonic: %v", versions)
	}
}

func TestCreateRevision_DuplicateContentCreatesNothing(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	c, _ := m.Draft(context.Background(), nil, "neg-1", "")

	if _, err := m.CreateRevision(context.Background(), nil, c, RevisionInput{Summary: "Price", Body: "1. Pay 10.", AuthorID: "buyer"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	out, err := m.CreateRevision(context.Background(), nil, c, RevisionInput{Summary: " Price ", Body: "1.  Pay   10.\n", AuthorID: "buyer"})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if out.Created || out.Submitted || len(store.revisions) != 1 {
		t.Fatalf("expected no new revision, got %+v (%d stored)", out, len(store.revisions))
	}

	out, err = m.CreateRevision(context.Background(), nil, c, RevisionInput{Summary: "Price", Body: "1. Pay 10.", Submit: true, AuthorID: "buyer"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Created || !out.Submitted || out.Revision.Status != RevisionInReview {
		t.Fatalf("expected draft promoted to review, got %+v", out)
	}
}

func TestSign_CompletesOnceWithBothRoles(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	c, _ := m.Draft(context.Background(), nil, "neg-1", "terms")
	signers := map[Role]string{RoleBuyer: "buyer-1", RoleSeller: "seller-1"}

	first, err := m.Sign(context.Background(), nil, c, RoleBuyer, signers)
	if err != nil {
		t.Fatalf("buyer sign: %v", err)
	}
	if first.Completed || first.Contract.Status != StatusPendingSignatures || first.Contract.EsignEnvelopeID == nil {
		t.Fatalf("unexpected first outcome %+v", first)
	}

	again, err := m.Sign(context.Background(), nil, first.Contract, RoleBuyer, signers)
	if err != nil || !again.AlreadySigned {
		t.Fatalf("expected repeated signature to be a no-op, got %+v %v", again, err)
	}

	second, err := m.Sign(context.Background(), nil, first.Contract, RoleSeller, signers)
	if err != nil {
		t.Fatalf("seller sign: %v", err)
	}
	if !second.Completed || second.Contract.Status != StatusSigned || second.Contract.FinalizedAt == nil {
		t.Fatalf("expected completion, got %+v", second)
	}
	if second.Contract.EsignParticipants[RoleSeller].Status != ParticipantSigned {
		t.Fatalf("expected seller participant signed")
	}

	if _, err := m.Sign(context.Background(), nil, second.Contract, RoleSeller, signers); !errors.Is(err, ErrAlreadySigned) {
		t.Fatalf("expected ErrAlreadySigned after completion, got %v", err)
	}
}

type failingSigner struct{}

func (failingSigner) IssueEnvelope(context.Context, IssueRequest) (Envelope, error) {
	return Envelope{}, errors.New("provider down")
}

func (failingSigner) RecordSignature(context.Context, string, Role, time.Time) (EnvelopeStatus, error) {
	return "", errors.New("provider down")
}

func TestSign_ProviderFailureIsEsignFailed(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, failingSigner{}, nil, nil)
	c, _ := m.Draft(context.Background(), nil, "neg-1", "terms")

	_, err := m.Sign(context.Background(), nil, c, RoleBuyer, nil)
	if !errors.Is(err, ErrEsignFailed) {
		t.Fatalf("expected ErrEsignFailed, got %v", err)
	}
	if store.contracts[c.ID].Status != StatusDraft {
		t.Fatalf("contract must not change on provider failure")
	}
}

func TestComments_AddAndResolve(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	c, _ := m.Draft(context.Background(), nil, "neg-1", "")
	out, _ := m.CreateRevision(context.Background(), nil, c, RevisionInput{Body: "1. Pay.", AuthorID: "buyer"})

	comment, err := m.AddComment(context.Background(), nil, "neg-1", out.Revision.ID, CommentInput{
		Body: "Clarify currency", Anchor: map[string]any{"clause": 1, "offset": 3}, AuthorID: "seller",
	})
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if comment.Status != CommentOpen {
		t.Fatalf("expected OPEN comment")
	}

	if _, err := m.AddComment(context.Background(), nil, "neg-2", out.Revision.ID, CommentInput{Body: "x", AuthorID: "seller"}); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected revisions to be scoped to their negotiation, got %v", err)
	}

	resolved, err := m.ResolveComment(context.Background(), nil, "neg-1", out.Revision.ID, comment.ID, "buyer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != CommentResolved || resolved.ResolverID == nil || *resolved.ResolverID != "buyer" {
		t.Fatalf("unexpected resolved comment %+v", resolved)
	}

	if _, err := m.ResolveComment(context.Background(), nil, "neg-1", out.Revision.ID, comment.ID, "buyer"); !errors.Is(err, ErrCommentAlreadyResolved) {
		t.Fatalf("expected ErrCommentAlreadyResolved, got %v", err)
	}
}

func TestCompareVersions(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	c, _ := m.Draft(context.Background(), nil, "neg-1", "")
	_, _ = m.CreateRevision(context.Background(), nil, c, RevisionInput{Body: "1. Pay 10.\n\n2. Ship.", AuthorID: "buyer"})
	_, _ = m.CreateRevision(context.Background(), nil, c, RevisionInput{Body: "1. Pay 12.\n\n2. Ship.", AuthorID: "seller"})

	d, err := m.Compare(context.Background(), nil, "neg-1", 1, 2)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if d.Summary != (Summary{Modified: 1, Unchanged: 1}) {
		t.Fatalf("unexpected summary %+v", d.Summary)
	}

	if _, err := m.Compare(context.Background(), nil, "neg-1", 1, 9); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected ErrRevisionNotFound, got %v", err)
	}
}
