package negotiation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"tradeflow/contract"
	"tradeflow/dispute"
	"tradeflow/escrow"
	"tradeflow/events"
	"tradeflow/listing"
)

// world is the in-memory state behind every fake store. A transaction
// snapshots it on Begin and restores it on Rollback.
type world struct {
	negotiations map[string]Negotiation
	offers       []Offer
	history      map[string][]HistoryEntry
	keys         map[string]bool

	accounts     map[string]escrow.Account
	transactions []escrow.Transaction

	contracts map[string]contract.Contract
	revisions []contract.Revision
	comments  map[string]contract.Comment

	disputes      []dispute.Record
	disputeEvents map[string][]dispute.Event

	commits   int
	rollbacks int
}

func newWorld() *world {
	return &world{
		negotiations:  map[string]Negotiation{},
		history:       map[string][]HistoryEntry{},
		keys:          map[string]bool{},
		accounts:      map[string]escrow.Account{},
		contracts:     map[string]contract.Contract{},
		comments:      map[string]contract.Comment{},
		disputeEvents: map[string][]dispute.Event{},
	}
}

func (w *world) clone() world {
	c := world{
		negotiations:  make(map[string]Negotiation, len(w.negotiations)),
		offers:        append([]Offer(nil), w.offers...),
		history:       make(map[string][]HistoryEntry, len(w.history)),
		keys:          make(map[string]bool, len(w.keys)),
		accounts:      make(map[string]escrow.Account, len(w.accounts)),
		transactions:  append([]escrow.Transaction(nil), w.transactions...),
		contracts:     make(map[string]contract.Contract, len(w.contracts)),
		revisions:     append([]contract.Revision(nil), w.revisions...),
		comments:      make(map[string]contract.Comment, len(w.comments)),
		disputes:      append([]dispute.Record(nil), w.disputes...),
		disputeEvents: make(map[string][]dispute.Event, len(w.disputeEvents)),
	}
	for k, v := range w.negotiations {
		c.negotiations[k] = v
	}
	for k, v := range w.history {
		c.history[k] = append([]HistoryEntry(nil), v...)
	}
	for k, v := range w.keys {
		c.keys[k] = v
	}
	for k, v := range w.accounts {
		c.accounts[k] = v
	}
	for k, v := range w.contracts {
		c.contracts[k] = v
	}
	for k, v := range w.comments {
		c.comments[k] = v
	}
	for k, v := range w.disputeEvents {
		c.disputeEvents[k] = append([]dispute.Event(nil), v...)
	}
	return c
}

func (w *world) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{w: w, saved: w.clone()}, nil
}

type fakeTx struct {
	pgx.Tx
	w     *world
	saved world
	done  bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.done = true
	t.w.commits++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	commits, rollbacks := t.w.commits, t.w.rollbacks
	*t.w = t.saved
	t.w.commits, t.w.rollbacks = commits, rollbacks+1
	return nil
}

func (w *world) account(negotiationID string) (escrow.Account, bool) {
	for _, a := range w.accounts {
		if a.NegotiationID == negotiationID {
			return a, true
		}
	}
	return escrow.Account{}, false
}

func (w *world) notes(negotiationID string) []string {
	var out []string
	for _, h := range w.history[negotiationID] {
		out = append(out, h.Note)
	}
	return out
}

// negotiationStore implements Store.
type negotiationStore struct{ w *world }

func (s negotiationStore) Insert(_ context.Context, _ pgx.Tx, n Negotiation) error {
	s.w.negotiations[n.ID] = n
	return nil
}

func (s negotiationStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Negotiation, error) {
	n, ok := s.w.negotiations[id]
	if !ok {
		return Negotiation{}, ErrNotFound
	}
	return n, nil
}

func (s negotiationStore) Get(_ context.Context, _ pgx.Tx, id string) (*Negotiation, error) {
	n, ok := s.w.negotiations[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s negotiationStore) UpdateStatus(_ context.Context, _ pgx.Tx, id string, status Status) error {
	n := s.w.negotiations[id]
	n.Status = status
	s.w.negotiations[id] = n
	return nil
}

func (s negotiationStore) SetAgreement(_ context.Context, _ pgx.Tx, id string, price decimal.Decimal, quantity *decimal.Decimal) error {
	n := s.w.negotiations[id]
	n.AgreedPrice = &price
	n.AgreedQuantity = quantity
	s.w.negotiations[id] = n
	return nil
}

func (s negotiationStore) InsertOffer(_ context.Context, _ pgx.Tx, o Offer) error {
	s.w.offers = append(s.w.offers, o)
	return nil
}

func (s negotiationStore) LastOffer(_ context.Context, _ pgx.Tx, negotiationID string) (*Offer, error) {
	for i := len(s.w.offers) - 1; i >= 0; i-- {
		if s.w.offers[i].NegotiationID == negotiationID {
			o := s.w.offers[i]
			return &o, nil
		}
	}
	return nil, nil
}

func (s negotiationStore) ListOffers(_ context.Context, _ pgx.Tx, negotiationID string) ([]Offer, error) {
	out := []Offer{}
	for i := len(s.w.offers) - 1; i >= 0; i-- {
		if s.w.offers[i].NegotiationID == negotiationID {
			out = append(out, s.w.offers[i])
		}
	}
	return out, nil
}

func (s negotiationStore) AppendHistory(_ context.Context, _ pgx.Tx, negotiationID string, e HistoryEntry) error {
	s.w.history[negotiationID] = append(s.w.history[negotiationID], e)
	return nil
}

func (s negotiationStore) ListHistory(_ context.Context, _ pgx.Tx, negotiationID string) ([]HistoryEntry, error) {
	return append([]HistoryEntry{}, s.w.history[negotiationID]...), nil
}

func (s negotiationStore) ListFulfilment(context.Context, pgx.Tx, string) ([]FulfilmentOrder, error) {
	return []FulfilmentOrder{}, nil
}

func (s negotiationStore) ListForActor(_ context.Context, _ pgx.Tx, userID string, isAdmin bool, f ListFilter) ([]Negotiation, error) {
	out := []Negotiation{}
	for _, n := range s.w.negotiations {
		if !isAdmin && !n.Participant(userID) {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s negotiationStore) InsertIdempotencyKey(_ context.Context, _ pgx.Tx, key string) error {
	if s.w.keys[key] {
		return ErrDuplicateIdempotencyKey
	}
	s.w.keys[key] = true
	return nil
}

// escrowStore implements EscrowStore.
type escrowStore struct{ w *world }

func (s escrowStore) Create(_ context.Context, _ pgx.Tx, a escrow.Account) error {
	if _, ok := s.w.account(a.NegotiationID); ok {
		return fmt.Errorf("duplicate escrow account for %s", a.NegotiationID)
	}
	s.w.accounts[a.ID] = a
	return nil
}

func (s escrowStore) Prepare(_ context.Context, _ pgx.Tx, id string, expected decimal.Decimal, status escrow.Status) error {
	a := s.w.accounts[id]
	a.ExpectedAmount = expected
	a.Status = status
	s.w.accounts[id] = a
	return nil
}

func (s escrowStore) GetByNegotiationForUpdate(_ context.Context, _ pgx.Tx, negotiationID string) (escrow.Account, error) {
	a, ok := s.w.account(negotiationID)
	if !ok {
		return escrow.Account{}, escrow.ErrAccountNotFound
	}
	return a, nil
}

func (s escrowStore) GetByNegotiation(_ context.Context, _ pgx.Tx, negotiationID string) (*escrow.Account, error) {
	a, ok := s.w.account(negotiationID)
	if !ok {
		return nil, nil
	}
	for _, t := range s.w.transactions {
		if t.AccountID == a.ID {
			a.Transactions = append(a.Transactions, t)
		}
	}
	return &a, nil
}

func (s escrowStore) NegotiationIDByProviderReference(_ context.Context, _ pgx.Tx, reference string) (string, error) {
	for _, a := range s.w.accounts {
		if a.Reference() == reference {
			return a.NegotiationID, nil
		}
	}
	return "", escrow.ErrAccountNotFound
}

func (s escrowStore) SetProviderReference(_ context.Context, _ pgx.Tx, id, reference string) error {
	a := s.w.accounts[id]
	a.ProviderReference = &reference
	s.w.accounts[id] = a
	return nil
}

func (s escrowStore) SetStatus(_ context.Context, _ pgx.Tx, id string, status escrow.Status) error {
	a := s.w.accounts[id]
	a.Status = status
	s.w.accounts[id] = a
	return nil
}

func (s escrowStore) ApplyMovement(_ context.Context, _ pgx.Tx, id string, typ escrow.TransactionType, amount decimal.Decimal, status escrow.Status) (escrow.Account, error) {
	a := s.w.accounts[id]
	switch typ {
	case escrow.TxFund:
		a.FundedAmount = a.FundedAmount.Add(amount)
	case escrow.TxRelease:
		a.ReleasedAmount = a.ReleasedAmount.Add(amount)
	case escrow.TxRefund:
		a.RefundedAmount = a.RefundedAmount.Add(amount)
	}
	if a.FundedAmount.LessThan(a.ReleasedAmount.Add(a.RefundedAmount)) {
		return escrow.Account{}, fmt.Errorf("check constraint escrow_accounts_ledger_invariant")
	}
	a.Status = status
	s.w.accounts[id] = a
	return a, nil
}

func (s escrowStore) AppendTransaction(_ context.Context, _ pgx.Tx, t escrow.Transaction) error {
	if t.Type != escrow.TxAdjustment && t.Reference != nil {
		for _, existing := range s.w.transactions {
			if existing.AccountID == t.AccountID && existing.Type != escrow.TxAdjustment &&
				existing.Reference != nil && *existing.Reference == *t.Reference {
				return escrow.ErrDuplicateReference
			}
		}
	}
	s.w.transactions = append(s.w.transactions, t)
	return nil
}

func (s escrowStore) TransactionExists(_ context.Context, _ pgx.Tx, accountID, reference string) (bool, error) {
	for _, t := range s.w.transactions {
		if t.AccountID == accountID && t.Type != escrow.TxAdjustment && t.Reference != nil && *t.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

// contractStore implements both contract.Store and ContractStore.
type contractStore struct{ w *world }

func (s contractStore) Upsert(_ context.Context, _ pgx.Tx, c contract.Contract) (contract.Contract, error) {
	if existing, ok := s.w.contracts[c.NegotiationID]; ok {
		if existing.Status == contract.StatusSigned {
			return contract.Contract{}, contract.ErrAlreadySigned
		}
		existing.DraftTerms = c.DraftTerms
		s.w.contracts[c.NegotiationID] = existing
		return existing, nil
	}
	c.Status = contract.StatusDraft
	c.EsignParticipants = map[contract.Role]contract.Participant{}
	s.w.contracts[c.NegotiationID] = c
	return c, nil
}

func (s contractStore) SaveSignatureState(_ context.Context, _ pgx.Tx, c contract.Contract) error {
	s.w.contracts[c.NegotiationID] = c
	return nil
}

func (s contractStore) UpdateDraftTerms(_ context.Context, _ pgx.Tx, contractID, terms string) error {
	for k, c := range s.w.contracts {
		if c.ID == contractID {
			c.DraftTerms = terms
			s.w.contracts[k] = c
		}
	}
	return nil
}

func (s contractStore) MaxVersion(_ context.Context, _ pgx.Tx, negotiationID string) (int, error) {
	highest := 0
	for _, r := range s.w.revisions {
		if r.NegotiationID == negotiationID && r.Version > highest {
			highest = r.Version
		}
	}
	return highest, nil
}

func (s contractStore) CurrentRevision(_ context.Context, _ pgx.Tx, negotiationID string) (*contract.Revision, error) {
	for _, r := range s.w.revisions {
		if r.NegotiationID == negotiationID && r.IsCurrent {
			rev := r
			return &rev, nil
		}
	}
	return nil, nil
}

func (s contractStore) SupersedeCurrent(_ context.Context, _ pgx.Tx, negotiationID string) error {
	for i := range s.w.revisions {
		if s.w.revisions[i].NegotiationID == negotiationID && s.w.revisions[i].IsCurrent {
			s.w.revisions[i].IsCurrent = false
			s.w.revisions[i].Status = contract.RevisionSuperseded
		}
	}
	return nil
}

func (s contractStore) InsertRevision(_ context.Context, _ pgx.Tx, rev contract.Revision) error {
	s.w.revisions = append(s.w.revisions, rev)
	return nil
}

func (s contractStore) SetRevisionStatus(_ context.Context, _ pgx.Tx, revisionID string, status contract.RevisionStatus) error {
	for i := range s.w.revisions {
		if s.w.revisions[i].ID == revisionID {
			s.w.revisions[i].Status = status
		}
	}
	return nil
}

func (s contractStore) GetRevision(_ context.Context, _ pgx.Tx, negotiationID, revisionID string) (contract.Revision, error) {
	for _, r := range s.w.revisions {
		if r.NegotiationID == negotiationID && r.ID == revisionID {
			return r, nil
		}
	}
	return contract.Revision{}, contract.ErrRevisionNotFound
}

func (s contractStore) GetRevisionByVersion(_ context.Context, _ pgx.Tx, negotiationID string, version int) (contract.Revision, error) {
	for _, r := range s.w.revisions {
		if r.NegotiationID == negotiationID && r.Version == version {
			return r, nil
		}
	}
	return contract.Revision{}, contract.ErrRevisionNotFound
}

func (s contractStore) InsertComment(_ context.Context, _ pgx.Tx, c contract.Comment) error {
	s.w.comments[c.ID] = c
	return nil
}

func (s contractStore) GetCommentForUpdate(_ context.Context, _ pgx.Tx, revisionID, commentID string) (contract.Comment, error) {
	c, ok := s.w.comments[commentID]
	if !ok || c.RevisionID != revisionID {
		return contract.Comment{}, contract.ErrCommentNotFound
	}
	return c, nil
}

func (s contractStore) ResolveComment(_ context.Context, _ pgx.Tx, commentID, resolverID string, at time.Time) error {
	c := s.w.comments[commentID]
	c.Status = contract.CommentResolved
	c.ResolverID = &resolverID
	c.ResolvedAt = &at
	s.w.comments[commentID] = c
	return nil
}

func (s contractStore) GetByNegotiationForUpdate(_ context.Context, _ pgx.Tx, negotiationID string) (*contract.Contract, error) {
	c, ok := s.w.contracts[negotiationID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s contractStore) GetByEnvelope(_ context.Context, _ pgx.Tx, envelopeID string) (contract.Contract, error) {
	for _, c := range s.w.contracts {
		if c.EsignEnvelopeID != nil && *c.EsignEnvelopeID == envelopeID {
			return c, nil
		}
	}
	return contract.Contract{}, contract.ErrContractNotFound
}

func (s contractStore) LoadForSnapshot(_ context.Context, _ pgx.Tx, negotiationID string) (*contract.Contract, error) {
	c, ok := s.w.contracts[negotiationID]
	if !ok {
		return nil, nil
	}
	c.Revisions = []contract.Revision{}
	for _, r := range s.w.revisions {
		if r.NegotiationID == negotiationID {
			c.Revisions = append(c.Revisions, r)
		}
	}
	return &c, nil
}

// disputeStore implements dispute.Store.
type disputeStore struct{ w *world }

func (s disputeStore) Insert(_ context.Context, _ pgx.Tx, rec dispute.Record) error {
	s.w.disputes = append(s.w.disputes, rec)
	return nil
}

func (s disputeStore) GetForUpdate(_ context.Context, _ pgx.Tx, negotiationID, disputeID string) (dispute.Record, error) {
	for _, r := range s.w.disputes {
		if r.ID == disputeID && r.NegotiationID == negotiationID {
			return r, nil
		}
	}
	return dispute.Record{}, dispute.ErrNotFound
}

func (s disputeStore) FindActiveByProviderReference(_ context.Context, _ pgx.Tx, negotiationID, reference string) (*dispute.Record, error) {
	for _, r := range s.w.disputes {
		if r.NegotiationID == negotiationID && r.ProviderReference != nil && *r.ProviderReference == reference && r.Status.Active() {
			rec := r
			return &rec, nil
		}
	}
	return nil, nil
}

func (s disputeStore) CountActive(_ context.Context, _ pgx.Tx, negotiationID string) (int, error) {
	n := 0
	for _, r := range s.w.disputes {
		if r.NegotiationID == negotiationID && r.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s disputeStore) Resolve(_ context.Context, _ pgx.Tx, disputeID string, status dispute.Status, resolution string, at time.Time) error {
	for i := range s.w.disputes {
		if s.w.disputes[i].ID == disputeID {
			s.w.disputes[i].Status = status
			s.w.disputes[i].Resolution = resolution
			s.w.disputes[i].ResolvedAt = &at
		}
	}
	return nil
}

func (s disputeStore) AppendEvent(_ context.Context, _ pgx.Tx, disputeID string, ev dispute.Event) error {
	s.w.disputeEvents[disputeID] = append(s.w.disputeEvents[disputeID], ev)
	return nil
}

func (s disputeStore) MarkBreaches(context.Context, pgx.Tx, time.Time) ([]dispute.Record, error) {
	return nil, nil
}

func (s disputeStore) ListByNegotiation(_ context.Context, _ pgx.Tx, negotiationID string) ([]dispute.Record, error) {
	out := []dispute.Record{}
	for _, r := range s.w.disputes {
		if r.NegotiationID == negotiationID {
			r.Events = s.w.disputeEvents[r.ID]
			out = append(out, r)
		}
	}
	return out, nil
}

type memAttachments struct {
	keys    []string
	deleted []string
}

func (m *memAttachments) Put(_ context.Context, key, _ string, _ []byte) (string, error) {
	m.keys = append(m.keys, key)
	return "https://files.test/" + key, nil
}

func (m *memAttachments) Delete(_ context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return nil
}

// harness wires a Service over one world with a fixed clock.
type harness struct {
	w        *world
	svc      *Service
	bus      *events.Recorder
	provider *escrow.MockProvider
	files    *memAttachments
	now      time.Time
}

var testStart = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newHarness() *harness {
	h := &harness{w: newWorld(), bus: &events.Recorder{}, files: &memAttachments{}, now: testStart}
	clock := func() time.Time { return h.now }
	h.provider = escrow.NewMockProvider().WithClock(clock)

	es := escrowStore{w: h.w}
	cs := contractStore{w: h.w}
	seq := 0
	h.svc = NewService(Deps{
		Pool:      h.w,
		Store:     negotiationStore{w: h.w},
		Escrow:    es,
		Ledger:    escrow.NewLedger(h.provider, es, nil).WithClock(clock),
		Contracts: cs,
		Manager:   contract.NewManager(cs, contract.NewMockSigner(), nil, nil).WithClock(clock),
		Disputes:  dispute.NewService(disputeStore{w: h.w}, nil).WithClock(clock),
		Listings: listing.Static{
			"listing-1": {ID: "listing-1", SellerID: "seller", Currency: "EUR", Status: listing.StatusActive},
			"listing-2": {ID: "listing-2", SellerID: "seller", Currency: "EUR", Status: listing.StatusClosed},
		},
		Attachments: h.files,
		Bus:         h.bus,
		TTL:         72 * time.Hour,
	}).WithClock(clock)
	h.svc.newID = func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	return h
}

func (h *harness) negotiation(id string) Negotiation {
	return h.w.negotiations[id]
}
