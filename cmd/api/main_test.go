package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/negotiation"
	"tradeflow/reconcile"
)

const testSecret = "test-jwt-secret"

type stubEngine struct {
	result  negotiation.Result
	err     error
	items   []negotiation.Negotiation
	diff    contract.Diff
	calls   []string
	actor   auth.Actor
	money   negotiation.MoneyInput
	initIn  negotiation.InitiateInput
	from    int
	to      int
	revIn   negotiation.RevisionInput
	signIn  negotiation.SignInput
	filters []negotiation.ListFilter
}

func (s *stubEngine) record(name string, actor auth.Actor) {
	s.calls = append(s.calls, name)
	s.actor = actor
}

func (s *stubEngine) Initiate(_ context.Context, actor auth.Actor, in negotiation.InitiateInput) (negotiation.Result, error) {
	s.record("Initiate", actor)
	s.initIn = in
	return s.result, s.err
}

func (s *stubEngine) Get(_ context.Context, _ string, actor auth.Actor) (negotiation.Snapshot, error) {
	s.record("Get", actor)
	return s.result.Negotiation, s.err
}

func (s *stubEngine) List(_ context.Context, actor auth.Actor, f negotiation.ListFilter) ([]negotiation.Negotiation, error) {
	s.record("List", actor)
	s.filters = append(s.filters, f)
	return s.items, s.err
}

func (s *stubEngine) Counter(_ context.Context, _ string, actor auth.Actor, _ negotiation.OfferInput) (negotiation.Result, error) {
	s.record("Counter", actor)
	return s.result, s.err
}

func (s *stubEngine) Accept(_ context.Context, _ string, actor auth.Actor, _ negotiation.AcceptInput) (negotiation.Result, error) {
	s.record("Accept", actor)
	return s.result, s.err
}

func (s *stubEngine) Sign(_ context.Context, _ string, actor auth.Actor, in negotiation.SignInput) (negotiation.Result, error) {
	s.record("Sign", actor)
	s.signIn = in
	return s.result, s.err
}

func (s *stubEngine) Fund(_ context.Context, _ string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error) {
	s.record("Fund", actor)
	s.money = in
	return s.result, s.err
}

func (s *stubEngine) Release(_ context.Context, _ string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error) {
	s.record("Release", actor)
	s.money = in
	return s.result, s.err
}

func (s *stubEngine) Refund(_ context.Context, _ string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error) {
	s.record("Refund", actor)
	s.money = in
	return s.result, s.err
}

func (s *stubEngine) Cancel(_ context.Context, _ string, actor auth.Actor, _ negotiation.CancelInput) (negotiation.Result, error) {
	s.record("Cancel", actor)
	return s.result, s.err
}

func (s *stubEngine) CreateRevision(_ context.Context, _ string, actor auth.Actor, in negotiation.RevisionInput) (negotiation.Result, error) {
	s.record("CreateRevision", actor)
	s.revIn = in
	return s.result, s.err
}

func (s *stubEngine) AddRevisionComment(_ context.Context, _, _ string, actor auth.Actor, _ negotiation.CommentInput) (negotiation.Result, error) {
	s.record("AddRevisionComment", actor)
	return s.result, s.err
}

func (s *stubEngine) ResolveRevisionComment(_ context.Context, _, _, _ string, actor auth.Actor) (negotiation.Result, error) {
	s.record("ResolveRevisionComment", actor)
	return s.result, s.err
}

func (s *stubEngine) CompareRevisions(_ context.Context, _ string, actor auth.Actor, from, to int) (contract.Diff, error) {
	s.record("CompareRevisions", actor)
	s.from, s.to = from, to
	return s.diff, s.err
}

func (s *stubEngine) OpenDispute(_ context.Context, _ string, actor auth.Actor, _ negotiation.DisputeInput) (negotiation.Result, error) {
	s.record("OpenDispute", actor)
	return s.result, s.err
}

func (s *stubEngine) ResolveDispute(_ context.Context, _, _ string, actor auth.Actor, _ negotiation.ResolveDisputeInput) (negotiation.Result, error) {
	s.record("ResolveDispute", actor)
	return s.result, s.err
}

type stubReconciler struct {
	results []reconcile.Result
	runs    int
}

func (s *stubReconciler) RunOnce(context.Context) ([]reconcile.Result, error) {
	s.runs++
	return s.results, nil
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

func newTestServer(engine *stubEngine) *Server {
	return &Server{
		negotiations: engine,
		verifier:     auth.NewVerifier(testSecret),
	}
}

func token(t *testing.T, actor auth.Actor) string {
	t.Helper()
	tok, err := auth.NewVerifier(testSecret).Issue(actor, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func do(t *testing.T, s *Server, method, target, body string, actor *auth.Actor) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, *actor))
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return out
}

var buyer = auth.Actor{UserID: "buyer-1"}

func TestAPI_RequiresBearerToken(t *testing.T) {
	engine := &stubEngine{}
	rec := do(t, newTestServer(engine), http.MethodGet, "/api/negotiations/n-1", "", nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Error.Code; got != "UNAUTHENTICATED" {
		t.Fatalf("code = %s", got)
	}
	if len(engine.calls) != 0 {
		t.Fatalf("engine called: %v", engine.calls)
	}
}

func TestAPI_ActorReachesEngine(t *testing.T) {
	engine := &stubEngine{result: negotiation.Result{
		Negotiation: negotiation.Snapshot{Negotiation: negotiation.Negotiation{ID: "n-1", Status: negotiation.StatusEscrowFunded}},
		Message:     "Escrow funded",
	}}
	rec := do(t, newTestServer(engine), http.MethodPost, "/api/negotiations/n-1/escrow/fund", `{"amount":"60.00","reference":"wire-1"}`, &buyer)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.actor.UserID != "buyer-1" || engine.actor.IsAdmin {
		t.Fatalf("actor = %+v", engine.actor)
	}
	if !engine.money.Amount.Equal(decimal.RequireFromString("60")) || engine.money.Reference != "wire-1" {
		t.Fatalf("money input = %+v", engine.money)
	}

	var payload struct {
		Negotiation struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"negotiation"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Negotiation.ID != "n-1" || payload.Negotiation.Status != "ESCROW_FUNDED" || payload.Message != "Escrow funded" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestAPI_InitiateReturnsCreated(t *testing.T) {
	engine := &stubEngine{}
	rec := do(t, newTestServer(engine), http.MethodPost, "/api/negotiations", `{"listingId":"l-1","price":10,"quantity":"5"}`, &buyer)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.initIn.ListingID != "l-1" || !engine.initIn.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("input = %+v", engine.initIn)
	}
	if engine.initIn.Quantity == nil || !engine.initIn.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("quantity = %v", engine.initIn.Quantity)
	}
}

func TestAPI_ValidationErrorsNameFields(t *testing.T) {
	engine := &stubEngine{}
	rec := do(t, newTestServer(engine), http.MethodPost, "/api/negotiations/n-1/disputes", `{"category":"quality","severity":"URGENT"}`, &buyer)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Code != "VALIDATION_FAILED" {
		t.Fatalf("code = %s", body.Error.Code)
	}
	for _, field := range []string{"severity", "summary"} {
		if _, ok := body.Error.Details[field]; !ok {
			t.Fatalf("details %v missing %s", body.Error.Details, field)
		}
	}
	if len(engine.calls) != 0 {
		t.Fatalf("engine called: %v", engine.calls)
	}
}

func TestAPI_MalformedBody(t *testing.T) {
	rec := do(t, newTestServer(&stubEngine{}), http.MethodPost, "/api/negotiations/n-1/counter", `{"price":`, &buyer)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPI_DomainErrorKeepsCodeAndDetails(t *testing.T) {
	bound := apperror.New(http.StatusBadRequest, "ESCROW_AMOUNT_EXCEEDS_AVAILABLE", "amount exceeds available escrow")
	engine := &stubEngine{err: bound.WithDetails(map[string]any{"available": "60.00"})}
	rec := do(t, newTestServer(engine), http.MethodPost, "/api/negotiations/n-1/escrow/release", `{"amount":"100"}`, &buyer)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Code != "ESCROW_AMOUNT_EXCEEDS_AVAILABLE" || body.Error.Details["available"] != "60.00" {
		t.Fatalf("body = %+v", body)
	}
}

func TestAPI_UnexpectedErrorIsOpaque(t *testing.T) {
	engine := &stubEngine{err: errors.New("pq: connection refused to 10.0.0.3")}
	rec := do(t, newTestServer(engine), http.MethodGet, "/api/negotiations/n-1", "", &buyer)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Code != "INTERNAL_ERROR" || strings.Contains(rec.Body.String(), "10.0.0.3") {
		t.Fatalf("leaked internals: %s", rec.Body.String())
	}
}

func TestAPI_ListPassesPaging(t *testing.T) {
	engine := &stubEngine{items: []negotiation.Negotiation{{ID: "n-1"}, {ID: "n-2"}}}
	rec := do(t, newTestServer(engine), http.MethodGet, "/api/negotiations?status=COUNTERING&limit=2&offset=4", "", &buyer)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f := engine.filters[0]
	if f.Status != negotiation.StatusCountering || f.Limit != 2 || f.Offset != 4 {
		t.Fatalf("filter = %+v", f)
	}
	var payload struct {
		Items []negotiation.Negotiation `json:"items"`
		Total int                       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Total != 2 || payload.Items[1].ID != "n-2" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestAPI_ListRejectsBadLimit(t *testing.T) {
	rec := do(t, newTestServer(&stubEngine{}), http.MethodGet, "/api/negotiations?limit=abc", "", &buyer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAPI_CompareRevisions(t *testing.T) {
	engine := &stubEngine{diff: contract.Diff{Summary: contract.Summary{Modified: 1}}}
	rec := do(t, newTestServer(engine), http.MethodGet, "/api/negotiations/n-1/revisions/compare?from=1&to=2", "", &buyer)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.from != 1 || engine.to != 2 {
		t.Fatalf("from/to = %d/%d", engine.from, engine.to)
	}

	rec = do(t, newTestServer(engine), http.MethodGet, "/api/negotiations/n-1/revisions/compare?from=1", "", &buyer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing to: expected 400, got %d", rec.Code)
	}
}

func TestAPI_CreateRevisionDecodesAttachments(t *testing.T) {
	engine := &stubEngine{}
	body := `{"body":"1. Price is 12 EUR","submit":true,"attachments":[{"name":"terms.txt","contentType":"text/plain","data":"aGVsbG8="}]}`
	rec := do(t, newTestServer(engine), http.MethodPost, "/api/negotiations/n-1/revisions", body, &buyer)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !engine.revIn.Submit || len(engine.revIn.Attachments) != 1 || string(engine.revIn.Attachments[0].Data) != "hello" {
		t.Fatalf("revision input = %+v", engine.revIn)
	}
}

func TestAPI_SignAcceptsEmptyBody(t *testing.T) {
	engine := &stubEngine{}
	rec := do(t, newTestServer(engine), http.MethodPost, "/api/negotiations/n-1/sign", "", &buyer)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.signIn.Role != "" {
		t.Fatalf("role = %q", engine.signIn.Role)
	}
}

func TestAPI_ReconcileIsAdminOnly(t *testing.T) {
	recon := &stubReconciler{results: []reconcile.Result{{NegotiationID: "n-1", ReconciliationStatus: "MATCHED"}}}
	s := newTestServer(&stubEngine{})
	s.reconciler = recon

	rec := do(t, s, http.MethodPost, "/admin/reconciliation/run", "", &buyer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("participant: expected 403, got %d", rec.Code)
	}

	admin := auth.Actor{UserID: "ops", IsAdmin: true}
	rec = do(t, s, http.MethodPost, "/admin/reconciliation/run", "", &admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rec.Code)
	}
	var payload struct {
		Results []reconcile.Result `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if recon.runs != 1 || len(payload.Results) != 1 || payload.Results[0].ReconciliationStatus != "MATCHED" {
		t.Fatalf("runs = %d payload = %+v", recon.runs, payload)
	}
}

func TestAPI_Healthz(t *testing.T) {
	s := newTestServer(&stubEngine{})
	s.db = stubPinger{}
	if rec := do(t, s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	s.db = stubPinger{err: errors.New("down")}
	if rec := do(t, s, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAPI_UnknownRouteUsesErrorEnvelope(t *testing.T) {
	rec := do(t, newTestServer(&stubEngine{}), http.MethodGet, "/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Error.Code; got != "NOT_FOUND" {
		t.Fatalf("code = %s", got)
	}
}
