package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"tradeflow/apperror"
	"tradeflow/auth"
	"tradeflow/contract"
	"tradeflow/dispute"
	"tradeflow/negotiation"
	"tradeflow/reconcile"
)

type initiateRequest struct {
	ListingID   string           `json:"listingId" validate:"required"`
	Price       decimal.Decimal  `json:"price"`
	Quantity    *decimal.Decimal `json:"quantity"`
	Message     string           `json:"message" validate:"max=2000"`
	ExpiresAt   *time.Time       `json:"expiresAt"`
	Notes       string           `json:"notes" validate:"max=2000"`
	PremiumTier string           `json:"premiumTier"`
}

type offerRequest struct {
	Price    decimal.Decimal  `json:"price"`
	Quantity *decimal.Decimal `json:"quantity"`
	Message  string           `json:"message" validate:"max=2000"`
}

type acceptRequest struct {
	Message string `json:"message" validate:"max=2000"`
}

type signRequest struct {
	Role string `json:"role" validate:"omitempty,oneof=BUYER SELLER"`
}

type moneyRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"max=200"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

type attachmentRequest struct {
	Name        string `json:"name" validate:"required"`
	ContentType string `json:"contentType"`
	// Data is base64 in JSON.
	Data []byte `json:"data" validate:"required"`
}

type revisionRequest struct {
	Summary     string              `json:"summary" validate:"max=500"`
	Body        string              `json:"body" validate:"required"`
	Submit      bool                `json:"submit"`
	Attachments []attachmentRequest `json:"attachments" validate:"dive"`
}

type commentRequest struct {
	Body   string         `json:"body" validate:"required,max=4000"`
	Anchor map[string]any `json:"anchor"`
}

type evidenceRequest struct {
	Kind        string `json:"kind" validate:"required"`
	Description string `json:"description"`
	URL         string `json:"url" validate:"omitempty,url"`
}

type disputeRequest struct {
	Category   string            `json:"category" validate:"required"`
	Severity   string            `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Summary    string            `json:"summary" validate:"required,max=4000"`
	HoldAmount decimal.Decimal   `json:"holdAmount"`
	Evidence   []evidenceRequest `json:"evidence" validate:"dive"`
}

type resolveDisputeRequest struct {
	Outcome    string `json:"outcome" validate:"required,oneof=RESOLVED REJECTED"`
	Resolution string `json:"resolution" validate:"required,max=4000"`
}

// bind decodes the JSON body into dst and validates it. An empty body is
// allowed for requests whose fields are all optional.
func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return apperror.Validation("malformed request body", map[string]string{"body": "must be valid JSON"})
	}
	return c.Validate(dst)
}

func respond(c echo.Context, status int, res negotiation.Result, err error) error {
	if err != nil {
		return err
	}
	return c.JSON(status, res)
}

func (s *Server) handleInitiate(c echo.Context) error {
	var req initiateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.Initiate(c.Request().Context(), actorOf(c), negotiation.InitiateInput{
		ListingID:   req.ListingID,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Message:     req.Message,
		ExpiresAt:   req.ExpiresAt,
		Notes:       req.Notes,
		PremiumTier: req.PremiumTier,
	})
	return respond(c, http.StatusCreated, res, err)
}

func (s *Server) handleList(c echo.Context) error {
	filter := negotiation.ListFilter{Status: negotiation.Status(c.QueryParam("status"))}
	var err error
	if filter.Limit, err = intQuery(c, "limit", 50); err != nil {
		return err
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		return err
	}

	items, err := s.negotiations.List(c.Request().Context(), actorOf(c), filter)
	if err != nil {
		return err
	}
	if items == nil {
		items = []negotiation.Negotiation{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGet(c echo.Context) error {
	snap, err := s.negotiations.Get(c.Request().Context(), c.Param("id"), actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"negotiation": snap})
}

func (s *Server) handleCounter(c echo.Context) error {
	var req offerRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.Counter(c.Request().Context(), c.Param("id"), actorOf(c), negotiation.OfferInput{
		Price:    req.Price,
		Quantity: req.Quantity,
		Message:  req.Message,
	})
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleAccept(c echo.Context) error {
	var req acceptRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.Accept(c.Request().Context(), c.Param("id"), actorOf(c), negotiation.AcceptInput{Message: req.Message})
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleSign(c echo.Context) error {
	var req signRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.Sign(c.Request().Context(), c.Param("id"), actorOf(c), negotiation.SignInput{Role: contract.Role(req.Role)})
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleFund(c echo.Context) error {
	return s.money(c, s.negotiations.Fund)
}

func (s *Server) handleRelease(c echo.Context) error {
	return s.money(c, s.negotiations.Release)
}

func (s *Server) handleRefund(c echo.Context) error {
	return s.money(c, s.negotiations.Refund)
}

type moneyAction func(ctx context.Context, negotiationID string, actor auth.Actor, in negotiation.MoneyInput) (negotiation.Result, error)

func (s *Server) money(c echo.Context, action moneyAction) error {
	var req moneyRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := action(c.Request().Context(), c.Param("id"), actorOf(c), negotiation.MoneyInput{
		Amount:    req.Amount,
		Reference: req.Reference,
	})
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleCancel(c echo.Context) error {
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.Cancel(c.Request().Context(), c.Param("id"), actorOf(c), negotiation.CancelInput{Reason: req.Reason})
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleCreateRevision(c echo.Context) error {
	var req revisionRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	in := negotiation.RevisionInput{Summary: req.Summary, Body: req.Body, Submit: req.Submit}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, negotiation.AttachmentUpload{
			Name:        a.Name,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}
	res, err := s.negotiations.CreateRevision(c.Request().Context(), c.Param("id"), actorOf(c), in)
	return respond(c, http.StatusCreated, res, err)
}

func (s *Server) handleAddComment(c echo.Context) error {
	var req commentRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.AddRevisionComment(c.Request().Context(), c.Param("id"), c.Param("revisionId"), actorOf(c), negotiation.CommentInput{
		Body:   req.Body,
		Anchor: req.Anchor,
	})
	return respond(c, http.StatusCreated, res, err)
}

func (s *Server) handleResolveComment(c echo.Context) error {
	res, err := s.negotiations.ResolveRevisionComment(c.Request().Context(), c.Param("id"), c.Param("revisionId"), c.Param("commentId"), actorOf(c))
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleCompareRevisions(c echo.Context) error {
	from, err := intQuery(c, "from", 0)
	if err != nil {
		return err
	}
	to, err := intQuery(c, "to", 0)
	if err != nil {
		return err
	}
	if from <= 0 || to <= 0 {
		return apperror.Validation("", map[string]string{"from": "required positive version", "to": "required positive version"})
	}
	diff, err := s.negotiations.CompareRevisions(c.Request().Context(), c.Param("id"), actorOf(c), from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"fromVersion": from, "toVersion": to, "diff": diff})
}

func (s *Server) handleOpenDispute(c echo.Context) error {
	var req disputeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	in := negotiation.DisputeInput{
		Category:   req.Category,
		Severity:   dispute.Severity(req.Severity),
		Summary:    req.Summary,
		HoldAmount: req.HoldAmount,
	}
	for _, ev := range req.Evidence {
		in.Evidence = append(in.Evidence, dispute.Evidence{Kind: ev.Kind, Description: ev.Description, URL: ev.URL})
	}
	res, err := s.negotiations.OpenDispute(c.Request().Context(), c.Param("id"), actorOf(c), in)
	return respond(c, http.StatusCreated, res, err)
}

func (s *Server) handleResolveDispute(c echo.Context) error {
	var req resolveDisputeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.negotiations.ResolveDispute(c.Request().Context(), c.Param("id"), c.Param("disputeId"), actorOf(c), negotiation.ResolveDisputeInput{
		Outcome:    dispute.Status(req.Outcome),
		Resolution: req.Resolution,
	})
	return respond(c, http.StatusOK, res, err)
}

func (s *Server) handleReconcile(c echo.Context) error {
	if s.reconciler == nil {
		return apperror.New(http.StatusServiceUnavailable, "RECONCILIATION_DISABLED", "reconciliation is not configured")
	}
	results, err := s.reconciler.RunOnce(c.Request().Context())
	if err != nil {
		return err
	}
	if results == nil {
		results = []reconcile.Result{}
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func intQuery(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.Validation("", map[string]string{name: "must be a non-negative integer"})
	}
	return n, nil
}
