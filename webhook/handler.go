// Package webhook ingests signed notifications from the escrow and e-sign
// providers and hands them to the negotiation engine.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeflow/apperror"
	"tradeflow/contract"
	"tradeflow/logging"
	"tradeflow/metrics"
	"tradeflow/negotiation"
)

const (
	EscrowSignatureHeader = "x-escrow-signature"
	EsignSignatureHeader  = "x-esign-signature"

	maxBodyBytes = 1 << 20

	sourceEscrow = "escrow"
	sourceEsign  = "esign"

	eventRecipientSigned = "recipient_signed"
)

var (
	ErrSecretNotConfigured = apperror.New(http.StatusInternalServerError, "WEBHOOK_SECRET_NOT_CONFIGURED", "webhook secret is not configured")
	ErrInvalidSignature    = apperror.New(http.StatusUnauthorized, "INVALID_SIGNATURE", "invalid webhook signature")
	ErrBodyTooLarge        = apperror.New(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "webhook payload is too large")
	ErrMalformedPayload    = apperror.New(http.StatusBadRequest, "MALFORMED_PAYLOAD", "webhook payload is not valid JSON")
)

// Engine is the part of the negotiation service webhooks drive.
type Engine interface {
	ApplyProviderEvent(ctx context.Context, ev negotiation.ProviderEvent) (negotiation.ProviderOutcome, error)
	ApplySignatureEvent(ctx context.Context, ev negotiation.SignatureEvent) (negotiation.ProviderOutcome, error)
}

type Secrets struct {
	Escrow string
	Esign  string
}

type Handler struct {
	engine  Engine
	secrets Secrets
	logger  *zap.Logger
}

func NewHandler(engine Engine, secrets Secrets, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, secrets: secrets, logger: logging.OrNop(logger)}
}

// Register mounts the two provider endpoints.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/webhooks/escrow", h.Escrow)
	e.POST("/webhooks/esign", h.Esign)
}

type escrowPayload struct {
	Event                 string          `json:"event"`
	ProviderReference     string          `json:"providerReference"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	Amount                decimal.Decimal `json:"amount"`
	OccurredAt            *time.Time      `json:"occurredAt"`
	Metadata              map[string]any  `json:"metadata"`
}

type esignPayload struct {
	Event      string     `json:"event"`
	EnvelopeID string     `json:"envelopeId"`
	Role       string     `json:"role"`
	SignedAt   *time.Time `json:"signedAt"`
}

type ack struct {
	Status        string `json:"status"`
	NegotiationID string `json:"negotiationId,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// Escrow handles POST /webhooks/escrow.
func (h *Handler) Escrow(c echo.Context) error {
	body, err := h.verified(c, h.secrets.Escrow, EscrowSignatureHeader, sourceEscrow)
	if err != nil {
		return err
	}

	var p escrowPayload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(sourceEscrow, "unknown", "malformed").Inc()
		return ErrMalformedPayload
	}
	ev := negotiation.ProviderEvent{
		Event:                 strings.TrimSpace(p.Event),
		ProviderReference:     strings.TrimSpace(p.ProviderReference),
		ExternalTransactionID: strings.TrimSpace(p.ExternalTransactionID),
		Amount:                p.Amount,
		Metadata:              p.Metadata,
	}
	if p.OccurredAt != nil {
		ev.OccurredAt = p.OccurredAt.UTC()
	}

	out, err := h.engine.ApplyProviderEvent(c.Request().Context(), ev)
	if errors.Is(err, negotiation.ErrUnsupportedEvent) {
		metrics.WebhookEventsTotal.WithLabelValues(sourceEscrow, "unknown", "ignored").Inc()
		h.logger.Info("ignoring unsupported escrow webhook event", zap.String("event", ev.Event))
		return c.JSON(http.StatusOK, ack{Status: "ignored"})
	}
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(sourceEscrow, eventLabel(ev.Event), metrics.OutcomeError).Inc()
		h.logger.Warn("escrow webhook failed",
			zap.String("event", ev.Event),
			zap.String("provider_reference", ev.ProviderReference),
			zap.Error(err),
		)
		return err
	}
	return h.ack(c, sourceEscrow, eventLabel(ev.Event), out)
}

// Esign handles POST /webhooks/esign.
func (h *Handler) Esign(c echo.Context) error {
	body, err := h.verified(c, h.secrets.Esign, EsignSignatureHeader, sourceEsign)
	if err != nil {
		return err
	}

	var p esignPayload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(sourceEsign, "unknown", "malformed").Inc()
		return ErrMalformedPayload
	}
	if p.Event != eventRecipientSigned {
		metrics.WebhookEventsTotal.WithLabelValues(sourceEsign, "unknown", "ignored").Inc()
		h.logger.Info("ignoring e-sign webhook event", zap.String("event", p.Event))
		return c.JSON(http.StatusOK, ack{Status: "ignored"})
	}

	ev := negotiation.SignatureEvent{
		EnvelopeID: strings.TrimSpace(p.EnvelopeID),
		Role:       contract.Role(strings.ToUpper(strings.TrimSpace(p.Role))),
	}
	if p.SignedAt != nil {
		ev.SignedAt = p.SignedAt.UTC()
	}
	out, err := h.engine.ApplySignatureEvent(c.Request().Context(), ev)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(sourceEsign, p.Event, metrics.OutcomeError).Inc()
		h.logger.Warn("e-sign webhook failed", zap.String("envelope_id", ev.EnvelopeID), zap.Error(err))
		return err
	}
	return h.ack(c, sourceEsign, p.Event, out)
}

// verified reads the raw body and checks its signature. A missing secret
// fails closed.
func (h *Handler) verified(c echo.Context, secret, header, source string) ([]byte, error) {
	if secret == "" {
		h.logger.Error("webhook secret not configured", zap.String("source", source))
		return nil, ErrSecretNotConfigured
	}

	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, ErrMalformedPayload
	}

	if !Verify(secret, body, req.Header.Get(header)) {
		metrics.WebhookEventsTotal.WithLabelValues(source, "unknown", "rejected").Inc()
		h.logger.Warn("webhook signature rejected", zap.String("source", source), zap.String("remote_ip", c.RealIP()))
		return nil, ErrInvalidSignature
	}
	return body, nil
}

func (h *Handler) ack(c echo.Context, source, event string, out negotiation.ProviderOutcome) error {
	result := "applied"
	if !out.Applied {
		result = "duplicate"
	}
	metrics.WebhookEventsTotal.WithLabelValues(source, event, result).Inc()
	return c.JSON(http.StatusOK, ack{Status: "ok", NegotiationID: out.NegotiationID, Duplicate: !out.Applied})
}

// eventLabel bounds the metric label to the known event names.
func eventLabel(event string) string {
	switch event {
	case negotiation.ProviderFundingConfirmed, negotiation.ProviderReleaseConfirmed,
		negotiation.ProviderRefundConfirmed, negotiation.ProviderDisputeOpened:
		return event
	}
	return "unknown"
}
