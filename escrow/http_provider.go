package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownProviderStatus is returned when the provider reports a status
// outside the known vocabulary.
var ErrUnknownProviderStatus = errors.New("escrow: unknown provider status")

// providerVocabulary maps every status word the rail is known to emit.
var providerVocabulary = map[string]Status{
	"pending":          StatusPendingSetup,
	"created":          StatusPendingSetup,
	"setup":            StatusPendingSetup,
	"open":             StatusAwaitingFunds,
	"awaiting_funds":   StatusAwaitingFunds,
	"awaiting_payment": StatusAwaitingFunds,
	"funded":           StatusFunded,
	"held":             StatusFunded,
	"secured":          StatusFunded,
	"partially_funded": StatusAwaitingFunds,
	"released":         StatusReleased,
	"disbursed":        StatusReleased,
	"paid_out":         StatusReleased,
	"refunded":         StatusRefunded,
	"reversed":         StatusRefunded,
	"disputed":         StatusDisputed,
	"chargeback":       StatusDisputed,
	"on_hold":          StatusDisputed,
	"closed":           StatusClosed,
	"completed":        StatusClosed,
	"settled":          StatusClosed,
}

// NormalizeStatus translates a provider status word into Status.
func NormalizeStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if st, ok := providerVocabulary[key]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProviderStatus, raw)
}

// HTTPProviderConfig configures HTTPProvider.
type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPProvider talks to a JSON escrow rail.
type HTTPProvider struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("escrow: provider base url required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("escrow: parse provider url: %w", err)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPProvider{baseURL: base, apiKey: cfg.APIKey, client: client}, nil
}

type providerResponse struct {
	ProviderReference     string          `json:"providerReference"`
	Status                string          `json:"status"`
	Balance               decimal.Decimal `json:"balance"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	OccurredAt            time.Time       `json:"occurredAt"`
}

type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *HTTPProvider) CreateAccount(ctx context.Context, req CreateAccountRequest) (ProviderResult, error) {
	body := map[string]any{
		"externalId":     req.NegotiationID,
		"currency":       req.Currency,
		"expectedAmount": req.ExpectedAmount.StringFixed(2),
	}
	return p.call(ctx, "/accounts", req.NegotiationID, body)
}

func (p *HTTPProvider) Fund(ctx context.Context, req MoveRequest) (ProviderResult, error) {
	return p.move(ctx, "fund", req)
}

func (p *HTTPProvider) Release(ctx context.Context, req MoveRequest) (ProviderResult, error) {
	return p.move(ctx, "release", req)
}

func (p *HTTPProvider) Refund(ctx context.Context, req MoveRequest) (ProviderResult, error) {
	return p.move(ctx, "refund", req)
}

func (p *HTTPProvider) move(ctx context.Context, op string, req MoveRequest) (ProviderResult, error) {
	if req.ProviderReference == "" {
		return ProviderResult{}, errors.New("escrow: provider reference required")
	}
	body := map[string]any{
		"amount":   req.Amount.StringFixed(2),
		"currency": req.Currency,
	}
	path := "/accounts/" + url.PathEscape(req.ProviderReference) + "/" + op
	return p.call(ctx, path, req.IdempotencyKey, body)
}

func (p *HTTPProvider) call(ctx context.Context, path, idempotencyKey string, body any) (ProviderResult, error) {
	var resp providerResponse
	if err := p.do(ctx, http.MethodPost, path, idempotencyKey, body, &resp); err != nil {
		return ProviderResult{}, err
	}

	status, err := NormalizeStatus(resp.Status)
	if err != nil {
		return ProviderResult{}, err
	}

	occurredAt := resp.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return ProviderResult{
		ProviderReference:     resp.ProviderReference,
		Status:                status,
		Balance:               resp.Balance,
		ExternalTransactionID: resp.ExternalTransactionID,
		OccurredAt:            occurredAt,
	}, nil
}

func (p *HTTPProvider) GetStatement(ctx context.Context, providerReference string) (Statement, error) {
	var st Statement
	path := "/accounts/" + url.PathEscape(providerReference) + "/statement"
	if err := p.do(ctx, http.MethodGet, path, "", nil, &st); err != nil {
		return Statement{}, err
	}
	if st.ProviderReference == "" {
		st.ProviderReference = providerReference
	}
	if st.StatementID == "" {
		return Statement{}, errors.New("escrow: provider statement missing id")
	}
	return st, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("escrow: marshal provider request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("escrow: build provider request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: provider %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("escrow: read provider response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var pe providerError
		if json.Unmarshal(raw, &pe) == nil && pe.Message != "" {
			return fmt.Errorf("escrow: provider %s %s: %d %s: %s", method, path, resp.StatusCode, pe.Code, pe.Message)
		}
		return fmt.Errorf("escrow: provider %s %s: status %d", method, path, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("escrow: decode provider response: %w", err)
	}
	return nil
}
