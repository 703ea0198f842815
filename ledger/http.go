package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paygrid/paygrid/log"
	"github.com/paygrid/paygrid/telemetry"
)

// DefaultRequestTimeout bounds each ledger call so a slow store cannot
// starve the worker pool.
const DefaultRequestTimeout = 5 * time.Second

const maxErrorBodyBytes = 1 << 16

// ErrEmptyBaseURL is returned when the HTTP ledger client is constructed
// without a base URL.
var ErrEmptyBaseURL = errors.New("ledger base URL is required")

// HTTPClient talks to the account layer's balance endpoints:
//
//	POST {base}/accounts/{id}/withdraw   (debit)
//	POST {base}/accounts/{id}/deposit    (credit)
//
// Calls run through a circuit breaker so a down ledger store fails fast
// instead of holding workers on timeouts.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// WithHTTPLogger sets a structured logger.
func WithHTTPLogger(logger log.Logger) HTTPOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransport replaces the HTTP transport (test seam).
func WithTransport(rt http.RoundTripper) HTTPOption {
	return func(c *HTTPClient) {
		if rt != nil {
			c.client.Transport = rt
		}
	}
}

// NewHTTPClient creates a ledger client for the given account-layer base URL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrEmptyBaseURL
	}

	client := &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
		logger:  log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ledger",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Business rejections are healthy answers from the store; only
			// transport/server failures should trip the breaker.
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
	})

	return client, nil
}

// Debit removes amount from the account's balance.
func (c *HTTPClient) Debit(ctx context.Context, accountID string, amount decimal.Decimal, description string) error {
	return c.post(ctx, accountID, "withdraw", amount, description)
}

// Credit adds amount to the account's balance.
func (c *HTTPClient) Credit(ctx context.Context, accountID string, amount decimal.Decimal, description string) error {
	return c.post(ctx, accountID, "deposit", amount, description)
}

type balanceRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
}

type ledgerErrorBody struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func (c *HTTPClient) post(ctx context.Context, accountID, operation string, amount decimal.Decimal, description string) error {
	tracer := otel.Tracer(telemetry.TracerLedger)

	ctx, span := tracer.Start(ctx, "ledger."+operation)
	defer span.End()

	span.SetAttributes(attribute.String(telemetry.AttrAccountID, accountID))

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doPost(ctx, accountID, operation, amount, description)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit open", ErrUnavailable)
		}

		telemetry.HandleSpanError(span, "ledger "+operation+" failed", err)

		return err
	}

	return nil
}

func (c *HTTPClient) doPost(ctx context.Context, accountID, operation string, amount decimal.Decimal, description string) error {
	body, err := json.Marshal(balanceRequest{Amount: amount, Description: description})
	if err != nil {
		return fmt.Errorf("marshal ledger request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/%s", c.baseURL, accountID, operation)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ledger request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Log(ctx, log.LevelWarn, "ledger call transport failure",
			log.String("operation", operation), log.String("account_id", accountID), log.Err(err))

		return fmt.Errorf("%w: %s", ErrUnavailable, sanitizeTransportErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	return c.mapFailure(ctx, resp, operation, accountID)
}

// mapFailure converts a non-200 ledger answer into a typed failure.
func (c *HTTPClient) mapFailure(ctx context.Context, resp *http.Response, operation, accountID string) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if readErr != nil {
		raw = nil
	}

	var parsed ledgerErrorBody

	_ = json.Unmarshal(raw, &parsed)

	c.logger.Log(ctx, log.LevelWarn, "ledger call rejected",
		log.String("operation", operation),
		log.String("account_id", accountID),
		log.Int("status", resp.StatusCode),
		log.String("code", parsed.Code))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	case http.StatusUnprocessableEntity, http.StatusConflict:
		if strings.EqualFold(parsed.Code, "insufficient_funds") {
			return fmt.Errorf("%w: account %s", ErrInsufficientFunds, accountID)
		}

		return fmt.Errorf("%w: account %s", ErrAccountNotActive, accountID)
	case http.StatusForbidden:
		return fmt.Errorf("%w: account %s", ErrAccountNotActive, accountID)
	default:
		return fmt.Errorf("%w: ledger answered %d", ErrUnavailable, resp.StatusCode)
	}
}

// sanitizeTransportErr strips the request URL from transport errors so log
// lines and reasons stay free of query parameters.
func sanitizeTransportErr(err error) string {
	var urlErr interface{ Unwrap() error }
	if errors.As(err, &urlErr) {
		if inner := urlErr.Unwrap(); inner != nil {
			return inner.Error()
		}
	}

	return err.Error()
}

var _ Client = (*HTTPClient)(nil)
