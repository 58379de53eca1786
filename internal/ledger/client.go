// Package ledger is the HTTP client for the remote sales ledger.
package ledger

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

	"kasirinaja/terminal/internal/domain"
)

const (
	idempotencyHeader = "Idempotency-Key"
	maxErrorBody      = 2048
)

// StatusError is a non-2xx answer from the ledger.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ledger returned %d", e.StatusCode)
	}
	return fmt.Sprintf("ledger returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the same request may succeed later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

type Config struct {
	BaseURL    string
	Secret     string
	StoreID    string
	TerminalID string
	Timeout    time.Duration
	Breaker    BreakerConfig
	HTTPClient *http.Client
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *tokenSigner
	breaker    *Breaker
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = countsAgainstBreaker
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		signer: &tokenSigner{
			secret:     []byte(cfg.Secret),
			terminalID: cfg.TerminalID,
			storeID:    cfg.StoreID,
			now:        time.Now,
		},
		breaker: NewBreaker(breakerCfg),
	}
}

// BreakerState is exposed for the health endpoint.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// CreateSale posts tx keyed by its id. A 409 carrying a sale id means the
// ledger already holds this sale and is reported as a replayed success.
func (c *Client) CreateSale(ctx context.Context, tx domain.Transaction) (SaleAck, error) {
	var ack SaleAck
	err := c.breaker.Execute(func() error {
		err := c.do(ctx, http.MethodPost, "/api/v1/sales", tx.ID, NewSalePayload(tx), &ack)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
			var replay SaleAck
			if json.Unmarshal([]byte(statusErr.Body), &replay) == nil && replay.SaleID != "" {
				replay.Replayed = true
				ack = replay
				return nil
			}
		}
		return err
	})
	if err != nil {
		return SaleAck{}, fmt.Errorf("ledger: create sale %s: %w", tx.ID, err)
	}
	if ack.SaleID == "" {
		return SaleAck{}, fmt.Errorf("ledger: create sale %s: response without sale_id", tx.ID)
	}
	return ack, nil
}

func (c *Client) PayInstallment(ctx context.Context, req InstallmentPaymentRequest) (InstallmentAck, error) {
	if strings.TrimSpace(req.PaymentID) == "" {
		return InstallmentAck{}, errors.New("ledger: installment payment id required")
	}
	body := installmentPaymentBody{
		Amount:    amount(req.Amount),
		Method:    req.Method,
		Reference: req.Reference,
	}
	path := "/api/v1/installments/" + url.PathEscape(req.PaymentID) + "/payments"

	var ack InstallmentAck
	err := c.breaker.Execute(func() error {
		return c.do(ctx, http.MethodPost, path, req.IdempotencyKey, body, &ack)
	})
	if err != nil {
		return InstallmentAck{}, fmt.Errorf("ledger: pay installment %s: %w", req.PaymentID, err)
	}
	if ack.PaymentID == "" {
		ack.PaymentID = req.PaymentID
	}
	return ack, nil
}

// Ping checks the ledger health endpoint. It bypasses the breaker so the
// connectivity prober keeps observing the link while the circuit is open.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("ledger: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token, err := c.signer.sign()
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// countsAgainstBreaker ignores definitive 4xx answers: the ledger is up and
// talking, the request itself is wrong.
func countsAgainstBreaker(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	return true
}
