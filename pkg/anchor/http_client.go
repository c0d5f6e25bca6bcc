package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPClient talks JSON over HTTP to the external ledger gateway. A
// client-side rate limiter keeps sweeps from hammering the gateway.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates a client with a bounded request timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, rps float64, burst int) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type submitProofRequest struct {
	ContentHash   string `json:"content_hash"`
	EventID       string `json:"event_id"`
	WorkerRefHash string `json:"worker_ref"`
}

type creditRequest struct {
	AccountRef string `json:"account_ref"`
	Amount     int64  `json:"amount"`
	Reason     string `json:"reason"`
}

type submissionResponse struct {
	Handle string `json:"handle"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// SubmitProof anchors a content hash. The hash is sent as the idempotency
// key, making duplicate submissions a ledger-side no-op.
func (c *HTTPClient) SubmitProof(ctx context.Context, contentHash, eventID, workerRefHash string) (SubmissionHandle, error) {
	var resp submissionResponse
	err := c.post(ctx, "/v1/proofs", contentHash, submitProofRequest{
		ContentHash:   contentHash,
		EventID:       eventID,
		WorkerRefHash: workerRefHash,
	}, &resp)
	if err != nil {
		return "", err
	}
	return SubmissionHandle(resp.Handle), nil
}

// PollConfirmation reports the state of a submission.
func (c *HTTPClient) PollConfirmation(ctx context.Context, handle SubmissionHandle) (Confirmation, error) {
	var conf Confirmation
	if err := c.get(ctx, "/v1/submissions/"+string(handle), &conf); err != nil {
		return Confirmation{}, err
	}
	return conf, nil
}

// IssueCredits records a credit issuance.
func (c *HTTPClient) IssueCredits(ctx context.Context, accountRef string, amount int64, reason, idempotencyKey string) (SubmissionHandle, error) {
	return c.credit(ctx, "/v1/credits/issue", accountRef, amount, reason, idempotencyKey)
}

// RedeemCredits records a credit redemption.
func (c *HTTPClient) RedeemCredits(ctx context.Context, accountRef string, amount int64, reason, idempotencyKey string) (SubmissionHandle, error) {
	return c.credit(ctx, "/v1/credits/redeem", accountRef, amount, reason, idempotencyKey)
}

func (c *HTTPClient) credit(ctx context.Context, path, accountRef string, amount int64, reason, idempotencyKey string) (SubmissionHandle, error) {
	var resp submissionResponse
	err := c.post(ctx, path, idempotencyKey, creditRequest{
		AccountRef: accountRef,
		Amount:     amount,
		Reason:     reason,
	}, &resp)
	if err != nil {
		return "", err
	}
	return SubmissionHandle(resp.Handle), nil
}

// GetConfirmedBalance returns the external ledger's balance for an account.
func (c *HTTPClient) GetConfirmedBalance(ctx context.Context, accountRef string) (int64, error) {
	var resp balanceResponse
	if err := c.get(ctx, "/v1/accounts/"+accountRef+"/balance", &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

func (c *HTTPClient) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("anchor: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("anchor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("anchor: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and timeouts are transient by definition.
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrLedgerRejected, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrLedgerUnavailable, err)
	}
	return nil
}
