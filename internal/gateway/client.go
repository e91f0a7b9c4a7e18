package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"offer-service/internal/models"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client calls the payment rail API for checkouts and payouts
type Client struct {
	baseURL  string
	apiKey   string
	currency string
	http     *http.Client
}

// NewClient creates a new payment rail client
func NewClient(baseURL, apiKey, currency string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		currency: strings.ToLower(currency),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type checkoutRequest struct {
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// TransferRequest moves released escrow to the seller
type TransferRequest struct {
	TransactionID string `json:"transfer_group"`
	Destination   string `json:"destination"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

type transferResponse struct {
	ID string `json:"id"`
}

// CreateCheckoutSession opens a hosted checkout for a transaction's amount
func (c *Client) CreateCheckoutSession(ctx context.Context, tx *models.Transaction) (*models.CheckoutSession, error) {
	if tx.Amount == nil {
		return nil, errors.New("transaction has no amount")
	}

	body := checkoutRequest{
		Amount:            *tx.Amount,
		Currency:          c.currency,
		ClientReferenceID: tx.ID,
		Metadata:          map[string]string{"transaction_id": tx.ID, "offer_id": tx.OfferID},
	}

	var session models.CheckoutSession
	if err := c.do(ctx, "/v1/checkout/sessions", "", body, &session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, errors.New("checkout session id missing in response")
	}
	return &session, nil
}

// CreateTransfer pays out a transaction. The transaction id is the
// idempotency key so a repeated call never pays twice.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.Currency == "" {
		req.Currency = c.currency
	}

	var resp transferResponse
	if err := c.do(ctx, "/v1/transfers", "transfer:"+req.TransactionID, req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("transfer id missing in response")
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, path, idempotencyKey string, payload, out interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway %s failed: status=%d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
