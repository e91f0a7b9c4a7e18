package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/util"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// CatalogClient reads listings and verifies item ownership over HTTP. It
// satisfies both ListingGuard and OwnershipVerifier.
type CatalogClient struct {
	listingURL   string
	inventoryURL string
	http         *http.Client
	logger       *zap.Logger
}

// NewCatalogClient creates a new catalog client
func NewCatalogClient(listingURL, inventoryURL string, timeout time.Duration) *CatalogClient {
	return &CatalogClient{
		listingURL:   strings.TrimRight(listingURL, "/"),
		inventoryURL: strings.TrimRight(inventoryURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: util.GetLogger(),
	}
}

type ownershipRequest struct {
	UserID  string   `json:"user_id"`
	ItemIDs []string `json:"item_ids"`
}

type ownershipResponse struct {
	OwnsAll bool `json:"owns_all"`
}

// GetListing fetches a listing by id
func (c *CatalogClient) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.GetListing")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CatalogRequestLatency.WithLabelValues("get_listing").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/listings/%s", c.listingURL, url.PathEscape(listingID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.NotFound("listing", listingID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing service returned status %d", resp.StatusCode)
	}

	var listing models.Listing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	return &listing, nil
}

// OwnsAll asks the inventory service whether userID holds every item
func (c *CatalogClient) OwnsAll(ctx context.Context, userID string, itemIDs []string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.OwnsAll")
	defer span.End()

	start := time.Now()
	defer func() {
		util.CatalogRequestLatency.WithLabelValues("verify_ownership").Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(ownershipRequest{UserID: userID, ItemIDs: itemIDs})
	if err != nil {
		return false, fmt.Errorf("failed to marshal ownership request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inventoryURL+"/ownership/verify", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ownership request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("inventory service returned status %d", resp.StatusCode)
	}

	var result ownershipResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("failed to decode ownership response: %w", err)
	}

	if !result.OwnsAll {
		c.logger.Info("Ownership check failed",
			zap.String("user_id", userID),
			zap.Int("items", len(itemIDs)))
	}
	return result.OwnsAll, nil
}
