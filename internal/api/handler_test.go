package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"offer-service/config"
	"offer-service/internal/gateway"
	"offer-service/internal/models"
	"offer-service/internal/service"
	"offer-service/internal/store"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret        = "test-jwt-secret"
	testIssuer        = "marketplace"
	testWebhookSecret = "whsec_test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticListings struct{}

func (staticListings) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	return &models.Listing{ID: listingID, SellerID: "seller-1", Status: models.ListingStatusActive, AcceptOffers: true}, nil
}

type ownsNothing struct{}

func (ownsNothing) OwnsAll(ctx context.Context, userID string, itemIDs []string) (bool, error) {
	return false, nil
}

type discardPublisher struct{}

func (discardPublisher) PublishOfferEvent(context.Context, *models.OfferEvent) error { return nil }
func (discardPublisher) PublishTransactionEvent(context.Context, *models.TransactionEvent) error {
	return nil
}
func (discardPublisher) PublishFundsRelease(context.Context, *models.FundsReleaseRequestedEvent) error {
	return nil
}

type stubCheckout struct{}

func (stubCheckout) CreateCheckoutSession(ctx context.Context, tx *models.Transaction) (*models.CheckoutSession, error) {
	return &models.CheckoutSession{ID: "cs_" + tx.ID, PaymentIntentID: "pi_" + tx.ID, URL: "https://pay.example.test"}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

var dbSeq int64

type testServer struct {
	router   *gin.Engine
	verifier *gateway.Verifier
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	name := fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	s, err := store.NewStore("sqlite", name)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	cfg := config.DefaultBusiness()
	transactions := service.NewTransactionLedger(s, discardPublisher{}, stubCheckout{}, cfg)
	offers := service.NewOfferLedger(s, staticListings{}, ownsNothing{}, discardPublisher{}, transactions, cfg)

	verifier := gateway.NewVerifier(testWebhookSecret, 5*time.Minute)
	adapter := gateway.NewAdapter(verifier, transactions, nil, time.Hour)

	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}

	router := gin.New()
	NewHandler(offers, transactions, adapter, NewAuthenticator(testSecret, testIssuer), limiter, s, nil).SetupRoutes(router)
	return &testServer{router: router, verifier: verifier}
}

func tokenFor(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (ts *testServer) do(t *testing.T, method, path, actor string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, actor))
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) webhook(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", bytes.NewReader(payload))
	req.Header.Set(gateway.SignatureHeader, signature)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	router := gin.New()
	NewHandler(nil, nil, nil, NewAuthenticator(testSecret, ""), NewRateLimiter(0, 0), failingPinger{}, nil).SetupRoutes(router)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessReportsCache(t *testing.T) {
	tests := []struct {
		name   string
		cache  Pinger
		status string
		redis  interface{}
	}{
		{"no cache configured", nil, "ready", nil},
		{"cache up", okPinger{}, "ready", "ok"},
		{"cache down", failingPinger{}, "degraded", "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			NewHandler(nil, nil, nil, NewAuthenticator(testSecret, ""), NewRateLimiter(0, 0), okPinger{}, tt.cache).SetupRoutes(router)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, http.StatusOK, rec.Code)

			var body struct {
				Status string                 `json:"status"`
				Checks map[string]interface{} `json:"checks"`
			}
			decode(t, rec, &body)
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, "ok", body.Checks["database"])
			assert.Equal(t, tt.redis, body.Checks["redis"])
		})
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodGet, "/api/v1/offers/x", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "buyer-1", Issuer: testIssuer})
	signed, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/offers/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongIssuer := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "buyer-1", Issuer: "elsewhere"})
	signed, err = wrongIssuer.SignedString([]byte(testSecret))
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/offers/x", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/offers/x", "buyer-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOfferEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-1", gin.H{"listing_id": "listing-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var errBody map[string]interface{}
	decode(t, w, &errBody)
	assert.Equal(t, "malformed_request", errBody["rule"])

	w = ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-1", gin.H{
		"listing_id": "listing-1", "kind": "buy", "amount": 10000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var offer models.Offer
	decode(t, w, &offer)
	assert.Equal(t, models.OfferStatusPending, offer.Status)

	w = ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-1", gin.H{
		"listing_id": "listing-1", "kind": "buy", "amount": 11000,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	decode(t, w, &errBody)
	assert.Equal(t, "pending_offer_exists", errBody["rule"])

	w = ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-2", gin.H{
		"listing_id": "listing-1", "kind": "trade", "trade_item_ids": []string{"g1"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	decode(t, w, &errBody)
	assert.Equal(t, "items_not_owned", errBody["rule"])

	w = ts.do(t, http.MethodGet, "/api/v1/offers/"+offer.ID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/offers/"+offer.ID+"/actions", "buyer-1", gin.H{"action": "accept"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/offers/"+offer.ID+"/actions", "seller-1", gin.H{
		"action": "counter", "counter_amount": 12000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var countered service.OfferActionResult
	decode(t, w, &countered)
	require.NotNil(t, countered.Counter)
	assert.Equal(t, 1, countered.Counter.CounterDepth)

	w = ts.do(t, http.MethodGet, "/api/v1/offers/"+countered.Counter.ID+"/chain", "buyer-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var chain struct {
		Offers []models.Offer `json:"offers"`
	}
	decode(t, w, &chain)
	require.Len(t, chain.Offers, 2)
	assert.Equal(t, offer.ID, chain.Offers[0].ID)

	w = ts.do(t, http.MethodGet, "/api/v1/listings/listing-1/offers?status=pending", "seller-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Offers []models.Offer `json:"offers"`
	}
	decode(t, w, &listed)
	require.Len(t, listed.Offers, 1)
	assert.Equal(t, countered.Counter.ID, listed.Offers[0].ID)
}

func TestPurchaseFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-1", gin.H{
		"listing_id": "listing-1", "kind": "buy", "amount": 10000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var offer models.Offer
	decode(t, w, &offer)

	w = ts.do(t, http.MethodPost, "/api/v1/offers/"+offer.ID+"/actions", "seller-1", gin.H{"action": "accept"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var accepted service.OfferActionResult
	decode(t, w, &accepted)
	require.NotNil(t, accepted.Transaction)
	txID := accepted.Transaction.ID

	w = ts.do(t, http.MethodGet, "/api/v1/offers/"+offer.ID+"/transaction", "buyer-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var opened models.Transaction
	decode(t, w, &opened)
	assert.Equal(t, txID, opened.ID)

	w = ts.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/checkout", "seller-1", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/checkout", "buyer-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_%s","payment_intent":"pi_%s","metadata":{"transaction_id":"%s"}}}}`, txID, txID, txID))

	w = ts.webhook(payload, "t=1,v1=00")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.webhook(payload, ts.verifier.Sign(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result gateway.Result
	decode(t, w, &result)
	assert.Equal(t, service.OutcomeApplied, result.Outcome)

	w = ts.webhook(payload, ts.verifier.Sign(payload, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &result)
	assert.Equal(t, service.OutcomeDuplicate, result.Outcome)

	w = ts.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/actions", "seller-1", gin.H{
		"action": "mark_shipped", "shipping_carrier": "ups", "tracking_number": "1Z999",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/actions", "buyer-1", gin.H{"action": "confirm_delivery"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var tx models.Transaction
	decode(t, w, &tx)
	assert.Equal(t, models.TxStatusDelivered, tx.Status)

	w = ts.do(t, http.MethodPost, "/api/v1/transactions/"+txID+"/actions", "buyer-1", gin.H{"action": "confirm_delivery"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/transactions/"+txID+"/history", "buyer-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		History []models.AuditEntry `json:"history"`
	}
	decode(t, w, &history)
	assert.Len(t, history.History, 5)

	w = ts.do(t, http.MethodGet, "/api/v1/transactions/"+txID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimiterThrottlesPerActor(t *testing.T) {
	ts := newTestServer(t, NewRateLimiter(1, 1))
	body := gin.H{"listing_id": "listing-1", "kind": "buy", "amount": 10000}

	w := ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-1", body)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-1", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// reads are not limited
	w = ts.do(t, http.MethodGet, "/api/v1/listings/listing-1/offers", "seller-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/offers", "buyer-2", body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRateLimiterEvictsIdleActors(t *testing.T) {
	rl := NewRateLimiter(60, 1)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.limiter("buyer-1").Allow())
	rl.limiter("buyer-2")
	assert.Len(t, rl.visitors, 2)

	now = now.Add(4 * time.Minute)
	rl.limiter("buyer-1")
	assert.Len(t, rl.visitors, 2)

	now = now.Add(2 * time.Minute)
	rl.limiter("buyer-1")
	assert.Len(t, rl.visitors, 1)
	assert.Contains(t, rl.visitors, "buyer-1")
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "abc", extractBearer("Bearer abc"))
	assert.Equal(t, "abc", extractBearer("bearer  abc"))
	assert.Empty(t, extractBearer("Basic abc"))
	assert.Empty(t, extractBearer("abc"))
	assert.Empty(t, extractBearer(""))
}
