package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offer-service/config"
	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeListings struct {
	listings map[string]*models.Listing
	err      error
}

func (f *fakeListings) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	if f.err != nil {
		return nil, f.err
	}
	listing, ok := f.listings[listingID]
	if !ok {
		return nil, apperr.NotFound("listing", listingID)
	}
	cp := *listing
	return &cp, nil
}

type fakeOwnership struct {
	owned map[string]map[string]bool
	err   error
}

func (f *fakeOwnership) give(userID string, itemIDs ...string) {
	if f.owned[userID] == nil {
		f.owned[userID] = make(map[string]bool)
	}
	for _, id := range itemIDs {
		f.owned[userID][id] = true
	}
}

func (f *fakeOwnership) OwnsAll(ctx context.Context, userID string, itemIDs []string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, id := range itemIDs {
		if !f.owned[userID][id] {
			return false, nil
		}
	}
	return true, nil
}

type recordingPublisher struct {
	mu         sync.Mutex
	offers     []*models.OfferEvent
	txs        []*models.TransactionEvent
	releases   []*models.FundsReleaseRequestedEvent
	releaseErr error
}

func (p *recordingPublisher) PublishOfferEvent(ctx context.Context, event *models.OfferEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, event)
	return nil
}

func (p *recordingPublisher) PublishTransactionEvent(ctx context.Context, event *models.TransactionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txs = append(p.txs, event)
	return nil
}

func (p *recordingPublisher) PublishFundsRelease(ctx context.Context, event *models.FundsReleaseRequestedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.releaseErr != nil {
		return p.releaseErr
	}
	p.releases = append(p.releases, event)
	return nil
}

func (p *recordingPublisher) offerEventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.offers))
	for _, e := range p.offers {
		types = append(types, e.EventType)
	}
	return types
}

func (p *recordingPublisher) offerEvent(t *testing.T, offerID, eventType string) *models.OfferEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.offers {
		if e.OfferID == offerID && e.EventType == eventType {
			return e
		}
	}
	t.Fatalf("no %s event for offer %s", eventType, offerID)
	return nil
}

func (p *recordingPublisher) txEventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.txs))
	for _, e := range p.txs {
		types = append(types, e.EventType)
	}
	return types
}

type fakeCheckout struct {
	calls int
	err   error
}

func (f *fakeCheckout) CreateCheckoutSession(ctx context.Context, tx *models.Transaction) (*models.CheckoutSession, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.CheckoutSession{
		ID:              "cs_" + tx.ID,
		PaymentIntentID: "pi_" + tx.ID,
		URL:             "https://pay.example.test/" + tx.ID,
	}, nil
}

var dbSeq int64

type fixture struct {
	store     *store.Store
	offers    *OfferLedger
	txs       *TransactionLedger
	listings  *fakeListings
	ownership *fakeOwnership
	publisher *recordingPublisher
	checkout  *fakeCheckout
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, config.DefaultBusiness())
}

func newFixtureWith(t *testing.T, cfg config.BusinessConfig) *fixture {
	t.Helper()
	name := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", atomic.AddInt64(&dbSeq, 1))
	s, err := store.NewStore("sqlite", name)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	minOffer := int64(5000)
	f := &fixture{
		store: s,
		listings: &fakeListings{listings: map[string]*models.Listing{
			"listing-1": {ID: "listing-1", SellerID: "seller-1", Status: models.ListingStatusActive, AcceptOffers: true},
			"listing-min": {ID: "listing-min", SellerID: "seller-1", Status: models.ListingStatusActive,
				AcceptOffers: true, MinOffer: &minOffer},
			"listing-sold":   {ID: "listing-sold", SellerID: "seller-1", Status: "sold", AcceptOffers: true},
			"listing-closed": {ID: "listing-closed", SellerID: "seller-1", Status: models.ListingStatusActive},
		}},
		ownership: &fakeOwnership{owned: make(map[string]map[string]bool)},
		publisher: &recordingPublisher{},
		checkout:  &fakeCheckout{},
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	f.txs = NewTransactionLedger(s, f.publisher, f.checkout, cfg)
	f.txs.now = func() time.Time { return f.now }
	f.offers = NewOfferLedger(s, f.listings, f.ownership, f.publisher, f.txs, cfg)
	f.offers.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func amount(v int64) *int64 {
	return &v
}

func (f *fixture) buyOffer(t *testing.T, buyerID, listingID string, value int64) *models.Offer {
	t.Helper()
	offer, err := f.offers.CreateOffer(context.Background(), buyerID, &CreateOfferRequest{
		ListingID: listingID,
		Kind:      models.OfferKindBuy,
		Amount:    amount(value),
	})
	require.NoError(t, err)
	return offer
}

// acceptedTransaction walks a buy offer through acceptance
func (f *fixture) acceptedTransaction(t *testing.T, value int64) *models.Transaction {
	t.Helper()
	offer := f.buyOffer(t, "buyer-1", "listing-1", value)
	result, err := f.offers.ActOnOffer(context.Background(), offer.ID, "seller-1", &OfferActionRequest{
		Action: models.OfferActionAccept,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)
	return result.Transaction
}

// paidTransaction returns a transaction whose payment is held in escrow
func (f *fixture) paidTransaction(t *testing.T, value int64) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := f.acceptedTransaction(t, value)

	_, session, err := f.txs.StartCheckout(ctx, tx.ID, "buyer-1")
	require.NoError(t, err)

	outcome, err := f.txs.ApplyGatewayEvent(ctx, &models.GatewayEvent{
		ID:              "evt_paid_" + tx.ID,
		ProviderType:    "payment_intent.succeeded",
		Kind:            models.GatewayPaymentSucceeded,
		PaymentIntentID: session.PaymentIntentID,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)

	held, err := f.store.GetTransactionByID(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.TxStatusPaymentHeld, held.Status)
	return held
}

func requireAppErr(t *testing.T, err error, kind apperr.Kind, rule string) *apperr.Error {
	t.Helper()
	require.Error(t, err)
	var appErr *apperr.Error
	require.True(t, errors.As(err, &appErr), "expected *apperr.Error, got %T: %v", err, err)
	require.Equal(t, kind, appErr.Kind, appErr.Error())
	if rule != "" {
		require.Equal(t, rule, appErr.Rule, appErr.Error())
	}
	return appErr
}
