package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"offer-service/config"
	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/store"
	"offer-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OfferLedger owns offers and the negotiation state machine
type OfferLedger struct {
	store        *store.Store
	listings     ListingGuard
	ownership    OwnershipVerifier
	publisher    EventPublisher
	transactions *TransactionLedger
	cfg          config.BusinessConfig
	logger       *zap.Logger
	now          func() time.Time
}

// NewOfferLedger creates a new offer ledger
func NewOfferLedger(
	store *store.Store,
	listings ListingGuard,
	ownership OwnershipVerifier,
	publisher EventPublisher,
	transactions *TransactionLedger,
	cfg config.BusinessConfig,
) *OfferLedger {
	return &OfferLedger{
		store:        store,
		listings:     listings,
		ownership:    ownership,
		publisher:    publisher,
		transactions: transactions,
		cfg:          cfg,
		logger:       util.GetLogger(),
		now:          time.Now,
	}
}

// CreateOfferRequest represents a buyer's opening offer
type CreateOfferRequest struct {
	ListingID    string   `json:"listing_id" binding:"required"`
	Kind         string   `json:"kind" binding:"required"`
	Amount       *int64   `json:"amount,omitempty"`
	TradeItemIDs []string `json:"trade_item_ids,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// OfferActionRequest represents accept, decline, counter or withdraw
type OfferActionRequest struct {
	Action              string   `json:"action" binding:"required"`
	Message             string   `json:"message,omitempty"`
	CounterAmount       *int64   `json:"counter_amount,omitempty"`
	CounterTradeItemIDs []string `json:"counter_trade_item_ids,omitempty"`
}

// OfferActionResult carries the acted-on offer and whatever it produced
type OfferActionResult struct {
	Offer       *models.Offer       `json:"offer"`
	Counter     *models.Offer       `json:"counter,omitempty"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

type party int

const (
	partyProposer party = iota
	partyRespondent
)

type offerTransition struct {
	actor party
	to    string
}

// Every action requires the offer to be pending and unexpired
var offerTransitions = map[string]offerTransition{
	models.OfferActionAccept:   {actor: partyRespondent, to: models.OfferStatusAccepted},
	models.OfferActionDecline:  {actor: partyRespondent, to: models.OfferStatusDeclined},
	models.OfferActionCounter:  {actor: partyRespondent, to: models.OfferStatusCountered},
	models.OfferActionWithdraw: {actor: partyProposer, to: models.OfferStatusWithdrawn},
}

var offerEventTypes = map[string]string{
	models.OfferStatusPending:   models.EventTypeOfferCreated,
	models.OfferStatusAccepted:  models.EventTypeOfferAccepted,
	models.OfferStatusDeclined:  models.EventTypeOfferDeclined,
	models.OfferStatusCountered: models.EventTypeOfferCountered,
	models.OfferStatusWithdrawn: models.EventTypeOfferWithdrawn,
	models.OfferStatusExpired:   models.EventTypeOfferExpired,
}

// CreateOffer opens a negotiation on a listing
func (l *OfferLedger) CreateOffer(ctx context.Context, buyerID string, req *CreateOfferRequest) (*models.Offer, error) {
	ctx, span := util.StartSpan(ctx, "OfferLedger.CreateOffer")
	defer span.End()

	if !validKind(req.Kind) {
		return nil, reject(apperr.Validation("invalid_kind", fmt.Sprintf("unknown offer kind %q", req.Kind)))
	}
	if err := l.checkMessage(req.Message); err != nil {
		return nil, err
	}

	listing, err := l.loadListing(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if err := checkListingOpen(listing); err != nil {
		return nil, err
	}
	if listing.SellerID == buyerID {
		return nil, reject(apperr.Validation("own_listing", "cannot make an offer on your own listing"))
	}

	existing, err := l.store.GetPendingOffer(ctx, buyerID, req.ListingID)
	if err != nil {
		return nil, storeErr(err, "offer", "")
	}
	if existing != nil {
		now := l.now().UTC()
		if !existing.IsExpired(now) {
			return nil, reject(apperr.Conflict("pending_offer_exists", "you already have a pending offer on this listing"))
		}
		if err := l.expire(ctx, existing, now); err != nil {
			return nil, err
		}
	}

	items, err := l.validateTerms(ctx, req.Kind, req.Amount, req.TradeItemIDs, listing, buyerID)
	if err != nil {
		return nil, err
	}

	now := l.now().UTC()
	offer := &models.Offer{
		ID:           uuid.New().String(),
		ListingID:    listing.ID,
		BuyerID:      buyerID,
		SellerID:     listing.SellerID,
		Kind:         req.Kind,
		Amount:       req.Amount,
		TradeItemIDs: items,
		Message:      req.Message,
		Status:       models.OfferStatusPending,
		ExpiresAt:    now.Add(l.cfg.OfferLifetime),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateOffer(ctx, offer); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return reject(apperr.Conflict("pending_offer_exists", "you already have a pending offer on this listing"))
			}
			return storeErr(err, "offer", offer.ID)
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityOffer, offer.ID, "create", buyerID,
			"", models.OfferStatusPending, offer.Message, now))
	})
	if err != nil {
		return nil, storeErr(err, "offer", offer.ID)
	}

	util.OffersCreatedTotal.Inc()
	l.logger.Info("Offer created",
		zap.String("offer_id", offer.ID),
		zap.String("listing_id", offer.ListingID),
		zap.String("kind", offer.Kind))

	l.publish(ctx, offer, buyerID)
	return offer, nil
}

// ActOnOffer applies a role-gated action to a pending offer
func (l *OfferLedger) ActOnOffer(ctx context.Context, offerID, actorID string, req *OfferActionRequest) (*OfferActionResult, error) {
	ctx, span := util.StartSpan(ctx, "OfferLedger.ActOnOffer")
	defer span.End()

	transition, ok := offerTransitions[req.Action]
	if !ok {
		return nil, reject(apperr.Validation("invalid_action", fmt.Sprintf("unknown offer action %q", req.Action)))
	}
	if err := l.checkMessage(req.Message); err != nil {
		return nil, err
	}

	offer, err := l.store.GetOfferByID(ctx, offerID)
	if err != nil {
		return nil, storeErr(err, "offer", offerID)
	}

	if actorID != offer.BuyerID && actorID != offer.SellerID {
		return nil, reject(apperr.Unauthorized("you are not a party to this offer"))
	}
	required := offer.ProposerID()
	if transition.actor == partyRespondent {
		required = offer.RespondentID()
	}
	if actorID != required {
		return nil, reject(apperr.Unauthorized(fmt.Sprintf("only the %s may %s this offer", roleOf(offer, required), req.Action)))
	}

	if offer.Status != models.OfferStatusPending {
		return nil, reject(apperr.Conflict("offer_not_pending", fmt.Sprintf("offer is %s", offer.Status)))
	}

	now := l.now().UTC()
	if offer.IsExpired(now) {
		if err := l.expire(ctx, offer, now); err != nil {
			return nil, err
		}
		return nil, reject(apperr.Expired("offer has expired"))
	}

	var result *OfferActionResult
	switch req.Action {
	case models.OfferActionAccept:
		result, err = l.accept(ctx, offer, actorID, req.Message, now)
	case models.OfferActionCounter:
		result, err = l.counter(ctx, offer, actorID, req, now)
	default:
		result, err = l.close(ctx, offer, actorID, req.Action, transition.to, req.Message, now)
	}
	if err != nil {
		return nil, err
	}

	util.OfferActionsTotal.WithLabelValues(req.Action).Inc()
	return result, nil
}

func (l *OfferLedger) close(ctx context.Context, offer *models.Offer, actorID, action, to, message string, now time.Time) (*OfferActionResult, error) {
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusPending, to, now); err != nil {
			return offerCASErr(err, offer.ID)
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityOffer, offer.ID, action, actorID,
			models.OfferStatusPending, to, message, now))
	})
	if err != nil {
		return nil, storeErr(err, "offer", offer.ID)
	}

	markResponded(offer, to, now)
	l.logger.Info("Offer closed",
		zap.String("offer_id", offer.ID),
		zap.String("action", action),
		zap.String("actor_id", actorID))

	l.publish(ctx, offer, actorID)
	return &OfferActionResult{Offer: offer}, nil
}

func (l *OfferLedger) accept(ctx context.Context, offer *models.Offer, actorID, message string, now time.Time) (*OfferActionResult, error) {
	listing, err := l.loadListing(ctx, offer.ListingID)
	if err != nil {
		return nil, err
	}
	if err := checkListingOpen(listing); err != nil {
		return nil, err
	}
	if models.KindNeedsItems(offer.Kind) {
		if err := l.verifyOwnership(ctx, offer.BuyerID, offer.TradeItemIDs); err != nil {
			return nil, err
		}
	}

	var created *models.Transaction
	var siblings []models.Offer
	err = l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusPending, models.OfferStatusAccepted, now); err != nil {
			return offerCASErr(err, offer.ID)
		}
		if err := tx.AppendAudit(ctx, auditEntry(models.EntityOffer, offer.ID, models.OfferActionAccept, actorID,
			models.OfferStatusPending, models.OfferStatusAccepted, message, now)); err != nil {
			return err
		}

		var err error
		created, err = l.transactions.open(ctx, tx, offer, actorID, now)
		if err != nil {
			return err
		}

		siblings, err = tx.ExpirePendingSiblings(ctx, offer.ListingID, offer.ID, now)
		if err != nil {
			return err
		}
		for _, sibling := range siblings {
			if err := tx.AppendAudit(ctx, auditEntry(models.EntityOffer, sibling.ID, "expire", systemActor,
				models.OfferStatusPending, models.OfferStatusExpired, "another offer was accepted", now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err, "offer", offer.ID)
	}

	markResponded(offer, models.OfferStatusAccepted, now)
	util.OffersExpiredTotal.Add(float64(len(siblings)))
	l.logger.Info("Offer accepted",
		zap.String("offer_id", offer.ID),
		zap.String("transaction_id", created.ID),
		zap.Int("expired_siblings", len(siblings)))

	l.publish(ctx, offer, actorID)
	l.transactions.announceCreated(ctx, created, actorID)
	for i := range siblings {
		l.publish(ctx, &siblings[i], systemActor)
	}

	return &OfferActionResult{Offer: offer, Transaction: created}, nil
}

func (l *OfferLedger) counter(ctx context.Context, offer *models.Offer, actorID string, req *OfferActionRequest, now time.Time) (*OfferActionResult, error) {
	if offer.CounterDepth >= l.cfg.MaxCounterDepth {
		return nil, reject(apperr.Validation("counter_depth_exceeded",
			fmt.Sprintf("a negotiation is limited to %d counter offers", l.cfg.MaxCounterDepth)))
	}

	kind, ok := counterKind(req.CounterAmount, req.CounterTradeItemIDs)
	if !ok {
		return nil, reject(apperr.Validation("counter_terms_required", "a counter offer needs an amount or trade items"))
	}

	listing, err := l.loadListing(ctx, offer.ListingID)
	if err != nil {
		return nil, err
	}
	if err := checkListingOpen(listing); err != nil {
		return nil, err
	}

	items, err := l.validateTerms(ctx, kind, req.CounterAmount, req.CounterTradeItemIDs, listing, offer.BuyerID)
	if err != nil {
		return nil, err
	}

	parentID := offer.ID
	child := &models.Offer{
		ID:            uuid.New().String(),
		ListingID:     offer.ListingID,
		BuyerID:       offer.BuyerID,
		SellerID:      offer.SellerID,
		Kind:          kind,
		Amount:        req.CounterAmount,
		TradeItemIDs:  items,
		Message:       req.Message,
		Status:        models.OfferStatusPending,
		CounterDepth:  offer.CounterDepth + 1,
		ParentOfferID: &parentID,
		ExpiresAt:     now.Add(l.cfg.OfferLifetime),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusPending, models.OfferStatusCountered, now); err != nil {
			return offerCASErr(err, offer.ID)
		}
		if err := tx.CreateOffer(ctx, child); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return reject(apperr.Conflict("counter_exists", "offer already has a counter"))
			}
			return err
		}
		if err := tx.AppendAudit(ctx, auditEntry(models.EntityOffer, offer.ID, models.OfferActionCounter, actorID,
			models.OfferStatusPending, models.OfferStatusCountered, "", now)); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityOffer, child.ID, "create", actorID,
			"", models.OfferStatusPending, child.Message, now))
	})
	if err != nil {
		return nil, storeErr(err, "offer", offer.ID)
	}

	markResponded(offer, models.OfferStatusCountered, now)
	l.logger.Info("Offer countered",
		zap.String("offer_id", offer.ID),
		zap.String("counter_id", child.ID),
		zap.Int("counter_depth", child.CounterDepth))

	l.publish(ctx, offer, actorID)
	l.publish(ctx, child, actorID)
	return &OfferActionResult{Offer: offer, Counter: child}, nil
}

// expire persists the lazily detected expiry of a pending offer
func (l *OfferLedger) expire(ctx context.Context, offer *models.Offer, now time.Time) error {
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusPending, models.OfferStatusExpired, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityOffer, offer.ID, "expire", systemActor,
			models.OfferStatusPending, models.OfferStatusExpired, "offer lifetime elapsed", now))
	})
	if errors.Is(err, store.ErrStatusMismatch) {
		// already moved on by someone else
		return nil
	}
	if err != nil {
		return storeErr(err, "offer", offer.ID)
	}

	offer.Status = models.OfferStatusExpired
	offer.UpdatedAt = now
	util.OffersExpiredTotal.Inc()
	l.logger.Info("Offer expired", zap.String("offer_id", offer.ID))

	l.publish(ctx, offer, systemActor)
	return nil
}

// validateTerms checks amount and trade items for kind and returns the
// normalized item set. Trade items always belong to the buyer, so ownerID
// is the buyer even when the seller proposes: a seller counter names the
// items the seller wants from the buyer.
func (l *OfferLedger) validateTerms(ctx context.Context, kind string, amount *int64, itemIDs []string, listing *models.Listing, ownerID string) (models.ItemIDs, error) {
	if models.KindNeedsAmount(kind) {
		if amount == nil {
			return nil, reject(apperr.Validation("amount_required", fmt.Sprintf("amount is required for %s offers", kind)))
		}
		if *amount < l.cfg.MinOfferAmount || *amount > l.cfg.MaxOfferAmount {
			return nil, reject(apperr.Validation("amount_out_of_bounds",
				fmt.Sprintf("amount must be between %d and %d", l.cfg.MinOfferAmount, l.cfg.MaxOfferAmount)))
		}
		if listing.MinOffer != nil && *amount < *listing.MinOffer {
			return nil, reject(apperr.Validation("below_minimum_offer",
				fmt.Sprintf("below minimum offer of %d", *listing.MinOffer)))
		}
	} else if amount != nil {
		return nil, reject(apperr.Validation("amount_not_allowed", "trade offers cannot carry an amount"))
	}

	for _, id := range itemIDs {
		if strings.TrimSpace(id) == "" {
			return nil, reject(apperr.Validation("invalid_trade_item", "trade item ids must not be blank"))
		}
	}
	items := models.ItemIDs(itemIDs).Normalize()

	if !models.KindNeedsItems(kind) {
		if len(items) > 0 {
			return nil, reject(apperr.Validation("trade_items_not_allowed", "buy offers cannot carry trade items"))
		}
		return nil, nil
	}
	if len(items) == 0 {
		return nil, reject(apperr.Validation("trade_items_required", fmt.Sprintf("trade items are required for %s offers", kind)))
	}
	if len(items) > l.cfg.MaxTradeItems {
		return nil, reject(apperr.Validation("too_many_trade_items",
			fmt.Sprintf("at most %d trade items may be offered", l.cfg.MaxTradeItems)))
	}
	if err := l.verifyOwnership(ctx, ownerID, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (l *OfferLedger) verifyOwnership(ctx context.Context, userID string, items models.ItemIDs) error {
	owned, err := l.ownership.OwnsAll(ctx, userID, items)
	if err != nil {
		return apperr.Upstream("ownership check failed", err)
	}
	if !owned {
		return reject(apperr.Validation("items_not_owned", "must own all offered items"))
	}
	return nil
}

func (l *OfferLedger) loadListing(ctx context.Context, listingID string) (*models.Listing, error) {
	listing, err := l.listings.GetListing(ctx, listingID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		return nil, apperr.Upstream("listing lookup failed", err)
	}
	return listing, nil
}

func (l *OfferLedger) checkMessage(message string) error {
	if utf8.RuneCountInString(message) > l.cfg.MaxMessageLength {
		return reject(apperr.Validation("message_too_long",
			fmt.Sprintf("message exceeds %d characters", l.cfg.MaxMessageLength)))
	}
	return nil
}

func (l *OfferLedger) publish(ctx context.Context, offer *models.Offer, actorID string) {
	event := &models.OfferEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: offerEventTypes[offer.Status],
			Timestamp: time.Now(),
		},
		OfferID:       offer.ID,
		ListingID:     offer.ListingID,
		BuyerID:       offer.BuyerID,
		SellerID:      offer.SellerID,
		ActorID:       actorID,
		Status:        offer.Status,
		CounterDepth:  offer.CounterDepth,
		ParentOfferID: offer.ParentOfferID,
		Amount:        offer.Amount,
	}

	if err := l.publisher.PublishOfferEvent(ctx, event); err != nil {
		l.logger.Error("Failed to publish offer event",
			zap.String("event_type", event.EventType),
			zap.String("offer_id", offer.ID),
			zap.Error(err))
	}
}

func checkListingOpen(listing *models.Listing) error {
	if listing.Status != models.ListingStatusActive {
		return reject(apperr.Validation("listing_not_active", "listing is not active"))
	}
	if !listing.AcceptOffers {
		return reject(apperr.Validation("listing_not_accepting_offers", "listing does not accept offers"))
	}
	return nil
}

func offerCASErr(err error, offerID string) error {
	if errors.Is(err, store.ErrStatusMismatch) {
		return reject(apperr.Conflict("offer_not_pending", "offer is no longer pending"))
	}
	return storeErr(err, "offer", offerID)
}

// counterKind derives the kind of a counter from the terms it carries
func counterKind(amount *int64, items []string) (string, bool) {
	switch {
	case amount != nil && len(items) > 0:
		return models.OfferKindBuyPlusTrade, true
	case amount != nil:
		return models.OfferKindBuy, true
	case len(items) > 0:
		return models.OfferKindTrade, true
	}
	return "", false
}

func validKind(kind string) bool {
	switch kind {
	case models.OfferKindBuy, models.OfferKindTrade, models.OfferKindBuyPlusTrade:
		return true
	}
	return false
}

func roleOf(offer *models.Offer, userID string) string {
	if userID == offer.BuyerID {
		return "buyer"
	}
	return "seller"
}

func markResponded(offer *models.Offer, status string, now time.Time) {
	offer.Status = status
	offer.RespondedAt = &now
	offer.UpdatedAt = now
}
