package service

import (
	"context"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
)

// GetOffer returns an offer visible to one of its parties
func (l *OfferLedger) GetOffer(ctx context.Context, offerID, actorID string) (*models.Offer, error) {
	offer, err := l.store.GetOfferByID(ctx, offerID)
	if err != nil {
		return nil, storeErr(err, "offer", offerID)
	}
	if actorID != offer.BuyerID && actorID != offer.SellerID {
		return nil, apperr.Unauthorized("you are not a party to this offer")
	}
	return offer, nil
}

// Chain returns the negotiation an offer belongs to, root first. Both
// walks stop after the configured depth so a corrupted parent pointer
// cannot loop.
func (l *OfferLedger) Chain(ctx context.Context, offerID, actorID string) ([]models.Offer, error) {
	offer, err := l.GetOffer(ctx, offerID, actorID)
	if err != nil {
		return nil, err
	}

	var ancestors []models.Offer
	cur := offer
	for i := 0; cur.ParentOfferID != nil && i <= l.cfg.MaxCounterDepth; i++ {
		parent, err := l.store.GetOfferByID(ctx, *cur.ParentOfferID)
		if err != nil {
			return nil, storeErr(err, "offer", *cur.ParentOfferID)
		}
		ancestors = append(ancestors, *parent)
		cur = parent
	}

	chain := make([]models.Offer, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		chain = append(chain, ancestors[i])
	}
	chain = append(chain, *offer)

	cur = offer
	for i := 0; i <= l.cfg.MaxCounterDepth; i++ {
		child, err := l.store.GetChildOffer(ctx, cur.ID)
		if err != nil {
			return nil, storeErr(err, "offer", cur.ID)
		}
		if child == nil {
			break
		}
		chain = append(chain, *child)
		cur = child
	}

	return chain, nil
}

// ListingOffers lists offers on a listing for its seller. status may be
// empty to include every status.
func (l *OfferLedger) ListingOffers(ctx context.Context, listingID, actorID, status string) ([]models.Offer, error) {
	listing, err := l.loadListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID != actorID {
		return nil, apperr.Unauthorized("only the seller may list offers on this listing")
	}

	offers, err := l.store.ListOffersByListing(ctx, listingID, status, l.cfg.MaxChainListing)
	if err != nil {
		return nil, storeErr(err, "listing", listingID)
	}
	return offers, nil
}
