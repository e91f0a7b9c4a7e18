package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"offer-service/internal/models"
)

// CreateOffer inserts a new offer. A second pending offer for the same
// buyer and listing trips the offers_one_pending index.
func (s *Store) CreateOffer(ctx context.Context, offer *models.Offer) error {
	query := s.rebind(`
		INSERT INTO offers (id, listing_id, buyer_id, seller_id, kind, amount, trade_item_ids,
			message, status, counter_depth, parent_offer_id, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		offer.ID, offer.ListingID, offer.BuyerID, offer.SellerID, offer.Kind, offer.Amount,
		offer.TradeItemIDs, offer.Message, offer.Status, offer.CounterDepth, offer.ParentOfferID,
		offer.ExpiresAt, offer.CreatedAt, offer.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	return nil
}

// GetOfferByID retrieves an offer by ID
func (s *Store) GetOfferByID(ctx context.Context, id string) (*models.Offer, error) {
	var offer models.Offer
	err := sqlxGet(ctx, s, &offer, "SELECT * FROM offers WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// GetPendingOffer returns the buyer's pending offer on a listing, or nil
func (s *Store) GetPendingOffer(ctx context.Context, buyerID, listingID string) (*models.Offer, error) {
	var offer models.Offer
	err := sqlxGet(ctx, s, &offer,
		"SELECT * FROM offers WHERE buyer_id = ? AND listing_id = ? AND status = ?",
		buyerID, listingID, models.OfferStatusPending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// ListOffersByListing retrieves offers on a listing, newest first. An
// empty status returns every status.
func (s *Store) ListOffersByListing(ctx context.Context, listingID, status string, limit int) ([]models.Offer, error) {
	var offers []models.Offer
	var err error
	if status == "" {
		err = sqlxSelect(ctx, s, &offers,
			"SELECT * FROM offers WHERE listing_id = ? ORDER BY created_at DESC LIMIT ?",
			listingID, limit)
	} else {
		err = sqlxSelect(ctx, s, &offers,
			"SELECT * FROM offers WHERE listing_id = ? AND status = ? ORDER BY created_at DESC LIMIT ?",
			listingID, status, limit)
	}
	return offers, err
}

// GetChildOffer returns the counter created from parentID, or nil
func (s *Store) GetChildOffer(ctx context.Context, parentID string) (*models.Offer, error) {
	var offer models.Offer
	err := sqlxGet(ctx, s, &offer, "SELECT * FROM offers WHERE parent_offer_id = ?", parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// UpdateOfferStatus moves an offer from expected to next. It fails with
// ErrStatusMismatch if another writer changed the status first.
func (s *Store) UpdateOfferStatus(ctx context.Context, id, expected, next string, now time.Time) error {
	query := s.rebind(`
		UPDATE offers SET status = ?, responded_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	res, err := s.db.ExecContext(ctx, query, next, now, now, id, expected)
	if err != nil {
		return fmt.Errorf("failed to update offer status: %w", err)
	}
	return s.checkSwapped(ctx, res, "offers", id)
}

// ExpirePendingSiblings expires every other pending offer on the listing
// and returns the rows it touched, as they read after the update.
func (s *Store) ExpirePendingSiblings(ctx context.Context, listingID, keepID string, now time.Time) ([]models.Offer, error) {
	var pending []models.Offer
	err := sqlxSelect(ctx, s, &pending,
		"SELECT * FROM offers WHERE listing_id = ? AND status = ? AND id <> ? ORDER BY created_at",
		listingID, models.OfferStatusPending, keepID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling offers: %w", err)
	}

	expired := make([]models.Offer, 0, len(pending))
	for _, offer := range pending {
		err := s.UpdateOfferStatus(ctx, offer.ID, models.OfferStatusPending, models.OfferStatusExpired, now)
		if errors.Is(err, ErrStatusMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}
		offer.Status = models.OfferStatusExpired
		offer.RespondedAt = &now
		offer.UpdatedAt = now
		expired = append(expired, offer)
	}
	return expired, nil
}

func (s *Store) checkSwapped(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = sqlxGet(ctx, s, &exists, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id = ?)", id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusMismatch
}
