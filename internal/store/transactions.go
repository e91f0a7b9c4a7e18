package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"offer-service/internal/models"
)

// Columns a transition may write besides status and updated_at
var transactionColumns = map[string]bool{
	"payment_intent_id":    true,
	"checkout_session_id":  true,
	"shipping_carrier":     true,
	"tracking_number":      true,
	"payment_started_at":   true,
	"paid_at":              true,
	"shipped_at":           true,
	"delivered_at":         true,
	"release_requested_at": true,
	"refund_requested_at":  true,
	"refunded_at":          true,
	"cancelled_at":         true,
}

// Columns sets extra fields during a transaction transition
type Columns map[string]interface{}

// CreateTransaction inserts the escrow record for an accepted offer
func (s *Store) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	query := s.rebind(`
		INSERT INTO transactions (id, offer_id, listing_id, buyer_id, seller_id, amount,
			trade_item_ids, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		tx.ID, tx.OfferID, tx.ListingID, tx.BuyerID, tx.SellerID, tx.Amount,
		tx.TradeItemIDs, tx.Status, tx.CreatedAt, tx.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransactionByID retrieves a transaction by ID
func (s *Store) GetTransactionByID(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	err := sqlxGet(ctx, s, &tx, "SELECT * FROM transactions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetTransactionByOfferID retrieves the transaction created from an offer
func (s *Store) GetTransactionByOfferID(ctx context.Context, offerID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := sqlxGet(ctx, s, &tx, "SELECT * FROM transactions WHERE offer_id = ?", offerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// FindTransactionByPaymentRef resolves a gateway reference (payment intent
// or checkout session id) to a transaction.
func (s *Store) FindTransactionByPaymentRef(ctx context.Context, paymentIntentID, checkoutSessionID string) (*models.Transaction, error) {
	var tx models.Transaction
	var err error
	switch {
	case paymentIntentID != "":
		err = sqlxGet(ctx, s, &tx, "SELECT * FROM transactions WHERE payment_intent_id = ?", paymentIntentID)
		if errors.Is(err, sql.ErrNoRows) && checkoutSessionID != "" {
			err = sqlxGet(ctx, s, &tx, "SELECT * FROM transactions WHERE checkout_session_id = ?", checkoutSessionID)
		}
	case checkoutSessionID != "":
		err = sqlxGet(ctx, s, &tx, "SELECT * FROM transactions WHERE checkout_session_id = ?", checkoutSessionID)
	default:
		return nil, ErrNotFound
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CompareAndSetTransaction moves a transaction from expected to next and
// writes cols in the same statement. next may equal expected for updates
// that only touch fields.
func (s *Store) CompareAndSetTransaction(ctx context.Context, id, expected, next string, cols Columns, now time.Time) error {
	names := make([]string, 0, len(cols))
	for name := range cols {
		if !transactionColumns[name] {
			return fmt.Errorf("column %q is not writable", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{next, now}
	for _, name := range names {
		sets = append(sets, name+" = ?")
		args = append(args, cols[name])
	}
	args = append(args, id, expected)

	query := s.rebind("UPDATE transactions SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return s.checkSwapped(ctx, res, "transactions", id)
}

// RecordTransfer stores the payout transfer id once. It reports false when
// a transfer was already recorded.
func (s *Store) RecordTransfer(ctx context.Context, id, transferID string, now time.Time) (bool, error) {
	query := s.rebind(`
		UPDATE transactions SET transfer_id = ?, released_at = ?, updated_at = ?
		WHERE id = ? AND transfer_id IS NULL`)

	res, err := s.db.ExecContext(ctx, query, transferID, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to record transfer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FlagTransaction marks a transaction for operator attention without
// touching its status
func (s *Store) FlagTransaction(ctx context.Context, id, reason string, now time.Time) error {
	query := s.rebind(`
		UPDATE transactions SET attention_reason = ?, flagged_at = ?, updated_at = ?
		WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query, reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to flag transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
