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

// TransactionLedger owns escrow transactions and their fulfillment state machine
type TransactionLedger struct {
	store     *store.Store
	publisher EventPublisher
	checkout  CheckoutProvider
	cfg       config.BusinessConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewTransactionLedger creates a new transaction ledger
func NewTransactionLedger(
	store *store.Store,
	publisher EventPublisher,
	checkout CheckoutProvider,
	cfg config.BusinessConfig,
) *TransactionLedger {
	return &TransactionLedger{
		store:     store,
		publisher: publisher,
		checkout:  checkout,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// TransactionActionRequest represents a buyer or seller fulfillment step
type TransactionActionRequest struct {
	Action          string `json:"action" binding:"required"`
	ShippingCarrier string `json:"shipping_carrier,omitempty"`
	TrackingNumber  string `json:"tracking_number,omitempty"`
	Message         string `json:"message,omitempty"`
}

type txRole int

const (
	roleBuyer txRole = iota
	roleSeller
	roleEither
)

type txTransition struct {
	actor txRole
	from  []string
	// empty keeps the current status
	to string
}

var txTransitions = map[string]txTransition{
	models.TxActionAddTracking: {
		actor: roleSeller,
		from:  []string{models.TxStatusPaymentHeld, models.TxStatusShipped},
	},
	models.TxActionMarkShipped: {
		actor: roleSeller,
		from:  []string{models.TxStatusPaymentHeld},
		to:    models.TxStatusShipped,
	},
	models.TxActionConfirmDelivery: {
		actor: roleBuyer,
		from:  []string{models.TxStatusShipped},
		to:    models.TxStatusDelivered,
	},
	models.TxActionRequestRefund: {
		actor: roleBuyer,
		from:  []string{models.TxStatusPaymentHeld, models.TxStatusShipped},
		to:    models.TxStatusRefundRequested,
	},
	models.TxActionCancel: {
		actor: roleEither,
		from:  []string{models.TxStatusPendingPayment},
		to:    models.TxStatusCancelled,
	},
}

func (t txTransition) permits(tx *models.Transaction, actorID string) bool {
	switch t.actor {
	case roleBuyer:
		return actorID == tx.BuyerID
	case roleSeller:
		return actorID == tx.SellerID
	default:
		return actorID == tx.BuyerID || actorID == tx.SellerID
	}
}

func (t txTransition) startsFrom(status string) bool {
	for _, s := range t.from {
		if s == status {
			return true
		}
	}
	return false
}

// Act applies a buyer or seller action to a transaction
func (l *TransactionLedger) Act(ctx context.Context, txID, actorID string, req *TransactionActionRequest) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.Act")
	defer span.End()

	transition, ok := txTransitions[req.Action]
	if !ok {
		return nil, apperr.Validation("invalid_action", fmt.Sprintf("unknown transaction action %q", req.Action))
	}
	if utf8.RuneCountInString(req.Message) > l.cfg.MaxMessageLength {
		return nil, apperr.Validation("message_too_long",
			fmt.Sprintf("message exceeds %d characters", l.cfg.MaxMessageLength))
	}

	t, err := l.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return nil, storeErr(err, "transaction", txID)
	}
	if actorID != t.BuyerID && actorID != t.SellerID {
		return nil, apperr.Unauthorized("you are not a party to this transaction")
	}
	if !transition.permits(t, actorID) {
		return nil, apperr.Unauthorized(fmt.Sprintf("the %s may not %s", txRoleOf(t, actorID), req.Action))
	}
	if !transition.startsFrom(t.Status) {
		return nil, apperr.Conflict("invalid_transition",
			fmt.Sprintf("cannot %s a transaction that is %s", req.Action, t.Status))
	}

	now := l.now().UTC()
	cols, note, err := actionColumns(req, now)
	if err != nil {
		return nil, err
	}

	next := transition.to
	if next == "" {
		next = t.Status
	}

	err = l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.CompareAndSetTransaction(ctx, t.ID, t.Status, next, cols, now); err != nil {
			return txCASErr(err, t.ID)
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityTransaction, t.ID, req.Action, actorID,
			t.Status, next, note, now))
	})
	if err != nil {
		return nil, storeErr(err, "transaction", t.ID)
	}

	updated, err := l.store.GetTransactionByID(ctx, t.ID)
	if err != nil {
		return nil, storeErr(err, "transaction", t.ID)
	}

	if next != t.Status {
		util.TransactionTransitionsTotal.WithLabelValues(t.Status, next).Inc()
	}
	l.logger.Info("Transaction updated",
		zap.String("transaction_id", t.ID),
		zap.String("action", req.Action),
		zap.String("from", t.Status),
		zap.String("to", next))

	eventType := models.EventTypeTransactionUpdated
	if req.Action == models.TxActionRequestRefund {
		eventType = models.EventTypeRefundRequested
	}
	l.publish(ctx, eventType, updated, actorID, t.Status, note)

	if req.Action == models.TxActionConfirmDelivery {
		l.requestRelease(ctx, updated)
	}
	return updated, nil
}

// StartCheckout opens a hosted checkout for the buyer and moves the
// transaction to payment_processing. A gateway failure leaves it untouched.
func (l *TransactionLedger) StartCheckout(ctx context.Context, txID, actorID string) (*models.Transaction, *models.CheckoutSession, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.StartCheckout")
	defer span.End()

	t, err := l.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return nil, nil, storeErr(err, "transaction", txID)
	}
	if actorID != t.BuyerID {
		return nil, nil, apperr.Unauthorized("only the buyer may pay for this transaction")
	}
	if t.Status != models.TxStatusPendingPayment {
		return nil, nil, apperr.Conflict("invalid_transition",
			fmt.Sprintf("cannot start payment for a transaction that is %s", t.Status))
	}
	if t.Amount == nil {
		return nil, nil, apperr.Validation("no_payment_due", "transaction carries no amount to pay")
	}

	session, err := l.checkout.CreateCheckoutSession(ctx, t)
	if err != nil {
		l.logger.Error("Failed to create checkout session",
			zap.String("transaction_id", t.ID),
			zap.Error(err))
		return nil, nil, apperr.Upstream("payment gateway unavailable", err)
	}

	now := l.now().UTC()
	cols := store.Columns{
		"checkout_session_id": session.ID,
		"payment_started_at":  now,
	}
	if session.PaymentIntentID != "" {
		cols["payment_intent_id"] = session.PaymentIntentID
	}

	err = l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.CompareAndSetTransaction(ctx, t.ID, models.TxStatusPendingPayment,
			models.TxStatusPaymentProcessing, cols, now); err != nil {
			return txCASErr(err, t.ID)
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityTransaction, t.ID, "checkout", actorID,
			models.TxStatusPendingPayment, models.TxStatusPaymentProcessing, session.ID, now))
	})
	if err != nil {
		l.logger.Warn("Checkout session left unused",
			zap.String("transaction_id", t.ID),
			zap.String("session_id", session.ID),
			zap.Error(err))
		return nil, nil, storeErr(err, "transaction", t.ID)
	}

	updated, err := l.store.GetTransactionByID(ctx, t.ID)
	if err != nil {
		return nil, nil, storeErr(err, "transaction", t.ID)
	}

	util.TransactionTransitionsTotal.WithLabelValues(models.TxStatusPendingPayment, models.TxStatusPaymentProcessing).Inc()
	l.publish(ctx, models.EventTypeTransactionUpdated, updated, actorID, models.TxStatusPendingPayment, "checkout started")
	return updated, session, nil
}

// GetTransaction returns a transaction visible to one of its parties
func (l *TransactionLedger) GetTransaction(ctx context.Context, txID, actorID string) (*models.Transaction, error) {
	t, err := l.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return nil, storeErr(err, "transaction", txID)
	}
	if actorID != t.BuyerID && actorID != t.SellerID {
		return nil, apperr.Unauthorized("you are not a party to this transaction")
	}
	return t, nil
}

// TransactionForOffer returns the transaction opened by accepting offerID
func (l *TransactionLedger) TransactionForOffer(ctx context.Context, offerID, actorID string) (*models.Transaction, error) {
	t, err := l.store.GetTransactionByOfferID(ctx, offerID)
	if err != nil {
		return nil, storeErr(err, "transaction for offer", offerID)
	}
	if actorID != t.BuyerID && actorID != t.SellerID {
		return nil, apperr.Unauthorized("you are not a party to this transaction")
	}
	return t, nil
}

// History returns the audit trail of a transaction
func (l *TransactionLedger) History(ctx context.Context, txID, actorID string) ([]models.AuditEntry, error) {
	if _, err := l.GetTransaction(ctx, txID, actorID); err != nil {
		return nil, err
	}
	entries, err := l.store.ListAudit(ctx, models.EntityTransaction, txID)
	if err != nil {
		return nil, storeErr(err, "transaction", txID)
	}
	return entries, nil
}

// Flag marks a transaction as needing manual reconciliation
func (l *TransactionLedger) Flag(ctx context.Context, txID, reason string) error {
	now := l.now().UTC()
	var t *models.Transaction
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.FlagTransaction(ctx, txID, reason, now); err != nil {
			return err
		}
		var err error
		t, err = tx.GetTransactionByID(ctx, txID)
		if err != nil {
			return err
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityTransaction, txID, "flag", systemActor,
			t.Status, t.Status, reason, now))
	})
	if err != nil {
		return storeErr(err, "transaction", txID)
	}

	l.logger.Warn("Transaction flagged for attention",
		zap.String("transaction_id", txID),
		zap.String("reason", reason))
	l.publish(ctx, models.EventTypeTransactionFlagged, t, systemActor, t.Status, reason)
	return nil
}

// RecordPayout stores the transfer created for a released transaction. It
// reports false when a transfer was already on record.
func (l *TransactionLedger) RecordPayout(ctx context.Context, txID, transferID string) (bool, error) {
	now := l.now().UTC()
	var applied bool
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		applied, err = tx.RecordTransfer(ctx, txID, transferID, now)
		if err != nil || !applied {
			return err
		}
		return tx.AppendAudit(ctx, auditEntry(models.EntityTransaction, txID, "release", systemActor,
			models.TxStatusDelivered, models.TxStatusDelivered, transferID, now))
	})
	if err != nil {
		return false, storeErr(err, "transaction", txID)
	}
	return applied, nil
}

// open inserts the transaction for an offer being accepted inside tx
func (l *TransactionLedger) open(ctx context.Context, tx *store.Store, offer *models.Offer, actorID string, now time.Time) (*models.Transaction, error) {
	t := &models.Transaction{
		ID:           uuid.New().String(),
		OfferID:      offer.ID,
		ListingID:    offer.ListingID,
		BuyerID:      offer.BuyerID,
		SellerID:     offer.SellerID,
		Amount:       offer.Amount,
		TradeItemIDs: offer.TradeItemIDs,
		Status:       models.TxStatusPendingPayment,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := tx.CreateTransaction(ctx, t); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, apperr.Conflict("transaction_exists", "offer already has a transaction")
		}
		return nil, err
	}
	if err := tx.AppendAudit(ctx, auditEntry(models.EntityTransaction, t.ID, "create", actorID,
		"", models.TxStatusPendingPayment, offer.ID, now)); err != nil {
		return nil, err
	}
	return t, nil
}

func (l *TransactionLedger) announceCreated(ctx context.Context, t *models.Transaction, actorID string) {
	util.TransactionsCreatedTotal.Inc()
	l.logger.Info("Transaction created",
		zap.String("transaction_id", t.ID),
		zap.String("offer_id", t.OfferID))
	l.publish(ctx, models.EventTypeTransactionCreated, t, actorID, "", "")
}

// requestRelease asks the payout worker to transfer held funds. It runs
// once per transaction because only one shipped to delivered swap succeeds.
func (l *TransactionLedger) requestRelease(ctx context.Context, t *models.Transaction) {
	if t.Amount == nil {
		return
	}

	event := &models.FundsReleaseRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   models.ReleaseEventID(t.ID),
			EventType: models.EventTypeFundsReleaseRequested,
			Timestamp: time.Now(),
		},
		TransactionID:   t.ID,
		SellerID:        t.SellerID,
		Amount:          t.Amount,
		PaymentIntentID: t.PaymentIntentID,
	}

	if err := l.publisher.PublishFundsRelease(ctx, event); err != nil {
		l.logger.Error("Failed to publish fund release request",
			zap.String("transaction_id", t.ID),
			zap.Error(err))
		if err := l.Flag(ctx, t.ID, "fund release request could not be published"); err != nil {
			l.logger.Error("Failed to flag transaction", zap.String("transaction_id", t.ID), zap.Error(err))
		}
	}
}

func (l *TransactionLedger) publish(ctx context.Context, eventType string, t *models.Transaction, actorID, from, note string) {
	event := &models.TransactionEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		TransactionID: t.ID,
		OfferID:       t.OfferID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		ActorID:       actorID,
		FromStatus:    from,
		ToStatus:      t.Status,
		Note:          note,
	}

	if err := l.publisher.PublishTransactionEvent(ctx, event); err != nil {
		l.logger.Error("Failed to publish transaction event",
			zap.String("event_type", eventType),
			zap.String("transaction_id", t.ID),
			zap.Error(err))
	}
}

// actionColumns validates the payload of an action and returns the fields it writes
func actionColumns(req *TransactionActionRequest, now time.Time) (store.Columns, string, error) {
	carrier := strings.TrimSpace(req.ShippingCarrier)
	tracking := strings.TrimSpace(req.TrackingNumber)

	switch req.Action {
	case models.TxActionAddTracking:
		if tracking == "" {
			return nil, "", apperr.Validation("tracking_required", "tracking number is required")
		}
		cols := store.Columns{"tracking_number": tracking}
		if carrier != "" {
			cols["shipping_carrier"] = carrier
		}
		return cols, strings.TrimSpace(carrier + " " + tracking), nil
	case models.TxActionMarkShipped:
		if carrier == "" || tracking == "" {
			return nil, "", apperr.Validation("shipping_details_required", "carrier and tracking number are required to ship")
		}
		return store.Columns{
			"shipping_carrier": carrier,
			"tracking_number":  tracking,
			"shipped_at":       now,
		}, carrier + " " + tracking, nil
	case models.TxActionConfirmDelivery:
		return store.Columns{"delivered_at": now, "release_requested_at": now}, req.Message, nil
	case models.TxActionRequestRefund:
		return store.Columns{"refund_requested_at": now}, req.Message, nil
	case models.TxActionCancel:
		return store.Columns{"cancelled_at": now}, req.Message, nil
	}
	return nil, "", apperr.Validation("invalid_action", fmt.Sprintf("unknown transaction action %q", req.Action))
}

func txCASErr(err error, txID string) error {
	if errors.Is(err, store.ErrStatusMismatch) {
		return apperr.Conflict("status_changed", "transaction was modified by another request")
	}
	return storeErr(err, "transaction", txID)
}

func txRoleOf(t *models.Transaction, userID string) string {
	if userID == t.BuyerID {
		return "buyer"
	}
	return "seller"
}
