package service

import (
	"context"
	"errors"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/store"
	"offer-service/internal/util"

	"go.uber.org/zap"
)

// Outcomes recorded against every processed gateway event
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeLate      = "late"
	OutcomeFlagged   = "flagged"
	OutcomeRecorded  = "recorded"
	OutcomeIgnored   = "ignored"
	OutcomeUnmatched = "unmatched"
)

type gatewayChange struct {
	tx        *models.Transaction
	from      string
	to        string
	action    string
	note      string
	eventType string
}

// ApplyGatewayEvent applies a verified payment rail event. The event id is
// claimed in the same database transaction as the effect, so a redelivered
// event is a no-op and a failed write leaves nothing behind.
func (l *TransactionLedger) ApplyGatewayEvent(ctx context.Context, ev *models.GatewayEvent) (string, error) {
	ctx, span := util.StartSpan(ctx, "TransactionLedger.ApplyGatewayEvent")
	defer span.End()

	start := time.Now()
	defer func() {
		util.GatewayEventLatency.Observe(time.Since(start).Seconds())
	}()

	if ev.ID == "" {
		return "", apperr.Gateway("event id missing", nil)
	}

	now := l.now().UTC()
	var outcome string
	var change *gatewayChange
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		t, err := resolveTransaction(ctx, tx, ev)
		if err != nil {
			return err
		}

		record := &models.ProcessedEvent{
			EventID:     ev.ID,
			EventType:   ev.ProviderType,
			Outcome:     "processing",
			ProcessedAt: now,
		}
		if t != nil {
			record.TransactionID = &t.ID
		}

		claimed, err := tx.ClaimEvent(ctx, record)
		if err != nil {
			return err
		}
		if !claimed {
			outcome = OutcomeDuplicate
			return nil
		}

		outcome, change, err = l.applyEffect(ctx, tx, t, ev, now)
		if err != nil {
			return err
		}
		if change != nil {
			if err := tx.AppendAudit(ctx, auditEntry(models.EntityTransaction, change.tx.ID, change.action,
				gatewayActor, change.from, change.to, change.note, now)); err != nil {
				return err
			}
		}
		return tx.SetEventOutcome(ctx, ev.ID, outcome)
	})
	if err != nil {
		util.GatewayEventsTotal.WithLabelValues(ev.Kind, "error").Inc()
		util.FailSpan(span, err)
		l.logger.Error("Failed to apply gateway event",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.ProviderType),
			zap.Error(err))
		return "", txCASErr(err, ev.TransactionID)
	}

	util.GatewayEventsTotal.WithLabelValues(ev.Kind, outcome).Inc()
	l.logger.Info("Gateway event processed",
		zap.String("event_id", ev.ID),
		zap.String("type", ev.ProviderType),
		zap.String("outcome", outcome))

	if change != nil {
		if change.from != change.to {
			util.TransactionTransitionsTotal.WithLabelValues(change.from, change.to).Inc()
		}
		change.tx.Status = change.to
		l.publish(ctx, change.eventType, change.tx, gatewayActor, change.from, change.note)
	}
	return outcome, nil
}

func (l *TransactionLedger) applyEffect(ctx context.Context, tx *store.Store, t *models.Transaction, ev *models.GatewayEvent, now time.Time) (string, *gatewayChange, error) {
	switch ev.Kind {
	case models.GatewayAccountUpdated:
		return OutcomeRecorded, nil, nil
	case models.GatewayUnknown:
		return OutcomeIgnored, nil, nil
	}

	if t == nil {
		l.logger.Warn("Gateway event matched no transaction",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.ProviderType))
		return OutcomeUnmatched, nil, nil
	}

	switch ev.Kind {
	case models.GatewayCheckoutCompleted:
		if t.Status != models.TxStatusPendingPayment && t.Status != models.TxStatusPaymentProcessing {
			return OutcomeLate, nil, nil
		}
		return gatewayTransition(ctx, tx, t, ev, models.TxStatusPaymentHeld, paymentColumns(t, ev, now), now)

	case models.GatewayPaymentSucceeded:
		if t.Status != models.TxStatusPaymentProcessing {
			return OutcomeLate, nil, nil
		}
		return gatewayTransition(ctx, tx, t, ev, models.TxStatusPaymentHeld, paymentColumns(t, ev, now), now)

	case models.GatewayPaymentFailed:
		if t.Status != models.TxStatusPaymentProcessing {
			return OutcomeLate, nil, nil
		}
		return gatewayTransition(ctx, tx, t, ev, models.TxStatusPendingPayment, nil, now)

	case models.GatewayTransferCreated:
		if ev.TransferID == "" {
			return OutcomeIgnored, nil, nil
		}
		applied, err := tx.RecordTransfer(ctx, t.ID, ev.TransferID, now)
		if err != nil {
			return "", nil, err
		}
		if !applied {
			return OutcomeLate, nil, nil
		}
		return OutcomeApplied, &gatewayChange{
			tx:        t,
			from:      t.Status,
			to:        t.Status,
			action:    ev.Kind,
			note:      ev.TransferID,
			eventType: models.EventTypeTransactionUpdated,
		}, nil

	case models.GatewayChargeRefunded:
		if t.Status == models.TxStatusRefunded {
			return OutcomeLate, nil, nil
		}
		if t.IsTerminal() {
			l.logger.Warn("Refund reported for a settled transaction",
				zap.String("transaction_id", t.ID),
				zap.String("status", t.Status))
			return flagFromGateway(ctx, tx, t, ev, "refund reported after transaction was "+t.Status, now)
		}
		return gatewayTransition(ctx, tx, t, ev, models.TxStatusRefunded, store.Columns{"refunded_at": now}, now)

	case models.GatewayDisputeOpened:
		reason := "payment dispute opened"
		if ev.Reason != "" {
			reason += ": " + ev.Reason
		}
		return flagFromGateway(ctx, tx, t, ev, reason, now)
	}

	return OutcomeIgnored, nil, nil
}

func gatewayTransition(ctx context.Context, tx *store.Store, t *models.Transaction, ev *models.GatewayEvent, to string, cols store.Columns, now time.Time) (string, *gatewayChange, error) {
	if err := tx.CompareAndSetTransaction(ctx, t.ID, t.Status, to, cols, now); err != nil {
		return "", nil, err
	}
	return OutcomeApplied, &gatewayChange{
		tx:        t,
		from:      t.Status,
		to:        to,
		action:    ev.Kind,
		note:      ev.ID,
		eventType: models.EventTypeTransactionUpdated,
	}, nil
}

func flagFromGateway(ctx context.Context, tx *store.Store, t *models.Transaction, ev *models.GatewayEvent, reason string, now time.Time) (string, *gatewayChange, error) {
	if err := tx.FlagTransaction(ctx, t.ID, reason, now); err != nil {
		return "", nil, err
	}
	return OutcomeFlagged, &gatewayChange{
		tx:        t,
		from:      t.Status,
		to:        t.Status,
		action:    ev.Kind,
		note:      reason,
		eventType: models.EventTypeTransactionFlagged,
	}, nil
}

func paymentColumns(t *models.Transaction, ev *models.GatewayEvent, now time.Time) store.Columns {
	cols := store.Columns{"paid_at": now}
	if t.PaymentIntentID == nil && ev.PaymentIntentID != "" {
		cols["payment_intent_id"] = ev.PaymentIntentID
	}
	if t.CheckoutSessionID == nil && ev.CheckoutSessionID != "" {
		cols["checkout_session_id"] = ev.CheckoutSessionID
	}
	return cols
}

// resolveTransaction finds the transaction an event refers to, preferring
// the id we stamped into the checkout metadata. It returns nil when
// nothing matches.
func resolveTransaction(ctx context.Context, tx *store.Store, ev *models.GatewayEvent) (*models.Transaction, error) {
	if ev.TransactionID != "" {
		t, err := tx.GetTransactionByID(ctx, ev.TransactionID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	t, err := tx.FindTransactionByPaymentRef(ctx, ev.PaymentIntentID, ev.CheckoutSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return t, err
}
