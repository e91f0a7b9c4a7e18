package worker

import (
	"context"
	"fmt"
	"time"

	"offer-service/internal/broker"
	"offer-service/internal/gateway"
	"offer-service/internal/models"
	"offer-service/internal/service"
	"offer-service/internal/store"
	"offer-service/internal/util"

	"go.uber.org/zap"
)

// Payouts creates transfers on the payment rail
type Payouts interface {
	CreateTransfer(ctx context.Context, req gateway.TransferRequest) (string, error)
}

// PayoutWorker releases escrowed funds to sellers after delivery
type PayoutWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        *store.Store
	ledger       *service.TransactionLedger
	payouts      Payouts
	logger       *zap.Logger
}

// NewPayoutWorker creates a new payout worker
func NewPayoutWorker(
	consumer *broker.Consumer,
	store *store.Store,
	ledger *service.TransactionLedger,
	payouts Payouts,
) *PayoutWorker {
	w := &PayoutWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		store:        store,
		ledger:       ledger,
		payouts:      payouts,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnFundsRelease(w.HandleFundsRelease)
	return w
}

// Start starts the worker
func (w *PayoutWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payout worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PayoutWorker) Stop() error {
	w.logger.Info("Stopping payout worker")
	return w.consumer.Close()
}

const outcomeProcessing = "processing"

// HandleFundsRelease transfers the held amount to the seller. Each request
// is attempted once; a failed transfer flags the transaction for manual
// reconciliation.
func (w *PayoutWorker) HandleFundsRelease(ctx context.Context, event *models.FundsReleaseRequestedEvent) error {
	ctx, span := util.StartSpan(ctx, "PayoutWorker.HandleFundsRelease")
	defer span.End()

	// Once the claim is committed the outcome must be written even if the
	// consumer is shutting down, or the release is stranded.
	writeCtx := context.WithoutCancel(ctx)

	txID := event.TransactionID
	claimed, err := w.store.ClaimEvent(ctx, &models.ProcessedEvent{
		EventID:       event.EventID,
		EventType:     event.EventType,
		TransactionID: &txID,
		Outcome:       outcomeProcessing,
		ProcessedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to claim release request: %w", err)
	}
	if !claimed {
		return w.handleRedelivery(writeCtx, event)
	}

	if event.Amount == nil {
		util.PayoutsTotal.WithLabelValues("skipped").Inc()
		return w.store.SetEventOutcome(writeCtx, event.EventID, "skipped: no amount")
	}

	start := time.Now()
	transferID, err := w.payouts.CreateTransfer(ctx, gateway.TransferRequest{
		TransactionID: txID,
		Destination:   event.SellerID,
		Amount:        *event.Amount,
	})
	util.PayoutLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.PayoutsTotal.WithLabelValues("failed").Inc()
		util.FailSpan(span, err)
		w.logger.Error("Fund release failed",
			zap.String("transaction_id", txID),
			zap.Error(err))

		if err := w.ledger.Flag(writeCtx, txID, "fund release failed: "+err.Error()); err != nil {
			return err
		}
		return w.store.SetEventOutcome(writeCtx, event.EventID, "failed")
	}

	applied, err := w.ledger.RecordPayout(writeCtx, txID, transferID)
	if err != nil {
		util.FailSpan(span, err)
		w.logger.Error("Transfer created but not recorded",
			zap.String("transaction_id", txID),
			zap.String("transfer_id", transferID),
			zap.Error(err))
		return err
	}

	outcome := "released"
	if !applied {
		outcome = "already_released"
	}
	util.PayoutsTotal.WithLabelValues(outcome).Inc()
	w.logger.Info("Funds released",
		zap.String("transaction_id", txID),
		zap.String("transfer_id", transferID),
		zap.String("outcome", outcome))

	return w.store.SetEventOutcome(writeCtx, event.EventID, outcome)
}

// handleRedelivery ignores requests that already reached an outcome. A claim
// still marked processing means an earlier attempt stopped midway and the
// transfer state is unknown, so the transaction is flagged instead.
func (w *PayoutWorker) handleRedelivery(ctx context.Context, event *models.FundsReleaseRequestedEvent) error {
	txID := event.TransactionID
	outcome, err := w.store.GetEventOutcome(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to read release outcome: %w", err)
	}
	if outcome != outcomeProcessing {
		util.PayoutsTotal.WithLabelValues("duplicate").Inc()
		w.logger.Info("Release request already processed",
			zap.String("transaction_id", txID),
			zap.String("outcome", outcome))
		return nil
	}

	util.PayoutsTotal.WithLabelValues("interrupted").Inc()
	w.logger.Warn("Release request interrupted earlier, flagging", zap.String("transaction_id", txID))

	if err := w.ledger.Flag(ctx, txID, "fund release interrupted: transfer state unknown"); err != nil {
		return err
	}
	return w.store.SetEventOutcome(ctx, event.EventID, "interrupted")
}
