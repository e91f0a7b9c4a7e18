package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"offer-service/internal/models"
	"offer-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events. Offer and transaction
// events share the offers topic; fund release requests go to payouts.
type EventPublisher struct {
	events  *Producer
	payouts *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(events, payouts *Producer) *EventPublisher {
	return &EventPublisher{events: events, payouts: payouts}
}

// PublishOfferEvent publishes an offer transition keyed by listing so
// every event of a negotiation lands on one partition
func (ep *EventPublisher) PublishOfferEvent(ctx context.Context, event *models.OfferEvent) error {
	key := fmt.Sprintf("listing-%s", event.ListingID)
	return ep.events.PublishEvent(ctx, key, event)
}

// PublishTransactionEvent publishes a transaction transition
func (ep *EventPublisher) PublishTransactionEvent(ctx context.Context, event *models.TransactionEvent) error {
	key := fmt.Sprintf("transaction-%s", event.TransactionID)
	return ep.events.PublishEvent(ctx, key, event)
}

// PublishFundsRelease publishes a fund release request
func (ep *EventPublisher) PublishFundsRelease(ctx context.Context, event *models.FundsReleaseRequestedEvent) error {
	key := fmt.Sprintf("transaction-%s", event.TransactionID)
	return ep.payouts.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onFundsRelease func(context.Context, *models.FundsReleaseRequestedEvent) error
	logger         *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnFundsRelease registers a handler for FundsReleaseRequested events
func (eh *EventHandler) OnFundsRelease(handler func(context.Context, *models.FundsReleaseRequestedEvent) error) {
	eh.onFundsRelease = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeFundsReleaseRequested:
		if eh.onFundsRelease != nil {
			var event models.FundsReleaseRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal FundsReleaseRequested event: %w", err)
			}
			return eh.onFundsRelease(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
