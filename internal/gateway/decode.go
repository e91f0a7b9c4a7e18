package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"offer-service/internal/models"
)

type providerEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object providerObject `json:"object"`
	} `json:"data"`
}

type providerObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	TransferGroup string            `json:"transfer_group"`
	Reason        string            `json:"reason"`
	Metadata      map[string]string `json:"metadata"`
}

var kindsByType = map[string]string{
	"checkout.session.completed":    models.GatewayCheckoutCompleted,
	"payment_intent.succeeded":      models.GatewayPaymentSucceeded,
	"payment_intent.payment_failed": models.GatewayPaymentFailed,
	"transfer.created":              models.GatewayTransferCreated,
	"charge.refunded":               models.GatewayChargeRefunded,
}

// Decode turns a raw provider payload into a GatewayEvent. Types outside
// the known set decode to GatewayUnknown rather than failing.
func Decode(payload []byte) (*models.GatewayEvent, error) {
	var raw providerEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, errors.New("event id and type are required")
	}

	obj := raw.Data.Object
	ev := &models.GatewayEvent{
		ID:            raw.ID,
		ProviderType:  raw.Type,
		Kind:          kindOf(raw.Type),
		TransactionID: obj.Metadata["transaction_id"],
		Reason:        obj.Reason,
	}
	if raw.Created > 0 {
		ev.Created = time.Unix(raw.Created, 0).UTC()
	}

	switch ev.Kind {
	case models.GatewayCheckoutCompleted:
		ev.CheckoutSessionID = obj.ID
		ev.PaymentIntentID = obj.PaymentIntent
	case models.GatewayPaymentSucceeded, models.GatewayPaymentFailed:
		ev.PaymentIntentID = obj.ID
	case models.GatewayTransferCreated:
		ev.TransferID = obj.ID
		if ev.TransactionID == "" {
			ev.TransactionID = obj.TransferGroup
		}
	case models.GatewayChargeRefunded, models.GatewayDisputeOpened:
		ev.PaymentIntentID = obj.PaymentIntent
	}
	return ev, nil
}

func kindOf(providerType string) string {
	if kind, ok := kindsByType[providerType]; ok {
		return kind
	}
	switch {
	case strings.HasPrefix(providerType, "charge.dispute."):
		return models.GatewayDisputeOpened
	case strings.HasPrefix(providerType, "account."):
		return models.GatewayAccountUpdated
	}
	return models.GatewayUnknown
}
