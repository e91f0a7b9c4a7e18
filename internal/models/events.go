package models

import "time"

// Event types
const (
	EventTypeOfferCreated          = "OFFER_CREATED"
	EventTypeOfferAccepted         = "OFFER_ACCEPTED"
	EventTypeOfferDeclined         = "OFFER_DECLINED"
	EventTypeOfferCountered        = "OFFER_COUNTERED"
	EventTypeOfferWithdrawn        = "OFFER_WITHDRAWN"
	EventTypeOfferExpired          = "OFFER_EXPIRED"
	EventTypeTransactionCreated    = "TRANSACTION_CREATED"
	EventTypeTransactionUpdated    = "TRANSACTION_UPDATED"
	EventTypeFundsReleaseRequested = "FUNDS_RELEASE_REQUESTED"
	EventTypeRefundRequested       = "REFUND_REQUESTED"
	EventTypeTransactionFlagged    = "TRANSACTION_FLAGGED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OfferEvent published on every offer transition
type OfferEvent struct {
	BaseEvent
	OfferID       string  `json:"offer_id"`
	ListingID     string  `json:"listing_id"`
	BuyerID       string  `json:"buyer_id"`
	SellerID      string  `json:"seller_id"`
	ActorID       string  `json:"actor_id"`
	Status        string  `json:"status"`
	CounterDepth  int     `json:"counter_depth"`
	ParentOfferID *string `json:"parent_offer_id,omitempty"`
	Amount        *int64  `json:"amount,omitempty"`
}

// TransactionEvent published on every transaction transition
type TransactionEvent struct {
	BaseEvent
	TransactionID string `json:"transaction_id"`
	OfferID       string `json:"offer_id"`
	BuyerID       string `json:"buyer_id"`
	SellerID      string `json:"seller_id"`
	ActorID       string `json:"actor_id"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	Note          string `json:"note,omitempty"`
}

// FundsReleaseRequestedEvent asks the payout worker to transfer escrowed
// funds to the seller. EventID is derived from the transaction id so a
// re-published request collapses onto the same processed-event row.
type FundsReleaseRequestedEvent struct {
	BaseEvent
	TransactionID   string  `json:"transaction_id"`
	SellerID        string  `json:"seller_id"`
	Amount          *int64  `json:"amount,omitempty"`
	PaymentIntentID *string `json:"payment_intent_id,omitempty"`
}

// ReleaseEventID is the stable id of the fund release request for a transaction
func ReleaseEventID(transactionID string) string {
	return "release:" + transactionID
}

// Gateway event kinds after decoding provider payloads
const (
	GatewayCheckoutCompleted = "checkout_completed"
	GatewayPaymentSucceeded  = "payment_succeeded"
	GatewayPaymentFailed     = "payment_failed"
	GatewayTransferCreated   = "transfer_created"
	GatewayChargeRefunded    = "charge_refunded"
	GatewayDisputeOpened     = "dispute_opened"
	GatewayAccountUpdated    = "account_updated"
	GatewayUnknown           = "unknown"
)

// GatewayEvent is a decoded, verified payment-rail notification
type GatewayEvent struct {
	ID                string
	ProviderType      string
	Kind              string
	TransactionID     string
	PaymentIntentID   string
	CheckoutSessionID string
	TransferID        string
	Reason            string
	Created           time.Time
}

// CheckoutSession is what the payment rail returns when the buyer starts paying
type CheckoutSession struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	URL             string `json:"url"`
}
