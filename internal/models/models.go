package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Listing is the read-only view of a listing owned by the catalog service
type Listing struct {
	ID           string `json:"id"`
	SellerID     string `json:"seller_id"`
	Status       string `json:"status"`
	AcceptOffers bool   `json:"accepts_offers"`
	MinOffer     *int64 `json:"min_offer,omitempty"`
}

// Listing statuses
const (
	ListingStatusActive = "active"
)

// Offer is a single record in a negotiation chain
type Offer struct {
	ID            string     `db:"id" json:"id"`
	ListingID     string     `db:"listing_id" json:"listing_id"`
	BuyerID       string     `db:"buyer_id" json:"buyer_id"`
	SellerID      string     `db:"seller_id" json:"seller_id"`
	Kind          string     `db:"kind" json:"kind"`
	Amount        *int64     `db:"amount" json:"amount,omitempty"`
	TradeItemIDs  ItemIDs    `db:"trade_item_ids" json:"trade_item_ids,omitempty"`
	Message       string     `db:"message" json:"message,omitempty"`
	Status        string     `db:"status" json:"status"`
	CounterDepth  int        `db:"counter_depth" json:"counter_depth"`
	ParentOfferID *string    `db:"parent_offer_id" json:"parent_offer_id,omitempty"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	RespondedAt   *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Offer kinds
const (
	OfferKindBuy          = "buy"
	OfferKindTrade        = "trade"
	OfferKindBuyPlusTrade = "buy_plus_trade"
)

// Offer statuses
const (
	OfferStatusPending   = "pending"
	OfferStatusAccepted  = "accepted"
	OfferStatusDeclined  = "declined"
	OfferStatusCountered = "countered"
	OfferStatusExpired   = "expired"
	OfferStatusWithdrawn = "withdrawn"
)

// Offer actions
const (
	OfferActionAccept   = "accept"
	OfferActionDecline  = "decline"
	OfferActionCounter  = "counter"
	OfferActionWithdraw = "withdraw"
)

// KindNeedsAmount reports whether offers of the kind carry money
func KindNeedsAmount(kind string) bool {
	return kind == OfferKindBuy || kind == OfferKindBuyPlusTrade
}

// KindNeedsItems reports whether offers of the kind carry trade items
func KindNeedsItems(kind string) bool {
	return kind == OfferKindTrade || kind == OfferKindBuyPlusTrade
}

// ProposerID returns the party who made this record. Even depths are
// proposed by the buyer, odd depths by the seller.
func (o *Offer) ProposerID() string {
	if o.CounterDepth%2 == 0 {
		return o.BuyerID
	}
	return o.SellerID
}

// RespondentID returns the party expected to act next on this record.
func (o *Offer) RespondentID() string {
	if o.CounterDepth%2 == 0 {
		return o.SellerID
	}
	return o.BuyerID
}

// IsExpired reports whether a pending offer's lifetime has elapsed
func (o *Offer) IsExpired(now time.Time) bool {
	return o.Status == OfferStatusPending && !now.Before(o.ExpiresAt)
}

// Transaction is the escrow record created when an offer is accepted
type Transaction struct {
	ID                 string     `db:"id" json:"id"`
	OfferID            string     `db:"offer_id" json:"offer_id"`
	ListingID          string     `db:"listing_id" json:"listing_id"`
	BuyerID            string     `db:"buyer_id" json:"buyer_id"`
	SellerID           string     `db:"seller_id" json:"seller_id"`
	Amount             *int64     `db:"amount" json:"amount,omitempty"`
	TradeItemIDs       ItemIDs    `db:"trade_item_ids" json:"trade_item_ids,omitempty"`
	Status             string     `db:"status" json:"status"`
	PaymentIntentID    *string    `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	CheckoutSessionID  *string    `db:"checkout_session_id" json:"checkout_session_id,omitempty"`
	TransferID         *string    `db:"transfer_id" json:"transfer_id,omitempty"`
	ShippingCarrier    *string    `db:"shipping_carrier" json:"shipping_carrier,omitempty"`
	TrackingNumber     *string    `db:"tracking_number" json:"tracking_number,omitempty"`
	AttentionReason    *string    `db:"attention_reason" json:"attention_reason,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
	PaymentStartedAt   *time.Time `db:"payment_started_at" json:"payment_started_at,omitempty"`
	PaidAt             *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	ShippedAt          *time.Time `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt        *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReleaseRequestedAt *time.Time `db:"release_requested_at" json:"release_requested_at,omitempty"`
	ReleasedAt         *time.Time `db:"released_at" json:"released_at,omitempty"`
	RefundRequestedAt  *time.Time `db:"refund_requested_at" json:"refund_requested_at,omitempty"`
	RefundedAt         *time.Time `db:"refunded_at" json:"refunded_at,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	FlaggedAt          *time.Time `db:"flagged_at" json:"flagged_at,omitempty"`
}

// Transaction statuses
const (
	TxStatusPendingPayment    = "pending_payment"
	TxStatusPaymentProcessing = "payment_processing"
	TxStatusPaymentHeld       = "payment_held"
	TxStatusShipped           = "shipped"
	TxStatusDelivered         = "delivered"
	TxStatusRefundRequested   = "refund_requested"
	TxStatusRefunded          = "refunded"
	TxStatusCancelled         = "cancelled"
)

// Transaction actions available to buyer and seller
const (
	TxActionAddTracking     = "add_tracking"
	TxActionMarkShipped     = "mark_shipped"
	TxActionConfirmDelivery = "confirm_delivery"
	TxActionRequestRefund   = "request_refund"
	TxActionCancel          = "cancel"
)

// IsTerminal reports whether no further transition is accepted
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case TxStatusDelivered, TxStatusRefunded, TxStatusCancelled:
		return true
	}
	return false
}

// ProcessedEvent for gateway idempotency
type ProcessedEvent struct {
	EventID       string    `db:"event_id" json:"event_id"`
	EventType     string    `db:"event_type" json:"event_type"`
	TransactionID *string   `db:"transaction_id" json:"transaction_id,omitempty"`
	Outcome       string    `db:"outcome" json:"outcome"`
	ProcessedAt   time.Time `db:"processed_at" json:"processed_at"`
}

// AuditEntry is one append-only history row
type AuditEntry struct {
	ID         int64     `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Action     string    `db:"action" json:"action"`
	ActorID    string    `db:"actor_id" json:"actor_id"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	Note       string    `db:"note" json:"note,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Audit entity types
const (
	EntityOffer       = "offer"
	EntityTransaction = "transaction"
)

// ItemIDs is a set of tradeable item ids persisted as a JSON array
type ItemIDs []string

// Normalize returns the ids sorted with duplicates removed
func (ids ItemIDs) Normalize() ItemIDs {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make(ItemIDs, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Value implements driver.Valuer
func (ids ItemIDs) Value() (driver.Value, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b, err := json.Marshal([]string(ids))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (ids *ItemIDs) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*ids = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported item ids type %T", src)
	}
	if len(raw) == 0 {
		*ids = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode item ids: %w", err)
	}
	*ids = out
	return nil
}
