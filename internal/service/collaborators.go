package service

import (
	"context"

	"offer-service/internal/models"
)

// ListingGuard looks up the listing an offer is made against. A missing
// listing is reported as an apperr NotFound.
type ListingGuard interface {
	GetListing(ctx context.Context, listingID string) (*models.Listing, error)
}

// OwnershipVerifier confirms a user currently holds every given item
type OwnershipVerifier interface {
	OwnsAll(ctx context.Context, userID string, itemIDs []string) (bool, error)
}

// EventPublisher emits domain events after a state change commits
type EventPublisher interface {
	PublishOfferEvent(ctx context.Context, event *models.OfferEvent) error
	PublishTransactionEvent(ctx context.Context, event *models.TransactionEvent) error
	PublishFundsRelease(ctx context.Context, event *models.FundsReleaseRequestedEvent) error
}

// CheckoutProvider opens a hosted checkout on the payment rail
type CheckoutProvider interface {
	CreateCheckoutSession(ctx context.Context, tx *models.Transaction) (*models.CheckoutSession, error)
}
