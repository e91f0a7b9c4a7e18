package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferRoles(t *testing.T) {
	offer := &Offer{BuyerID: "b", SellerID: "s"}
	for depth, proposer := range []string{"b", "s", "b", "s"} {
		offer.CounterDepth = depth
		assert.Equal(t, proposer, offer.ProposerID(), "depth %d", depth)
		assert.NotEqual(t, proposer, offer.RespondentID(), "depth %d", depth)
	}
}

func TestOfferIsExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	offer := &Offer{Status: OfferStatusPending, ExpiresAt: now}

	assert.False(t, offer.IsExpired(now.Add(-time.Second)))
	assert.True(t, offer.IsExpired(now))

	offer.Status = OfferStatusAccepted
	assert.False(t, offer.IsExpired(now.Add(time.Hour)))
}

func TestItemIDs(t *testing.T) {
	assert.Equal(t, ItemIDs{"a", "b"}, ItemIDs{"b", "a", "b"}.Normalize())
	assert.Nil(t, ItemIDs{}.Normalize())

	v, err := ItemIDs{"g1", "g2"}.Value()
	require.NoError(t, err)
	assert.Equal(t, `["g1","g2"]`, v)

	empty, err := ItemIDs(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, empty)

	var scanned ItemIDs
	require.NoError(t, scanned.Scan([]byte(`["g1"]`)))
	assert.Equal(t, ItemIDs{"g1"}, scanned)
	require.NoError(t, scanned.Scan(nil))
	assert.Nil(t, scanned)
	assert.Error(t, scanned.Scan(42))
}

func TestTransactionIsTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		TxStatusPendingPayment:    false,
		TxStatusPaymentProcessing: false,
		TxStatusPaymentHeld:       false,
		TxStatusShipped:           false,
		TxStatusRefundRequested:   false,
		TxStatusDelivered:         true,
		TxStatusRefunded:          true,
		TxStatusCancelled:         true,
	} {
		assert.Equal(t, terminal, (&Transaction{Status: status}).IsTerminal(), status)
	}
}
