package gateway

import (
	"testing"

	"offer-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    models.GatewayEvent
	}{
		{
			name: "checkout completed",
			payload: `{"id":"evt_1","type":"checkout.session.completed","created":1700000000,
				"data":{"object":{"id":"cs_1","payment_intent":"pi_1","metadata":{"transaction_id":"tx-1"}}}}`,
			want: models.GatewayEvent{ID: "evt_1", ProviderType: "checkout.session.completed",
				Kind: models.GatewayCheckoutCompleted, TransactionID: "tx-1", CheckoutSessionID: "cs_1", PaymentIntentID: "pi_1"},
		},
		{
			name:    "payment failed",
			payload: `{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_2"}}}`,
			want: models.GatewayEvent{ID: "evt_2", ProviderType: "payment_intent.payment_failed",
				Kind: models.GatewayPaymentFailed, PaymentIntentID: "pi_2"},
		},
		{
			name:    "transfer falls back to transfer group",
			payload: `{"id":"evt_3","type":"transfer.created","data":{"object":{"id":"tr_1","transfer_group":"tx-3"}}}`,
			want: models.GatewayEvent{ID: "evt_3", ProviderType: "transfer.created",
				Kind: models.GatewayTransferCreated, TransactionID: "tx-3", TransferID: "tr_1"},
		},
		{
			name:    "dispute",
			payload: `{"id":"evt_4","type":"charge.dispute.created","data":{"object":{"id":"dp_1","payment_intent":"pi_4","reason":"fraudulent"}}}`,
			want: models.GatewayEvent{ID: "evt_4", ProviderType: "charge.dispute.created",
				Kind: models.GatewayDisputeOpened, PaymentIntentID: "pi_4", Reason: "fraudulent"},
		},
		{
			name:    "account",
			payload: `{"id":"evt_5","type":"account.updated","data":{"object":{"id":"acct_1"}}}`,
			want:    models.GatewayEvent{ID: "evt_5", ProviderType: "account.updated", Kind: models.GatewayAccountUpdated},
		},
		{
			name:    "unknown type",
			payload: `{"id":"evt_6","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`,
			want:    models.GatewayEvent{ID: "evt_6", ProviderType: "invoice.paid", Kind: models.GatewayUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			ev.Created = tt.want.Created
			assert.Equal(t, tt.want, *ev)
		})
	}
}

func TestDecodeCreated(t *testing.T) {
	ev, err := Decode([]byte(`{"id":"evt_1","type":"charge.refunded","created":1700000000,"data":{"object":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ev.Created.Unix())
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	for _, payload := range []string{
		`not json`,
		`{"type":"charge.refunded"}`,
		`{"id":"evt_1"}`,
	} {
		_, err := Decode([]byte(payload))
		assert.Error(t, err, payload)
	}
}
