package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	mu      sync.Mutex
	applied []string
	outcome string
	err     error
}

func (l *stubLedger) ApplyGatewayEvent(ctx context.Context, ev *models.GatewayEvent) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.applied = append(l.applied, ev.ID)
	return l.outcome, nil
}

type memoryCache struct {
	mu    sync.Mutex
	seen  map[string]interface{}
	locks map[string]bool
	err   error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{seen: make(map[string]interface{}), locks: make(map[string]bool)}
}

func (c *memoryCache) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	_, ok := c.seen[key]
	return ok, nil
}

func (c *memoryCache) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.seen[key] = value
	return nil
}

func (c *memoryCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.locks[key] {
		return false, nil
	}
	c.locks[key] = true
	return true, nil
}

func (c *memoryCache) ReleaseLock(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, key)
	return nil
}

const refundPayload = `{"id":"evt_1","type":"charge.refunded","data":{"object":{"id":"ch_1","payment_intent":"pi_1"}}}`

func signed(v *Verifier, payload string) string {
	return v.Sign([]byte(payload), time.Now())
}

func TestAdapterHandle(t *testing.T) {
	v := NewVerifier("whsec_test", 5*time.Minute)
	ledger := &stubLedger{outcome: "applied"}
	cache := newMemoryCache()
	adapter := NewAdapter(v, ledger, cache, time.Hour)
	ctx := context.Background()

	result, err := adapter.Handle(ctx, []byte(refundPayload), signed(v, refundPayload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", result.EventID)
	assert.Equal(t, models.GatewayChargeRefunded, result.Kind)
	assert.Equal(t, "applied", result.Outcome)

	// the cached outcome short-circuits a redelivery
	result, err = adapter.Handle(ctx, []byte(refundPayload), signed(v, refundPayload))
	require.NoError(t, err)
	assert.Equal(t, "duplicate", result.Outcome)
	assert.Equal(t, []string{"evt_1"}, ledger.applied)
	assert.Empty(t, cache.locks)
}

func TestAdapterRejectsBadSignature(t *testing.T) {
	v := NewVerifier("whsec_test", 5*time.Minute)
	ledger := &stubLedger{outcome: "applied"}
	adapter := NewAdapter(v, ledger, nil, time.Hour)

	forged := NewVerifier("whsec_forged", 5*time.Minute)
	_, err := adapter.Handle(context.Background(), []byte(refundPayload), signed(forged, refundPayload))
	assert.True(t, apperr.Is(err, apperr.KindGateway))

	_, err = adapter.Handle(context.Background(), []byte(refundPayload), "")
	assert.True(t, apperr.Is(err, apperr.KindGateway))
	assert.Empty(t, ledger.applied)
}

func TestAdapterRejectsMalformedEvent(t *testing.T) {
	v := NewVerifier("whsec_test", 5*time.Minute)
	adapter := NewAdapter(v, &stubLedger{}, nil, time.Hour)

	payload := `{"type":"charge.refunded"}`
	_, err := adapter.Handle(context.Background(), []byte(payload), signed(v, payload))
	assert.True(t, apperr.Is(err, apperr.KindGateway))
}

func TestAdapterEventInFlight(t *testing.T) {
	v := NewVerifier("whsec_test", 5*time.Minute)
	ledger := &stubLedger{outcome: "applied"}
	cache := newMemoryCache()
	cache.locks["gateway:evt_1"] = true
	adapter := NewAdapter(v, ledger, cache, time.Hour)

	_, err := adapter.Handle(context.Background(), []byte(refundPayload), signed(v, refundPayload))
	assert.True(t, apperr.Is(err, apperr.KindConflict))
	assert.Equal(t, "event_in_flight", apperr.RuleOf(err))
	assert.Empty(t, ledger.applied)
}

func TestAdapterWorksWithoutCache(t *testing.T) {
	v := NewVerifier("whsec_test", 5*time.Minute)
	ledger := &stubLedger{outcome: "duplicate"}
	cache := newMemoryCache()
	cache.err = errors.New("redis down")

	for _, adapter := range []*Adapter{
		NewAdapter(v, ledger, nil, time.Hour),
		NewAdapter(v, ledger, cache, time.Hour),
	} {
		result, err := adapter.Handle(context.Background(), []byte(refundPayload), signed(v, refundPayload))
		require.NoError(t, err)
		assert.Equal(t, "duplicate", result.Outcome)
	}
	assert.Len(t, ledger.applied, 2)
}

func TestAdapterLedgerFailureIsNotCached(t *testing.T) {
	v := NewVerifier("whsec_test", 5*time.Minute)
	ledger := &stubLedger{err: apperr.Internal("storage failure", errors.New("disk full"))}
	cache := newMemoryCache()
	adapter := NewAdapter(v, ledger, cache, time.Hour)

	_, err := adapter.Handle(context.Background(), []byte(refundPayload), signed(v, refundPayload))
	assert.True(t, apperr.Is(err, apperr.KindInternal))
	assert.Empty(t, cache.seen)
	assert.Empty(t, cache.locks)

	ledger.err = nil
	ledger.outcome = "applied"
	result, err := adapter.Handle(context.Background(), []byte(refundPayload), signed(v, refundPayload))
	require.NoError(t, err)
	assert.Equal(t, "applied", result.Outcome)
}
