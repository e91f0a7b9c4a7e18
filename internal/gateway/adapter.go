package gateway

import (
	"context"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/util"

	"go.uber.org/zap"
)

const lockTTL = 30 * time.Second

// Ledger applies decoded events; TransactionLedger satisfies it
type Ledger interface {
	ApplyGatewayEvent(ctx context.Context, ev *models.GatewayEvent) (string, error)
}

// EventCache is the optional fast path in front of the processed-events
// table. The redis client satisfies it.
type EventCache interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

// Result describes what happened to one webhook delivery
type Result struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
}

// Adapter verifies, decodes and forwards payment rail webhooks
type Adapter struct {
	verifier *Verifier
	ledger   Ledger
	cache    EventCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewAdapter creates an adapter. cache may be nil.
func NewAdapter(verifier *Verifier, ledger Ledger, cache EventCache, cacheTTL time.Duration) *Adapter {
	return &Adapter{
		verifier: verifier,
		ledger:   ledger,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   util.GetLogger(),
	}
}

// Handle processes one raw webhook. It is safe to call repeatedly with the
// same payload.
func (a *Adapter) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "GatewayAdapter.Handle")
	defer span.End()

	if err := a.verifier.Verify(payload, signature); err != nil {
		util.WebhooksRejectedTotal.WithLabelValues("signature").Inc()
		util.FailSpan(span, err)
		a.logger.Warn("Rejected gateway webhook", zap.Error(err))
		return nil, apperr.Gateway("invalid signature", err)
	}

	ev, err := Decode(payload)
	if err != nil {
		util.WebhooksRejectedTotal.WithLabelValues("malformed").Inc()
		util.FailSpan(span, err)
		a.logger.Warn("Malformed gateway webhook", zap.Error(err))
		return nil, apperr.Gateway("malformed event", err)
	}

	result := &Result{EventID: ev.ID, Type: ev.ProviderType, Kind: ev.Kind}
	key := "gateway:" + ev.ID

	if a.cache != nil {
		seen, err := a.cache.CheckIdempotencyKey(ctx, key)
		if err != nil {
			a.logger.Warn("Event cache unavailable", zap.String("event_id", ev.ID), zap.Error(err))
		} else if seen {
			result.Outcome = "duplicate"
			util.GatewayEventsTotal.WithLabelValues(ev.Kind, result.Outcome).Inc()
			return result, nil
		}

		locked, err := a.cache.AcquireLock(ctx, key, lockTTL)
		if err != nil {
			a.logger.Warn("Event lock unavailable", zap.String("event_id", ev.ID), zap.Error(err))
		} else if !locked {
			return nil, apperr.Conflict("event_in_flight", "event is being processed")
		} else {
			defer func() {
				if err := a.cache.ReleaseLock(context.Background(), key); err != nil {
					a.logger.Warn("Failed to release event lock", zap.String("event_id", ev.ID), zap.Error(err))
				}
			}()
		}
	}

	outcome, err := a.ledger.ApplyGatewayEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	result.Outcome = outcome

	if a.cache != nil {
		if err := a.cache.SetIdempotencyKey(ctx, key, outcome, a.cacheTTL); err != nil {
			a.logger.Warn("Failed to cache processed event", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}
	return result, nil
}
