package service

import (
	"errors"
	"time"

	"offer-service/internal/apperr"
	"offer-service/internal/models"
	"offer-service/internal/store"
	"offer-service/internal/util"
)

// Actor ids recorded for changes nobody asked for directly
const (
	systemActor  = "system"
	gatewayActor = "gateway"
)

// storeErr maps store sentinels onto the caller-facing taxonomy. Errors
// that are already classified pass through untouched.
func storeErr(err error, resource, id string) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(resource, id)
	case errors.Is(err, store.ErrStatusMismatch):
		return apperr.Conflict("status_changed", resource+" was modified by another request")
	default:
		return apperr.Internal("storage failure", err)
	}
}

// reject counts a refused operation by rule and hands the error back
func reject(err *apperr.Error) error {
	rule := err.Rule
	if rule == "" {
		rule = string(err.Kind)
	}
	util.OffersRejectedTotal.WithLabelValues(rule).Inc()
	return err
}

func auditEntry(entityType, entityID, action, actorID, from, to, note string, now time.Time) *models.AuditEntry {
	return &models.AuditEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   to,
		Note:       note,
		CreatedAt:  now,
	}
}
