// Package service is the command layer: every write a session or a REST
// handler can make goes through here.
//
//	Handler / Session → Service (validation, ownership) → Repository
//	                          ↘ Publisher (live hub)
//
// Services never touch HTTP or websocket types, and never return a store
// error unclassified: each failure leaves here as an apperror kind the
// caller can map to a banner, a screen or a status code.
//
// After a successful write the affected collection is published, so every
// open subscription re-reads it. The writer's own session sees its change
// the same way everyone else does.
package service

import (
	"github.com/sakif/classhub/internal/apperror"
	"github.com/sakif/classhub/internal/live"
	"github.com/sakif/classhub/internal/metrics"
	"github.com/sakif/classhub/internal/model"
)

// Publisher is the slice of the live hub the command layer needs.
type Publisher interface {
	Publish(c live.Collection)
}

// outcome classifies err for the commands_total counter.
func outcome(err error) string {
	switch apperror.KindOf(err) {
	case apperror.KindNone:
		return metrics.OutcomeOK
	case apperror.KindValidation, apperror.KindForbidden, apperror.KindNotFound, apperror.KindPayloadTooLarge:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeFailed
	}
}

func requireIdentity(action string, identity *model.Identity) error {
	if identity == nil || identity.ID == "" {
		return apperror.Forbidden("sign in to " + action)
	}
	return nil
}
