package persistence

import (
	"time"

	"github.com/drblury/imbus/internal/runtime/envelope"
	"github.com/drblury/imbus/internal/runtime/jsoncodec"
	"github.com/drblury/imbus/internal/runtime/logging"
	"github.com/drblury/imbus/internal/runtime/store"
)

// ToRow flattens env into a storable row. A payload that cannot be serialised
// is logged and stored as empty data; the rest of the row is still kept.
func ToRow(env *envelope.Envelope, log logging.ServiceLogger, now time.Time) store.Row {
	row := store.Row{
		EventID:        env.EventID,
		Subject:        env.Subject,
		EventType:      string(env.EventType),
		Status:         string(env.Status),
		Priority:       string(env.Priority),
		SourceService:  env.SourceService,
		SourceInstance: env.SourceInstance,
		TargetService:  env.TargetService,
		TargetInstance: env.TargetInstance,
		UserID:         env.UserID,
		DeviceID:       env.DeviceID,
		SessionID:      env.SessionID,
		CorrelationID:  env.CorrelationID,
		ErrorCode:      env.ErrorCode,
		ErrorMessage:   env.ErrorMessage,
		RetryCount:     env.RetryCount,
		MaxRetries:     env.MaxRetries,
		CreatedAt:      env.CreatedAt,
		ExpiresAt:      env.ExpiresAt,
		PersistedAt:    now,
	}
	if row.ExpiresAt.IsZero() {
		row.ExpiresAt = env.CreatedAt
	}

	if env.Data != nil {
		data, err := jsoncodec.MarshalString(env.Data)
		if err != nil {
			log.Error("Failed to serialise event data, storing without payload", err, logging.LogFields{
				"event_id": env.EventID,
				"subject":  env.Subject,
			})
		} else {
			row.Data = data
		}
	}
	if len(env.Metadata) > 0 {
		if meta, err := jsoncodec.MarshalString(env.Metadata); err == nil {
			row.Metadata = meta
		}
	}
	return row
}
