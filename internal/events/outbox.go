package events

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/pkg/db"
	"github.com/smallbiznis/depositrecon/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
)

// Publisher records domain events on the caller's transaction.
type Publisher interface {
	PublishTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, eventType string, dedupeKey string, payload map[string]any) error
}

type Params struct {
	fx.In

	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Outbox struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p Params) Publisher {
	return &Outbox{
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// PublishTx inserts the event. A repeated dedupe key within the tenant is
// treated as already published. An empty key falls back to the request ID
// and event type, or a fresh ULID when there is no request.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, eventType string, dedupeKey string, payload map[string]any) error {
	key := strings.TrimSpace(dedupeKey)
	if key == "" {
		if requestID := auditcontext.RequestIDFromContext(ctx); requestID != "" {
			key = eventType + ":" + requestID
		} else {
			key = eventType + ":" + ulid.Make().String()
		}
	}

	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	if requestID := auditcontext.RequestIDFromContext(ctx); requestID != "" {
		body["request_id"] = requestID
	}
	correlation.InjectIntoPayload(ctx, body)

	event := Event{
		ID:        o.genID.Generate(),
		TenantID:  tenantID,
		EventType: eventType,
		Payload:   datatypes.JSONMap(body),
		DedupeKey: &key,
		CreatedAt: o.clock.Now(),
	}

	// A savepoint keeps a duplicate-key failure from aborting the caller's
	// postgres transaction.
	err := tx.WithContext(ctx).Transaction(func(sp *gorm.DB) error {
		return sp.Create(&event).Error
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			o.log.Debug("duplicate event skipped", zap.String("event_type", eventType), zap.String("dedupe_key", key))
			return nil
		}
		return err
	}
	return nil
}
