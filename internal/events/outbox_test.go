package events

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupOutbox(t *testing.T) (*gorm.DB, Publisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:outbox_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrator().DropTable(&Event{}))
	require.NoError(t, db.AutoMigrate(&Event{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, NewOutbox(Params{Log: zap.NewNop(), GenID: node, Clock: clock.NewFakeClock(clock.SystemClock{}.Now())})
}

func TestPublishTxDedupes(t *testing.T) {
	db, pub := setupOutbox(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := pub.PublishTx(ctx, tx, 1, TypeMatchGroupApplied, "group:1", map[string]any{"group_id": "1"}); err != nil {
			return err
		}
		return pub.PublishTx(ctx, tx, 1, TypeMatchGroupApplied, "group:1", map[string]any{"group_id": "1"})
	})
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&Event{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPublishTxUsesRequestID(t *testing.T) {
	db, pub := setupOutbox(t)
	ctx := auditcontext.WithRequestID(context.Background(), "req-1")

	require.NoError(t, pub.PublishTx(ctx, db, 1, TypeDepositFinalized, "", map[string]any{"deposit_id": "9"}))

	var event Event
	require.NoError(t, db.First(&event).Error)
	require.NotNil(t, event.DedupeKey)
	assert.Equal(t, TypeDepositFinalized+":req-1", *event.DedupeKey)
	assert.Equal(t, "req-1", event.Payload["request_id"])
	assert.False(t, event.Published)
}
