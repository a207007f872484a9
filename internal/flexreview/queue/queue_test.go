package queue

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/events"
	"github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/internal/flexreview/repository"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
	notificationrepo "github.com/smallbiznis/depositrecon/internal/notification/repository"
	notificationservice "github.com/smallbiznis/depositrecon/internal/notification/service"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubAuthz struct {
	managers []string
}

func (s stubAuthz) Authorize(context.Context, string, snowflake.ID, string, string) error { return nil }
func (s stubAuthz) HasCapability(context.Context, string, snowflake.ID, string, string) (bool, error) {
	return true, nil
}
func (s stubAuthz) UsersWithCapability(context.Context, snowflake.ID, string, string) ([]string, error) {
	return s.managers, nil
}
func (s stubAuthz) GrantRole(context.Context, snowflake.ID, string, string) error  { return nil }
func (s stubAuthz) RevokeRole(context.Context, snowflake.ID, string, string) error { return nil }

func setupQueue(t *testing.T) (*gorm.DB, domain.Queue) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.FlexReviewItem{},
		&notificationdomain.Notification{},
		&events.Event{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	notifier := notificationservice.NewService(notificationservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Repo:  notificationrepo.Provide(),
	})
	q := New(Params{
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Authz:    stubAuthz{managers: []string{"u1", "u2"}},
		Notifier: notifier,
		Events:   events.NewOutbox(events.Params{Log: log, GenID: node, Clock: clk}),
	})
	return db, q
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	lineID := snowflake.ID(42)

	t.Run("creates once and notifies managers", func(t *testing.T) {
		db, q := setupQueue(t)
		req := domain.EnqueueRequest{
			TenantID:          1,
			RevenueScheduleID: 100,
			Classification:    recdomain.FlexClassificationFlexChargeback,
			ReasonCode:        recdomain.FlexReasonNegativeUsage,
			SourceLineID:      &lineID,
		}

		item, created, err := q.Enqueue(ctx, db, req)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, domain.ItemStatusOpen, item.Status)

		again, created, err := q.Enqueue(ctx, db, req)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, item.ID, again.ID)

		var items, notifications, outbox int64
		require.NoError(t, db.Model(&domain.FlexReviewItem{}).Count(&items).Error)
		require.NoError(t, db.Model(&notificationdomain.Notification{}).Count(&notifications).Error)
		require.NoError(t, db.Model(&events.Event{}).Count(&outbox).Error)
		assert.Equal(t, int64(1), items)
		assert.Equal(t, int64(2), notifications)
		assert.Equal(t, int64(1), outbox)
	})

	t.Run("open item takes the new classification", func(t *testing.T) {
		db, q := setupQueue(t)
		_, _, err := q.Enqueue(ctx, db, domain.EnqueueRequest{
			TenantID: 1, RevenueScheduleID: 100,
			Classification: recdomain.FlexClassificationFlexProduct,
			ReasonCode:     recdomain.FlexReasonUsageExceedsExpected,
		})
		require.NoError(t, err)

		item, created, err := q.Enqueue(ctx, db, domain.EnqueueRequest{
			TenantID: 1, RevenueScheduleID: 100,
			Classification: recdomain.FlexClassificationFlexChargeback,
			ReasonCode:     recdomain.FlexReasonNegativeUsage,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, recdomain.FlexClassificationFlexChargeback, item.Classification)
		assert.Equal(t, recdomain.FlexReasonNegativeUsage, *item.ReasonCode)
	})

	t.Run("closed item is left alone", func(t *testing.T) {
		db, q := setupQueue(t)
		item, _, err := q.Enqueue(ctx, db, domain.EnqueueRequest{
			TenantID: 1, RevenueScheduleID: 100,
			Classification: recdomain.FlexClassificationFlexProduct,
		})
		require.NoError(t, err)
		require.NoError(t, db.Model(&domain.FlexReviewItem{}).Where("id = ?", item.ID).
			Update("status", domain.ItemStatusResolved).Error)

		got, created, err := q.Enqueue(ctx, db, domain.EnqueueRequest{
			TenantID: 1, RevenueScheduleID: 100,
			Classification: recdomain.FlexClassificationFlexChargeback,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, domain.ItemStatusResolved, got.Status)
		assert.Equal(t, recdomain.FlexClassificationFlexProduct, got.Classification)
	})

	t.Run("rejects none classification", func(t *testing.T) {
		db, q := setupQueue(t)
		_, _, err := q.Enqueue(ctx, db, domain.EnqueueRequest{
			TenantID: 1, RevenueScheduleID: 100,
			Classification: recdomain.FlexClassificationNone,
		})
		assert.ErrorIs(t, err, recdomain.ErrValidation)
	})
}
