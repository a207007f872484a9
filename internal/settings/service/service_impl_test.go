package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/depositrecon/internal/clock"
	"github.com/smallbiznis/depositrecon/internal/config"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/settings/domain"
	"github.com/smallbiznis/depositrecon/internal/settings/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*gorm.DB, *clock.FakeClock, domain.Service) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.TenantSettings{}))

	clk := clock.NewFakeClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		Repo:     repository.Provide(),
		Defaults: config.NewStaticReconciliationConfigHolder(config.DefaultReconciliationDefaults()),
	})
	return db, clk, svc
}

func TestResolveFallsBackToDefaults(t *testing.T) {
	_, _, svc := setupService(t)

	got, err := svc.Resolve(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, recdomain.EngineModeHierarchical, got.EngineMode)
	assert.True(t, got.VarianceTolerance.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, 10, got.CandidateLimit)
	assert.NoError(t, got.Validate())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("stores override and refreshes cache", func(t *testing.T) {
		_, _, svc := setupService(t)
		_, err := svc.Resolve(ctx, 7)
		require.NoError(t, err)

		mode := "legacy"
		limit := 25
		updated, err := svc.Update(ctx, 7, domain.UpdateRequest{EngineMode: &mode, CandidateLimit: &limit})
		require.NoError(t, err)
		assert.Equal(t, recdomain.EngineModeLegacy, updated.EngineMode)

		got, err := svc.Resolve(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, recdomain.EngineModeLegacy, got.EngineMode)
		assert.Equal(t, 25, got.CandidateLimit)
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		db, _, svc := setupService(t)
		limit := 101
		_, err := svc.Update(ctx, 7, domain.UpdateRequest{CandidateLimit: &limit})
		require.Error(t, err)
		assert.True(t, errors.Is(err, recdomain.ErrValidation))

		var count int64
		require.NoError(t, db.Model(&domain.TenantSettings{}).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("rejects unknown engine mode", func(t *testing.T) {
		_, _, svc := setupService(t)
		mode := "fuzzy"
		_, err := svc.Update(ctx, 7, domain.UpdateRequest{EngineMode: &mode})
		assert.True(t, errors.Is(err, recdomain.ErrInvalidSettings))
	})

	t.Run("rejects empty update", func(t *testing.T) {
		_, _, svc := setupService(t)
		_, err := svc.Update(ctx, 7, domain.UpdateRequest{})
		assert.True(t, errors.Is(err, recdomain.ErrValidation))
	})
}
