package authorization

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupAuthz(t *testing.T) *ServiceImpl {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)
	return &ServiceImpl{log: zap.NewNop(), enforcer: enforcer}
}

func TestAuthorizeManager(t *testing.T) {
	svc := setupAuthz(t)
	ctx := context.Background()
	tenant := snowflake.ID(1)

	require.NoError(t, svc.GrantRole(ctx, tenant, "10", RoleReconciliationManager))

	assert.NoError(t, svc.Authorize(ctx, "user:10", tenant, ObjectReconciliation, ActionManage))
	assert.ErrorIs(t, svc.Authorize(ctx, "user:10", snowflake.ID(2), ObjectReconciliation, ActionManage), ErrForbidden)
}

func TestAuthorizeViewerCannotManage(t *testing.T) {
	svc := setupAuthz(t)
	ctx := context.Background()
	tenant := snowflake.ID(1)

	require.NoError(t, svc.GrantRole(ctx, tenant, "11", RoleReconciliationViewer))

	assert.NoError(t, svc.Authorize(ctx, "user:11", tenant, ObjectFlexReview, ActionView))
	assert.ErrorIs(t, svc.Authorize(ctx, "user:11", tenant, ObjectFlexReview, ActionManage), ErrForbidden)
}

func TestAuthorizeSystem(t *testing.T) {
	svc := setupAuthz(t)
	assert.NoError(t, svc.Authorize(context.Background(), "system", snowflake.ID(3), ObjectReconciliation, ActionManage))
}

func TestAuthorizeRejectsBadInput(t *testing.T) {
	svc := setupAuthz(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.Authorize(ctx, "", 1, ObjectReconciliation, ActionView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "api_key:1", 1, ObjectReconciliation, ActionView), ErrInvalidActor)
	assert.ErrorIs(t, svc.Authorize(ctx, "user:1", 0, ObjectReconciliation, ActionView), ErrInvalidTenant)
	assert.ErrorIs(t, svc.GrantRole(ctx, 1, "1", "owner"), ErrInvalidRole)
}

func TestUsersWithCapability(t *testing.T) {
	svc := setupAuthz(t)
	ctx := context.Background()
	tenant := snowflake.ID(1)

	require.NoError(t, svc.GrantRole(ctx, tenant, "b", RoleReconciliationManager))
	require.NoError(t, svc.GrantRole(ctx, tenant, "a", RoleReconciliationManager))
	require.NoError(t, svc.GrantRole(ctx, tenant, "c", RoleReconciliationViewer))
	require.NoError(t, svc.GrantRole(ctx, snowflake.ID(2), "d", RoleReconciliationManager))

	users, err := svc.UsersWithCapability(ctx, tenant, ObjectReconciliation, ActionManage)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, users)

	ok, err := svc.HasCapability(ctx, "c", tenant, ObjectReconciliation, ActionManage)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.RevokeRole(ctx, tenant, "a", RoleReconciliationManager))
	users, err = svc.UsersWithCapability(ctx, tenant, ObjectReconciliation, ActionManage)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, users)
}
