package rls

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestWithTenantIsNoopOutsidePostgres(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		return WithTenant(tx, snowflake.ID(42))
	})
	require.NoError(t, err)
}
