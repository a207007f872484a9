package rls

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// WithTenant scopes postgres row-level security policies to the tenant for
// the rest of the transaction. Other dialects have no RLS and are left as is.
func WithTenant(tx *gorm.DB, tenantID snowflake.ID) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec(
		"SELECT set_config('app.current_tenant_id', ?, true)",
		fmt.Sprintf("%d", int64(tenantID)),
	).Error
}
