package authorization

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Authorize checks actor ("system" or "user:<id>") against an object
	// and action inside the tenant.
	Authorize(ctx context.Context, actor string, tenantID snowflake.ID, object string, action string) error
	HasCapability(ctx context.Context, userID string, tenantID snowflake.ID, object string, action string) (bool, error)
	// UsersWithCapability lists the user IDs that hold the capability in
	// the tenant, sorted.
	UsersWithCapability(ctx context.Context, tenantID snowflake.ID, object string, action string) ([]string, error)
	GrantRole(ctx context.Context, tenantID snowflake.ID, userID string, role string) error
	RevokeRole(ctx context.Context, tenantID snowflake.ID, userID string, role string) error
}
