package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	obscontext "github.com/smallbiznis/depositrecon/internal/observability/context"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"github.com/smallbiznis/depositrecon/pkg/telemetry/correlation"
)

const (
	HeaderTenant = "X-Tenant-ID"
	HeaderActor  = "X-Actor-ID"

	contextTenantIDKey = "tenant_id"
	contextUserIDKey   = "user_id"
)

// CorrelationID propagates X-Correlation-ID, minting one when the caller
// did not send it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := correlation.ContextWithCorrelationID(c.Request.Context(), c.GetHeader(correlation.HeaderCorrelationID))
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlation.HeaderCorrelationID, cid)
		c.Next()
	}
}

// TenantContext resolves the tenant and acting user set by the gateway and
// stores them on the request context for services, audit and logging.
func (s *Server) TenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderTenant)))
		if err != nil || tenantID == 0 {
			AbortWithError(c, ErrTenantRequired)
			return
		}
		userID := strings.TrimSpace(c.GetHeader(HeaderActor))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		ctx = tenantcontext.WithTenantID(ctx, tenantID)
		ctx = auditcontext.WithActor(ctx, auditcontext.ActorTypeUser, userID)
		ctx = obscontext.WithTenantID(ctx, tenantID.String())
		ctx = obscontext.WithActor(ctx, auditcontext.ActorTypeUser, userID)
		c.Request = c.Request.WithContext(ctx)

		c.Set(contextTenantIDKey, tenantID.String())
		c.Set(contextUserIDKey, userID)
		c.Next()
	}
}

func tenantIDFromRequest(c *gin.Context) (snowflake.ID, bool) {
	return tenantcontext.TenantIDFromContext(c.Request.Context())
}

func userIDFromRequest(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
