package server

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) authorizeTenantAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeTenantActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeTenantActionWithContext(c *gin.Context, object string, action string) error {
	userID := userIDFromRequest(c)
	if userID == "" {
		return ErrUnauthorized
	}
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		return ErrTenantRequired
	}
	if s.authzSvc == nil {
		return ErrForbidden
	}
	return s.authzSvc.Authorize(c.Request.Context(), actorSubject(userID), tenantID, strings.TrimSpace(object), strings.TrimSpace(action))
}

func actorSubject(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}
