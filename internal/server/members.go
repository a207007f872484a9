package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type grantMemberRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) GrantMemberRole(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user_id", "invalid user_id"))
		return
	}

	var req grantMemberRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		AbortWithError(c, newValidationError("role", "required", "role is required"))
		return
	}

	if err := s.authzSvc.GrantRole(c.Request.Context(), tenantID, userID, role); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"user_id": userID, "role": role}})
}

func (s *Server) RevokeMemberRole(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}
	userID := strings.TrimSpace(c.Param("user_id"))
	role := strings.TrimSpace(c.Param("role"))
	if userID == "" || role == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.authzSvc.RevokeRole(c.Request.Context(), tenantID, userID, role); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
