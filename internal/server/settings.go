package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	settingsdomain "github.com/smallbiznis/depositrecon/internal/settings/domain"
)

func (s *Server) GetReconciliationSettings(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	settings, err := s.settingsSvc.Resolve(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) UpdateReconciliationSettings(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req settingsdomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settings, err := s.settingsSvc.Update(c.Request.Context(), tenantID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}
