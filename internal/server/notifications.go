package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	notificationdomain "github.com/smallbiznis/depositrecon/internal/notification/domain"
)

const defaultNotificationLimit = 50

type listNotificationsQuery struct {
	Limit int `form:"limit"`
}

func (s *Server) ListNotifications(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var query listNotificationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = defaultNotificationLimit
	}

	items, err := s.notificationSvc.List(c.Request.Context(), tenantID, userIDFromRequest(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetNotificationPreference(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	pref, err := s.notificationSvc.Preference(c.Request.Context(), tenantID, userIDFromRequest(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pref})
}

func (s *Server) UpdateNotificationPreference(c *gin.Context) {
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	var req notificationdomain.UpdatePreferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	pref, err := s.notificationSvc.UpdatePreference(c.Request.Context(), tenantID, userIDFromRequest(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pref})
}
