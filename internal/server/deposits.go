package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

func (s *Server) FinalizeDeposit(c *gin.Context) {
	s.depositAction(c, s.recSvc.FinalizeDeposit)
}

func (s *Server) UnfinalizeDeposit(c *gin.Context) {
	s.depositAction(c, s.recSvc.UnfinalizeDeposit)
}

func (s *Server) RecomputeDeposit(c *gin.Context) {
	s.depositAction(c, s.recSvc.RecomputeDeposit)
}

func (s *Server) depositAction(c *gin.Context, action func(context.Context, snowflake.ID) (recdomain.DepositResult, error)) {
	depositID, ok := pathID(c, "id")
	if !ok {
		return
	}

	result, err := action(c.Request.Context(), depositID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) DeleteDeposit(c *gin.Context) {
	depositID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.recSvc.DeleteDeposit(c.Request.Context(), depositID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) DepositStatement(c *gin.Context) {
	depositID, ok := pathID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	statement, err := s.recSvc.Statement(ctx, depositID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordStatementRendered(ctx, c.GetString(contextTenantIDKey))
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", statement.FileName))
	c.Data(http.StatusOK, statement.ContentType, statement.Body)
}
