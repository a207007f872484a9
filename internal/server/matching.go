package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
)

type candidatesQuery struct {
	Limit                  string `form:"limit"`
	EngineMode             string `form:"engine_mode"`
	IncludeFutureSchedules string `form:"include_future_schedules"`
	VarianceTolerance      string `form:"variance_tolerance"`
}

func (s *Server) GenerateCandidates(c *gin.Context) {
	lineID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var query candidatesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var opts recdomain.CandidateOptions
	if raw := strings.TrimSpace(query.Limit); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
			return
		}
		opts.Limit = limit
	}
	opts.EngineMode = recdomain.EngineMode(strings.ToLower(strings.TrimSpace(query.EngineMode)))
	include, err := parseOptionalBool(query.IncludeFutureSchedules)
	if err != nil {
		AbortWithError(c, newValidationError("include_future_schedules", "invalid_include_future_schedules", "invalid include_future_schedules"))
		return
	}
	opts.IncludeFutureSchedules = include
	if raw := strings.TrimSpace(query.VarianceTolerance); raw != "" {
		tolerance, err := decimal.NewFromString(raw)
		if err != nil {
			AbortWithError(c, newValidationError("variance_tolerance", "invalid_variance_tolerance", "invalid variance_tolerance"))
			return
		}
		opts.VarianceTolerance = &tolerance
	}

	candidates, err := s.recSvc.GenerateCandidates(c.Request.Context(), lineID, opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": candidates})
}

type classifySelectionRequest struct {
	LineIDs     []snowflake.ID `json:"line_ids"`
	ScheduleIDs []snowflake.ID `json:"schedule_ids"`
}

func (s *Server) ClassifySelection(c *gin.Context) {
	var req classifySelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	matchType, err := s.recSvc.ClassifySelection(c.Request.Context(), req.LineIDs, req.ScheduleIDs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"match_type": matchType}})
}

func (s *Server) PreviewMatchGroup(c *gin.Context) {
	var req recdomain.SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	preview, err := s.recSvc.PreviewMatchGroup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}

func (s *Server) ApplyMatchGroup(c *gin.Context) {
	var req recdomain.ApplyMatchGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.Source == "" {
		req.Source = recdomain.MatchSourceManual
	}

	result, err := s.recSvc.ApplyMatchGroup(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": result})
}

type undoMatchGroupRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) UndoMatchGroup(c *gin.Context) {
	groupID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req undoMatchGroupRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	result, err := s.recSvc.UndoMatchGroup(c.Request.Context(), groupID, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// pathID parses a snowflake path parameter and aborts the request when it
// is malformed.
func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		AbortWithError(c, newValidationError(name, "invalid_"+name, "invalid "+name))
		return 0, false
	}
	return *id, true
}
