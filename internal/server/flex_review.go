package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	"github.com/smallbiznis/depositrecon/internal/observability/logger"
	"github.com/smallbiznis/depositrecon/pkg/db/pagination"
	"go.uber.org/zap"
)

const rateLimitReasonDigestTrigger = "digest-trigger"

type listFlexReviewItemsQuery struct {
	PageToken  string `form:"page_token"`
	PageSize   int    `form:"page_size"`
	Status     string `form:"status"`
	AssignedTo string `form:"assigned_to"`
	Unassigned string `form:"unassigned"`
}

func (s *Server) ListFlexReviewItems(c *gin.Context) {
	var query listFlexReviewItemsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	unassigned, err := parseOptionalBool(query.Unassigned)
	if err != nil {
		AbortWithError(c, newValidationError("unassigned", "invalid_unassigned", "invalid unassigned"))
		return
	}

	req := flexdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Status:           flexdomain.ItemStatus(strings.ToUpper(strings.TrimSpace(query.Status))),
		AssignedToUserID: strings.TrimSpace(query.AssignedTo),
	}
	if unassigned != nil {
		req.Unassigned = *unassigned
	}

	resp, err := s.flexSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Items, "page_info": resp.PageInfo})
}

func (s *Server) EnqueueFlexReviewItem(c *gin.Context) {
	var req flexdomain.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}
	req.TenantID = tenantID

	item, err := s.flexSvc.Enqueue(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type approveFlexReviewItemRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) ApproveFlexReviewItem(c *gin.Context) {
	itemID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req approveFlexReviewItemRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	item, err := s.flexSvc.ApproveAndApply(c.Request.Context(), itemID, strings.TrimSpace(req.Notes))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

func (s *Server) ResolveFlexReviewItem(c *gin.Context) {
	itemID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req flexdomain.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.flexSvc.Resolve(c.Request.Context(), itemID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

// BulkResolveFlexReviewItems always answers 200; per-item failures are
// reported in the body.
func (s *Server) BulkResolveFlexReviewItems(c *gin.Context) {
	var req flexdomain.BulkResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.flexSvc.BulkResolve(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type assignFlexReviewItemRequest struct {
	UserID *string `json:"user_id"`
}

func (s *Server) AssignFlexReviewItem(c *gin.Context) {
	itemID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req assignFlexReviewItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	item, err := s.flexSvc.Assign(c.Request.Context(), itemID, req.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": item})
}

type runFlexDigestRequest struct {
	MinAgeDays *int `json:"min_age_days"`
	DryRun     bool `json:"dry_run"`
}

func (s *Server) RunFlexDigest(c *gin.Context) {
	var req runFlexDigestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	tenantID, ok := tenantIDFromRequest(c)
	if !ok {
		AbortWithError(c, ErrTenantRequired)
		return
	}

	ctx := c.Request.Context()
	endpoint := normalizeRateLimitEndpoint(c)
	if !req.DryRun {
		result, err := s.digestLimiter.AllowDigestTrigger(ctx, tenantID)
		if err != nil {
			logger.FromContext(ctx).Warn("digest trigger rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if result != nil && !result.Allowed {
			logger.FromContext(ctx).Warn("digest trigger rate limit exceeded", zap.String("endpoint", endpoint))
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, tenantID.String(), endpoint, rateLimitReasonDigestTrigger)
			}
			c.Header("Retry-After", retryAfterSeconds(result.RetryAfter.Seconds()))
			c.Header("X-Rate-Limited-Reason", rateLimitReasonDigestTrigger)
			AbortWithError(c, ErrRateLimited)
			return
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitAllowed(ctx, tenantID.String(), endpoint)
		}
	}

	digest, err := s.flexSvc.RunDigest(ctx, flexdomain.DigestRequest{
		TenantID:   tenantID,
		MinAgeDays: req.MinAgeDays,
		DryRun:     req.DryRun,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordDigestTrigger(ctx, tenantID.String(), req.DryRun)
	}

	c.JSON(http.StatusOK, gin.H{"data": digest})
}
