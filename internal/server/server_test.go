package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/depositrecon/internal/auditcontext"
	"github.com/smallbiznis/depositrecon/internal/authorization"
	flexdomain "github.com/smallbiznis/depositrecon/internal/flexreview/domain"
	recdomain "github.com/smallbiznis/depositrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/depositrecon/internal/tenantcontext"
	"github.com/smallbiznis/depositrecon/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testTenantID = "1001"
	testUserID   = "42"
)

type fakeAuthz struct {
	authorization.Service
	deny    bool
	calls   []string
	granted []string
}

func (f *fakeAuthz) Authorize(_ context.Context, actor string, tenantID snowflake.ID, object string, action string) error {
	f.calls = append(f.calls, fmt.Sprintf("%s|%s|%s|%s", actor, tenantID, object, action))
	if f.deny {
		return authorization.ErrForbidden
	}
	return nil
}

func (f *fakeAuthz) GrantRole(_ context.Context, tenantID snowflake.ID, userID string, role string) error {
	if role != authorization.RoleReconciliationManager && role != authorization.RoleReconciliationViewer {
		return authorization.ErrInvalidRole
	}
	f.granted = append(f.granted, fmt.Sprintf("%s|%s|%s", tenantID, userID, role))
	return nil
}

type fakeRecService struct {
	recdomain.Service
	applied    *recdomain.ApplyMatchGroupRequest
	finalize   error
	statement  recdomain.Statement
	candidates []recdomain.Candidate
	lastOpts   recdomain.CandidateOptions
	tenantSeen snowflake.ID
	actorSeen  string
	correlated string
}

func (f *fakeRecService) GenerateCandidates(ctx context.Context, _ snowflake.ID, opts recdomain.CandidateOptions) ([]recdomain.Candidate, error) {
	f.lastOpts = opts
	return f.candidates, nil
}

func (f *fakeRecService) ApplyMatchGroup(ctx context.Context, req recdomain.ApplyMatchGroupRequest) (recdomain.MatchGroupResult, error) {
	f.applied = &req
	f.tenantSeen, _ = tenantcontext.TenantIDFromContext(ctx)
	f.actorSeen = auditcontext.ActorIDOrSystem(ctx)
	f.correlated = correlation.ExtractCorrelationID(ctx)
	return recdomain.MatchGroupResult{Group: recdomain.DepositMatchGroup{MatchType: req.MatchType}}, nil
}

func (f *fakeRecService) FinalizeDeposit(context.Context, snowflake.ID) (recdomain.DepositResult, error) {
	if f.finalize != nil {
		return recdomain.DepositResult{}, f.finalize
	}
	return recdomain.DepositResult{Deposit: recdomain.Deposit{Reconciled: true}}, nil
}

func (f *fakeRecService) DeleteDeposit(context.Context, snowflake.ID) error {
	return fmt.Errorf("delete deposit: %w", errors.New("connection reset"))
}

func (f *fakeRecService) Statement(context.Context, snowflake.ID) (recdomain.Statement, error) {
	return f.statement, nil
}

type fakeFlexService struct {
	flexdomain.Service
	digestReq *flexdomain.DigestRequest
}

func (f *fakeFlexService) BulkResolve(_ context.Context, req flexdomain.BulkResolveRequest) (flexdomain.BulkResolveResult, error) {
	result := flexdomain.BulkResolveResult{Errors: map[snowflake.ID]string{}}
	for _, id := range req.IDs {
		if id == 2 {
			result.Failed = append(result.Failed, id)
			result.Errors[id] = "must be approved"
			continue
		}
		result.Updated = append(result.Updated, id)
	}
	return result, nil
}

func (f *fakeFlexService) RunDigest(_ context.Context, req flexdomain.DigestRequest) (flexdomain.DigestResult, error) {
	f.digestReq = &req
	return flexdomain.DigestResult{TenantID: req.TenantID, DryRun: req.DryRun}, nil
}

type testServer struct {
	srv   *Server
	authz *fakeAuthz
	rec   *fakeRecService
	flex  *fakeFlexService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	ts := &testServer{
		authz: &fakeAuthz{},
		rec:   &fakeRecService{},
		flex:  &fakeFlexService{},
	}
	ts.srv = &Server{
		engine:   engine,
		log:      zap.NewNop(),
		recSvc:   ts.rec,
		flexSvc:  ts.flex,
		authzSvc: ts.authz,
	}
	ts.srv.RegisterAPIRoutes()
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(HeaderTenant, testTenantID)
	req.Header.Set(HeaderActor, testUserID)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	ts.srv.Engine().ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error
}

func TestTenantContext(t *testing.T) {
	ts := newTestServer(t)

	t.Run("missing tenant", func(t *testing.T) {
		resp := ts.do(http.MethodPost, "/api/v1/deposits/10/finalize", "", map[string]string{HeaderTenant: ""})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("missing actor", func(t *testing.T) {
		resp := ts.do(http.MethodPost, "/api/v1/deposits/10/finalize", "", map[string]string{HeaderActor: ""})
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("echoes correlation id", func(t *testing.T) {
		resp := ts.do(http.MethodPost, "/api/v1/deposits/10/finalize", "", map[string]string{correlation.HeaderCorrelationID: "corr-1"})
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "corr-1", resp.Header().Get(correlation.HeaderCorrelationID))
	})
}

func TestAuthorizationGate(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/v1/deposits/10/finalize", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, ts.authz.calls, 1)
	assert.Equal(t, "user:42|1001|reconciliation|manage", ts.authz.calls[0])

	ts.authz.deny = true
	resp = ts.do(http.MethodPost, "/api/v1/deposits/10/finalize", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.Code)
	assert.Equal(t, "forbidden", decodeError(t, resp).Type)
}

func TestApplyMatchGroup(t *testing.T) {
	ts := newTestServer(t)

	body := `{"match_type":"ONE_TO_ONE","line_ids":["1"],"schedule_ids":["2"]}`
	resp := ts.do(http.MethodPost, "/api/v1/match-groups", body, map[string]string{correlation.HeaderCorrelationID: "corr-apply"})

	require.Equal(t, http.StatusCreated, resp.Code)
	require.NotNil(t, ts.rec.applied)
	assert.Equal(t, recdomain.MatchSourceManual, ts.rec.applied.Source)
	assert.Equal(t, []snowflake.ID{1}, ts.rec.applied.LineIDs)
	assert.Equal(t, snowflake.ID(1001), ts.rec.tenantSeen)
	assert.Equal(t, testUserID, ts.rec.actorSeen)
	assert.Equal(t, "corr-apply", ts.rec.correlated)
}

func TestGenerateCandidatesQuery(t *testing.T) {
	ts := newTestServer(t)

	t.Run("parses overrides", func(t *testing.T) {
		resp := ts.do(http.MethodGet, "/api/v1/deposit-lines/5/candidates?limit=3&engine_mode=Legacy&include_future_schedules=true&variance_tolerance=0.1", "", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, 3, ts.rec.lastOpts.Limit)
		assert.Equal(t, recdomain.EngineModeLegacy, ts.rec.lastOpts.EngineMode)
		require.NotNil(t, ts.rec.lastOpts.IncludeFutureSchedules)
		assert.True(t, *ts.rec.lastOpts.IncludeFutureSchedules)
		require.NotNil(t, ts.rec.lastOpts.VarianceTolerance)
		assert.Equal(t, "0.1", ts.rec.lastOpts.VarianceTolerance.String())
	})

	t.Run("rejects bad limit", func(t *testing.T) {
		resp := ts.do(http.MethodGet, "/api/v1/deposit-lines/5/candidates?limit=abc", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("rejects bad id", func(t *testing.T) {
		resp := ts.do(http.MethodGet, "/api/v1/deposit-lines/not-an-id/candidates", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", recdomain.ErrEmptySelection, http.StatusBadRequest, "empty_selection"},
		{"not found", recdomain.ErrDepositNotFound, http.StatusNotFound, "deposit_not_found"},
		{"conflict", recdomain.ErrDepositFinalized, http.StatusConflict, "deposit_finalized"},
		{"permission", recdomain.PermissionDenied("not_allowed", "nope"), http.StatusForbidden, "not_allowed"},
		{"wrapped conflict", fmt.Errorf("finalize: %w", recdomain.ErrDepositHasOpenLines), http.StatusConflict, "deposit_has_open_lines"},
		{"infrastructure", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.rec.finalize = tc.err

			resp := ts.do(http.MethodPost, "/api/v1/deposits/10/finalize", "", nil)
			assert.Equal(t, tc.status, resp.Code)
			assert.Equal(t, tc.code, decodeError(t, resp).Code)
		})
	}
}

func TestDeleteDepositInfrastructureError(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodDelete, "/api/v1/deposits/10", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "connection reset")
}

func TestDepositStatement(t *testing.T) {
	ts := newTestServer(t)
	ts.rec.statement = recdomain.Statement{
		FileName:    "acme-march-2026.pdf",
		ContentType: "application/pdf",
		Body:        []byte("%PDF-1.7"),
	}

	resp := ts.do(http.MethodGet, "/api/v1/deposits/10/statement.pdf", "", nil)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="acme-march-2026.pdf"`, resp.Header().Get("Content-Disposition"))
	assert.Equal(t, "%PDF-1.7", resp.Body.String())
	assert.Equal(t, "user:42|1001|reconciliation|view", ts.authz.calls[0])
}

func TestBulkResolveReportsPerItemFailures(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/v1/flex-review/items/bulk-resolve", `{"ids":["1","2"],"status":"RESOLVED"}`, nil)

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data flexdomain.BulkResolveResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, []snowflake.ID{1}, body.Data.Updated)
	assert.Equal(t, []snowflake.ID{2}, body.Data.Failed)
	assert.Equal(t, "must be approved", body.Data.Errors[2])
}

func TestRunFlexDigest(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/v1/flex-review/digest", `{"dry_run":true,"min_age_days":3}`, nil)

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotNil(t, ts.flex.digestReq)
	assert.Equal(t, snowflake.ID(1001), ts.flex.digestReq.TenantID)
	assert.True(t, ts.flex.digestReq.DryRun)
	require.NotNil(t, ts.flex.digestReq.MinAgeDays)
	assert.Equal(t, 3, *ts.flex.digestReq.MinAgeDays)
	assert.Equal(t, "user:42|1001|flex_review|manage", ts.authz.calls[0])
}

func TestGrantMemberRole(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/v1/members/77/roles", `{"role":"reconciliation_manager"}`, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{"1001|77|reconciliation_manager"}, ts.authz.granted)

	resp = ts.do(http.MethodPost, "/api/v1/members/77/roles", `{"role":"owner"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "invalid_role", decodeError(t, resp).Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(0.2))
	assert.Equal(t, "721", retryAfterSeconds(720.4))
}
