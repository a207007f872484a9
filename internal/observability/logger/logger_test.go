package logger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/depositrecon/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func swapGlobal(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	orig := zap.L()
	zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(func() { zap.ReplaceGlobals(orig) })
	return logs
}

func TestFromContextIncludesCorrelationFields(t *testing.T) {
	logs := swapGlobal(t, zapcore.InfoLevel)

	traceID, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	spanID, _ := trace.SpanIDFromHex("0123456789abcdef")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = obscontext.WithTenantID(ctx, "42")
	ctx = obscontext.WithActor(ctx, "user", "u1")

	FromContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
	assert.Equal(t, "42", fields["tenant_id"])
	assert.Equal(t, "u1", fields["actor_id"])
}

func TestGinMiddlewareSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logs := swapGlobal(t, zapcore.DebugLevel)

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "conflict", "deposit_finalized" },
	}))
	r.POST("/api/v1/deposits/:id/finalize", func(c *gin.Context) {
		_ = c.Error(errors.New("already finalized"))
		c.Status(http.StatusConflict)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits/7/finalize", nil)
	req.Header.Set("X-Request-Id", "req-9")
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-9", w.Header().Get("X-Request-Id"))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "7", fields["resource_id"])
	assert.Equal(t, "deposit_finalized", fields["error_code"])
	assert.Equal(t, "/api/v1/deposits/:id/finalize", fields["route"])
}

func TestGormLoggerTrace(t *testing.T) {
	logs := swapGlobal(t, zapcore.DebugLevel)
	l := NewGormLogger(GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: time.Millisecond})

	l.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) {
		return "SELECT * FROM deposit_lines WHERE id = 1 FOR UPDATE", 1
	}, nil)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "SELECT", entry.ContextMap()["operation"])
	assert.Equal(t, true, entry.ContextMap()["row_lock"])

	sql, params := l.ParamsFilter(context.Background(), "SELECT 1", "secret")
	assert.Equal(t, "SELECT 1", sql)
	assert.Nil(t, params)
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("WITH x AS (SELECT 1) UPDATE deposits SET status = 'x'"))
	assert.Equal(t, "DELETE", operationFromSQL("WITH a AS (SELECT id FROM t), b AS (SELECT (1)) DELETE FROM matches"))
	assert.Equal(t, "INSERT", operationFromSQL("with x as (select 1)\ninsert into groups(id) select 1"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (UPDATE deposits SET status = 'x' RETURNING id) SELECT * FROM x"))
	assert.Equal(t, "SELECT", operationFromSQL("SELECT * FROM lines WHERE id = 1 FOR UPDATE"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}
