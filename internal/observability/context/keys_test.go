package context

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithTenantID(ctx, "42")
	ctx = WithActor(ctx, "user", "u1")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "42", TenantIDFromContext(ctx))
	actorType, actorID := ActorFromContext(ctx)
	assert.Equal(t, "user", actorType)
	assert.Equal(t, "u1", actorID)

	t.Run("empty values are ignored", func(t *testing.T) {
		base := context.Background()
		assert.Equal(t, base, WithTenantID(base, ""))
		assert.Equal(t, base, WithRequestID(base, ""))
	})
}

func TestTenantIDFromGinFallsBackToKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Set("tenant_id", " 7 ")

	assert.Equal(t, "7", TenantIDFromGin(c))

	c.Request = c.Request.WithContext(WithTenantID(c.Request.Context(), "9"))
	assert.Equal(t, "9", TenantIDFromGin(c))
}
