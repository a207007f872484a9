package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationID(t *testing.T) {
	t.Run("generates when missing", func(t *testing.T) {
		ctx, cid := EnsureCorrelationID(context.Background())
		require.NotEmpty(t, cid)
		assert.Equal(t, cid, ExtractCorrelationID(ctx))
	})

	t.Run("keeps existing", func(t *testing.T) {
		ctx := ContextWithCorrelationID(context.Background(), " abc ")
		_, cid := EnsureCorrelationID(ctx)
		assert.Equal(t, "abc", cid)
	})
}

func TestInjectIntoPayload(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx = ContextWithRemoteSpan(ctx, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")

	payload := map[string]any{"deposit_id": "1"}
	InjectIntoPayload(ctx, payload)

	assert.Equal(t, "cid-1", payload["correlation_id"])
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", payload["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", payload["span_id"])

	t.Run("does not overwrite", func(t *testing.T) {
		payload := map[string]any{"correlation_id": "upstream"}
		InjectIntoPayload(ctx, payload)
		assert.Equal(t, "upstream", payload["correlation_id"])
	})

	t.Run("no span", func(t *testing.T) {
		payload := map[string]any{}
		InjectIntoPayload(context.Background(), payload)
		assert.Empty(t, payload)
	})
}
