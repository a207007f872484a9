package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("deposit_id", "456"),
		attribute.String("endpoint", "/api/v1/deposits/:id/statement"),
	)
	require.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("tenant_id"))
	assert.Contains(t, keys, attribute.Key("endpoint"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordStatementRendered(context.Background(), "1")
	m.RecordDigestTrigger(context.Background(), "1", true)
	m.RecordRateLimitDenied(context.Background(), "1", "digest", "exhausted")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordStatementRendered(context.Background(), "1")
	m.RecordRateLimitAllowed(context.Background(), "1", "digest")

	httpMetrics, err := NewHTTPMetrics(Config{ServiceName: "depositrecon"}, noop.NewMeterProvider())
	require.NoError(t, err)
	httpMetrics.RecordRequest(context.Background(), "", 200, 0)
}
