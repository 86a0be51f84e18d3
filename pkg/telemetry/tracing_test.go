package telemetry

import (
	"context"
	"testing"

	"github.com/baaaht/dispatch/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.DefaultTracingConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetupTracingExporters(t *testing.T) {
	cfg := config.DefaultTracingConfig()
	cfg.Enabled = true

	cfg.Exporter = "none"
	shutdown, err := SetupTracing(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	cfg.Exporter = "jaeger"
	_, err = SetupTracing(context.Background(), cfg)
	assert.Error(t, err)
}
