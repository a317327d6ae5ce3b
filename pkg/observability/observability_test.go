package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "pocnode", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.False(t, cfg.Insecure)
}

func TestNewInstallsGlobalProviders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Insecure = true

	// The OTLP exporters connect lazily, so New succeeds without a
	// collector listening.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := New(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, p.tracerProvider)
	require.NotNil(t, p.meterProvider)

	assert.Same(t, otel.GetTracerProvider(), p.tracerProvider)
	assert.Same(t, otel.GetMeterProvider(), p.meterProvider)

	// Shutdown flushes against the dead endpoint; export errors are
	// expected here, panics are not.
	_ = p.Shutdown(ctx)
}
