package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.Nil(t, tel.tracerProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetryShutdown(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestEnabledTelemetryBuildsProvider(t *testing.T) {
	// The gRPC exporter connects lazily, so construction succeeds even
	// with no collector listening.
	tel, err := New(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		ServiceName:  "recalld-test",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
	})
	require.NoError(t, err)
	require.NotNil(t, tel.tracerProvider)
	assert.NoError(t, tel.Shutdown(context.Background()))
}
