package otelx

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")

	cfg := ConfigFromEnv("eventctl")
	require.Equal(t, Config{
		Enabled:      true,
		ServiceName:  "eventctl",
		OTLPEndpoint: "collector:4317",
		SampleRatio:  0.25,
	}, cfg)
}

func TestConfigFromEnv_Defaults(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_SAMPLING_RATIO", "7")

	cfg := ConfigFromEnv("eventctl")
	require.False(t, cfg.Enabled)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRatio)
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(t.Context(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(t.Context()))

	fields := otel.GetTextMapPropagator().Fields()
	require.Contains(t, fields, "traceparent")
	require.Contains(t, fields, "baggage")
}
