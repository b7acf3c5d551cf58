package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerProviderRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp, err := newTracerProvider(context.Background(), Config{Version: "1.2.3"}, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "jobarchiver.run")
	require.True(t, span.SpanContext().TraceID().IsValid())
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "jobarchiver.run", ended[0].Name())

	attrs := map[attribute.Key]string{}
	for _, kv := range ended[0].Resource().Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, "jobarchiver", attrs["service.name"])
	require.Equal(t, "1.2.3", attrs["service.version"])

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestProviderShutdownNil(t *testing.T) {
	t.Parallel()

	var p *Provider
	require.NoError(t, p.Shutdown(context.Background()))
}
