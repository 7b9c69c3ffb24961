package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/renderwatch/pkg/common/logger"
)

func TestEndpointExcluder(t *testing.T) {
	t.Parallel()

	sampler := newEndpointExcluder(map[string]struct{}{"/v1/health": {}}, 1)
	tests := []struct {
		name   string
		target string
		want   sdktrace.SamplingDecision
	}{
		{name: "excluded route", target: "/v1/health", want: sdktrace.Drop},
		{name: "regular route", target: "/api/tasks/1/status", want: sdktrace.RecordAndSample},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := sampler.ShouldSample(sdktrace.SamplingParameters{
				ParentContext: context.Background(),
				TraceID:       trace.TraceID{1},
				Name:          "GET " + tt.target,
				Attributes:    []attribute.KeyValue{attribute.String("http.target", tt.target)},
			})
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestEndpointExcluder_ZeroProbabilityDrops(t *testing.T) {
	res := newEndpointExcluder(nil, 0).ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{1},
	})
	assert.Equal(t, sdktrace.Drop, res.Decision)
}

func TestInitTelemetry_DisabledIsNoop(t *testing.T) {
	p, err := InitTelemetry(logger.Noop(), Config{ServiceName: "renderctl"})
	require.NoError(t, err)

	_, span := p.Tracer.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	_, err = p.Meter.Meter("test").Int64Counter("c")
	assert.NoError(t, err)
	p.Shutdown(context.Background())
}

func TestNewResource(t *testing.T) {
	res := NewResource("job-server", map[string]string{"deployment": "local"})

	got := make(map[attribute.Key]string)
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "job-server", got[semconv.ServiceNameKey])
	assert.Equal(t, "local", got["deployment"])
}

func TestGetTraceIDAndAddSpan(t *testing.T) {
	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(context.Background()))
	assert.Equal(t, NoTraceID, GetTraceID(context.Background()))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	ctx, span := AddSpan(context.Background(), tp.Tracer("test"), "poll", attribute.String("job_id", "job-1"))
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "poll", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("job_id", "job-1"))
}
