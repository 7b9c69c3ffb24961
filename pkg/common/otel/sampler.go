package otel

import (
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// endpointExcluder drops spans for noisy routes such as health checks and
// samples everything else by trace id ratio, honoring the parent's decision.
type endpointExcluder struct {
	excluded map[string]struct{}
	delegate sdktrace.Sampler
}

func newEndpointExcluder(excluded map[string]struct{}, probability float64) sdktrace.Sampler {
	return endpointExcluder{
		excluded: excluded,
		delegate: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

func (e endpointExcluder) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if e.isExcluded(p.Attributes) {
		return sdktrace.SamplingResult{
			Decision:   sdktrace.Drop,
			Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
		}
	}
	return e.delegate.ShouldSample(p)
}

func (e endpointExcluder) isExcluded(attrs []attribute.KeyValue) bool {
	if len(e.excluded) == 0 {
		return false
	}
	for _, kv := range attrs {
		if kv.Key != "http.target" {
			continue
		}
		if _, ok := e.excluded[kv.Value.AsString()]; ok {
			return true
		}
	}
	return false
}

func (e endpointExcluder) Description() string { return "endpointExcluder" }
