package otel

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewMeterProvider creates a new meter provider with the given service name.
// Options are applied after the default resource, so a caller supplied
// resource wins.
func NewMeterProvider(serviceName string, opts ...sdkmetric.Option) (*sdkmetric.MeterProvider, error) {
	all := append([]sdkmetric.Option{sdkmetric.WithResource(NewResource(serviceName, nil))}, opts...)
	return sdkmetric.NewMeterProvider(all...), nil
}

// NewResource creates a new OpenTelemetry resource with service name and any
// extra attributes.
func NewResource(serviceName string, extra map[string]string) *resource.Resource {
	attrs := append(attributesFromMap(extra), semconv.ServiceNameKey.String(serviceName))
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
