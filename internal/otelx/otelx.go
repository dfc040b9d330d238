package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
)

// ServiceNamespace groups the gateway with the rest of the trading platform.
const ServiceNamespace = "genx"

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// Attributes are added to the resource, e.g. the rate limit store in use.
	Attributes map[string]string

	// Exporter replaces the OTLP gRPC exporter. Endpoint and Insecure are ignored.
	Exporter sdktrace.SpanExporter
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// exportDialTimeout bounds the blocking gRPC dial to the local collector.
const exportDialTimeout = 3 * time.Second

// Init installs the global tracer provider and W3C propagators. When disabled
// spans are still created (so traceparent is honored and echoed) but never exported.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporter(ctx, o)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp, sdktrace.WithMaxQueueSize(2048), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(serviceResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func exporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	if o.Exporter != nil {
		return o.Exporter, nil
	}
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(o.Service + "/" + o.Version)),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dctx, cancel := context.WithTimeout(ctx, exportDialTimeout)
	defer cancel()
	return otlptracegrpc.New(dctx, opts...)
}

// serviceResource names the service "<service>.<component>" inside the genx
// namespace. Detector errors are partial results and are ignored.
func serviceResource(ctx context.Context, o Options) *resource.Resource {
	attrs := make([]attribute.KeyValue, 0, 3+len(o.Attributes))
	attrs = append(attrs,
		semconv.ServiceNamespace(ServiceNamespace),
		semconv.ServiceName(o.Service+"."+o.Component),
		semconv.ServiceVersion(o.Version),
	)
	for k, v := range o.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	return res
}
