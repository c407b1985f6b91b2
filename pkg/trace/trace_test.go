package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap"

	"github.com/castlelab/gambit/internal/common/config"
)

func mockConstructors(t *testing.T) {
	t.Helper()
	originalNewResource := newResource
	originalNewHTTP := newOTLPTraceHTTP
	originalNewGRPC := newOTLPTraceGRPC
	t.Cleanup(func() {
		newResource = originalNewResource
		newOTLPTraceHTTP = originalNewHTTP
		newOTLPTraceGRPC = originalNewGRPC
	})

	newResource = func(ctx context.Context, options ...resource.Option) (*resource.Resource, error) {
		return resource.Default(), nil
	}
	newOTLPTraceHTTP = func(ctx context.Context, options ...otlptracehttp.Option) (*otlptrace.Exporter, error) {
		return nil, nil
	}
	newOTLPTraceGRPC = func(ctx context.Context, options ...otlptracegrpc.Option) (*otlptrace.Exporter, error) {
		return nil, nil
	}
}

func TestInitTracing_HTTPExporter(t *testing.T) {
	mockConstructors(t)

	cfg := &config.TracingConfig{
		Enabled:     true,
		ServiceName: "test-http",
		Endpoint:    "http://localhost:4318",
		Exporter:    "http",
		Insecure:    true,
		SamplerRate: 0.5,
		Environment: "test",
	}

	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
}

func TestInitTracing_GRPCExporter(t *testing.T) {
	mockConstructors(t)

	cfg := &config.TracingConfig{
		Enabled:     true,
		ServiceName: "test-grpc",
		Endpoint:    "localhost:4317",
		Exporter:    "grpc",
		SamplerRate: 1.0,
		Environment: "production",
	}

	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
}

func TestInitTracing_DefaultValues(t *testing.T) {
	mockConstructors(t)

	cfg := &config.TracingConfig{
		ServiceName: "test-defaults",
		SamplerRate: -0.5, // clamped to 0
	}

	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
}

func TestInitTracing_ResourceError(t *testing.T) {
	mockConstructors(t)
	newResource = func(ctx context.Context, options ...resource.Option) (*resource.Resource, error) {
		return nil, errors.New("resource creation failed")
	}

	cfg := &config.TracingConfig{ServiceName: "test-error"}
	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, shutdown)
	assert.Contains(t, err.Error(), "create resource")
}

func TestInitTracing_ExporterError(t *testing.T) {
	mockConstructors(t)
	newOTLPTraceGRPC = func(ctx context.Context, options ...otlptracegrpc.Option) (*otlptrace.Exporter, error) {
		return nil, errors.New("exporter unreachable")
	}

	cfg := &config.TracingConfig{ServiceName: "test-error"}
	shutdown, err := InitTracing(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, shutdown)
	assert.Contains(t, err.Error(), "create exporter")
}

func TestBuilderStartAndScope(t *testing.T) {
	b := Tracer("test-tracer")
	scope := b.Start(context.Background(), "test-span")
	assert.NotNil(t, scope)
	assert.NotNil(t, scope.Ctx)
	assert.NotNil(t, scope.Span)

	scope.WithAttrs(attribute.String("key", "value")).End()
}

func TestSpanScope_NilSafety(t *testing.T) {
	var scope *SpanScope
	assert.NotPanics(t, func() {
		scope.WithAttrs(attribute.String("k", "v"))
		scope.End()
	})
}
