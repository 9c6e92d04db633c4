package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tbourn/go-chat-sync/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabled(name string) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_Disabled_InstallsPropagatorOnly(t *testing.T) {
	preserveOTelGlobals(t)
	prevTP := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false}, "v0.0.0", RoleClient)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled tracing must not replace the tracer provider")
	}
	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 {
		t.Fatalf("expected trace context propagator fields")
	}
}

func TestSetupOTel_Insecure_SetsProviderAndPropagates(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabled("svc-insecure"), "v1.2.3", RoleServer)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	ctx, span := otel.Tracer("test").Start(context.Background(), "span")
	defer span.End()
	h := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	if h.Get("traceparent") == "" {
		t.Fatalf("expected traceparent header, got %v", h)
	}
}

func TestSetupOTel_SecureTLS_SetsProvider(t *testing.T) {
	preserveOTelGlobals(t)

	cfg := enabled("svc-tls")
	cfg.Insecure = false
	shutdown, err := SetupOTel(context.Background(), cfg, "v9.9.9", RoleClient)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}
}

func TestSetupOTel_CanceledContext_StillSucceeds(t *testing.T) {
	preserveOTelGlobals(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // exporter connects lazily

	shutdown, err := SetupOTel(ctx, enabled("svc-canceled"), "vX", RoleServer)
	if err != nil {
		t.Fatalf("unexpected err with canceled ctx: %v", err)
	}
	_ = shutdown(context.Background())
}

func TestSetupOTel_ExporterError_GlobalsIntact(t *testing.T) {
	preserveOTelGlobals(t)

	orig := newOTLPExporterFn
	t.Cleanup(func() { newOTLPExporterFn = orig })
	newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom-exporter")
	}

	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	if _, err := SetupOTel(context.Background(), enabled("svc"), "v0", RoleServer); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("globals changed on failure")
	}
}

func TestSetupOTel_ResourceError_GlobalsIntact(t *testing.T) {
	preserveOTelGlobals(t)

	orig := newServiceResourceFn
	t.Cleanup(func() { newServiceResourceFn = orig })
	var gotRole Role
	newServiceResourceFn = func(_ context.Context, _, _ string, role Role) (*resource.Resource, error) {
		gotRole = role
		return nil, errors.New("boom-resource")
	}

	prevTP := otel.GetTracerProvider()
	if _, err := SetupOTel(context.Background(), enabled("svc"), "v0", RoleClient); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if gotRole != RoleClient {
		t.Fatalf("role not passed to resource: %q", gotRole)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}
