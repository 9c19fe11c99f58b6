// Package observability wires OpenTelemetry tracing into the Genkit
// trace pipeline.
//
// Spans are exported over OTLP HTTP to a local collector (an OTel
// Collector or any agent speaking OTLP on the standard 4318 port). The
// collector handles authentication and forwarding, so no vendor
// credentials pass through the application.
//
// Environment overrides:
//   - CITO_OTLP_ENDPOINT: collector endpoint (default: localhost:4318)
//   - OTEL_SERVICE_NAME / OTEL_RESOURCE_ATTRIBUTES are set from config
//     so Genkit's TracerProvider resource picks them up.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/citolabs/cito/internal/log"
)

// DefaultEndpoint is the standard OTLP HTTP collector endpoint.
const DefaultEndpoint = "localhost:4318"

// Config for the trace exporter.
type Config struct {
	// Endpoint is the OTLP HTTP collector address (default: localhost:4318).
	Endpoint string
	// ServiceName labels spans in the tracing backend.
	ServiceName string
	// Environment tags spans with the deployment environment.
	Environment string
}

// Setup registers an OTLP span exporter with Genkit's TracerProvider
// and returns a shutdown function that flushes pending spans.
//
// Exporter construction failures disable tracing instead of failing
// startup: the returned shutdown is then a no-op.
func Setup(ctx context.Context, cfg Config, logger log.Logger) (shutdown func(context.Context) error, err error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Genkit's TracerProvider reads the service identity from the OTEL
	// environment at span creation time.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
