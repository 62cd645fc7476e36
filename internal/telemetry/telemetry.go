// Package telemetry wires OpenTelemetry tracing for the bridge. Spans are
// only exported when OTEL_EXPORTER_OTLP_ENDPOINT is configured; otherwise
// the tracer provider is a no-op and Start/Shutdown are cheap.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "discord-roomy-bridge"

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init configures tracing. If endpoint is empty, spans are recorded but
// dropped (no network export), so callers can always call Start/End without
// branching on whether telemetry is enabled.
func Init(ctx context.Context, endpoint string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(5*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		slog.Info("telemetry enabled", "endpoint", endpoint)
	} else {
		slog.Info("telemetry disabled (OTEL_EXPORTER_OTLP_ENDPOINT unset)")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer(serviceName)}, nil
}

// Start begins a named span. Callers must call span.End() when done.
func (p *Provider) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes any pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Span names for the bridge's traced operations, collected here so every
// caller references the same literal. Of these, only SpanBackfillGuild is
// started by a caller (internal/backfill).
const (
	SpanBackfillGuild    = "backfill.guild"
	SpanSyncRoomyToDisc  = "sync.roomy_to_discord"
	SpanSyncDiscToRoomy  = "sync.discord_to_roomy"
	SpanWebhookExecute   = "webhook.execute"
	SpanSubscriptionBatch = "subscription.batch"
)
