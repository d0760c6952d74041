// Package telemetry sets up OpenTelemetry tracing and metrics export.
//
// Telemetry is off by default. When enabled, spans and metrics are exported
// over OTLP (gRPC by default, HTTP with protocol "http/protobuf"). Exporter
// failures degrade the instance rather than failing startup; Tracer and Meter
// then fall back to the global no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	defer tel.Shutdown(context.Background())
//	tracer := tel.Tracer("leadrelay/webhook")
package telemetry
