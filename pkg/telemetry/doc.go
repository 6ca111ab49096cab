// Package telemetry provides observability instrumentation for labdaq.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and Prometheus metrics behind a single Telemetry handle.
// All three pillars are optional at runtime: a disabled tracer or metrics
// collector degrades to a no-op, so instrumented code never branches on
// configuration.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "labdaq"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with run and device
// context:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithRunID(runID).WithDevice("stage_x")
//	logger.Info("staging device")
//	logger.WithError(err).Error("stage failed")
//
// Log levels: trace, debug, info, warn, error, fatal.
//
// # Distributed Tracing
//
// Spans cover runs, individual plan commands, and device calls:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, planName)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP gRPC (production), stdout (development).
//
// # Metrics
//
// Prometheus metrics track runs, commands, device calls, and the document
// stream:
//
//	tel.Metrics.RecordRunStarted("line_scan")
//	tel.Metrics.RecordRunCompleted("success", duration)
//	tel.Metrics.RecordDeviceCall("stage_x", "move_abs", elapsed)
//	tel.Metrics.RecordDocumentEmitted("event")
package telemetry
