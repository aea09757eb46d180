// Package telemetry provides observability instrumentation for the
// drift engine.
//
// The telemetry package integrates structured logging (zerolog),
// distributed tracing (OpenTelemetry), metrics (Prometheus), and event
// publishing into a unified system for monitoring scan runs, incident
// lifecycle activity, and the maintenance passes.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "driftwatch"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger = logger.WithTenant("acme").WithEnvironment("env-prod")
//	logger.Info("Starting tenant scan")
//	logger.WithError(err).Error("Scan failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing covers the scan pipeline end to end:
//
//	ctx, span := tel.Tracer.StartScanSpan(ctx, tenantID)
//	defer span.End()
//
// Per-environment work nests under the tenant span via
// StartEnvironmentSpan, and incident transitions under
// StartTransitionSpan. Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Prometheus metrics are exposed on the configured listen address.
// Key series (all under the configured namespace):
//
//   - tenant_scans_total{tenant}
//   - tenant_scan_duration_seconds{tenant}
//   - environment_scans_total{environment,status}
//   - workflows_by_flag{environment,flag}
//   - incidents_created_total{severity}
//   - incidents_expired_total{severity}
//   - incident_transitions_total{action,to}
//   - incident_transition_conflicts_total{action}
//   - reconciliation_artifacts_total{type,status}
//   - sweep_expired_total, sweep_warnings_total, sweep_conflicts_total
//   - purged_incidents_total, purged_payloads_total, purged_drift_checks_total
//   - errors_by_class_total{class}, errors_by_code_total{code}
//
// # Events
//
// The event publisher delivers scan, incident, approval, and artifact
// events to in-process subscribers, buffered and batched when async
// mode is enabled. Subscribers attach with optional filters:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    // forward to chat, webhook, queue
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
