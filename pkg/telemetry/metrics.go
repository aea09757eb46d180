package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the drift engine.
type Metrics struct {
	config MetricsConfig

	// Scan metrics
	tenantScans        *prometheus.CounterVec
	tenantScanDuration *prometheus.HistogramVec
	scanFailures       *prometheus.CounterVec
	environmentScans   *prometheus.CounterVec
	envScanDuration    *prometheus.HistogramVec

	// Drift metrics
	workflowsByFlag *prometheus.GaugeVec

	// Incident metrics
	incidentsCreated    *prometheus.CounterVec
	incidentsExpired    *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	transitionConflicts *prometheus.CounterVec

	// Reconciliation metrics
	artifactsByStatus *prometheus.CounterVec

	// Maintenance metrics
	sweepExpired     prometheus.Counter
	sweepWarnings    prometheus.Counter
	sweepConflicts   prometheus.Counter
	purgedIncidents  prometheus.Counter
	purgedPayloads   prometheus.Counter
	purgedChecks     prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tenantScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_scans_total",
				Help:      "Total number of tenant-wide scan runs",
			},
			[]string{"tenant"},
		),
		tenantScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tenant_scan_duration_seconds",
				Help:      "Duration of tenant-wide scan runs in seconds",
				Buckets:   buckets,
			},
			[]string{"tenant"},
		),
		scanFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_failures_total",
				Help:      "Total number of environment scan failures per tenant",
			},
			[]string{"tenant"},
		),
		environmentScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "environment_scans_total",
				Help:      "Total number of per-environment scans",
			},
			[]string{"environment", "status"},
		),
		envScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "environment_scan_duration_seconds",
				Help:      "Duration of per-environment scans in seconds",
				Buckets:   buckets,
			},
			[]string{"environment"},
		),

		workflowsByFlag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflows_by_flag",
				Help:      "Workflow count per drift flag from the latest scan",
			},
			[]string{"environment", "flag"},
		),

		incidentsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_created_total",
				Help:      "Total number of drift incidents created",
			},
			[]string{"severity"},
		),
		incidentsExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incidents_expired_total",
				Help:      "Total number of incidents marked expired",
			},
			[]string{"severity"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incident_transitions_total",
				Help:      "Total number of committed incident transitions",
			},
			[]string{"action", "to"},
		),
		transitionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "incident_transition_conflicts_total",
				Help:      "Total number of transitions lost to version conflicts",
			},
			[]string{"action"},
		),

		artifactsByStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliation_artifacts_total",
				Help:      "Total number of reconciliation artifact status changes",
			},
			[]string{"type", "status"},
		),

		sweepExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_expired_total",
				Help:      "Total number of incidents expired by the sweeper",
			},
		),
		sweepWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_warnings_total",
				Help:      "Total number of expiration warnings delivered",
			},
		),
		sweepConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_conflicts_total",
				Help:      "Total number of sweeper writes lost to version conflicts",
			},
		),
		purgedIncidents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purged_incidents_total",
				Help:      "Total number of incidents removed by retention purging",
			},
		),
		purgedPayloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purged_payloads_total",
				Help:      "Total number of incident payloads removed by retention purging",
			},
		),
		purgedChecks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "purged_drift_checks_total",
				Help:      "Total number of drift check records removed by retention purging",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.tenantScans,
		m.tenantScanDuration,
		m.scanFailures,
		m.environmentScans,
		m.envScanDuration,
		m.workflowsByFlag,
		m.incidentsCreated,
		m.incidentsExpired,
		m.transitions,
		m.transitionConflicts,
		m.artifactsByStatus,
		m.sweepExpired,
		m.sweepWarnings,
		m.sweepConflicts,
		m.purgedIncidents,
		m.purgedPayloads,
		m.purgedChecks,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Scan Metrics

// RecordTenantScan records one tenant-wide scan run.
func (m *Metrics) RecordTenantScan(tenantID string, failed int, duration time.Duration) {
	if m == nil || m.tenantScans == nil {
		return
	}
	m.tenantScans.WithLabelValues(tenantID).Inc()
	m.tenantScanDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
	if failed > 0 {
		m.scanFailures.WithLabelValues(tenantID).Add(float64(failed))
	}
}

// RecordEnvironmentScan records one per-environment scan with its outcome.
func (m *Metrics) RecordEnvironmentScan(environment, status string, duration time.Duration) {
	if m == nil || m.environmentScans == nil {
		return
	}
	m.environmentScans.WithLabelValues(environment, status).Inc()
	m.envScanDuration.WithLabelValues(environment).Observe(duration.Seconds())
}

// RecordDriftCounts publishes the latest scan's per-flag workflow counts.
func (m *Metrics) RecordDriftCounts(environment string, inSync, drifted, missingInGit, missingInRuntime int) {
	if m == nil || m.workflowsByFlag == nil {
		return
	}
	m.workflowsByFlag.WithLabelValues(environment, "in_sync").Set(float64(inSync))
	m.workflowsByFlag.WithLabelValues(environment, "drifted").Set(float64(drifted))
	m.workflowsByFlag.WithLabelValues(environment, "missing_in_git").Set(float64(missingInGit))
	m.workflowsByFlag.WithLabelValues(environment, "missing_in_runtime").Set(float64(missingInRuntime))
}

// Incident Metrics

// RecordIncidentCreated records a newly created incident.
func (m *Metrics) RecordIncidentCreated(severity string) {
	if m == nil || m.incidentsCreated == nil {
		return
	}
	m.incidentsCreated.WithLabelValues(severity).Inc()
}

// RecordIncidentExpired records an incident crossing its TTL deadline.
func (m *Metrics) RecordIncidentExpired(severity string) {
	if m == nil || m.incidentsExpired == nil {
		return
	}
	m.incidentsExpired.WithLabelValues(severity).Inc()
}

// RecordTransition records a committed incident transition.
func (m *Metrics) RecordTransition(action, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(action, to).Inc()
}

// RecordTransitionConflict records a transition lost to a version conflict.
func (m *Metrics) RecordTransitionConflict(action string) {
	if m == nil || m.transitionConflicts == nil {
		return
	}
	m.transitionConflicts.WithLabelValues(action).Inc()
}

// Reconciliation Metrics

// RecordArtifactStatus records a reconciliation artifact status change.
func (m *Metrics) RecordArtifactStatus(artifactType, status string) {
	if m == nil || m.artifactsByStatus == nil {
		return
	}
	m.artifactsByStatus.WithLabelValues(artifactType, status).Inc()
}

// Maintenance Metrics

// RecordSweep records the outcome of one sweeper pass.
func (m *Metrics) RecordSweep(expired, warnings, conflicts int) {
	if m == nil || m.sweepExpired == nil {
		return
	}
	m.sweepExpired.Add(float64(expired))
	m.sweepWarnings.Add(float64(warnings))
	m.sweepConflicts.Add(float64(conflicts))
}

// RecordPurge records the outcome of one retention purger pass.
func (m *Metrics) RecordPurge(incidents, payloads, checks int64) {
	if m == nil || m.purgedIncidents == nil {
		return
	}
	m.purgedIncidents.Add(float64(incidents))
	m.purgedPayloads.Add(float64(payloads))
	m.purgedChecks.Add(float64(checks))
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
