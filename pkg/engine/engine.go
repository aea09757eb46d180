package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/stores"
	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

// Options configures engine behavior.
type Options struct {
	// MaxParallel bounds the worker pool for per-environment scans.
	MaxParallel int

	// LeaseTTL is how long a scan lease is held before it can be stolen.
	LeaseTTL time.Duration

	// FetchTimeout bounds each external definition fetch.
	FetchTimeout time.Duration

	// SweepBatchSize caps the incidents examined per sweeper pass.
	SweepBatchSize int

	// PurgeBatchSize caps the rows deleted per table per purger pass.
	PurgeBatchSize int
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		MaxParallel:    4,
		LeaseTTL:       10 * time.Minute,
		FetchTimeout:   30 * time.Second,
		SweepBatchSize: 500,
		PurgeBatchSize: 200,
	}
}

// Engine coordinates drift detection and incident reconciliation for
// all tenants: scan orchestration, the incident lifecycle, approval
// gating, reconciliation tracking and the maintenance passes.
type Engine struct {
	store    stores.Store
	source   WorkflowSource
	notifier Notifier
	policies *policy.Resolver
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	opts     Options

	// now is the clock; replaced in tests.
	now func() time.Time
}

// New creates a new engine. Metrics and tracer may be nil.
func New(
	store stores.Store,
	source WorkflowSource,
	notifier Notifier,
	policies *policy.Resolver,
	logger zerolog.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
	opts Options,
) *Engine {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultOptions().MaxParallel
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultOptions().LeaseTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultOptions().FetchTimeout
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = DefaultOptions().SweepBatchSize
	}
	if opts.PurgeBatchSize <= 0 {
		opts.PurgeBatchSize = DefaultOptions().PurgeBatchSize
	}

	return &Engine{
		store:    store,
		source:   source,
		notifier: notifier,
		policies: policies,
		logger:   logger.With().Str("component", "engine").Logger(),
		metrics:  metrics,
		tracer:   tracer,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetActiveIncident returns the open incident for an environment, or
// nil when none exists.
func (e *Engine) GetActiveIncident(ctx context.Context, tenantID, environmentID string) (*stores.DriftIncident, error) {
	incident, err := e.store.GetActiveIncident(ctx, tenantID, environmentID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return incident, nil
}

// IsDeploymentBlocked reports whether deployments to an environment are
// blocked: an open incident under block_deployments_on_drift, or an
// expired one under block_deployments_on_expired.
func (e *Engine) IsDeploymentBlocked(ctx context.Context, tenantID, environmentID string) (bool, error) {
	incident, err := e.GetActiveIncident(ctx, tenantID, environmentID)
	if err != nil {
		return false, err
	}
	if incident == nil {
		return false, nil
	}

	cfg, err := e.policies.Resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}

	if incident.Expired && cfg.BlockDeploymentsOnExpired {
		return true, nil
	}
	return cfg.BlockDeploymentsOnDrift, nil
}

// audit records one audit trail entry; failures are logged, never fatal.
func (e *Engine) audit(ctx context.Context, tenantID, action, actor, targetID string, details any) {
	entry := &stores.AuditEntry{
		TenantID:  tenantID,
		Action:    action,
		Actor:     actor,
		Timestamp: e.now(),
	}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if details != nil {
		if blob, err := json.Marshal(details); err == nil {
			detailsStr := string(blob)
			entry.Details = &detailsStr
		}
	}

	if err := e.store.CreateAuditEntry(ctx, entry); err != nil {
		e.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("action", action).
			Msg("Failed to write audit entry")
	}
}

// affectedWorkflowSet parses an incident's affected-workflow JSON array.
func affectedWorkflowSet(incident *stores.DriftIncident) (map[string]struct{}, error) {
	var ids []string
	if incident.AffectedWorkflows != "" {
		if err := json.Unmarshal([]byte(incident.AffectedWorkflows), &ids); err != nil {
			return nil, fmt.Errorf("failed to parse affected workflows for incident %s: %w", incident.ID, err)
		}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func marshalWorkflowSet(set map[string]struct{}) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Deterministic order keeps re-scans idempotent at the row level.
	sort.Strings(ids)
	blob, _ := json.Marshal(ids)
	return string(blob)
}
