package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/stores"
	"github.com/driftwatch/driftwatch/pkg/telemetry"
)

// ScanTenant scans all active environments of a tenant concurrently via
// a bounded worker pool. Each environment is scanned independently: an
// unreachable workflow source fails only that environment's scan and is
// reported in its result, never aborting the tenant-wide run.
func (e *Engine) ScanTenant(ctx context.Context, tenantID, actor string) (*TenantScanResult, error) {
	start := e.now()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartScanSpan(ctx, tenantID)
		defer span.End()
	}

	cfg, err := e.policies.Resolve(ctx, tenantID)
	if err != nil {
		return nil, NewPermanentError("failed to resolve tenant policy", err)
	}

	environments, err := e.store.ListEnvironments(ctx, tenantID, true)
	if err != nil {
		return nil, NewPermanentError("failed to list environments", err)
	}

	result := &TenantScanResult{
		TenantID:     tenantID,
		StartedAt:    start,
		Environments: make([]*EnvironmentScanResult, len(environments)),
	}

	sem := make(chan struct{}, e.opts.MaxParallel)
	var wg sync.WaitGroup

	for i, env := range environments {
		wg.Add(1)
		go func(i int, env *stores.Environment) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result.Environments[i] = e.scanEnvironment(ctx, env, cfg, actor)
		}(i, env)
	}

	wg.Wait()
	result.Duration = e.now().Sub(start)

	failed := result.Failed()
	e.logger.Info().
		Str("tenant_id", tenantID).
		Int("environments", len(environments)).
		Int("failed", len(failed)).
		Dur("duration", result.Duration).
		Msg("Tenant scan completed")

	e.metrics.RecordTenantScan(tenantID, len(failed), result.Duration)

	return result, nil
}

// scanEnvironment runs the fetch+compare pass for one environment and
// persists its snapshot. All failures are folded into the result.
func (e *Engine) scanEnvironment(ctx context.Context, env *stores.Environment, cfg *policy.Config, actor string) *EnvironmentScanResult {
	start := e.now()
	result := &EnvironmentScanResult{
		EnvironmentID: env.ID,
		Environment:   env.Name,
	}
	defer func() {
		result.Duration = e.now().Sub(start)
		status := "ok"
		if result.Err != nil {
			status = "failed"
		}
		e.metrics.RecordEnvironmentScan(env.Name, status, result.Duration)
	}()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartEnvironmentSpan(ctx, env.ID, env.Name)
		defer func() {
			if result.Err != nil {
				telemetry.RecordError(span, result.Err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	owner := uuid.New().String()
	if _, err := e.store.AcquireScanLease(ctx, env.TenantID, env.ID, owner, e.opts.LeaseTTL); err != nil {
		if errors.Is(err, stores.ErrLeaseHeld) {
			result.Err = NewConflictError("scan in progress", err).
				WithCode(ErrCodeScanInProgress).
				WithEnvironment(env.ID)
			return result
		}
		result.Err = NewPermanentError("failed to acquire scan lease", err).WithEnvironment(env.ID)
		return result
	}
	defer func() {
		if err := e.store.ReleaseScanLease(context.WithoutCancel(ctx), env.TenantID, env.ID, owner); err != nil {
			e.logger.Warn().Err(err).
				Str("environment_id", env.ID).
				Msg("Failed to release scan lease")
		}
	}()

	comparisons, err := e.compareEnvironment(ctx, env)
	if err != nil {
		result.Err = err
		e.logger.Warn().Err(err).
			Str("tenant_id", env.TenantID).
			Str("environment", env.Name).
			Msg("Environment scan failed")
		return result
	}
	result.Comparisons = comparisons

	history, flags := e.buildHistory(env, comparisons)
	if err := e.store.CreateDriftCheck(ctx, history, flags); err != nil {
		result.Err = NewPermanentError("failed to persist drift check", err).WithEnvironment(env.ID)
		return result
	}
	result.History = history

	summaryStatus := "in_sync"
	if result.DriftFound() {
		summaryStatus = "drifted"
	}
	if err := e.store.UpdateEnvironmentDriftSummary(ctx, env.ID, summaryStatus, history.Drifted, history.CheckedAt); err != nil {
		result.Err = NewPermanentError("failed to update environment summary", err).WithEnvironment(env.ID)
		return result
	}

	e.metrics.RecordDriftCounts(env.Name, history.InSync, history.Drifted, history.MissingInGit, history.MissingInRuntime)

	if result.DriftFound() && e.shouldAutoCreate(cfg, env) {
		incident, merged, err := e.upsertIncident(ctx, env, cfg, history, comparisons, actor)
		if err != nil {
			result.Err = err
			return result
		}
		result.Incident = incident
		result.IncidentMerged = merged
	}

	return result
}

// compareEnvironment fetches both sides of every comparable mapping and
// runs the comparator. Any fetch failure aborts this environment only.
func (e *Engine) compareEnvironment(ctx context.Context, env *stores.Environment) ([]WorkflowComparison, error) {
	mappings, err := e.store.ListEnvironmentWorkflows(ctx, env.ID)
	if err != nil {
		return nil, NewPermanentError("failed to list workflow mappings", err).WithEnvironment(env.ID)
	}

	comparisons := []WorkflowComparison{}
	for _, mapping := range mappings {
		if !Comparable(mapping) {
			continue
		}

		input := ComparisonInput{Mapping: mapping}

		if mapping.CanonicalID != nil {
			canonical, err := e.fetchCanonical(ctx, env.TenantID, *mapping.CanonicalID)
			if err != nil {
				return nil, NewCollaboratorError("canonical definition fetch failed", err).
					WithCode(ErrCodeFetchFailed).
					WithEnvironment(env.ID).
					WithDetail("workflow", *mapping.CanonicalID)
			}
			input.Canonical = canonical
		}

		live, err := e.fetchLive(ctx, env.TenantID, env.ID, mapping.ProviderID)
		if err != nil {
			return nil, NewCollaboratorError("live definition fetch failed", err).
				WithCode(ErrCodeFetchFailed).
				WithEnvironment(env.ID).
				WithDetail("provider_id", mapping.ProviderID)
		}
		input.Live = live

		comparisons = append(comparisons, Compare(input))
	}

	return comparisons, nil
}

func (e *Engine) fetchCanonical(ctx context.Context, tenantID, workflowID string) (*WorkflowDefinition, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return e.source.FetchCanonicalDefinition(fetchCtx, tenantID, workflowID)
}

func (e *Engine) fetchLive(ctx context.Context, tenantID, environmentID, providerID string) (*WorkflowDefinition, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return e.source.FetchLiveDefinition(fetchCtx, tenantID, environmentID, providerID)
}

// buildHistory aggregates comparisons into one immutable scan record
// plus its per-workflow flag rows.
func (e *Engine) buildHistory(env *stores.Environment, comparisons []WorkflowComparison) (*stores.DriftCheckHistory, []*stores.DriftCheckWorkflowFlag) {
	history := &stores.DriftCheckHistory{
		ID:            uuid.New().String(),
		TenantID:      env.TenantID,
		EnvironmentID: env.ID,
		CheckedAt:     e.now(),
	}

	flags := make([]*stores.DriftCheckWorkflowFlag, 0, len(comparisons))
	for _, cmp := range comparisons {
		history.TotalWorkflows++
		switch cmp.Flag {
		case stores.DriftFlagInSync:
			history.InSync++
		case stores.DriftFlagDrifted:
			history.Drifted++
		case stores.DriftFlagMissingInGit:
			history.MissingInGit++
		case stores.DriftFlagMissingInRuntime:
			history.MissingInRuntime++
		}

		flag := &stores.DriftCheckWorkflowFlag{
			WorkflowName: cmp.Name,
			Flag:         cmp.Flag,
		}
		if cmp.Mapping != nil {
			flag.CanonicalID = cmp.Mapping.CanonicalID
			providerID := cmp.Mapping.ProviderID
			flag.ProviderID = &providerID
		}
		flags = append(flags, flag)
	}

	history.Summary = fmt.Sprintf("%d/%d in sync, %d drifted, %d missing in git, %d missing in runtime",
		history.InSync, history.TotalWorkflows, history.Drifted, history.MissingInGit, history.MissingInRuntime)

	return history, flags
}

func (e *Engine) shouldAutoCreate(cfg *policy.Config, env *stores.Environment) bool {
	if !cfg.AutoCreateIncidents {
		return false
	}
	if cfg.AutoCreateForProductionOnly && env.Class != stores.EnvironmentClassProduction {
		return false
	}
	return true
}

// DeriveSeverity computes incident severity from a scan outcome:
// critical when anything is missing in runtime on a production
// environment, high when the drifted share exceeds the policy
// threshold, medium otherwise.
func DeriveSeverity(cfg *policy.Config, env *stores.Environment, history *stores.DriftCheckHistory) stores.Severity {
	if history.MissingInRuntime > 0 && env.Class == stores.EnvironmentClassProduction {
		return stores.SeverityCritical
	}
	if history.TotalWorkflows > 0 {
		share := float64(history.Drifted) / float64(history.TotalWorkflows)
		if share > cfg.HighSeverityDriftShare {
			return stores.SeverityHigh
		}
	}
	return stores.SeverityMedium
}

func severityRank(s stores.Severity) int {
	switch s {
	case stores.SeverityCritical:
		return 3
	case stores.SeverityHigh:
		return 2
	default:
		return 1
	}
}

// upsertIncident creates a new incident for the scan, or merges the scan
// into the environment's already-open incident so that re-scans stay
// idempotent and never produce a second open incident.
func (e *Engine) upsertIncident(
	ctx context.Context,
	env *stores.Environment,
	cfg *policy.Config,
	history *stores.DriftCheckHistory,
	comparisons []WorkflowComparison,
	actor string,
) (*stores.DriftIncident, bool, error) {
	existing, err := e.GetActiveIncident(ctx, env.TenantID, env.ID)
	if err != nil {
		return nil, false, NewPermanentError("failed to look up active incident", err).WithEnvironment(env.ID)
	}

	if existing != nil {
		incident, err := e.mergeIncident(ctx, existing, env, history, comparisons, actor)
		return incident, true, err
	}

	incident, err := e.createIncident(ctx, env, cfg, history, comparisons, actor)
	if err != nil {
		// A concurrent scan may have won the creation race; fold into
		// the incident it created.
		if errors.Is(err, stores.ErrDuplicateOpenIncident) {
			fresh, lookupErr := e.GetActiveIncident(ctx, env.TenantID, env.ID)
			if lookupErr != nil || fresh == nil {
				return nil, false, NewConflictError("incident creation raced and lookup failed", err).WithEnvironment(env.ID)
			}
			incident, mergeErr := e.mergeIncident(ctx, fresh, env, history, comparisons, actor)
			return incident, true, mergeErr
		}
		return nil, false, err
	}

	return incident, false, nil
}

func (e *Engine) createIncident(
	ctx context.Context,
	env *stores.Environment,
	cfg *policy.Config,
	history *stores.DriftCheckHistory,
	comparisons []WorkflowComparison,
	actor string,
) (*stores.DriftIncident, error) {
	now := e.now()
	severity := DeriveSeverity(cfg, env, history)
	expiresAt := now.Add(cfg.TTLFor(severity))

	incident := &stores.DriftIncident{
		ID:                uuid.New().String(),
		TenantID:          env.TenantID,
		EnvironmentID:     env.ID,
		Status:            stores.IncidentStatusDetected,
		Severity:          severity,
		ExpiresAt:         &expiresAt,
		AffectedWorkflows: marshalWorkflowSet(affectedFromComparisons(comparisons)),
		DetectedAt:        now,
		CreatedBy:         actor,
		LastActor:         actor,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	payload := &stores.IncidentPayload{
		IncidentID: incident.ID,
		Snapshot:   buildSnapshot(history, comparisons),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.store.CreateIncident(ctx, incident, payload); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("tenant_id", env.TenantID).
		Str("environment", env.Name).
		Str("incident_id", incident.ID).
		Str("severity", string(severity)).
		Time("expires_at", expiresAt).
		Msg("Drift incident created")

	e.metrics.RecordIncidentCreated(string(severity))
	e.audit(ctx, env.TenantID, "incident.created", actor, incident.ID, map[string]any{
		"environment": env.Name,
		"severity":    severity,
		"history_id":  history.ID,
	})

	return incident, nil
}

// mergeIncident folds a fresh scan into an already-open incident:
// affected-workflow union, snapshot replacement, and severity
// escalation when the new scan rates higher. Severity never de-escalates
// on merge.
func (e *Engine) mergeIncident(
	ctx context.Context,
	incident *stores.DriftIncident,
	env *stores.Environment,
	history *stores.DriftCheckHistory,
	comparisons []WorkflowComparison,
	actor string,
) (*stores.DriftIncident, error) {
	for attempt := 0; ; attempt++ {
		set, err := affectedWorkflowSet(incident)
		if err != nil {
			return nil, NewPermanentError("failed to parse incident workflow set", err).WithIncident(incident.ID)
		}
		for id := range affectedFromComparisons(comparisons) {
			set[id] = struct{}{}
		}

		cfg, err := e.policies.Resolve(ctx, env.TenantID)
		if err != nil {
			return nil, NewPermanentError("failed to resolve tenant policy", err)
		}
		scanSeverity := DeriveSeverity(cfg, env, history)

		expected := incident.Version
		incident.AffectedWorkflows = marshalWorkflowSet(set)
		if severityRank(scanSeverity) > severityRank(incident.Severity) {
			incident.Severity = scanSeverity
		}
		incident.LastActor = actor
		incident.UpdatedAt = e.now()

		err = e.store.UpdateIncidentCAS(ctx, incident, expected)
		if err == nil {
			break
		}
		if !errors.Is(err, stores.ErrVersionConflict) || attempt >= casRetryLimit {
			return nil, NewConflictError("incident merge lost a concurrent update", err).WithIncident(incident.ID)
		}

		fresh, readErr := e.store.GetIncident(ctx, incident.ID)
		if readErr != nil {
			return nil, NewPermanentError("failed to re-read incident", readErr).WithIncident(incident.ID)
		}
		if fresh.Terminal() {
			// The incident closed between scans; the next scan will
			// open a fresh one.
			return fresh, nil
		}
		incident = fresh
	}

	now := e.now()
	payload, err := e.store.GetIncidentPayload(ctx, incident.ID)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			return nil, NewPermanentError("failed to load incident payload", err).WithIncident(incident.ID)
		}
		// Payload may have been purged ahead of the incident; recreate
		// it through the update path below is not possible, so skip.
		payload = nil
	}
	if payload != nil {
		payload.Snapshot = buildSnapshot(history, comparisons)
		payload.UpdatedAt = now
		if err := e.store.UpdateIncidentPayload(ctx, payload); err != nil {
			return nil, NewPermanentError("failed to update incident payload", err).WithIncident(incident.ID)
		}
	}

	e.logger.Info().
		Str("tenant_id", env.TenantID).
		Str("environment", env.Name).
		Str("incident_id", incident.ID).
		Msg("Scan merged into open incident")

	e.audit(ctx, env.TenantID, "incident.merged", actor, incident.ID, map[string]any{
		"history_id": history.ID,
	})

	return incident, nil
}

// casRetryLimit bounds transition retries after version conflicts.
const casRetryLimit = 3

func affectedFromComparisons(comparisons []WorkflowComparison) map[string]struct{} {
	set := map[string]struct{}{}
	for _, cmp := range comparisons {
		if cmp.Flag == stores.DriftFlagInSync {
			continue
		}
		switch {
		case cmp.Mapping != nil && cmp.Mapping.CanonicalID != nil:
			set[*cmp.Mapping.CanonicalID] = struct{}{}
		case cmp.Mapping != nil:
			set[cmp.Mapping.ProviderID] = struct{}{}
		}
	}
	return set
}

func buildSnapshot(history *stores.DriftCheckHistory, comparisons []WorkflowComparison) string {
	snap := snapshot{
		HistoryID: history.ID,
		CheckedAt: history.CheckedAt,
		Counts: snapshotCounts{
			Total:            history.TotalWorkflows,
			InSync:           history.InSync,
			Drifted:          history.Drifted,
			MissingInGit:     history.MissingInGit,
			MissingInRuntime: history.MissingInRuntime,
		},
	}
	for _, cmp := range comparisons {
		wf := snapshotWorkflow{Name: cmp.Name, Flag: cmp.Flag}
		if cmp.Mapping != nil {
			wf.CanonicalID = cmp.Mapping.CanonicalID
			providerID := cmp.Mapping.ProviderID
			wf.ProviderID = &providerID
		}
		snap.Workflows = append(snap.Workflows, wf)
	}

	blob, _ := json.Marshal(snap)
	return string(blob)
}
