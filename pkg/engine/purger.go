package engine

import (
	"context"
	"errors"
	"time"

	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

// Purge runs one retention purger pass across all tenants. Tenants with
// retention disabled are untouched. Deletions are batch-capped per
// table per pass; a large backlog drains over successive passes.
//
// Payloads purge on their own, shorter, window, so a closed incident
// can shed its bulky snapshot while its metadata row remains queryable.
// Drift check history always keeps each environment's most recent
// record regardless of age. Safety violations on individual incidents
// are skipped and counted, never abort the pass.
func (e *Engine) Purge(ctx context.Context) (*PurgeResult, error) {
	result := &PurgeResult{}

	tenants, err := e.store.ListTenantIDs(ctx)
	if err != nil {
		return nil, NewPermanentError("failed to list tenants", err)
	}

	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		cfg, err := e.policies.Resolve(ctx, tenantID)
		if err != nil {
			e.logger.Error().Err(err).
				Str("tenant_id", tenantID).
				Msg("Failed to resolve tenant policy, skipping tenant this pass")
			continue
		}
		if !cfg.Retention.Enabled {
			continue
		}

		result.Tenants++
		e.purgeTenant(ctx, tenantID, cfg, result)
	}

	e.logger.Info().
		Int("tenants", result.Tenants).
		Int64("incidents", result.IncidentsDeleted).
		Int64("payloads", result.PayloadsDeleted).
		Int64("checks", result.ChecksDeleted).
		Int64("approvals", result.ApprovalsDeleted).
		Int64("artifacts", result.ArtifactsDeleted).
		Int("skipped", result.Skipped).
		Msg("Purge pass complete")

	e.metrics.RecordPurge(result.IncidentsDeleted, result.PayloadsDeleted, result.ChecksDeleted)

	return result, nil
}

func (e *Engine) purgeTenant(ctx context.Context, tenantID string, cfg *policy.Config, result *PurgeResult) {
	now := e.now()
	retention := cfg.Retention

	payloadCutoff := now.AddDate(0, 0, -retention.PayloadDays)
	n, err := e.store.DeleteIncidentPayloadsBefore(ctx, tenantID, payloadCutoff, e.opts.PurgeBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to purge incident payloads")
	} else {
		result.PayloadsDeleted += n
	}

	incidentCutoff := now.AddDate(0, 0, -retention.ClosedIncidentDays)
	e.purgeIncidents(ctx, tenantID, incidentCutoff, result)

	checkCutoff := now.AddDate(0, 0, -retention.CheckHistoryDays)
	e.purgeDriftChecks(ctx, tenantID, checkCutoff, result)

	approvalCutoff := now.AddDate(0, 0, -retention.ApprovalDays)
	n, err = e.store.DeleteApprovalsBefore(ctx, tenantID, approvalCutoff, e.opts.PurgeBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to purge approvals")
	} else {
		result.ApprovalsDeleted += n
	}

	artifactCutoff := now.AddDate(0, 0, -retention.ArtifactDays)
	n, err = e.store.DeleteArtifactsBefore(ctx, tenantID, artifactCutoff, e.opts.PurgeBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to purge artifacts")
	} else {
		result.ArtifactsDeleted += n
	}
}

func (e *Engine) purgeIncidents(ctx context.Context, tenantID string, cutoff time.Time, result *PurgeResult) {
	candidates, err := e.store.ListPurgeableIncidents(ctx, tenantID, cutoff, e.opts.PurgeBatchSize)
	if err != nil {
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list purgeable incidents")
		return
	}

	for _, incident := range candidates {
		// Candidate selection is re-verified row by row; the listing and
		// the delete are not one transaction.
		if !incident.Terminal() && !incident.Expired {
			result.Skipped++
			e.logger.Warn().
				Str("incident_id", incident.ID).
				Str("status", string(incident.Status)).
				Msg("Skipping purge candidate that is neither closed nor expired")
			continue
		}

		// An expired-but-open incident may still hold the environment's
		// active pointer; release it before the row disappears.
		if !incident.Terminal() {
			if err := e.store.SetActiveIncident(ctx, incident.EnvironmentID, nil); err != nil {
				result.Skipped++
				e.logger.Error().Err(err).
					Str("incident_id", incident.ID).
					Msg("Failed to release active incident pointer, skipping purge")
				continue
			}
		}

		if err := e.store.DeleteIncident(ctx, incident.ID, incident.Version); err != nil {
			if errors.Is(err, stores.ErrVersionConflict) {
				// Touched since listing; reconsider next pass.
				result.Skipped++
				continue
			}
			e.logger.Error().Err(err).
				Str("incident_id", incident.ID).
				Msg("Failed to purge incident")
			continue
		}

		result.IncidentsDeleted++
	}
}

func (e *Engine) purgeDriftChecks(ctx context.Context, tenantID string, cutoff time.Time, result *PurgeResult) {
	environments, err := e.store.ListEnvironments(ctx, tenantID, false)
	if err != nil {
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Failed to list environments for check purge")
		return
	}

	for _, env := range environments {
		latest, err := e.store.GetLatestDriftCheck(ctx, tenantID, env.ID)
		if err != nil {
			if errors.Is(err, stores.ErrNotFound) {
				continue
			}
			e.logger.Error().Err(err).Str("environment_id", env.ID).Msg("Failed to find latest drift check")
			continue
		}

		n, err := e.store.DeleteDriftChecksBefore(ctx, tenantID, env.ID, cutoff, latest.ID, e.opts.PurgeBatchSize)
		if err != nil {
			e.logger.Error().Err(err).Str("environment_id", env.ID).Msg("Failed to purge drift checks")
			continue
		}
		result.ChecksDeleted += n
	}
}
