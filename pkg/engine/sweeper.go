package engine

import (
	"context"
	"errors"
	"time"

	"github.com/driftwatch/driftwatch/pkg/policy"
	"github.com/driftwatch/driftwatch/pkg/stores"
)

// Sweep runs one TTL sweeper pass: expiration warnings for incidents
// approaching their deadline, and the expired marker for incidents past
// it. The pass is batch-capped and idempotent; anything skipped on a
// conflict is picked up next pass. Expiry wins races with concurrent
// transitions; the warning write does not.
func (e *Engine) Sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	incidents, err := e.store.ListOpenIncidentsWithTTL(ctx, e.opts.SweepBatchSize)
	if err != nil {
		return nil, NewPermanentError("failed to list open incidents", err)
	}
	result.Scanned = len(incidents)

	// Policies resolved once per tenant per pass.
	configs := make(map[string]*policy.Config)

	now := e.now()
	for _, incident := range incidents {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if incident.ExpiresAt == nil || incident.Expired {
			continue
		}

		cfg, ok := configs[incident.TenantID]
		if !ok {
			cfg, err = e.policies.Resolve(ctx, incident.TenantID)
			if err != nil {
				e.logger.Error().Err(err).
					Str("tenant_id", incident.TenantID).
					Msg("Failed to resolve tenant policy, skipping tenant this pass")
				configs[incident.TenantID] = nil
				continue
			}
			configs[incident.TenantID] = cfg
		}
		if cfg == nil {
			continue
		}

		switch {
		case !now.Before(*incident.ExpiresAt):
			e.sweepExpire(ctx, incident, result)
		case e.inWarningWindow(cfg, incident, now):
			e.sweepWarn(ctx, cfg, incident, result)
		}
	}

	e.logger.Info().
		Int("scanned", result.Scanned).
		Int("expired", result.Expired).
		Int("warnings", result.WarningsSent).
		Int("conflicts", result.Conflicts).
		Msg("Sweep pass complete")

	e.metrics.RecordSweep(result.Expired, result.WarningsSent, result.Conflicts)

	return result, nil
}

func (e *Engine) inWarningWindow(cfg *policy.Config, incident *stores.DriftIncident, now time.Time) bool {
	if !cfg.NotifyOnExpirationWarning || incident.ExpirationWarningSent {
		return false
	}
	window := time.Duration(cfg.ExpirationWarningHours) * time.Hour
	return !now.Before(incident.ExpiresAt.Add(-window))
}

func (e *Engine) sweepExpire(ctx context.Context, incident *stores.DriftIncident, result *SweepResult) {
	expired, err := e.ExpireIncident(ctx, incident.ID, "sweeper")
	if err != nil {
		if IsConflict(err) {
			result.Conflicts++
			return
		}
		e.logger.Error().Err(err).
			Str("incident_id", incident.ID).
			Msg("Failed to expire incident")
		return
	}
	if !expired.Expired {
		// Closed before the expiry landed.
		return
	}
	result.Expired++

	if e.notifier != nil {
		if err := e.notifier.NotifyWarning(ctx, incident.TenantID, incident.ID, NotifyKindIncidentExpired); err != nil {
			result.NotifyFailures++
			e.logger.Warn().Err(err).
				Str("incident_id", incident.ID).
				Msg("Failed to deliver expiry notification")
		}
	}
}

// sweepWarn delivers the one-shot expiration warning. The sent marker is
// committed after delivery: a crash in between re-delivers, a lost CAS
// means another sweeper already handled it.
func (e *Engine) sweepWarn(ctx context.Context, cfg *policy.Config, incident *stores.DriftIncident, result *SweepResult) {
	if e.notifier != nil {
		if err := e.notifier.NotifyWarning(ctx, incident.TenantID, incident.ID, NotifyKindExpirationWarning); err != nil {
			result.NotifyFailures++
			e.logger.Warn().Err(err).
				Str("incident_id", incident.ID).
				Msg("Failed to deliver expiration warning")
			return
		}
	}

	expected := incident.Version
	incident.ExpirationWarningSent = true
	incident.LastActor = "sweeper"
	incident.UpdatedAt = e.now()

	if err := e.store.UpdateIncidentCAS(ctx, incident, expected); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			result.Conflicts++
			return
		}
		e.logger.Error().Err(err).
			Str("incident_id", incident.ID).
			Msg("Failed to record expiration warning")
		return
	}

	result.WarningsSent++
	e.audit(ctx, incident.TenantID, "incident.expiration_warning", "sweeper", incident.ID, nil)
}
